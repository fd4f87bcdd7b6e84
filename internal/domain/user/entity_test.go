package user

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func boolPtr(v bool) *bool { return &v }

func TestWantsNotification_DeviceOverrideWins(t *testing.T) {
	defaults := DefaultNotificationSettings() // cancelled enabled by default

	device := &DeviceSubscription{
		Overrides: map[string]*bool{SettingCancelled: boolPtr(false)},
	}

	// Explicit device disable beats the enabled user default.
	assert.False(t, device.WantsNotification(SettingCancelled, defaults))
}

func TestWantsNotification_DeviceOptInForUpcoming(t *testing.T) {
	defaults := DefaultNotificationSettings() // upcoming is opt-in, off

	plain := &DeviceSubscription{}
	assert.False(t, plain.WantsNotification(SettingUpcoming, defaults))

	optedIn := &DeviceSubscription{
		Overrides: map[string]*bool{SettingUpcoming: boolPtr(true)},
	}
	assert.True(t, optedIn.WantsNotification(SettingUpcoming, defaults))
}

func TestWantsNotification_NilOverrideFallsThrough(t *testing.T) {
	defaults := DefaultNotificationSettings()
	device := &DeviceSubscription{
		Overrides: map[string]*bool{SettingIrregular: nil},
	}

	assert.True(t, device.WantsNotification(SettingIrregular, defaults))
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultNotificationSettings()

	assert.True(t, s.CancelledEnabled)
	assert.False(t, s.UpcomingEnabled)
	assert.Equal(t, ScopeWeek, s.Scope)
	assert.False(t, s.Enabled("unknown_setting"))
}

func TestUserLocation(t *testing.T) {
	fallback := time.UTC

	assert.Equal(t, fallback, (&User{}).Location(fallback))
	assert.Equal(t, fallback, (&User{Timezone: "Nowhere/Invalid"}).Location(fallback))

	berlin := &User{Timezone: "Europe/Berlin"}
	assert.Equal(t, "Europe/Berlin", berlin.Location(fallback).String())
}

func TestHasCredentials(t *testing.T) {
	assert.False(t, (&User{}).HasCredentials())
	assert.True(t, (&User{SecretCiphertext: []byte{1}}).HasCredentials())
}
