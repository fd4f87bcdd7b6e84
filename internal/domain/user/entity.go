// Package user contains the account model of the sync engine: upstream
// credentials, notification settings with per-device overrides, and push
// subscriptions.
package user

import (
	"context"
	"errors"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// USER
// ══════════════════════════════════════════════════════════════════════════════

// User is an account whose timetable the engine synchronizes.
type User struct {
	ID       string
	Username string
	School   string

	// SecretCiphertext is the encrypted upstream password. Nil means no
	// credential is on file; the cache then fails with a fatal error
	// instead of attempting a fetch.
	SecretCiphertext []byte

	// Timezone is the user's IANA timezone name. Empty falls back to the
	// application default.
	Timezone string

	Settings NotificationSettings

	// IsManager marks users who receive access-request notifications.
	IsManager bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasCredentials reports whether an upstream secret is on file.
func (u *User) HasCredentials() bool {
	return len(u.SecretCiphertext) > 0
}

// Location resolves the user's timezone, falling back to the given default.
func (u *User) Location(fallback *time.Location) *time.Location {
	if u.Timezone == "" {
		return fallback
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return fallback
	}
	return loc
}

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFICATION SETTINGS
// ══════════════════════════════════════════════════════════════════════════════

// Scope limits status notifications to the current day or the current week.
type Scope string

const (
	ScopeDay  Scope = "day"
	ScopeWeek Scope = "week"
)

// Setting names shared between user-level settings and device overrides.
const (
	SettingCancelled = "cancelled_lesson"
	SettingIrregular = "irregular_lesson"
	SettingUpcoming  = "upcoming_lesson"
	SettingChanges   = "timetable_change"
	SettingAbsences  = "absences"
)

// NotificationSettings are the user-level defaults. A device override (see
// DeviceSubscription.Overrides) takes precedence when present.
type NotificationSettings struct {
	CancelledEnabled bool  `json:"cancelledEnabled"`
	IrregularEnabled bool  `json:"irregularEnabled"`
	UpcomingEnabled  bool  `json:"upcomingEnabled"`
	ChangesEnabled   bool  `json:"changesEnabled"`
	AbsencesEnabled  bool  `json:"absencesEnabled"`
	Scope            Scope `json:"scope"`
}

// DefaultNotificationSettings returns the defaults for new users. The
// upcoming-lesson reminder is opt-in and starts disabled.
func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{
		CancelledEnabled: true,
		IrregularEnabled: true,
		UpcomingEnabled:  false,
		ChangesEnabled:   true,
		AbsencesEnabled:  true,
		Scope:            ScopeWeek,
	}
}

// Enabled returns the user-level default for a setting name.
func (s NotificationSettings) Enabled(setting string) bool {
	switch setting {
	case SettingCancelled:
		return s.CancelledEnabled
	case SettingIrregular:
		return s.IrregularEnabled
	case SettingUpcoming:
		return s.UpcomingEnabled
	case SettingChanges:
		return s.ChangesEnabled
	case SettingAbsences:
		return s.AbsencesEnabled
	default:
		return false
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DEVICE SUBSCRIPTION
// ══════════════════════════════════════════════════════════════════════════════

// DeviceSubscription is a Web Push subscription of one of the user's
// devices. The endpoint is unique per user.
type DeviceSubscription struct {
	ID     string
	UserID string

	// Web Push subscription fields.
	Endpoint string
	P256dh   string
	Auth     string

	// Active is cleared when the push service reports the subscription as
	// gone; inactive subscriptions are never retried.
	Active bool

	// Overrides maps setting names to a device-local choice. A nil entry
	// means "no override, use the user default".
	Overrides map[string]*bool

	CreatedAt time.Time
}

// WantsNotification resolves whether this device should receive a
// notification for the given setting: the device override is consulted
// before the user-level default, and an explicit device-level disable always
// wins over an enabled user default.
func (d *DeviceSubscription) WantsNotification(setting string, userDefaults NotificationSettings) bool {
	if override, ok := d.Overrides[setting]; ok && override != nil {
		return *override
	}
	return userDefaults.Enabled(setting)
}

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// ErrUserNotFound is returned when a user lookup misses.
var ErrUserNotFound = errors.New("user: not found")

// Repository persists users and their push subscriptions.
type Repository interface {
	// GetByID returns a user, or ErrUserNotFound.
	GetByID(ctx context.Context, id string) (*User, error)

	// ListActive returns all users with credentials on file, in stable order.
	ListActive(ctx context.Context) ([]*User, error)

	// ListManagers returns all manager users.
	ListManagers(ctx context.Context) ([]*User, error)

	// SubscriptionsForUser returns the user's active push subscriptions.
	SubscriptionsForUser(ctx context.Context, userID string) ([]*DeviceSubscription, error)

	// DeactivateSubscription clears the Active flag for an endpoint.
	DeactivateSubscription(ctx context.Context, userID, endpoint string) error
}
