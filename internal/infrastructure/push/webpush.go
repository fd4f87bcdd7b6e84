// Package push delivers notifications to browser push services using the
// Web Push protocol with VAPID authentication.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/untis-hub/untis-sync-hub/internal/domain/notification"
	"github.com/untis-hub/untis-sync-hub/internal/domain/user"
	"github.com/untis-hub/untis-sync-hub/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrSubscriptionGone means the push service no longer knows the
	// endpoint. The subscription must be deactivated and never retried.
	ErrSubscriptionGone = errors.New("push: subscription gone")

	// ErrPayloadTooLarge means the push service rejected the payload size.
	// Also terminal for this subscription: retrying the same payload can
	// only fail again.
	ErrPayloadTooLarge = errors.New("push: payload too large")

	// ErrMissingVAPIDKeys means the sender was constructed without keys.
	ErrMissingVAPIDKeys = errors.New("push: missing VAPID keys")
)

// Terminal reports whether a delivery error means the subscription should be
// marked inactive.
func Terminal(err error) bool {
	return errors.Is(err, ErrSubscriptionGone) || errors.Is(err, ErrPayloadTooLarge)
}

// ══════════════════════════════════════════════════════════════════════════════
// SENDER
// ══════════════════════════════════════════════════════════════════════════════

// Config holds Web Push (VAPID) settings.
type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string

	// Subscriber is the mailto: contact required by push services.
	Subscriber string

	// TTL is the push message TTL in seconds.
	TTL int

	// Timeout bounds a single delivery attempt.
	Timeout time.Duration

	Logger *slog.Logger
}

// Payload is the JSON document delivered to the service worker.
type Payload struct {
	Type    notification.Type `json:"type"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}

// PayloadFromRecord builds the wire payload for a stored notification.
func PayloadFromRecord(rec *notification.Record) Payload {
	return Payload{
		Type:    rec.Type,
		Title:   rec.Title,
		Message: rec.Message,
		Data:    rec.Data,
	}
}

// Sender delivers payloads to individual device subscriptions. Safe for
// concurrent use; fan-out across a user's devices runs one goroutine per
// subscription.
type Sender struct {
	config  Config
	logger  *slog.Logger
	retrier *retry.Retrier
}

// NewSender creates a Sender.
func NewSender(config Config) (*Sender, error) {
	if config.VAPIDPublicKey == "" || config.VAPIDPrivateKey == "" {
		return nil, ErrMissingVAPIDKeys
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	return &Sender{
		config:  config,
		logger:  config.Logger,
		retrier: retry.PushRetrier(),
	}, nil
}

// Send delivers one payload to one subscription. Gone and too-large
// responses come back as terminal errors; transient failures are retried
// once before giving up.
func (s *Sender) Send(ctx context.Context, sub *user.DeviceSubscription, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	target := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}

	return s.retrier.Do(ctx, func(ctx context.Context) error {
		resp, err := webpush.SendNotificationWithContext(ctx, body, target, &webpush.Options{
			Subscriber:      s.config.Subscriber,
			VAPIDPublicKey:  s.config.VAPIDPublicKey,
			VAPIDPrivateKey: s.config.VAPIDPrivateKey,
			TTL:             s.config.TTL,
		})
		if err != nil {
			return retry.Retryable(fmt.Errorf("send notification: %w", err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return retry.Permanent(ErrSubscriptionGone)
		case resp.StatusCode == http.StatusRequestEntityTooLarge:
			return retry.Permanent(ErrPayloadTooLarge)
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return retry.Retryable(fmt.Errorf("push service status %d", resp.StatusCode))
		case resp.StatusCode >= 400:
			return retry.Permanent(fmt.Errorf("push service rejected: status %d", resp.StatusCode))
		default:
			return nil
		}
	})
}
