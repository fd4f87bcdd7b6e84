package notification

import (
	"context"
	"time"
)

// Repository persists notification records. Inserting a record whose
// (userID, dedupeKey) already exists must fail with ErrDuplicate; callers
// rely on that to make creation idempotent across retries and restarts.
type Repository interface {
	// Create stores a new record. Returns ErrDuplicate when the dedupe-key
	// constraint rejects the insert.
	Create(ctx context.Context, rec *Record) error

	// FindByDedupeKey returns the record with the given key for the user,
	// or nil when none exists.
	FindByDedupeKey(ctx context.Context, userID, dedupeKey string) (*Record, error)

	// ExistsSimilarSince reports whether a record with identical type,
	// title and message was created for the user after the cutoff. Used by
	// the legacy content-based dedupe fallback for keyless intents.
	ExistsSimilarSince(ctx context.Context, userID string, t Type, title, message string, cutoff time.Time) (bool, error)

	// MarkSent flags a record as delivered to at least one device.
	MarkSent(ctx context.Context, id string) error

	// DeleteExpired removes records whose expiry has passed and returns the
	// number of rows deleted.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
