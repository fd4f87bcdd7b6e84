package absence

import "context"

// Repository persists absence records. Upserts are keyed by
// (userID, untisID) and must be safe to retry.
type Repository interface {
	// Upsert inserts or updates absence records for a user.
	Upsert(ctx context.Context, items []Record) error

	// ForUser returns all stored absence records of a user keyed by untis id.
	ForUser(ctx context.Context, userID string) (map[int64]Record, error)
}
