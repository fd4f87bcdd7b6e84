package timetable

import (
	"context"
	"errors"
	"time"
)

// ErrSnapshotNotFound is returned when no snapshot matches a lookup.
var ErrSnapshotNotFound = errors.New("timetable: snapshot not found")

// SnapshotRepository persists timetable snapshots.
type SnapshotRepository interface {
	// Create stores a new snapshot. Snapshots are immutable; refreshing a
	// range always creates a new row.
	Create(ctx context.Context, snap *Snapshot) error

	// LatestForRange returns the newest snapshot matching the exact
	// normalized range, or ErrSnapshotNotFound.
	LatestForRange(ctx context.Context, userID UserID, start, end time.Time) (*Snapshot, error)

	// LatestForUser returns the newest snapshot for the user across all
	// ranges, or ErrSnapshotNotFound.
	LatestForUser(ctx context.Context, userID UserID) (*Snapshot, error)

	// DeleteOlderThan removes all snapshots created before the cutoff and
	// returns the number of rows deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// TrimRangeBuckets keeps only the newest keep snapshots per
	// (user, range start, range end) bucket and returns the number of rows
	// deleted.
	TrimRangeBuckets(ctx context.Context, keep int) (int64, error)
}
