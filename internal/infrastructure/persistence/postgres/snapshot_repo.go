// Package postgres implements the PostgreSQL persistence layer of the sync hub.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/untis-hub/untis-sync-hub/internal/domain/timetable"
)

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// SnapshotRepository implements timetable.SnapshotRepository for PostgreSQL.
// Lessons are stored as a JSONB payload; snapshots are immutable rows.
type SnapshotRepository struct {
	conn *Connection
}

// NewSnapshotRepository creates a new SnapshotRepository.
func NewSnapshotRepository(conn *Connection) *SnapshotRepository {
	return &SnapshotRepository{conn: conn}
}

// Create stores a new snapshot.
func (r *SnapshotRepository) Create(ctx context.Context, snap *timetable.Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	lessonsJSON, err := json.Marshal(snap.Lessons)
	if err != nil {
		return fmt.Errorf("failed to marshal lessons: %w", err)
	}

	query := `
		INSERT INTO timetable_snapshots (id, user_id, range_start, range_end, lessons, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = r.conn.Exec(ctx, query,
		snap.ID,
		snap.UserID.String(),
		snap.RangeStart,
		snap.RangeEnd,
		lessonsJSON,
		snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	return nil
}

// LatestForRange returns the newest snapshot matching the exact range.
func (r *SnapshotRepository) LatestForRange(ctx context.Context, userID timetable.UserID, start, end time.Time) (*timetable.Snapshot, error) {
	query := `
		SELECT id, user_id, range_start, range_end, lessons, created_at
		FROM timetable_snapshots
		WHERE user_id = $1 AND range_start = $2 AND range_end = $3
		ORDER BY created_at DESC
		LIMIT 1
	`

	row := r.conn.QueryRow(ctx, query, userID.String(), start, end)
	return r.scanSnapshot(row)
}

// LatestForUser returns the newest snapshot for the user across all ranges.
func (r *SnapshotRepository) LatestForUser(ctx context.Context, userID timetable.UserID) (*timetable.Snapshot, error) {
	query := `
		SELECT id, user_id, range_start, range_end, lessons, created_at
		FROM timetable_snapshots
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	row := r.conn.QueryRow(ctx, query, userID.String())
	return r.scanSnapshot(row)
}

// DeleteOlderThan removes all snapshots created before the cutoff.
func (r *SnapshotRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.conn.Exec(ctx,
		`DELETE FROM timetable_snapshots WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TrimRangeBuckets keeps only the newest keep snapshots per
// (user, range_start, range_end) bucket.
func (r *SnapshotRepository) TrimRangeBuckets(ctx context.Context, keep int) (int64, error) {
	query := `
		DELETE FROM timetable_snapshots
		WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY user_id, range_start, range_end
					ORDER BY created_at DESC
				) AS rank
				FROM timetable_snapshots
			) ranked
			WHERE ranked.rank > $1
		)
	`

	tag, err := r.conn.Exec(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to trim snapshot buckets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanSnapshot scans a single snapshot row.
func (r *SnapshotRepository) scanSnapshot(row pgx.Row) (*timetable.Snapshot, error) {
	var (
		snap        timetable.Snapshot
		userID      string
		lessonsJSON []byte
	)

	err := row.Scan(&snap.ID, &userID, &snap.RangeStart, &snap.RangeEnd, &lessonsJSON, &snap.CreatedAt)
	if err != nil {
		if IsNoRows(err) {
			return nil, timetable.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}

	snap.UserID = timetable.UserID(userID)
	if err := json.Unmarshal(lessonsJSON, &snap.Lessons); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lessons: %w", err)
	}
	return &snap, nil
}
