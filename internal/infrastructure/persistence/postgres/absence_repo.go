// Package postgres implements the PostgreSQL persistence layer of the sync hub.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/untis-hub/untis-sync-hub/internal/domain/absence"
)

// ══════════════════════════════════════════════════════════════════════════════
// ABSENCE REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// AbsenceRepository implements absence.Repository for PostgreSQL.
type AbsenceRepository struct {
	conn *Connection
}

// NewAbsenceRepository creates a new AbsenceRepository.
func NewAbsenceRepository(conn *Connection) *AbsenceRepository {
	return &AbsenceRepository{conn: conn}
}

// Upsert inserts or updates absence records, keyed by (user_id, untis_id).
func (r *AbsenceRepository) Upsert(ctx context.Context, items []absence.Record) error {
	if len(items) == 0 {
		return nil
	}

	query := `
		INSERT INTO absences (user_id, untis_id, start_date, end_date, excused, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))
		ON CONFLICT (user_id, untis_id) DO UPDATE SET
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			excused = EXCLUDED.excused,
			reason = EXCLUDED.reason
	`

	batch := &pgx.Batch{}
	for _, rec := range items {
		var createdAt interface{}
		if !rec.CreatedAt.IsZero() {
			createdAt = rec.CreatedAt
		}
		batch.Queue(query, rec.UserID, rec.UntisID, rec.StartDate, rec.EndDate,
			rec.Excused, rec.Reason, createdAt)
	}

	results := r.conn.Pool().SendBatch(ctx, batch)
	defer results.Close()

	for range items {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert absence: %w", err)
		}
	}
	return nil
}

// ForUser returns all stored absence records of a user keyed by untis id.
func (r *AbsenceRepository) ForUser(ctx context.Context, userID string) (map[int64]absence.Record, error) {
	query := `
		SELECT user_id, untis_id, start_date, end_date, excused, reason, created_at
		FROM absences
		WHERE user_id = $1
	`

	rows, err := r.conn.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query absences: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]absence.Record)
	for rows.Next() {
		var rec absence.Record
		if err := rows.Scan(&rec.UserID, &rec.UntisID, &rec.StartDate, &rec.EndDate,
			&rec.Excused, &rec.Reason, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan absence: %w", err)
		}
		out[rec.UntisID] = rec
	}
	return out, rows.Err()
}
