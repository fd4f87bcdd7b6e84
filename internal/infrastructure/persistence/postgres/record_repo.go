// Package postgres implements the PostgreSQL persistence layer of the sync hub.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/untis-hub/untis-sync-hub/internal/domain/records"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// RecordRepository implements records.Repository for PostgreSQL. Upserts are
// keyed by (user_id, untis_id) and safe to retry.
type RecordRepository struct {
	conn *Connection
}

// NewRecordRepository creates a new RecordRepository.
func NewRecordRepository(conn *Connection) *RecordRepository {
	return &RecordRepository{conn: conn}
}

// ─────────────────────────────────────────────────────────────────────────────
// Homework
// ─────────────────────────────────────────────────────────────────────────────

// UpsertHomework inserts or updates homework records.
func (r *RecordRepository) UpsertHomework(ctx context.Context, items []records.Homework) error {
	if len(items) == 0 {
		return nil
	}

	query := `
		INSERT INTO homework (user_id, untis_id, lesson_id, due_date, subject, text, completed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (user_id, untis_id) DO UPDATE SET
			lesson_id = EXCLUDED.lesson_id,
			due_date = EXCLUDED.due_date,
			subject = EXCLUDED.subject,
			text = EXCLUDED.text,
			completed = EXCLUDED.completed,
			updated_at = NOW()
	`

	batch := &pgx.Batch{}
	for _, h := range items {
		batch.Queue(query, h.UserID, h.UntisID, h.LessonID, h.DueDate, h.Subject, h.Text, h.Completed)
	}

	results := r.conn.Pool().SendBatch(ctx, batch)
	defer results.Close()

	for range items {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert homework: %w", err)
		}
	}
	return nil
}

// HomeworkForRange returns a user's homework due within the date range.
func (r *RecordRepository) HomeworkForRange(ctx context.Context, userID string, startDate, endDate int) ([]records.Homework, error) {
	query := `
		SELECT user_id, untis_id, lesson_id, due_date, subject, text, completed
		FROM homework
		WHERE user_id = $1 AND due_date BETWEEN $2 AND $3
		ORDER BY due_date, untis_id
	`

	rows, err := r.conn.Query(ctx, query, userID, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query homework: %w", err)
	}
	defer rows.Close()

	var out []records.Homework
	for rows.Next() {
		var h records.Homework
		if err := rows.Scan(&h.UserID, &h.UntisID, &h.LessonID, &h.DueDate, &h.Subject, &h.Text, &h.Completed); err != nil {
			return nil, fmt.Errorf("failed to scan homework: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Exams
// ─────────────────────────────────────────────────────────────────────────────

// UpsertExams inserts or updates exam records. Callers pass merged records.
func (r *RecordRepository) UpsertExams(ctx context.Context, items []records.Exam) error {
	if len(items) == 0 {
		return nil
	}

	query := `
		INSERT INTO exams (user_id, untis_id, exam_date, start_time, end_time, subject, teachers, rooms, name, text, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (user_id, untis_id) DO UPDATE SET
			exam_date = EXCLUDED.exam_date,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			subject = EXCLUDED.subject,
			teachers = EXCLUDED.teachers,
			rooms = EXCLUDED.rooms,
			name = EXCLUDED.name,
			text = EXCLUDED.text,
			updated_at = NOW()
	`

	batch := &pgx.Batch{}
	for _, e := range items {
		batch.Queue(query, e.UserID, e.UntisID, e.Date, e.StartTime, e.EndTime,
			e.Subject, sliceOrEmpty(e.Teachers), sliceOrEmpty(e.Rooms), e.Name, e.Text)
	}

	results := r.conn.Pool().SendBatch(ctx, batch)
	defer results.Close()

	for range items {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert exam: %w", err)
		}
	}
	return nil
}

// ExamsForRange returns a user's exams within the date range.
func (r *RecordRepository) ExamsForRange(ctx context.Context, userID string, startDate, endDate int) ([]records.Exam, error) {
	query := `
		SELECT user_id, untis_id, exam_date, start_time, end_time, subject, teachers, rooms, name, text
		FROM exams
		WHERE user_id = $1 AND exam_date BETWEEN $2 AND $3
		ORDER BY exam_date, start_time, untis_id
	`

	rows, err := r.conn.Query(ctx, query, userID, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query exams: %w", err)
	}
	defer rows.Close()

	var out []records.Exam
	for rows.Next() {
		var e records.Exam
		if err := rows.Scan(&e.UserID, &e.UntisID, &e.Date, &e.StartTime, &e.EndTime,
			&e.Subject, &e.Teachers, &e.Rooms, &e.Name, &e.Text); err != nil {
			return nil, fmt.Errorf("failed to scan exam: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// sliceOrEmpty maps nil to an empty array so the TEXT[] column never sees NULL.
func sliceOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
