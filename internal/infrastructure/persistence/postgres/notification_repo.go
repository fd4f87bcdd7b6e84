// Package postgres implements the PostgreSQL persistence layer of the sync hub.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/untis-hub/untis-sync-hub/internal/domain/notification"
)

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFICATION REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// NotificationRepository implements notification.Repository for PostgreSQL.
// The partial unique index on (user_id, dedupe_key) is what makes Create
// idempotent; a violation surfaces as notification.ErrDuplicate.
type NotificationRepository struct {
	conn *Connection
}

// NewNotificationRepository creates a new NotificationRepository.
func NewNotificationRepository(conn *Connection) *NotificationRepository {
	return &NotificationRepository{conn: conn}
}

// Create stores a new record, failing with ErrDuplicate when the dedupe-key
// constraint rejects the insert.
func (r *NotificationRepository) Create(ctx context.Context, rec *notification.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	dataJSON, err := json.Marshal(dataOrEmpty(rec.Data))
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	query := `
		INSERT INTO notifications (id, user_id, type, title, message, data, dedupe_key, sent, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = r.conn.Exec(ctx, query,
		rec.ID,
		rec.UserID,
		string(rec.Type),
		rec.Title,
		rec.Message,
		dataJSON,
		rec.DedupeKey,
		rec.Sent,
		rec.ExpiresAt,
		rec.CreatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return notification.ErrDuplicate
		}
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// FindByDedupeKey returns the record with the given key, or nil.
func (r *NotificationRepository) FindByDedupeKey(ctx context.Context, userID, dedupeKey string) (*notification.Record, error) {
	query := `
		SELECT id, user_id, type, title, message, data, dedupe_key, sent, expires_at, created_at
		FROM notifications
		WHERE user_id = $1 AND dedupe_key = $2
	`

	row := r.conn.QueryRow(ctx, query, userID, dedupeKey)

	rec, err := scanNotification(row)
	if err != nil {
		if IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// ExistsSimilarSince reports whether a record with identical type, title and
// message was created for the user after the cutoff.
func (r *NotificationRepository) ExistsSimilarSince(ctx context.Context, userID string, t notification.Type, title, message string, cutoff time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM notifications
			WHERE user_id = $1 AND type = $2 AND title = $3 AND message = $4 AND created_at >= $5
		)
	`

	var exists bool
	err := r.conn.QueryRow(ctx, query, userID, string(t), title, message, cutoff).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check similar notifications: %w", err)
	}
	return exists, nil
}

// MarkSent flags a record as delivered to at least one device.
func (r *NotificationRepository) MarkSent(ctx context.Context, id string) error {
	_, err := r.conn.Exec(ctx, `UPDATE notifications SET sent = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}
	return nil
}

// DeleteExpired removes records whose expiry has passed.
func (r *NotificationRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.conn.Exec(ctx,
		`DELETE FROM notifications WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanNotification scans a single notification row.
func scanNotification(row interface{ Scan(dest ...any) error }) (*notification.Record, error) {
	var (
		rec      notification.Record
		typ      string
		dataJSON []byte
	)

	err := row.Scan(&rec.ID, &rec.UserID, &typ, &rec.Title, &rec.Message,
		&dataJSON, &rec.DedupeKey, &rec.Sent, &rec.ExpiresAt, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}

	rec.Type = notification.Type(typ)
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &rec.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal data: %w", err)
		}
	}
	return &rec, nil
}

func dataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
