// Package postgres implements the PostgreSQL persistence layer of the sync hub.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/untis-hub/untis-sync-hub/internal/domain/user"
)

// ══════════════════════════════════════════════════════════════════════════════
// USER REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// UserRepository implements user.Repository for PostgreSQL.
type UserRepository struct {
	conn *Connection
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(conn *Connection) *UserRepository {
	return &UserRepository{conn: conn}
}

const userColumns = `id, username, school, secret_ciphertext, timezone, settings, is_manager, created_at, updated_at`

// GetByID returns a user, or user.ErrUserNotFound.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*user.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(r.conn.QueryRow(ctx, query, id))
	if err != nil {
		if IsNoRows(err) {
			return nil, user.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// ListActive returns all users with credentials on file, in stable order.
func (r *UserRepository) ListActive(ctx context.Context) ([]*user.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE secret_ciphertext IS NOT NULL ORDER BY created_at, id`
	return r.queryUsers(ctx, query)
}

// ListManagers returns all manager users.
func (r *UserRepository) ListManagers(ctx context.Context) ([]*user.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE is_manager ORDER BY created_at, id`
	return r.queryUsers(ctx, query)
}

// SubscriptionsForUser returns the user's active push subscriptions.
func (r *UserRepository) SubscriptionsForUser(ctx context.Context, userID string) ([]*user.DeviceSubscription, error) {
	query := `
		SELECT id, user_id, endpoint, p256dh, auth, active, overrides, created_at
		FROM device_subscriptions
		WHERE user_id = $1 AND active
		ORDER BY created_at, id
	`

	rows, err := r.conn.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*user.DeviceSubscription
	for rows.Next() {
		var (
			sub           user.DeviceSubscription
			overridesJSON []byte
		)
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth,
			&sub.Active, &overridesJSON, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		if len(overridesJSON) > 0 {
			if err := json.Unmarshal(overridesJSON, &sub.Overrides); err != nil {
				return nil, fmt.Errorf("failed to unmarshal overrides: %w", err)
			}
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}

// DeactivateSubscription clears the active flag for an endpoint.
func (r *UserRepository) DeactivateSubscription(ctx context.Context, userID, endpoint string) error {
	_, err := r.conn.Exec(ctx,
		`UPDATE device_subscriptions SET active = FALSE WHERE user_id = $1 AND endpoint = $2`,
		userID, endpoint)
	if err != nil {
		return fmt.Errorf("failed to deactivate subscription: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Scan helpers
// ─────────────────────────────────────────────────────────────────────────────

func (r *UserRepository) queryUsers(ctx context.Context, query string, args ...interface{}) ([]*user.User, error) {
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var out []*user.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUser(row pgx.Row) (*user.User, error) {
	var (
		u            user.User
		settingsJSON []byte
	)

	err := row.Scan(&u.ID, &u.Username, &u.School, &u.SecretCiphertext, &u.Timezone,
		&settingsJSON, &u.IsManager, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}

	u.Settings = user.DefaultNotificationSettings()
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &u.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
		}
	}
	return &u, nil
}
