// Package postgres implements the PostgreSQL persistence layer of the sync hub.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION SUPPORT
// ══════════════════════════════════════════════════════════════════════════════

// Migration represents a database migration.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// Migrator applies the embedded schema migrations in order.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
}

// NewMigrator creates a new migrator with the embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{
		conn:       conn,
		migrations: GetMigrations(),
		tableName:  "schema_migrations",
	}
}

// EnsureMigrationTable creates the migration tracking table if it doesn't exist.
func (m *Migrator) EnsureMigrationTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`, m.tableName)

	if _, err := m.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// GetAppliedMigrations returns all applied migration versions.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) (map[int]time.Time, error) {
	query := fmt.Sprintf("SELECT version, applied_at FROM %s ORDER BY version", m.tableName)

	rows, err := m.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[version] = appliedAt
	}
	return applied, rows.Err()
}

// Migrate applies all pending migrations, each in its own transaction.
func (m *Migrator) Migrate(ctx context.Context) error {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if _, isApplied := applied[mig.Version]; isApplied {
			continue
		}
		if mig.UpSQL == "" {
			return fmt.Errorf("%w: missing up SQL for migration %d", ErrMigrationFailed, mig.Version)
		}

		err := m.conn.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", mig.Version, err)
			}
			insertQuery := fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.tableName)
			_, err := tx.Exec(ctx, insertQuery, mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// EMBEDDED MIGRATIONS
// ══════════════════════════════════════════════════════════════════════════════

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_users",
			UpSQL:   migration001Up,
			DownSQL: migration001Down,
		},
		{
			Version: 2,
			Name:    "create_timetable",
			UpSQL:   migration002Up,
			DownSQL: migration002Down,
		},
		{
			Version: 3,
			Name:    "create_notifications",
			UpSQL:   migration003Up,
			DownSQL: migration003Down,
		},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: USERS AND DEVICE SUBSCRIPTIONS
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
CREATE TABLE IF NOT EXISTS users (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    username VARCHAR(100) NOT NULL,
    school VARCHAR(100) NOT NULL,
    secret_ciphertext BYTEA,
    timezone VARCHAR(64) NOT NULL DEFAULT '',
    is_manager BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    -- Notification defaults (JSONB for flexibility)
    settings JSONB NOT NULL DEFAULT '{
        "cancelledEnabled": true,
        "irregularEnabled": true,
        "upcomingEnabled": false,
        "changesEnabled": true,
        "absencesEnabled": true,
        "scope": "week"
    }'::jsonb,

    UNIQUE(school, username)
);

CREATE INDEX IF NOT EXISTS idx_users_is_manager ON users(is_manager) WHERE is_manager;
CREATE INDEX IF NOT EXISTS idx_users_with_secret ON users(id) WHERE secret_ciphertext IS NOT NULL;

CREATE TABLE IF NOT EXISTS device_subscriptions (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    endpoint TEXT NOT NULL,
    p256dh TEXT NOT NULL,
    auth TEXT NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    overrides JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    UNIQUE(user_id, endpoint)
);

CREATE INDEX IF NOT EXISTS idx_device_subscriptions_user_active
    ON device_subscriptions(user_id) WHERE active;
`

const migration001Down = `
DROP TABLE IF EXISTS device_subscriptions;
DROP TABLE IF EXISTS users;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: SNAPSHOTS, HOMEWORK, EXAMS, ABSENCES
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS timetable_snapshots (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    range_start TIMESTAMP WITH TIME ZONE,
    range_end TIMESTAMP WITH TIME ZONE,
    lessons JSONB NOT NULL DEFAULT '[]'::jsonb,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

-- Exact-range lookups always want the newest snapshot first.
CREATE INDEX IF NOT EXISTS idx_snapshots_user_range
    ON timetable_snapshots(user_id, range_start, range_end, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_snapshots_created_at
    ON timetable_snapshots(created_at);

CREATE TABLE IF NOT EXISTS homework (
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    untis_id BIGINT NOT NULL,
    lesson_id BIGINT NOT NULL DEFAULT 0,
    due_date INTEGER NOT NULL,
    subject VARCHAR(200) NOT NULL DEFAULT '',
    text TEXT NOT NULL DEFAULT '',
    completed BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY(user_id, untis_id)
);

CREATE INDEX IF NOT EXISTS idx_homework_user_due ON homework(user_id, due_date);

CREATE TABLE IF NOT EXISTS exams (
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    untis_id BIGINT NOT NULL,
    exam_date INTEGER NOT NULL,
    start_time INTEGER NOT NULL DEFAULT 0,
    end_time INTEGER NOT NULL DEFAULT 0,
    subject VARCHAR(200) NOT NULL DEFAULT '',
    teachers TEXT[] NOT NULL DEFAULT '{}',
    rooms TEXT[] NOT NULL DEFAULT '{}',
    name VARCHAR(200) NOT NULL DEFAULT '',
    text TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY(user_id, untis_id)
);

CREATE INDEX IF NOT EXISTS idx_exams_user_date ON exams(user_id, exam_date);

CREATE TABLE IF NOT EXISTS absences (
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    untis_id BIGINT NOT NULL,
    start_date INTEGER NOT NULL,
    end_date INTEGER NOT NULL,
    excused BOOLEAN NOT NULL DEFAULT FALSE,
    reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY(user_id, untis_id)
);
`

const migration002Down = `
DROP TABLE IF EXISTS absences;
DROP TABLE IF EXISTS exams;
DROP TABLE IF EXISTS homework;
DROP TABLE IF EXISTS timetable_snapshots;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: NOTIFICATIONS
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
CREATE TABLE IF NOT EXISTS notifications (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    type VARCHAR(40) NOT NULL,
    title TEXT NOT NULL,
    message TEXT NOT NULL,
    data JSONB NOT NULL DEFAULT '{}'::jsonb,
    dedupe_key TEXT,
    sent BOOLEAN NOT NULL DEFAULT FALSE,
    expires_at TIMESTAMP WITH TIME ZONE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

-- Idempotent creation: one row per (user, dedupe key). Keyless rows are
-- exempt and rely on the content-based suppression window instead.
CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_dedupe
    ON notifications(user_id, dedupe_key) WHERE dedupe_key IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_notifications_user_created
    ON notifications(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_notifications_expires
    ON notifications(expires_at) WHERE expires_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_notifications_similar
    ON notifications(user_id, type, created_at DESC);
`

const migration003Down = `
DROP TABLE IF EXISTS notifications;
`
