package database

import (
	"database/sql"
	"fmt"
)

// Migration is one versioned schema change. Migrations are compiled into
// the binary rather than shipped as loose files, so a deployment can never
// run against schema definitions it was not built with.
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// migrations are applied in slice order; never reorder or edit an applied
// entry, append a new version instead.
var migrations = []Migration{
	{
		Version:     "001",
		Description: "users, courses and enrollments",
		SQL: `
			CREATE TABLE users (
				id    TEXT PRIMARY KEY,
				name  TEXT NOT NULL,
				email TEXT NOT NULL UNIQUE,
				role  TEXT NOT NULL CHECK (role IN ('learner', 'instructor'))
			);

			CREATE TABLE courses (
				id            TEXT PRIMARY KEY,
				title         TEXT NOT NULL,
				instructor_id TEXT NOT NULL REFERENCES users(id)
			);

			CREATE TABLE enrollments (
				user_id   TEXT NOT NULL REFERENCES users(id),
				course_id TEXT NOT NULL REFERENCES courses(id),
				status    TEXT NOT NULL DEFAULT 'active',
				PRIMARY KEY (user_id, course_id)
			);
		`,
	},
	{
		Version:     "002",
		Description: "chat message log",
		SQL: `
			CREATE TABLE messages (
				id            TEXT PRIMARY KEY,
				course_id     TEXT NOT NULL REFERENCES courses(id),
				sender_id     TEXT NOT NULL REFERENCES users(id),
				body          TEXT NOT NULL,
				is_instructor INTEGER NOT NULL DEFAULT 0,
				timestamp     DATETIME NOT NULL
			);

			CREATE INDEX idx_messages_course_timestamp
				ON messages (course_id, timestamp DESC);
		`,
	},
}

// MigrationManager applies pending migrations and tracks applied versions.
type MigrationManager struct {
	db *sql.DB
}

// NewMigrationManager creates a migration manager over an open connection.
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

// ApplyMigrations applies all pending migrations in order. Each migration
// runs in its own transaction together with its version bookkeeping, so a
// failure leaves the schema at a known version.
func (m *MigrationManager) ApplyMigrations() error {
	if err := m.createMigrationTable(); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	applied, err := m.appliedVersions()
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}
		if err := m.apply(migration); err != nil {
			return fmt.Errorf("failed to apply migration %s (%s): %w",
				migration.Version, migration.Description, err)
		}
	}

	return nil
}

func (m *MigrationManager) createMigrationTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func (m *MigrationManager) appliedVersions() (map[string]bool, error) {
	rows, err := m.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (m *MigrationManager) apply(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version) VALUES (?)`, migration.Version,
	); err != nil {
		return err
	}

	return tx.Commit()
}
