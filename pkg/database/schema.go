package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator verifies the database structure matches what the store
// expects, independent of the migration system, so deployment problems
// surface at startup rather than mid-request.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a validator over an open connection.
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist.
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"users":             "account records",
		"courses":           "course membership source",
		"enrollments":       "enrollment records",
		"messages":          "chat message log",
		"schema_migrations": "migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateIndexes verifies the message paging index is in place. Paging
// reads sort on (course_id, timestamp) and degrade badly without it.
func (v *SchemaValidator) ValidateIndexes() error {
	row := v.db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`,
		"idx_messages_course_timestamp",
	)

	var count int
	if err := row.Scan(&count); err != nil {
		return fmt.Errorf("error checking message index: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("required index idx_messages_course_timestamp does not exist")
	}

	return nil
}

func (v *SchemaValidator) tableExists(name string) (bool, error) {
	row := v.db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
		name,
	)

	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}
