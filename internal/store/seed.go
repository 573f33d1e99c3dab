package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-sqlite3"

	"coursechat/pkg/types"
)

// seedFile is the JSON shape a deployment can point COURSECHAT_SEED_FILE at
// to bootstrap users, courses and enrollments for development setups.
type seedFile struct {
	Users       []types.User       `json:"users"`
	Courses     []types.Course     `json:"courses"`
	Enrollments []types.Enrollment `json:"enrollments"`
}

// Seed loads a JSON fixture into the store. Existing rows are left alone;
// seeding is additive so it is safe to run on every startup.
func (s *Store) Seed(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file %s: %w", path, err)
	}

	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}

	created := 0
	for i := range seed.Users {
		if err := s.CreateUser(ctx, &seed.Users[i]); err != nil {
			// Duplicate rows from a previous run are expected; anything
			// else in the fixture should stop startup.
			if isConstraintError(err) {
				continue
			}
			return fmt.Errorf("failed to seed user %s: %w", seed.Users[i].ID, err)
		}
		created++
	}

	for i := range seed.Courses {
		if err := s.CreateCourse(ctx, &seed.Courses[i]); err != nil {
			if isConstraintError(err) {
				continue
			}
			return fmt.Errorf("failed to seed course %s: %w", seed.Courses[i].ID, err)
		}
		created++
	}

	for _, e := range seed.Enrollments {
		status := e.Status
		if status == "" {
			status = types.EnrollmentActive
		}
		if err := s.Enroll(ctx, e.UserID, e.CourseID, status); err != nil {
			return fmt.Errorf("failed to seed enrollment %s/%s: %w", e.UserID, e.CourseID, err)
		}
		created++
	}

	log.Printf("Seed applied: %d new rows from %s", created, path)
	return nil
}

func isConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return strings.Contains(err.Error(), "constraint failed")
}
