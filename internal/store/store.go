package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"coursechat/pkg/database"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Store is the SQLite-backed persistence layer: the append-only message log
// plus the user, course and enrollment reads that identity and membership
// checks depend on. Reads run concurrently; all writes funnel through a
// single goroutine because SQLite allows one writer at a time.
type Store struct {
	db       *sql.DB
	writeCh  chan writeOp
	shutdown chan struct{}
	wg       sync.WaitGroup
	closed   bool
	mu       sync.RWMutex
}

type writeOp struct {
	operation func(*sql.DB) error
	result    chan error
}

// New opens the database, applies pragmas and migrations, and starts the
// writer goroutine.
func New(cfg *database.Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := database.ApplyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite pragmas: %w", err)
	}

	if err := database.NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	s := &Store{
		db:       db,
		writeCh:  make(chan writeOp, 100),
		shutdown: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

// writeLoop processes all write operations in a single goroutine. A failed
// write is retried once after a short backoff; a second failure is the
// caller's problem to surface.
func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeCh:
			err := op.operation(s.db)
			if err != nil {
				log.Printf("Database write failed, retrying: %v", err)
				time.Sleep(250 * time.Millisecond)
				err = op.operation(s.db)
				if err != nil {
					log.Printf("Database write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-s.shutdown:
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion.
func (s *Store) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case s.writeCh <- writeOp{operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return ErrWriteTimeout
	case <-s.shutdown:
		return ErrStoreClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetUser returns the account record behind a principal ID.
func (s *Store) GetUser(ctx context.Context, userID string) (*types.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, role FROM users WHERE id = ?`, userID)

	var u types.User
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Role); err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

// GetCourse returns the course fields membership checks read.
func (s *Store) GetCourse(ctx context.Context, courseID string) (*types.Course, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, instructor_id FROM courses WHERE id = ?`, courseID)

	var c types.Course
	if err := row.Scan(&c.ID, &c.Title, &c.InstructorID); err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrCourseNotFound
		}
		return nil, fmt.Errorf("failed to query course: %w", err)
	}
	return &c, nil
}

// HasActiveEnrollment reports whether an active enrollment row exists for
// the (user, course) pair.
func (s *Store) HasActiveEnrollment(ctx context.Context, userID, courseID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM enrollments WHERE user_id = ? AND course_id = ? AND status = ?`,
		userID, courseID, types.EnrollmentActive)

	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("failed to query enrollment: %w", err)
	}
	return count > 0, nil
}

// CreateUser inserts an account record. Used by the seed loader and tests;
// account management proper lives outside the chat core.
func (s *Store) CreateUser(ctx context.Context, user *types.User) error {
	if !types.IsValidID(user.ID) {
		return types.ErrInvalidID
	}
	if !types.IsValidRole(user.Role) {
		return types.ErrInvalidRole
	}

	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO users (id, name, email, role) VALUES (?, ?, ?, ?)`,
			user.ID, user.Name, user.Email, user.Role)
		if err != nil {
			return fmt.Errorf("failed to insert user: %w", err)
		}
		return nil
	})
}

// CreateCourse inserts a course record.
func (s *Store) CreateCourse(ctx context.Context, course *types.Course) error {
	if !types.IsValidID(course.ID) {
		return types.ErrInvalidID
	}

	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO courses (id, title, instructor_id) VALUES (?, ?, ?)`,
			course.ID, course.Title, course.InstructorID)
		if err != nil {
			return fmt.Errorf("failed to insert course: %w", err)
		}
		return nil
	})
}

// Enroll upserts an enrollment row. Re-enrolling flips the status back,
// which matches how dropped learners rejoin a course.
func (s *Store) Enroll(ctx context.Context, userID, courseID, status string) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO enrollments (user_id, course_id, status)
			VALUES (?, ?, ?)
			ON CONFLICT (user_id, course_id) DO UPDATE SET status = excluded.status`,
			userID, courseID, status)
		if err != nil {
			return fmt.Errorf("failed to upsert enrollment: %w", err)
		}
		return nil
	})
}

// AppendMessage assigns the message ID and server timestamp, persists the
// record, and returns the stored copy. The timestamp is taken here, not
// from the client, so history ordering is server-defined.
func (s *Store) AppendMessage(ctx context.Context, courseID string, sender types.Principal, body string, isInstructor bool) (*types.ChatMessage, error) {
	msg := &types.ChatMessage{
		ID:           uuid.New().String(),
		CourseID:     courseID,
		SenderID:     sender.ID,
		SenderName:   sender.DisplayName,
		Body:         body,
		IsInstructor: isInstructor,
		Timestamp:    time.Now().UTC(),
	}

	err := s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO messages (id, course_id, sender_id, body, is_instructor, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.CourseID, msg.SenderID, msg.Body, msg.IsInstructor, msg.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// PageMessages serves history reverse-chronologically overall: page 1 holds
// the most recent messages. Each page is reversed to oldest-first before
// returning, the order a scroll-back buffer prepends. Sender names are
// joined at read time so renames show up in old history.
func (s *Store) PageMessages(ctx context.Context, courseID string, page, pageSize int) ([]*types.ChatMessage, error) {
	if page < 1 {
		return nil, ErrInvalidPage
	}
	if pageSize < 1 || pageSize > 200 {
		return nil, ErrInvalidPageSize
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.course_id, m.sender_id, u.name, m.body, m.is_instructor, m.timestamp
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.course_id = ?
		ORDER BY m.timestamp DESC, m.id DESC
		LIMIT ? OFFSET ?`,
		courseID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.ChatMessage
	for rows.Next() {
		var m types.ChatMessage
		if err := rows.Scan(&m.ID, &m.CourseID, &m.SenderID, &m.SenderName,
			&m.Body, &m.IsInstructor, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	// Newest-first from the query, oldest-first to the caller.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// HealthCheck validates connectivity and a basic read.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// DB exposes the underlying pool for schema validation at startup.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close drains the writer goroutine and closes the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
