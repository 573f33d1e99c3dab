package types

import (
	"time"
)

// Roles a principal can hold.
const (
	RoleLearner    = "learner"
	RoleInstructor = "instructor"
)

// Enrollment statuses. Only active enrollments grant chat access.
const (
	EnrollmentActive    = "active"
	EnrollmentCompleted = "completed"
	EnrollmentDropped   = "dropped"
)

// Principal is the verified identity bound to a connection. It is resolved
// once at handshake and never changes for the lifetime of that connection.
type Principal struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// User is the persisted account record the chat core reads identity from.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Course carries the fields membership decisions depend on. The full course
// catalog lives outside the chat core.
type Course struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	InstructorID string `json:"instructor_id"`
}

// Enrollment links a user to a course with a status.
type Enrollment struct {
	UserID   string `json:"user_id"`
	CourseID string `json:"course_id"`
	Status   string `json:"status"`
}

// ChatMessage is an append-only chat record. ID and Timestamp are assigned
// by the server at append time, never by the client. Messages are never
// edited or deleted.
type ChatMessage struct {
	ID           string    `json:"id"`
	CourseID     string    `json:"course_id"`
	SenderID     string    `json:"sender_id"`
	SenderName   string    `json:"sender_name"`
	Body         string    `json:"body"`
	IsInstructor bool      `json:"is_instructor"`
	Timestamp    time.Time `json:"timestamp"`
}

// RosterEntry is one connection's presence in a course room. A principal
// with two open connections appears twice, once per connection handle.
type RosterEntry struct {
	ConnID       string    `json:"conn_id"`
	UserID       string    `json:"user_id"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role"`
	IsInstructor bool      `json:"is_instructor"`
	JoinedAt     time.Time `json:"joined_at"`
}
