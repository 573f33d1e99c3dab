package interfaces

import (
	"context"

	"coursechat/pkg/types"
)

// MessageStore is append-only persistence for chat messages, keyed by
// course and ordered by server-assigned timestamp.
type MessageStore interface {
	// AppendMessage assigns the server timestamp and message ID, persists
	// the record, and returns the stored copy with sender display fields
	// resolved. The store does not validate course existence; that is the
	// caller's job before appending.
	AppendMessage(ctx context.Context, courseID string, sender types.Principal, body string, isInstructor bool) (*types.ChatMessage, error)

	// PageMessages serves history reverse-chronologically overall (page 1 is
	// the most recent) with each page's contents reordered oldest-first, the
	// shape a scroll-back buffer prepends. A page shorter than pageSize
	// signals that no more history exists.
	PageMessages(ctx context.Context, courseID string, page, pageSize int) ([]*types.ChatMessage, error)
}

// UserStore looks up account records for identity resolution.
type UserStore interface {
	// GetUser returns ErrUserNotFound for unknown IDs.
	GetUser(ctx context.Context, userID string) (*types.User, error)
}

// CourseStore exposes the reads membership decisions depend on.
type CourseStore interface {
	// GetCourse returns ErrCourseNotFound for unknown IDs.
	GetCourse(ctx context.Context, courseID string) (*types.Course, error)

	// HasActiveEnrollment reports whether an active enrollment row exists
	// for the pair. Inactive (completed, dropped) enrollments do not count.
	HasActiveEnrollment(ctx context.Context, userID, courseID string) (bool, error)
}
