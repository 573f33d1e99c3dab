package interfaces

import (
	"context"

	"coursechat/pkg/types"
)

// Membership is the outcome of a successful authorization check.
type Membership struct {
	IsInstructor bool
}

// MembershipAuthority decides whether a principal may join a course's chat.
// The check runs synchronously on every join attempt and is never cached,
// because enrollment state can change between connections.
type MembershipAuthority interface {
	// Authorize grants access when the principal is the course's instructor
	// or holds an active enrollment. Returns ErrCourseNotFound when the
	// course does not exist and ErrNotEnrolled when access is denied.
	Authorize(ctx context.Context, principal types.Principal, courseID string) (*Membership, error)
}
