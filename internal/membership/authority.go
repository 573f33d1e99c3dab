package membership

import (
	"context"
	"fmt"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Authority decides course chat access: the course's instructor always may
// join, everyone else needs an active enrollment. Decisions are made fresh
// on every join attempt; enrollment state can change between connections,
// so nothing here is cached.
type Authority struct {
	courses interfaces.CourseStore
}

// NewAuthority creates a membership authority over the course store.
func NewAuthority(courses interfaces.CourseStore) *Authority {
	return &Authority{courses: courses}
}

// Authorize checks the principal against the course. Returns
// interfaces.ErrCourseNotFound for unknown courses and
// interfaces.ErrNotEnrolled when the principal holds no active enrollment
// and is not the instructor.
func (a *Authority) Authorize(ctx context.Context, principal types.Principal, courseID string) (*interfaces.Membership, error) {
	course, err := a.courses.GetCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}

	if course.InstructorID == principal.ID {
		return &interfaces.Membership{IsInstructor: true}, nil
	}

	enrolled, err := a.courses.HasActiveEnrollment(ctx, principal.ID, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to check enrollment: %w", err)
	}
	if !enrolled {
		return nil, interfaces.ErrNotEnrolled
	}

	return &interfaces.Membership{IsInstructor: false}, nil
}
