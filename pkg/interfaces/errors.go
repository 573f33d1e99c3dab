package interfaces

import "errors"

// Shared sentinel errors crossing component boundaries. Components wrap
// these with context; callers branch on them with errors.Is.
var (
	ErrUserNotFound   = errors.New("user not found")
	ErrCourseNotFound = errors.New("course not found")
	ErrNotEnrolled    = errors.New("not enrolled in this course")
)
