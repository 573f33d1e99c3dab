package store

import "errors"

// Store lifecycle and paging errors.
var (
	ErrStoreClosed     = errors.New("store is closed")
	ErrWriteTimeout    = errors.New("write operation timeout")
	ErrInvalidPage     = errors.New("page must be >= 1")
	ErrInvalidPageSize = errors.New("page size must be between 1 and 200")
)
