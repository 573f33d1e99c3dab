package types

import "errors"

// Validation errors shared by the gateway and the HTTP surface.
var (
	ErrInvalidID        = errors.New("ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidRole      = errors.New("invalid role: must be 'learner' or 'instructor'")
	ErrEmptyMessageBody = errors.New("message body cannot be empty")
	ErrMessageTooLarge  = errors.New("message body exceeds 4000 byte limit")
)
