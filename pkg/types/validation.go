package types

import (
	"regexp"
	"strings"
)

// Compiled once at package initialization; validation runs on every inbound
// event so the regexes must not be rebuilt per call.
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// MaxMessageBytes bounds a chat message body after trimming.
const MaxMessageBytes = 4000

// IsValidID checks identifier format shared by user and course IDs.
// 1-64 characters, alphanumeric plus underscore/hyphen, which covers both
// seeded human-readable IDs and generated UUIDs.
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return idRegex.MatchString(id)
}

// IsValidRole checks that a role is one of the two known roles.
func IsValidRole(role string) bool {
	return role == RoleLearner || role == RoleInstructor
}

// NormalizeBody trims a message body. The returned string is what gets
// persisted and broadcast; an empty result means the send must be rejected.
func NormalizeBody(body string) string {
	return strings.TrimSpace(body)
}

// ValidateBody checks a trimmed message body against the size rules.
func ValidateBody(body string) error {
	if body == "" {
		return ErrEmptyMessageBody
	}
	if len(body) > MaxMessageBytes {
		return ErrMessageTooLarge
	}
	return nil
}
