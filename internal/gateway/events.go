package gateway

import (
	"time"

	"coursechat/pkg/types"
)

// Inbound event types, the complete client vocabulary. Anything else is a
// protocol error answered with an error event.
const (
	EventJoinCourse  = "join_course"
	EventSendMessage = "send_message"
	EventTyping      = "typing"
	EventLeaveCourse = "leave_course"
)

// Outbound event types.
const (
	EventJoinedCourse = "joined_course"
	EventOnlineUsers  = "online_users"
	EventUserJoined   = "user_joined"
	EventUserLeft     = "user_left"
	EventNewMessage   = "new_message"
	EventUserTyping   = "user_typing"
	EventError        = "error"
)

// Inbound is the single typed envelope every client event arrives in. One
// struct instead of per-event handlers keeps the state machine dispatch in
// one place where the legal transitions are checked exhaustively.
type Inbound struct {
	Type     string `json:"type"`
	CourseID string `json:"course_id"`
	Message  string `json:"message,omitempty"`
	IsTyping bool   `json:"is_typing,omitempty"`
}

// Outbound is the server-to-client envelope.
type Outbound struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// JoinedCoursePayload confirms a join privately to the joiner, roster
// included so the client renders presence without a second round trip.
type JoinedCoursePayload struct {
	CourseID    string              `json:"course_id"`
	OnlineUsers []types.RosterEntry `json:"online_users"`
}

// RosterPayload carries the full roster on any membership change.
type RosterPayload struct {
	CourseID string              `json:"course_id"`
	Users    []types.RosterEntry `json:"users"`
}

// PresencePayload announces a single join or leave to the other members.
type PresencePayload struct {
	DisplayName string    `json:"display_name"`
	Timestamp   time.Time `json:"timestamp"`
}

// TypingPayload relays a typing signal. Never persisted; the client expires
// it on its own timeout.
type TypingPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsTyping    bool   `json:"is_typing"`
}

// ErrorPayload is unicast to the offending connection only.
type ErrorPayload struct {
	Message string `json:"message"`
}

func errorEvent(message string) Outbound {
	return Outbound{Type: EventError, Data: ErrorPayload{Message: message}}
}
