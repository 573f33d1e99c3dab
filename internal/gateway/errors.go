package gateway

import "errors"

// Connection-level errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// Client-facing error texts. Denied and not-found joins share one message
// so an unauthorized principal cannot probe which course IDs exist.
const (
	msgCourseUnavailable = "course not available"
	msgNotInRoom         = "join the course before sending messages"
	msgEmptyMessage      = "message cannot be empty"
	msgMessageTooLarge   = "message is too long"
	msgMalformedPayload  = "malformed event payload"
	msgUnknownEvent      = "unknown event type"
	msgDeliveryFailed    = "message could not be delivered"
	msgRateLimited       = "sending messages too quickly"
	msgJoinFailed        = "unable to join course"
)
