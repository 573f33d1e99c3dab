package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"coursechat/internal/presence"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

type mockResolver struct {
	users map[string]types.Principal
}

func (m *mockResolver) Resolve(ctx context.Context, credential string) (*types.Principal, error) {
	if p, ok := m.users[credential]; ok {
		return &p, nil
	}
	return nil, fmt.Errorf("unknown credential")
}

type mockAuthority struct {
	authorizeFunc func(ctx context.Context, principal types.Principal, courseID string) (*interfaces.Membership, error)
}

func (m *mockAuthority) Authorize(ctx context.Context, principal types.Principal, courseID string) (*interfaces.Membership, error) {
	if m.authorizeFunc != nil {
		return m.authorizeFunc(ctx, principal, courseID)
	}
	return &interfaces.Membership{}, nil
}

type mockMessages struct {
	mu       sync.Mutex
	appended []*types.ChatMessage
	failNext bool
}

func (m *mockMessages) AppendMessage(ctx context.Context, courseID string, sender types.Principal, body string, isInstructor bool) (*types.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return nil, fmt.Errorf("store unavailable")
	}
	msg := &types.ChatMessage{
		ID:           uuid.New().String(),
		CourseID:     courseID,
		SenderID:     sender.ID,
		SenderName:   sender.DisplayName,
		Body:         body,
		IsInstructor: isInstructor,
		Timestamp:    time.Now().UTC(),
	}
	m.appended = append(m.appended, msg)
	return msg, nil
}

func (m *mockMessages) PageMessages(ctx context.Context, courseID string, page, pageSize int) ([]*types.ChatMessage, error) {
	return nil, nil
}

func (m *mockMessages) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appended)
}

type testEnv struct {
	gateway  *Gateway
	server   *httptest.Server
	registry *presence.Registry
	messages *mockMessages
}

func newTestEnv(t *testing.T, authority interfaces.MembershipAuthority) *testEnv {
	t.Helper()

	resolver := &mockResolver{users: map[string]types.Principal{
		"alice-token": {ID: "alice", DisplayName: "Alice", Role: types.RoleLearner},
		"bob-token":   {ID: "bob", DisplayName: "Bob", Role: types.RoleLearner},
		"prof-token":  {ID: "prof", DisplayName: "Prof Smith", Role: types.RoleInstructor},
	}}
	if authority == nil {
		authority = &mockAuthority{}
	}
	messages := &mockMessages{}
	registry := presence.NewRegistry()

	opts := DefaultOptions()
	opts.PingInterval = 50 * time.Millisecond
	opts.ReadTimeout = 5 * time.Second

	gw := New(resolver, authority, messages, registry, opts)
	server := httptest.NewServer(http.HandlerFunc(gw.HandleWebSocket))

	t.Cleanup(func() {
		gw.Shutdown()
		server.Close()
	})

	return &testEnv{gateway: gw, server: server, registry: registry, messages: messages}
}

func (env *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed for %s: %v", token, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, event Inbound) {
	t.Helper()
	if err := ws.WriteJSON(event); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// readEvent reads the next outbound event with a deadline.
func readEvent(t *testing.T, ws *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var raw struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := ws.ReadJSON(&raw); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return raw.Type, raw.Data
}

// waitFor discards events until one of the wanted type arrives.
func waitFor(t *testing.T, ws *websocket.Conn, eventType string) json.RawMessage {
	t.Helper()
	for i := 0; i < 20; i++ {
		got, data := readEvent(t, ws)
		if got == eventType {
			return data
		}
	}
	t.Fatalf("never received %s", eventType)
	return nil
}

func join(t *testing.T, ws *websocket.Conn, courseID string) JoinedCoursePayload {
	t.Helper()
	send(t, ws, Inbound{Type: EventJoinCourse, CourseID: courseID})
	data := waitFor(t, ws, EventJoinedCourse)
	var payload JoinedCoursePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("bad joined_course payload: %v", err)
	}
	// The joiner also receives the room-wide roster broadcast; drain it so
	// tests read only the events they caused.
	waitFor(t, ws, EventOnlineUsers)
	return payload
}

func TestGateway_HandshakeRejectsBadCredential(t *testing.T) {
	env := newTestEnv(t, nil)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("handshake should fail with a bad credential")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 pre-upgrade, got %+v", resp)
	}
}

func TestGateway_HandshakeRejectsMissingCredential(t *testing.T) {
	env := newTestEnv(t, nil)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("handshake should fail without a credential")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 pre-upgrade, got %+v", resp)
	}
}

func TestGateway_JoinPopulatesRoster(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "alice-token")
	payload := join(t, alice, "cs101")

	if payload.CourseID != "cs101" {
		t.Errorf("joined course = %s, want cs101", payload.CourseID)
	}
	if len(payload.OnlineUsers) != 1 || payload.OnlineUsers[0].UserID != "alice" {
		t.Errorf("joiner should see themselves in the roster, got %+v", payload.OnlineUsers)
	}
	if size := env.registry.RoomSize("cs101"); size != 1 {
		t.Errorf("room size = %d, want 1", size)
	}
}

func TestGateway_SecondJoinAnnouncedToExistingMembers(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "alice-token")
	join(t, alice, "cs101")

	bob := env.dial(t, "bob-token")
	payload := join(t, bob, "cs101")
	if len(payload.OnlineUsers) != 2 {
		t.Errorf("second joiner should see both members, got %d", len(payload.OnlineUsers))
	}

	var roster RosterPayload
	if err := json.Unmarshal(waitFor(t, alice, EventOnlineUsers), &roster); err != nil {
		t.Fatalf("bad roster payload: %v", err)
	}
	if len(roster.Users) != 2 {
		t.Errorf("existing member roster update has %d users, want 2", len(roster.Users))
	}

	var notice PresencePayload
	if err := json.Unmarshal(waitFor(t, alice, EventUserJoined), &notice); err != nil {
		t.Fatalf("bad presence payload: %v", err)
	}
	if notice.DisplayName != "Bob" {
		t.Errorf("join notice names %s, want Bob", notice.DisplayName)
	}
}

func TestGateway_DeniedJoinLeavesNoTrace(t *testing.T) {
	authority := &mockAuthority{
		authorizeFunc: func(ctx context.Context, principal types.Principal, courseID string) (*interfaces.Membership, error) {
			return nil, interfaces.ErrNotEnrolled
		},
	}
	env := newTestEnv(t, authority)

	alice := env.dial(t, "alice-token")
	send(t, alice, Inbound{Type: EventJoinCourse, CourseID: "cs101"})

	var errPayload ErrorPayload
	if err := json.Unmarshal(waitFor(t, alice, EventError), &errPayload); err != nil {
		t.Fatalf("bad error payload: %v", err)
	}
	if errPayload.Message != msgCourseUnavailable {
		t.Errorf("error message = %q, want %q", errPayload.Message, msgCourseUnavailable)
	}
	if size := env.registry.RoomSize("cs101"); size != 0 {
		t.Errorf("denied join must not touch presence, room size = %d", size)
	}
}

func TestGateway_UnknownCourseIndistinguishableFromDenied(t *testing.T) {
	authority := &mockAuthority{
		authorizeFunc: func(ctx context.Context, principal types.Principal, courseID string) (*interfaces.Membership, error) {
			return nil, interfaces.ErrCourseNotFound
		},
	}
	env := newTestEnv(t, authority)

	alice := env.dial(t, "alice-token")
	send(t, alice, Inbound{Type: EventJoinCourse, CourseID: "ghost"})

	var errPayload ErrorPayload
	if err := json.Unmarshal(waitFor(t, alice, EventError), &errPayload); err != nil {
		t.Fatalf("bad error payload: %v", err)
	}
	if errPayload.Message != msgCourseUnavailable {
		t.Errorf("unknown course must share the denied message, got %q", errPayload.Message)
	}
}

func TestGateway_DeniedJoinKeepsConnectionUsable(t *testing.T) {
	authority := &mockAuthority{
		authorizeFunc: func(ctx context.Context, principal types.Principal, courseID string) (*interfaces.Membership, error) {
			if courseID == "forbidden" {
				return nil, interfaces.ErrNotEnrolled
			}
			return &interfaces.Membership{}, nil
		},
	}
	env := newTestEnv(t, authority)

	alice := env.dial(t, "alice-token")
	send(t, alice, Inbound{Type: EventJoinCourse, CourseID: "forbidden"})
	waitFor(t, alice, EventError)

	payload := join(t, alice, "cs101")
	if payload.CourseID != "cs101" {
		t.Errorf("connection should survive a denied join, got %+v", payload)
	}
}

func TestGateway_SendMessageBroadcastToAllIncludingSender(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "alice-token")
	join(t, alice, "cs101")
	bob := env.dial(t, "bob-token")
	join(t, bob, "cs101")
	waitFor(t, alice, EventUserJoined)

	send(t, alice, Inbound{Type: EventSendMessage, CourseID: "cs101", Message: "hello class"})

	for name, ws := range map[string]*websocket.Conn{"sender": alice, "receiver": bob} {
		var msg types.ChatMessage
		if err := json.Unmarshal(waitFor(t, ws, EventNewMessage), &msg); err != nil {
			t.Fatalf("%s: bad message payload: %v", name, err)
		}
		if msg.Body != "hello class" || msg.SenderID != "alice" {
			t.Errorf("%s received %+v", name, msg)
		}
		if msg.ID == "" || msg.Timestamp.IsZero() {
			t.Errorf("%s: broadcast must carry server-assigned id and timestamp", name)
		}
	}
}

func TestGateway_SendTrimsBody(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "alice-token")
	join(t, alice, "cs101")

	send(t, alice, Inbound{Type: EventSendMessage, CourseID: "cs101", Message: "  padded  "})

	var msg types.ChatMessage
	if err := json.Unmarshal(waitFor(t, alice, EventNewMessage), &msg); err != nil {
		t.Fatalf("bad message payload: %v", err)
	}
	if msg.Body != "padded" {
		t.Errorf("body = %q, want trimmed %q", msg.Body, "padded")
	}
}

func TestGateway_WhitespaceOnlyMessageRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "alice-token")
	join(t, alice, "cs101")

	send(t, alice, Inbound{Type: EventSendMessage, CourseID: "cs101", Message: "   \n\t "})

	var errPayload ErrorPayload
	if err := json.Unmarshal(waitFor(t, alice, EventError), &errPayload); err != nil {
		t.Fatalf("bad error payload: %v", err)
	}
	if errPayload.Message != msgEmptyMessage {
		t.Errorf("error = %q, want %q", errPayload.Message, msgEmptyMessage)
	}
	if env.messages.count() != 0 {
		t.Error("rejected message must not be persisted")
	}
}

func TestGateway_OversizedMessageRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "alice-token")
	join(t, alice, "cs101")

	send(t, alice, Inbound{Type: EventSendMessage, CourseID: "cs101", Message: strings.Repeat("a", types.MaxMessageBytes+1)})

	var errPayload ErrorPayload
	if err := json.Unmarshal(waitFor(t, alice, EventError), &errPayload); err != nil {
		t.Fatalf("bad error payload: %v", err)
	}
	if errPayload.Message != msgMessageTooLarge {
		t.Errorf("error = %q, want %q", errPayload.Message, msgMessageTooLarge)
	}
}

func TestGateway_SendOutsideRoomRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "alice-token")
	send(t, alice, Inbound{Type: EventSendMessage, CourseID: "cs101", Message: "too early"})

	var errPayload ErrorPayload
	if err := json.Unmarshal(waitFor(t, alice, EventError), &errPayload); err != nil {
		t.Fatalf("bad error payload: %v", err)
	}
	if errPayload.Message != msgNotInRoom {
		t.Errorf("error = %q, want %q", errPayload.Message, msgNotInRoom)
	}
	if env.messages.count() != 0 {
		t.Error("message sent outside a room must not be persisted")
	}
}

func TestGateway_StoreFailureSurfacedToSenderOnly(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "alice-token")
	join(t, alice, "cs101")
	env.messages.failNext = true

	send(t, alice, Inbound{Type: EventSendMessage, CourseID: "cs101", Message: "doomed"})

	var errPayload ErrorPayload
	if err := json.Unmarshal(waitFor(t, alice, EventError), &errPayload); err != nil {
		t.Fatalf("bad error payload: %v", err)
	}
	if errPayload.Message != msgDeliveryFailed {
		t.Errorf("error = %q, want %q", errPayload.Message, msgDeliveryFailed)
	}
}

func TestGateway_MessageOrderPreserved(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "alice-token")
	join(t, alice, "cs101")
	bob := env.dial(t, "bob-token")
	join(t, bob, "cs101")

	for i := 1; i <= 5; i++ {
		send(t, alice, Inbound{Type: EventSendMessage, CourseID: "cs101", Message: fmt.Sprintf("msg %d", i)})
	}

	for i := 1; i <= 5; i++ {
		var msg types.ChatMessage
		if err := json.Unmarshal(waitFor(t, bob, EventNewMessage), &msg); err != nil {
			t.Fatalf("bad message payload: %v", err)
		}
		want := fmt.Sprintf("msg %d", i)
		if msg.Body != want {
			t.Fatalf("out of order: got %q, want %q", msg.Body, want)
		}
	}
}

func TestGateway_TypingRelayedToOthersOnly(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "alice-token")
	join(t, alice, "cs101")
	bob := env.dial(t, "bob-token")
	join(t, bob, "cs101")
	waitFor(t, alice, EventUserJoined)

	send(t, alice, Inbound{Type: EventTyping, CourseID: "cs101", IsTyping: true})

	var typing TypingPayload
	if err := json.Unmarshal(waitFor(t, bob, EventUserTyping), &typing); err != nil {
		t.Fatalf("bad typing payload: %v", err)
	}
	if typing.UserID != "alice" || !typing.IsTyping {
		t.Errorf("typing payload = %+v", typing)
	}

	// The sender sees the next real event, not an echo of their own signal.
	send(t, alice, Inbound{Type: EventSendMessage, CourseID: "cs101", Message: "done typing"})
	eventType, _ := readEvent(t, alice)
	if eventType == EventUserTyping {
		t.Error("typing signal must not echo back to the sender")
	}
}

func TestGateway_LeaveAnnouncedToRemaining(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "alice-token")
	join(t, alice, "cs101")
	bob := env.dial(t, "bob-token")
	join(t, bob, "cs101")
	waitFor(t, alice, EventUserJoined)

	send(t, bob, Inbound{Type: EventLeaveCourse, CourseID: "cs101"})

	var notice PresencePayload
	if err := json.Unmarshal(waitFor(t, alice, EventUserLeft), &notice); err != nil {
		t.Fatalf("bad presence payload: %v", err)
	}
	if notice.DisplayName != "Bob" {
		t.Errorf("leave notice names %s, want Bob", notice.DisplayName)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.registry.RoomSize("cs101") != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if size := env.registry.RoomSize("cs101"); size != 1 {
		t.Errorf("room size after leave = %d, want 1", size)
	}
}

func TestGateway_LeaveWrongRoomIsNoOp(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "alice-token")
	join(t, alice, "cs101")

	send(t, alice, Inbound{Type: EventLeaveCourse, CourseID: "math200"})

	// Still in the room: a send keeps working and no error arrived first.
	send(t, alice, Inbound{Type: EventSendMessage, CourseID: "cs101", Message: "still here"})
	eventType, _ := readEvent(t, alice)
	if eventType != EventNewMessage {
		t.Errorf("expected new_message after no-op leave, got %s", eventType)
	}
	if size := env.registry.RoomSize("cs101"); size != 1 {
		t.Errorf("no-op leave changed the room, size = %d", size)
	}
}

func TestGateway_DisconnectCleansPresence(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "alice-token")
	join(t, alice, "cs101")
	bob := env.dial(t, "bob-token")
	join(t, bob, "cs101")
	waitFor(t, alice, EventUserJoined)

	bob.Close()

	var notice PresencePayload
	if err := json.Unmarshal(waitFor(t, alice, EventUserLeft), &notice); err != nil {
		t.Fatalf("bad presence payload: %v", err)
	}
	if notice.DisplayName != "Bob" {
		t.Errorf("disconnect notice names %s, want Bob", notice.DisplayName)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.registry.RoomSize("cs101") != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if size := env.registry.RoomSize("cs101"); size != 1 {
		t.Errorf("room size after disconnect = %d, want 1", size)
	}
}

func TestGateway_RoomSwitchLeavesPreviousRoom(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "alice-token")
	join(t, alice, "cs101")
	bob := env.dial(t, "bob-token")
	join(t, bob, "cs101")
	waitFor(t, alice, EventUserJoined)

	// Bob switches rooms without an explicit leave.
	join(t, bob, "math200")

	var notice PresencePayload
	if err := json.Unmarshal(waitFor(t, alice, EventUserLeft), &notice); err != nil {
		t.Fatalf("bad presence payload: %v", err)
	}
	if notice.DisplayName != "Bob" {
		t.Errorf("switch notice names %s, want Bob", notice.DisplayName)
	}
	if size := env.registry.RoomSize("cs101"); size != 1 {
		t.Errorf("cs101 size after switch = %d, want 1", size)
	}
	if size := env.registry.RoomSize("math200"); size != 1 {
		t.Errorf("math200 size after switch = %d, want 1", size)
	}
}

func TestGateway_SamePrincipalTwoConnections(t *testing.T) {
	env := newTestEnv(t, nil)

	tab1 := env.dial(t, "alice-token")
	join(t, tab1, "cs101")
	tab2 := env.dial(t, "alice-token")
	payload := join(t, tab2, "cs101")

	if len(payload.OnlineUsers) != 2 {
		t.Errorf("two tabs should hold two roster entries, got %d", len(payload.OnlineUsers))
	}

	// Closing one tab leaves the other present.
	tab2.Close()
	waitFor(t, tab1, EventUserLeft)
	if size := env.registry.RoomSize("cs101"); size != 1 {
		t.Errorf("room size after closing one tab = %d, want 1", size)
	}
}

func TestGateway_RateLimitEnforced(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gateway.limiter = NewRateLimiter(2, time.Minute)

	alice := env.dial(t, "alice-token")
	join(t, alice, "cs101")

	for i := 0; i < 2; i++ {
		send(t, alice, Inbound{Type: EventSendMessage, CourseID: "cs101", Message: "ok"})
		waitFor(t, alice, EventNewMessage)
	}

	send(t, alice, Inbound{Type: EventSendMessage, CourseID: "cs101", Message: "one too many"})
	var errPayload ErrorPayload
	if err := json.Unmarshal(waitFor(t, alice, EventError), &errPayload); err != nil {
		t.Fatalf("bad error payload: %v", err)
	}
	if errPayload.Message != msgRateLimited {
		t.Errorf("error = %q, want %q", errPayload.Message, msgRateLimited)
	}
	if env.messages.count() != 2 {
		t.Errorf("persisted %d messages, want 2", env.messages.count())
	}
}

func TestGateway_UnknownEventRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "alice-token")
	send(t, alice, Inbound{Type: "shrug"})

	var errPayload ErrorPayload
	if err := json.Unmarshal(waitFor(t, alice, EventError), &errPayload); err != nil {
		t.Fatalf("bad error payload: %v", err)
	}
	if errPayload.Message != msgUnknownEvent {
		t.Errorf("error = %q, want %q", errPayload.Message, msgUnknownEvent)
	}
}

func TestGateway_MalformedPayloadRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "alice-token")
	if err := alice.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var errPayload ErrorPayload
	if err := json.Unmarshal(waitFor(t, alice, EventError), &errPayload); err != nil {
		t.Fatalf("bad error payload: %v", err)
	}
	if errPayload.Message != msgMalformedPayload {
		t.Errorf("error = %q, want %q", errPayload.Message, msgMalformedPayload)
	}
}

func TestGateway_InstructorFlagOnMessages(t *testing.T) {
	authority := &mockAuthority{
		authorizeFunc: func(ctx context.Context, principal types.Principal, courseID string) (*interfaces.Membership, error) {
			return &interfaces.Membership{IsInstructor: principal.ID == "prof"}, nil
		},
	}
	env := newTestEnv(t, authority)

	prof := env.dial(t, "prof-token")
	join(t, prof, "cs101")

	send(t, prof, Inbound{Type: EventSendMessage, CourseID: "cs101", Message: "welcome"})

	var msg types.ChatMessage
	if err := json.Unmarshal(waitFor(t, prof, EventNewMessage), &msg); err != nil {
		t.Fatalf("bad message payload: %v", err)
	}
	if !msg.IsInstructor {
		t.Error("instructor message should carry the instructor flag")
	}
}
