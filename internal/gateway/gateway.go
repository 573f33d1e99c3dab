package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coursechat/internal/presence"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Options tunes gateway transport behavior.
type Options struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	RateLimit    int
	RateWindow   time.Duration
}

// DefaultOptions returns transport settings that suit course-sized rooms.
func DefaultOptions() Options {
	return Options{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		SendBuffer:   100,
		RateLimit:    100,
		RateWindow:   time.Minute,
	}
}

// Gateway mediates all real-time chat events. Each connection is
// authenticated exactly once at handshake, then moves through an explicit
// state machine: authenticated, optionally in one course room at a time.
// The presence registry is mutated only here.
type Gateway struct {
	resolver  interfaces.IdentityResolver
	authority interfaces.MembershipAuthority
	messages  interfaces.MessageStore
	registry  *presence.Registry
	limiter   *RateLimiter
	opts      Options
	upgrader  websocket.Upgrader

	// broadcastMu serializes room broadcasts so every member's write queue
	// receives events in the same order. For messages that order is
	// persistence-completion order: the lock is taken only after the
	// store append has returned.
	broadcastMu sync.Mutex

	connMu   sync.RWMutex
	conns    map[string]*Conn
	shutdown chan struct{}
	stopOnce sync.Once
}

// session is the per-connection state owned by that connection's read
// loop. room is empty while the connection is authenticated but not in any
// course room.
type session struct {
	room         string
	isInstructor bool
}

// New creates a gateway over its collaborators.
func New(resolver interfaces.IdentityResolver, authority interfaces.MembershipAuthority, messages interfaces.MessageStore, registry *presence.Registry, opts Options) *Gateway {
	g := &Gateway{
		resolver:  resolver,
		authority: authority,
		messages:  messages,
		registry:  registry,
		limiter:   NewRateLimiter(opts.RateLimit, opts.RateWindow),
		opts:      opts,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin: func(r *http.Request) bool {
				// Browser clients connect from a separately hosted frontend.
				return true
			},
		},
		conns:    make(map[string]*Conn),
		shutdown: make(chan struct{}),
	}

	go g.cleanupLoop()

	return g
}

// HandleWebSocket authenticates and upgrades a new connection. A bad
// credential terminates the handshake with 401 before any state exists;
// there is no retry at this layer, the client reconnects with a valid
// credential.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal, err := g.resolver.Resolve(r.Context(), bearerCredential(r))
	if err != nil {
		log.Printf("Handshake rejected: %v", err)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed for user %s: %v", principal.ID, err)
		return
	}

	conn := newConn(ws, *principal, g.opts.SendBuffer, g.opts.WriteTimeout)

	g.connMu.Lock()
	g.conns[conn.ID()] = conn
	g.connMu.Unlock()

	log.Printf("Connection established: conn=%s user=%s role=%s", conn.ID(), principal.ID, principal.Role)

	go g.handleConnection(conn)
}

// handleConnection owns one connection's read loop and session state. A
// transport drop is handled identically to an explicit leave before the
// connection is torn down.
func (g *Gateway) handleConnection(conn *Conn) {
	sess := &session{}

	defer func() {
		g.leaveRoom(conn, sess)

		g.connMu.Lock()
		delete(g.conns, conn.ID())
		g.connMu.Unlock()

		_ = conn.Close()
		log.Printf("Connection closed: conn=%s user=%s", conn.ID(), conn.Principal().ID)
	}()

	if err := conn.ws.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout)); err != nil {
		return
	}
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout))
	})

	go g.pingLoop(conn)

	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: conn=%s err=%v", conn.ID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			g.sendError(conn, msgMalformedPayload)
			continue
		}

		g.dispatch(conn, sess, in)
	}
}

func (g *Gateway) pingLoop(conn *Conn) {
	ticker := time.NewTicker(g.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(g.opts.WriteTimeout)
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-conn.Context().Done():
			return
		}
	}
}

// dispatch is the single state-machine-aware handler for all inbound
// events. Transitions not listed here do not exist.
func (g *Gateway) dispatch(conn *Conn, sess *session, in Inbound) {
	switch in.Type {
	case EventJoinCourse:
		g.handleJoin(conn, sess, in.CourseID)
	case EventSendMessage:
		g.handleSend(conn, sess, in)
	case EventTyping:
		g.handleTyping(conn, sess, in)
	case EventLeaveCourse:
		g.handleLeave(conn, sess, in.CourseID)
	default:
		g.sendError(conn, msgUnknownEvent)
	}
}

// handleJoin moves the connection into a course room. One room per
// connection: joining while already in a different room leaves that room
// first, with the usual departure broadcasts.
func (g *Gateway) handleJoin(conn *Conn, sess *session, courseID string) {
	if !types.IsValidID(courseID) {
		g.sendError(conn, msgMalformedPayload)
		return
	}

	if sess.room == courseID {
		// Re-join of the current room: refresh the joiner's roster view,
		// no membership churn to announce.
		_ = conn.Send(Outbound{Type: EventJoinedCourse, Data: JoinedCoursePayload{
			CourseID:    courseID,
			OnlineUsers: g.registry.Snapshot(courseID),
		}})
		return
	}

	ctx, cancel := context.WithTimeout(conn.Context(), 10*time.Second)
	defer cancel()

	grant, err := g.authority.Authorize(ctx, conn.Principal(), courseID)
	if err != nil {
		// A denied join leaves the connection authenticated; it is not
		// dropped. Unknown course and denied access share one message so
		// course existence never leaks to unauthorized principals.
		if errors.Is(err, interfaces.ErrCourseNotFound) || errors.Is(err, interfaces.ErrNotEnrolled) {
			log.Printf("Join denied: conn=%s user=%s course=%s reason=%v", conn.ID(), conn.Principal().ID, courseID, err)
			g.sendError(conn, msgCourseUnavailable)
			return
		}
		log.Printf("Join failed: conn=%s course=%s err=%v", conn.ID(), courseID, err)
		g.sendError(conn, msgJoinFailed)
		return
	}

	g.leaveRoom(conn, sess)

	principal := conn.Principal()
	entry := types.RosterEntry{
		ConnID:       conn.ID(),
		UserID:       principal.ID,
		DisplayName:  principal.DisplayName,
		Role:         principal.Role,
		IsInstructor: grant.IsInstructor,
		JoinedAt:     time.Now().UTC(),
	}

	g.broadcastMu.Lock()
	g.registry.Add(courseID, entry)
	roster := g.registry.Snapshot(courseID)

	_ = conn.Send(Outbound{Type: EventJoinedCourse, Data: JoinedCoursePayload{
		CourseID:    courseID,
		OnlineUsers: roster,
	}})

	rosterEvent := Outbound{Type: EventOnlineUsers, Data: RosterPayload{CourseID: courseID, Users: roster}}
	joinNotice := Outbound{Type: EventUserJoined, Data: PresencePayload{
		DisplayName: principal.DisplayName,
		Timestamp:   entry.JoinedAt,
	}}
	for _, member := range roster {
		g.deliver(member.ConnID, rosterEvent)
		if member.ConnID != conn.ID() {
			g.deliver(member.ConnID, joinNotice)
		}
	}
	g.broadcastMu.Unlock()

	sess.room = courseID
	sess.isInstructor = entry.IsInstructor

	log.Printf("Joined room: conn=%s user=%s course=%s instructor=%t", conn.ID(), principal.ID, courseID, entry.IsInstructor)
}

// handleSend persists then broadcasts. The message is either fully
// persisted and broadcast, or not broadcast at all; a store failure is
// surfaced to the sender only.
func (g *Gateway) handleSend(conn *Conn, sess *session, in Inbound) {
	if sess.room == "" || in.CourseID != sess.room {
		g.sendError(conn, msgNotInRoom)
		return
	}

	body := types.NormalizeBody(in.Message)
	if err := types.ValidateBody(body); err != nil {
		if errors.Is(err, types.ErrMessageTooLarge) {
			g.sendError(conn, msgMessageTooLarge)
		} else {
			g.sendError(conn, msgEmptyMessage)
		}
		return
	}

	principal := conn.Principal()
	if !g.limiter.Allow(principal.ID) {
		g.sendError(conn, msgRateLimited)
		return
	}

	ctx, cancel := context.WithTimeout(conn.Context(), 10*time.Second)
	defer cancel()

	msg, err := g.messages.AppendMessage(ctx, sess.room, principal, body, sess.isInstructor)
	if err != nil {
		log.Printf("Append failed: conn=%s course=%s err=%v", conn.ID(), sess.room, err)
		g.sendError(conn, msgDeliveryFailed)
		return
	}

	// Broadcast after the append resolves, sender included, so every
	// client reconciles against the server-assigned id and timestamp.
	event := Outbound{Type: EventNewMessage, Data: msg}

	g.broadcastMu.Lock()
	for _, member := range g.registry.Snapshot(sess.room) {
		g.deliver(member.ConnID, event)
	}
	g.broadcastMu.Unlock()
}

// handleTyping relays the signal to the other room members. Nothing is
// persisted and the server keeps no typing state.
func (g *Gateway) handleTyping(conn *Conn, sess *session, in Inbound) {
	if sess.room == "" || in.CourseID != sess.room {
		g.sendError(conn, msgNotInRoom)
		return
	}

	principal := conn.Principal()
	event := Outbound{Type: EventUserTyping, Data: TypingPayload{
		UserID:      principal.ID,
		DisplayName: principal.DisplayName,
		IsTyping:    in.IsTyping,
	}}

	g.broadcastMu.Lock()
	for _, member := range g.registry.Snapshot(sess.room) {
		if member.ConnID != conn.ID() {
			g.deliver(member.ConnID, event)
		}
	}
	g.broadcastMu.Unlock()
}

// handleLeave reverts the connection to the plain authenticated state.
// Leaving while not in the named room is a no-op: no error, no broadcast.
func (g *Gateway) handleLeave(conn *Conn, sess *session, courseID string) {
	if sess.room == "" || courseID != sess.room {
		return
	}
	g.leaveRoom(conn, sess)
}

// leaveRoom removes the connection's presence entry and announces the
// departure to the remaining members. Shared by explicit leave, implicit
// leave on room switch, and disconnect teardown.
func (g *Gateway) leaveRoom(conn *Conn, sess *session) {
	if sess.room == "" {
		return
	}
	room := sess.room
	sess.room = ""
	sess.isInstructor = false

	g.broadcastMu.Lock()
	defer g.broadcastMu.Unlock()

	entry, ok := g.registry.Remove(room, conn.ID())
	if !ok {
		return
	}

	roster := g.registry.Snapshot(room)
	rosterEvent := Outbound{Type: EventOnlineUsers, Data: RosterPayload{CourseID: room, Users: roster}}
	leftNotice := Outbound{Type: EventUserLeft, Data: PresencePayload{
		DisplayName: entry.DisplayName,
		Timestamp:   time.Now().UTC(),
	}}
	for _, member := range roster {
		g.deliver(member.ConnID, rosterEvent)
		g.deliver(member.ConnID, leftNotice)
	}

	log.Printf("Left room: conn=%s user=%s course=%s", conn.ID(), entry.UserID, room)
}

// deliver enqueues an event to one connection by handle. A connection that
// vanished between snapshot and delivery is skipped; its own teardown will
// fix the roster.
func (g *Gateway) deliver(connID string, event Outbound) {
	g.connMu.RLock()
	conn, ok := g.conns[connID]
	g.connMu.RUnlock()
	if !ok {
		return
	}
	if err := conn.Send(event); err != nil {
		log.Printf("Delivery failed: conn=%s type=%s err=%v", connID, event.Type, err)
	}
}

// sendError unicasts a failure to the offending connection only. Failures
// are never broadcast and never retried.
func (g *Gateway) sendError(conn *Conn, message string) {
	_ = conn.Send(errorEvent(message))
}

func (g *Gateway) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.limiter.Cleanup()
		case <-g.shutdown:
			return
		}
	}
}

// Stats exposes presence counts for health reporting.
func (g *Gateway) Stats() map[string]int {
	stats := g.registry.Stats()
	g.connMu.RLock()
	stats["open_connections"] = len(g.conns)
	g.connMu.RUnlock()
	return stats
}

// Shutdown closes every open connection and stops background work.
func (g *Gateway) Shutdown() {
	g.stopOnce.Do(func() {
		close(g.shutdown)
	})

	g.connMu.Lock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, conn := range g.conns {
		conns = append(conns, conn)
	}
	g.connMu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// bearerCredential extracts the handshake credential from the
// Authorization header, falling back to the token query parameter for
// browser websocket clients that cannot set headers.
func bearerCredential(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
