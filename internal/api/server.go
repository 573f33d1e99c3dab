package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// HealthChecker reports backing store health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// PresenceStats exposes live presence counts without coupling the HTTP
// layer to the gateway implementation.
type PresenceStats interface {
	Stats() map[string]int
}

// Server is the synchronous HTTP companion to the realtime gateway: the
// same membership check and append path, for clients without an open
// connection, plus paginated history and health. No business logic lives
// here beyond translation to and from HTTP.
type Server struct {
	resolver  interfaces.IdentityResolver
	authority interfaces.MembershipAuthority
	messages  interfaces.MessageStore
	health    HealthChecker
	presence  PresenceStats
	pageSize  int
	router    *http.ServeMux
}

// NewServer wires the chat HTTP surface. pageSize is the default and
// maximum history page length.
func NewServer(resolver interfaces.IdentityResolver, authority interfaces.MembershipAuthority, messages interfaces.MessageStore, health HealthChecker, presence PresenceStats, pageSize int) *Server {
	s := &Server{
		resolver:  resolver,
		authority: authority,
		messages:  messages,
		health:    health,
		presence:  presence,
		pageSize:  pageSize,
		router:    http.NewServeMux(),
	}

	s.router.Handle("/api/chat/", s.corsMiddleware(s.jsonMiddleware(s.authMiddleware(http.HandlerFunc(s.handleChat)))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleChat serves /api/chat/{courseId}/messages.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/chat/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[1] != "messages" || !types.IsValidID(parts[0]) {
		s.sendError(w, "not found", http.StatusNotFound)
		return
	}
	courseID := parts[0]

	switch r.Method {
	case http.MethodGet:
		s.listMessages(w, r, courseID)
	case http.MethodPost:
		s.sendMessage(w, r, courseID)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		s.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// listMessages returns one history page, oldest-first within the page,
// page 1 being the most recent messages.
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request, courseID string) {
	principal := principalFrom(r.Context())

	if !s.authorize(w, r, principal, courseID) {
		return
	}

	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", s.pageSize)
	if page < 1 {
		s.sendError(w, "page must be >= 1", http.StatusBadRequest)
		return
	}
	if limit < 1 || limit > s.pageSize {
		limit = s.pageSize
	}

	messages, err := s.messages.PageMessages(r.Context(), courseID, page, limit)
	if err != nil {
		log.Printf("History read failed: course=%s err=%v", courseID, err)
		s.sendError(w, "failed to load messages", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []*types.ChatMessage{}
	}

	s.sendData(w, http.StatusOK, messages)
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

// sendMessage is the REST fallback for send_message: identical membership
// check, trim rules and append; the realtime room does not hear about it
// until the next history fetch.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request, courseID string) {
	principal := principalFrom(r.Context())

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	grant, ok := s.authorizeGrant(w, r, principal, courseID)
	if !ok {
		return
	}

	body := types.NormalizeBody(req.Message)
	if err := types.ValidateBody(body); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg, err := s.messages.AppendMessage(r.Context(), courseID, principal, body, grant.IsInstructor)
	if err != nil {
		log.Printf("REST append failed: course=%s user=%s err=%v", courseID, principal.ID, err)
		s.sendError(w, "message could not be delivered", http.StatusInternalServerError)
		return
	}

	s.sendData(w, http.StatusCreated, msg)
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, principal types.Principal, courseID string) bool {
	_, ok := s.authorizeGrant(w, r, principal, courseID)
	return ok
}

// authorizeGrant runs the membership check, writing the error response on
// failure. Unknown course and denied access share one message and status
// so course existence does not leak.
func (s *Server) authorizeGrant(w http.ResponseWriter, r *http.Request, principal types.Principal, courseID string) (*interfaces.Membership, bool) {
	grant, err := s.authority.Authorize(r.Context(), principal, courseID)
	if err != nil {
		if errors.Is(err, interfaces.ErrCourseNotFound) || errors.Is(err, interfaces.ErrNotEnrolled) {
			s.sendError(w, "course not available", http.StatusForbidden)
			return nil, false
		}
		log.Printf("Membership check failed: course=%s user=%s err=%v", courseID, principal.ID, err)
		s.sendError(w, "authorization check failed", http.StatusInternalServerError)
		return nil, false
	}
	return grant, true
}

type healthResponse struct {
	Status   string         `json:"status"`
	Store    string         `json:"store"`
	Presence map[string]int `json:"presence"`
	Time     time.Time      `json:"time"`
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:   "ok",
		Store:    "ok",
		Presence: s.presence.Stats(),
		Time:     time.Now().UTC(),
	}
	status := http.StatusOK

	if err := s.health.HealthCheck(ctx); err != nil {
		log.Printf("Health check failed: %v", err)
		resp.Status = "degraded"
		resp.Store = "unavailable"
		status = http.StatusServiceUnavailable
	}

	s.sendData(w, status, resp)
}

// Response envelope shared by every endpoint.

type envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *envelopeError `json:"error,omitempty"`
}

type envelopeError struct {
	Message string `json:"message"`
}

func (s *Server) sendData(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, status int) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: false, Error: &envelopeError{Message: message}}); err != nil {
		log.Printf("Failed to encode error response: %v", err)
	}
}

// Middleware.

type contextKey string

const principalKey contextKey = "principal"

func principalFrom(ctx context.Context) types.Principal {
	principal, _ := ctx.Value(principalKey).(types.Principal)
	return principal
}

// authMiddleware resolves the bearer credential on every request; unlike a
// websocket connection there is no long-lived session to attach identity
// to.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		credential := ""
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			credential = strings.TrimPrefix(header, "Bearer ")
		}

		principal, err := s.resolver.Resolve(r.Context(), credential)
		if err != nil {
			s.sendError(w, "authentication required", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, *principal)))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
