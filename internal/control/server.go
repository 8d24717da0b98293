// Package control is the HTTP control channel of the fleet daemon:
// read-only fleet and room views plus privileged commands.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatfleet/internal/domain"
	"chatfleet/internal/fleet"
	"chatfleet/internal/policy"
	"chatfleet/internal/presence"
	"chatfleet/internal/ratelimit"
)

type Fleet interface {
	HandleCommand(ctx context.Context, cmd domain.Command) (fleet.CommandResult, error)
	Stats() domain.FleetStats
	Agents() []domain.Agent
	OpenRoom(name string)
	CloseRoom(ctx context.Context, name, fallback string) (int, error)
}

type Presence interface {
	Rooms() []presence.RoomInfo
	History(room string, limit int) []presence.Message
	CreateRoom(name string) error
	DeleteRoom(name string) error
	DefaultRoom() string
	Kick(ctx context.Context, userID int64, reason string, seconds int) error
}

type Store interface {
	Ping(ctx context.Context) error
	ListActivity(ctx context.Context, agentID int64, limit int) ([]domain.ActivityEntry, error)
	ListRooms(ctx context.Context) ([]domain.Room, error)
	EnsureRoom(ctx context.Context, name string) error
	DeleteRoom(ctx context.Context, name string) error
}

type Authorizer interface {
	Authorize(ctx context.Context, authHeader string, op policy.Operation) (domain.ControlToken, error)
}

type Server struct {
	fleet    Fleet
	presence Presence
	store    Store
	auth     Authorizer
	limiter  *ratelimit.Limiter
	logger   *log.Logger
}

func New(f Fleet, p Presence, store Store, auth Authorizer, limiter *ratelimit.Limiter, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if limiter == nil {
		limiter = ratelimit.New(0, time.Minute, nil)
	}
	return &Server{
		fleet:    f,
		presence: p,
		store:    store,
		auth:     auth,
		limiter:  limiter,
		logger:   logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.guard(policy.OpRead, s.handleStats))
	mux.HandleFunc("/agents", s.guard(policy.OpRead, s.handleAgents))
	mux.HandleFunc("/agents/", s.guard(policy.OpRead, s.handleAgentByID))
	mux.HandleFunc("/commands", s.guard(policy.OpControl, s.handleCommands))
	mux.HandleFunc("/rooms", s.handleRooms)
	mux.HandleFunc("/rooms/", s.handleRoomByID)
	mux.HandleFunc("/users/", s.guard(policy.OpControl, s.handleUserByID))
	return s.loggingMiddleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, s.fleet.Stats())
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, s.fleet.Agents())
}

func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/agents/"), "/")
	if len(parts) != 2 || parts[1] != "activity" || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, fmt.Errorf("route not found"))
		return
	}
	agentID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || agentID <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid agent id %q", parts[0]))
		return
	}
	entries, err := s.store.ListActivity(r.Context(), agentID, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var cmd domain.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	res, err := s.fleet.HandleCommand(r.Context(), cmd)
	if err != nil {
		writeError(w, commandStatus(err), err)
		return
	}
	if res.Ignored || cmd.Command == domain.CommandStartAll {
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, fleet.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, fleet.ErrBadParams):
		return http.StatusBadRequest
	case errors.Is(err, fleet.ErrNotInitialized):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.guard(policy.OpRead, s.listRooms)(w, r)
	case http.MethodPost:
		s.guard(policy.OpControl, s.createRoom)(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	registry, err := s.store.ListRooms(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"registry": registry,
		"live":     s.presence.Rooms(),
	})
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("name is required"))
		return
	}
	if err := s.store.EnsureRoom(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.presence.CreateRoom(name); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.fleet.OpenRoom(name)
	writeJSON(w, http.StatusCreated, map[string]any{"name": name})
}

func (s *Server) handleRoomByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/rooms/"), "/")
	room := strings.TrimSpace(parts[0])
	if room == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("room is required"))
		return
	}
	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.guard(policy.OpControl, s.deleteRoom(room))(w, r)
	case len(parts) == 2 && parts[1] == "history" && r.Method == http.MethodGet:
		s.guard(policy.OpRead, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, s.presence.History(room, queryInt(r, "limit", 50)))
		})(w, r)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("route not found"))
	}
}

// deleteRoom evacuates bots before the registry row and the live room
// go, so a failed step can be retried without bots left behind.
func (s *Server) deleteRoom(room string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fallback := s.presence.DefaultRoom()
		if room == fallback {
			writeError(w, http.StatusBadRequest, fmt.Errorf("default room %s cannot be deleted", room))
			return
		}
		moved, err := s.fleet.CloseRoom(r.Context(), room, fallback)
		if err != nil {
			writeError(w, commandStatus(err), err)
			return
		}
		if err := s.store.DeleteRoom(r.Context(), room); err != nil && !errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if err := s.presence.DeleteRoom(room); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.logger.Printf("room deleted room=%s bots_moved=%d", room, moved)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleUserByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/users/"), "/")
	if len(parts) != 2 || parts[1] != "kick" || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, fmt.Errorf("route not found"))
		return
	}
	userID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid user id %q", parts[0]))
		return
	}
	var req struct {
		Reason  string `json:"reason"`
		Seconds int    `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if req.Seconds <= 0 {
		req.Seconds = 10
	}
	if err := s.presence.Kick(r.Context(), userID, req.Reason, req.Seconds); err != nil {
		if errors.Is(err, presence.ErrUnknownUser) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kicked": userID, "seconds": req.Seconds})
}

// guard authorizes the request before next runs. Control operations are
// also rate limited per token.
func (s *Server) guard(op policy.Operation, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, err := s.auth.Authorize(r.Context(), r.Header.Get("Authorization"), op)
		switch {
		case errors.Is(err, policy.ErrUnauthorized):
			writeError(w, http.StatusUnauthorized, err)
			return
		case errors.Is(err, policy.ErrForbidden):
			writeError(w, http.StatusForbidden, err)
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if op == policy.OpControl {
			res := s.limiter.Allow(tok.Name)
			if res.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			}
			if !res.Allowed {
				retry := int(time.Until(res.ResetAt).Seconds()) + 1
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeError(w, http.StatusTooManyRequests, fmt.Errorf("rate limit exceeded for %s", tok.Name))
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
