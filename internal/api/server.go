// Package api implements the HTTP surface: health and version, the
// OAuth callback, schedule management, and a websocket chat bridge.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/sidekick/internal/buildinfo"
	"github.com/nugget/sidekick/internal/config"
	"github.com/nugget/sidekick/internal/health"
	"github.com/nugget/sidekick/internal/oauth"
	"github.com/nugget/sidekick/internal/scheduler"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Chatter runs conversation turns. The real implementation is
// *agent.Orchestrator.
type Chatter interface {
	RunTurn(ctx context.Context, threadID, ownerID, text string) (string, error)
}

// Schedules is the schedule store surface the API exposes.
type Schedules interface {
	Create(ctx context.Context, e *scheduler.Entry) error
	FindByOwner(ctx context.Context, ownerID string) ([]*scheduler.Entry, error)
	FindByID(ctx context.Context, id int64, ownerID string) (*scheduler.Entry, error)
	Update(ctx context.Context, id int64, ownerID string, u scheduler.Update) (bool, error)
	Delete(ctx context.Context, id int64, ownerID string) (bool, error)
}

// Exchanger completes an OAuth authorization. The real implementation
// is *oauth.Manager.
type Exchanger interface {
	Exchange(ctx context.Context, code, state string) (string, error)
}

// HealthSource reports dependency status for /health. The real
// implementation is *health.Monitor.
type HealthSource interface {
	Status() map[string]health.Status
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	token     string
	chat      Chatter
	schedules Schedules
	oauth     Exchanger
	health    HealthSource
	logger    *slog.Logger
	server    *http.Server
	upgrader  websocket.Upgrader
}

// NewServer creates a new API server.
func NewServer(cfg config.ListenConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: cfg.Address,
		port:    cfg.Port,
		token:   cfg.Token,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// SetChat enables the websocket chat endpoint.
func (s *Server) SetChat(c Chatter) { s.chat = c }

// SetSchedules enables the schedule endpoints.
func (s *Server) SetSchedules(st Schedules) { s.schedules = st }

// SetOAuth enables the OAuth callback.
func (s *Server) SetOAuth(e Exchanger) { s.oauth = e }

// SetHealth adds dependency status to /health.
func (s *Server) SetHealth(h HealthSource) { s.health = h }

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	// OAuth redirect target; the signed state authenticates it.
	mux.HandleFunc("GET /auth/google/callback", s.handleOAuthCallback)

	// Schedule management
	mux.Handle("GET /v1/schedules", s.requireAuth(s.handleScheduleList))
	mux.Handle("POST /v1/schedules", s.requireAuth(s.handleScheduleCreate))
	mux.Handle("PATCH /v1/schedules/{id}", s.requireAuth(s.handleScheduleUpdate))
	mux.Handle("DELETE /v1/schedules/{id}", s.requireAuth(s.handleScheduleDelete))

	// Chat
	mux.Handle("GET /v1/chat/ws", s.requireAuth(s.handleChatSocket))

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// ownerKey carries the authenticated owner id through the request
// context.
type ownerKey struct{}

// requireAuth checks the bearer token and the X-Owner-ID header. The
// websocket endpoint also accepts both as query parameters, since
// browsers cannot set headers on upgrade requests.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			s.errorResponse(w, http.StatusForbidden, "API token not configured")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok && websocket.IsWebSocketUpgrade(r) {
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="sidekick"`)
			s.errorResponse(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}

		owner := strings.TrimSpace(r.Header.Get("X-Owner-ID"))
		if owner == "" && websocket.IsWebSocketUpgrade(r) {
			owner = strings.TrimSpace(r.URL.Query().Get("owner"))
		}
		if owner == "" {
			s.errorResponse(w, http.StatusBadRequest, "X-Owner-ID header is required")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Sidekick",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// healthResponse is the /health body. Status is "degraded" when any
// watched dependency is down; the endpoint still answers 200 because
// the process itself is serving.
type healthResponse struct {
	Status       string                   `json:"status"`
	Uptime       string                   `json:"uptime"`
	Dependencies map[string]health.Status `json:"dependencies,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Uptime: buildinfo.Uptime().String()}
	if s.health != nil {
		resp.Dependencies = s.health.Status()
		for _, d := range resp.Dependencies {
			if !d.Up {
				resp.Status = "degraded"
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType(code),
			"code":    code,
		},
	}, s.logger)
}

func errorType(code int) string {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "authentication_error"
	case code == http.StatusNotFound:
		return "not_found_error"
	case code >= 500:
		return "server_error"
	}
	return "invalid_request_error"
}

// OAuth callback

const callbackPage = `<!doctype html>
<html><head><meta charset="utf-8"><title>Sidekick</title></head>
<body><p>%s</p></body></html>
`

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.oauth == nil {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	page := func(code int, msg string) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(code)
		fmt.Fprintf(w, callbackPage, msg)
	}

	if e := q.Get("error"); e != "" {
		s.logger.Warn("oauth authorization declined", "error", e)
		page(http.StatusBadRequest, "Authorization was not granted. You can close this window.")
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		page(http.StatusBadRequest, "Missing code or state.")
		return
	}

	owner, err := s.oauth.Exchange(r.Context(), code, state)
	switch {
	case errors.Is(err, oauth.ErrInvalidState):
		s.logger.Warn("oauth callback with invalid state", "error", err)
		page(http.StatusBadRequest, "This authorization link is invalid or has expired. Ask me for a new one.")
		return
	case err != nil:
		s.logger.Error("oauth exchange failed", "error", err)
		page(http.StatusBadGateway, "Google did not accept the authorization. Please try again.")
		return
	}
	s.logger.Info("oauth authorization complete", "owner", owner)
	page(http.StatusOK, "Your Google Calendar is connected. You can close this window and return to the chat.")
}

// Schedule handlers

type scheduleRequest struct {
	Kind          scheduler.Kind      `json:"kind"`
	Frequency     scheduler.Frequency `json:"frequency"`
	DayOfWeek     *int                `json:"day_of_week"`
	DayOfMonth    *int                `json:"day_of_month"`
	ScheduledDate string              `json:"scheduled_date"`
	Time          string              `json:"time"`
	Content       string              `json:"content"`
}

func (s *Server) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "schedules not configured")
		return
	}
	entries, err := s.schedules.FindByOwner(r.Context(), ownerFrom(r))
	if err != nil {
		s.logger.Error("list schedules failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}
	if entries == nil {
		entries = []*scheduler.Entry{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"schedules": entries}, s.logger)
}

func (s *Server) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "schedules not configured")
		return
	}
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Kind == "" {
		req.Kind = scheduler.KindStatic
	}
	e := &scheduler.Entry{
		OwnerID:       ownerFrom(r),
		Kind:          req.Kind,
		Frequency:     req.Frequency,
		DayOfWeek:     req.DayOfWeek,
		DayOfMonth:    req.DayOfMonth,
		ScheduledDate: req.ScheduledDate,
		TimeOfDay:     req.Time,
		Content:       req.Content,
	}
	if err := s.schedules.Create(r.Context(), e); err != nil {
		if errors.Is(err, scheduler.ErrInvalidEntry) {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("create schedule failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}
	s.logger.Info("schedule created via API", "id", e.ID, "owner", e.OwnerID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, e, s.logger)
}

func (s *Server) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "schedules not configured")
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var u scheduler.Update
	if err := decodeBody(r, &u); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if u.Empty() {
		s.errorResponse(w, http.StatusBadRequest, "no fields to update")
		return
	}

	owner := ownerFrom(r)
	found, err := s.schedules.Update(r.Context(), id, owner, u)
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidEntry) {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("update schedule failed", "id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to update schedule")
		return
	}
	if !found {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("schedule %d not found", id))
		return
	}
	e, err := s.schedules.FindByID(r.Context(), id, owner)
	if err != nil || e == nil {
		s.errorResponse(w, http.StatusInternalServerError, "failed to load schedule")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, e, s.logger)
}

func (s *Server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "schedules not configured")
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	found, err := s.schedules.Delete(r.Context(), id, ownerFrom(r))
	if err != nil {
		s.logger.Error("delete schedule failed", "id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to delete schedule")
		return
	}
	if !found {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("schedule %d not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		s.errorResponse(w, http.StatusBadRequest, "invalid schedule id")
		return 0, false
	}
	return id, true
}

// decodeBody reads a JSON body of at most 64 KiB, rejecting unknown
// fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
