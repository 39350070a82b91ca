// Package gateway serves the management API: session listing and mutation,
// run inspection and abort, health, and a websocket stream of run events.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/go-roost/internal/bus"
	"github.com/basket/go-roost/internal/coordinator"
	"github.com/basket/go-roost/internal/otel"
	"github.com/basket/go-roost/internal/session"
)

type Config struct {
	Addr  string
	Token string // bearer token; empty disables auth

	// DefaultAgent is used when a request does not name an agent.
	DefaultAgent string

	Sessions *session.Manager
	Coord    *coordinator.Coordinator
	Bus      *bus.Bus
	Logger   *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	started time.Time
	server  *http.Server
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger, started: time.Now()}
}

// Handler builds the full route table, auth included.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("PATCH /api/v1/sessions/{key}", s.handlePatchSession)
	mux.HandleFunc("POST /api/v1/sessions/{key}/reset", s.handleResetSession)
	mux.HandleFunc("POST /api/v1/sessions/{key}/compact", s.handleCompactSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{key}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	mux.HandleFunc("POST /api/v1/runs/{id}/abort", s.handleAbortRun)
	mux.HandleFunc("GET /ws", s.handleWS)
	return s.traceWrap(s.authWrap(mux))
}

// traceWrap opens a server span per request. The health check is exempt so
// liveness probes do not flood the trace exporter.
func (s *Server) traceWrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		ctx, span := otel.StartServerSpan(r.Context(), otel.Tracer(), r.Method+" "+r.URL.Path)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()
	s.logger.Info("gateway listening", "addr", s.cfg.Addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// authWrap enforces the bearer token on everything except the health check.
// Websocket clients may pass the token as a query parameter instead, since
// browser websocket APIs cannot set headers.
func (s *Server) authWrap(next http.Handler) http.Handler {
	if s.cfg.Token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agent := q.Get("agent")
	if agent == "" {
		agent = s.cfg.DefaultAgent
	}
	f := session.Filter{
		Channel:  q.Get("channel"),
		ChatType: q.Get("chat_type"),
		Label:    q.Get("label"),
	}
	if v := q.Get("active_within"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "active_within: "+err.Error())
			return
		}
		f.ActiveWithin = d
	}
	infos, err := s.cfg.Sessions.List(agent, f)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	if infos == nil {
		infos = []session.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

func (s *Server) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	key := session.Key(r.PathValue("key"))
	var p session.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "decode patch: "+err.Error())
		return
	}
	rec, err := s.cfg.Sessions.PatchSession(key, p)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	key := session.Key(r.PathValue("key"))
	rec, err := s.cfg.Sessions.ResetSession(key)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCompactSession(w http.ResponseWriter, r *http.Request) {
	key := session.Key(r.PathValue("key"))
	var req struct {
		Keep int `json:"keep"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode: "+err.Error())
		return
	}
	if req.Keep <= 0 {
		writeError(w, http.StatusBadRequest, "keep must be positive")
		return
	}
	removed, err := s.cfg.Sessions.CompactSession(key, req.Keep)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	key := session.Key(r.PathValue("key"))
	if err := s.cfg.Sessions.DeleteSession(key); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": string(key)})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs := []string{}
	if s.cfg.Coord != nil {
		runs = s.cfg.Coord.ActiveRuns()
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleAbortRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	aborted := false
	if s.cfg.Coord != nil {
		aborted = s.cfg.Coord.AbortRun(id)
	}
	// Abort is idempotent: an unknown or finished run id is not an error.
	writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "aborted": aborted})
}

// writeSessionError maps store and management errors onto HTTP statuses:
// validation 400, missing 404, contention 503 ("try again"), the rest 500.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrMainSession):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrLockTimeout):
		writeError(w, http.StatusServiceUnavailable, "the session store is busy; try again")
	default:
		s.logger.Error("management operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
