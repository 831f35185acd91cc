// Package api exposes the daemon's control surface over HTTP.
//
// Endpoints
//
//	GET  /status   Snapshot of every managed app.
//	POST /control  Wake or sleep one app: {"host": ..., "action": ...}.
//	GET  /health   Daemon liveness for the host runtime.
//	GET  /up       Plain-text liveness.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/justinpaulson/kamal-napper/pkg/supervisor"
)

// ServiceName identifies the daemon in health responses.
const ServiceName = "kamal-napper"

// Controller is the supervisor surface the API consumes.
type Controller interface {
	Status(ctx context.Context) supervisor.Snapshot
	WakeApp(ctx context.Context, host string) bool
	SleepApp(ctx context.Context, host string) bool
}

// Server is the control API HTTP server.
type Server struct {
	ctrl    Controller
	log     *zap.SugaredLogger
	clock   clock.PassiveClock
	version string
	server  *http.Server
}

// New creates the server listening on addr.
func New(addr string, ctrl Controller, version string, log *zap.SugaredLogger, clk clock.PassiveClock) *Server {
	s := &Server{ctrl: ctrl, log: log, clock: clk, version: version}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /control", s.handleControl)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /up", s.handleUp)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withRequestLog(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	s.log.Infow("control api listening", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the routing stack for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// withRequestLog tags each request with a correlation id and logs it.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		start := s.clock.Now()
		next.ServeHTTP(w, r)
		s.log.Debugw("api request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"duration", s.clock.Now().Sub(start))
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status(r.Context()))
}

// ControlRequest is the payload for POST /control.
type ControlRequest struct {
	Host   string `json:"host"`
	Action string `json:"action"`
}

// ControlResponse reports the outcome of a control action.
type ControlResponse struct {
	Success  bool   `json:"success"`
	Hostname string `json:"hostname"`
	Action   string `json:"action"`
	Message  string `json:"message"`
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Host == "" {
		http.Error(w, "host is required", http.StatusBadRequest)
		return
	}

	resp := ControlResponse{Hostname: req.Host, Action: req.Action}
	status := http.StatusOK

	switch req.Action {
	case "wake":
		if s.ctrl.WakeApp(r.Context(), req.Host) {
			resp.Success = true
			resp.Message = "app is starting"
		} else {
			resp.Message = "app not found or not stopped"
			status = http.StatusConflict
		}
	case "sleep":
		if s.ctrl.SleepApp(r.Context(), req.Host) {
			resp.Success = true
			resp.Message = "app is stopping"
		} else {
			resp.Message = "app not found or not active"
			status = http.StatusConflict
		}
	default:
		http.Error(w, "action must be wake or sleep", http.StatusBadRequest)
		return
	}

	writeJSON(w, status, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   ServiceName,
		"version":   s.version,
		"timestamp": s.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleUp(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
