package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tchow-twistedxcom/crewdeck/internal/hub"
	"github.com/tchow-twistedxcom/crewdeck/internal/logging"
	"github.com/tchow-twistedxcom/crewdeck/internal/statedb"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr     string
	Token          string
	ReadOnly       bool
	AllowedOrigins []string

	// ViewerQueue bounds the messages buffered per WebSocket viewer.
	ViewerQueue int

	Hub   *hub.Hub
	State *statedb.StateDB // optional; enables /api/sessions/recent
	Push  *PushService     // optional
}

// Server wraps an HTTP server exposing the hub over REST and WebSocket.
type Server struct {
	cfg        Config
	hub        *hub.Hub
	httpServer *http.Server
	upgrader   websocket.Upgrader
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a new web server with base routes and middleware.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:3001"
	}
	if cfg.ViewerQueue <= 0 {
		cfg.ViewerQueue = 256
	}

	s := &Server{cfg: cfg, hub: cfg.Hub}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.allowWSOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws", s.requireAuth(s.handleWS))
	mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("POST /api/sessions", s.requireAuth(s.handleCreateSession))
	mux.HandleFunc("GET /api/sessions/recent", s.requireAuth(s.handleRecentSessions))
	mux.HandleFunc("GET /api/sessions/{id}", s.requireAuth(s.handleGetSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.requireAuth(s.handleDestroySession))
	mux.HandleFunc("GET /api/worktrees", s.requireAuth(s.handleWorktrees))
	mux.HandleFunc("GET /api/push/config", s.requireAuth(s.handlePushConfig))
	mux.HandleFunc("POST /api/push/subscribe", s.requireAuth(s.handlePushSubscribe))
	mux.HandleFunc("POST /api/push/unsubscribe", s.requireAuth(s.handlePushUnsubscribe))

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          log.New(logging.NewBridgeWriter(logging.CompWeb).WithLevel(slog.LevelWarn), "", 0),
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until shutdown or error. Returns nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("listening", slog.String("addr", s.cfg.ListenAddr), slog.Bool("read_only", s.cfg.ReadOnly))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	// WebSocket read loops watch the base context.
	s.cancelBase()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Hijacked WebSocket connections are not tracked by Shutdown, so a
	// stuck one is force closed.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, readOnly=%t)", s.cfg.ListenAddr, s.cfg.ReadOnly)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"ok":       true,
		"readOnly": s.cfg.ReadOnly,
		"time":     time.Now().UTC().Format(time.RFC3339),
	}
	if sessions, err := s.hub.List(r.Context()); err == nil {
		resp["sessions"] = len(sessions)
	} else {
		resp["ok"] = false
	}
	writeJSON(w, http.StatusOK, resp)
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}
