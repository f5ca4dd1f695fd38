package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/asheshgoplani/agent-mom/internal/logging"
	"github.com/asheshgoplani/agent-mom/internal/watcher"
)

var webLog = logging.ForComponent(logging.CompHTTP)

// DefaultListenAddr is used when Config.ListenAddr is empty.
const DefaultListenAddr = "127.0.0.1:8765"

// Sessions is the read side of the registry the HTTP API exposes.
type Sessions interface {
	List() []watcher.Snapshot
	Get(key string) (*watcher.Watcher, error)
}

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	Token      string
	Version    string
	Sessions   Sessions
	// RecentLogs backs /api/logs; nil serves an empty list.
	RecentLogs func(n int) []string
	// MCP is mounted at /mcp when non-nil.
	MCP http.Handler
}

// Server wraps the HTTP server that carries the MCP endpoint and the
// read-only session API.
type Server struct {
	cfg        Config
	httpServer *http.Server
	sessions   Sessions
	started    time.Time
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a new web server with base routes and middleware.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}

	s := &Server{
		cfg:      cfg,
		sessions: cfg.Sessions,
		started:  time.Now(),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionByKey)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/events/sessions", s.handleSessionEvents)
	mux.HandleFunc("/ws/sessions/", s.handleSessionWS)
	if cfg.MCP != nil {
		mux.Handle("/mcp", s.requireToken(cfg.MCP))
		mux.Handle("/mcp/", s.requireToken(cfg.MCP))
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
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

// Start listens on the configured address and blocks until shutdown or
// error. Returns nil on graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.httpServer.Addr = ln.Addr().String()
	webLog.Info("http_listening", slog.String("addr", s.httpServer.Addr))
	err := s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		// Signal long-lived handlers (SSE/WS) to stop promptly.
		s.cancelBase()
	}

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Long-lived connections may still block graceful shutdown. Force close
	// as a fallback so Ctrl+C exits promptly.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}

	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := map[string]any{
		"ok":      true,
		"version": s.cfg.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	}
	if s.sessions != nil {
		resp["sessions"] = len(s.sessions.List())
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorizeRequest(r) {
			writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
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

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, auth=%t)", s.httpServer.Addr, s.cfg.Token != "")
}
