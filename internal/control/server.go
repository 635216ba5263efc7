// Package control provides a Unix socket HTTP server for driving the
// running friendgate daemon. "friendgate up" starts the server alongside the
// lifecycle manager; "friendgate status" and "friendgate down" talk to it.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/coder/websocket"

	"github.com/kuuji/friendgate/internal/lifecycle"
	"github.com/kuuji/friendgate/internal/tunconf"
	"github.com/kuuji/friendgate/internal/vpnerr"
)

// ResolveSocketPath returns the best socket path for the current environment.
//
// On Linux, it checks in order:
//  1. /run/friendgate/: if it exists (systemd RuntimeDirectory= or root)
//  2. $XDG_RUNTIME_DIR/friendgate/: user-writable runtime directory
//  3. /tmp/friendgate/: fallback
func ResolveSocketPath() string {
	if runtime.GOOS == "darwin" {
		if info, err := os.Stat("/var/run/friendgate"); err == nil && info.IsDir() {
			return "/var/run/friendgate/control.sock"
		}
		return "/tmp/friendgate/control.sock"
	}

	if info, err := os.Stat("/run/friendgate"); err == nil && info.IsDir() {
		return "/run/friendgate/control.sock"
	}
	if xdgDir := os.Getenv("XDG_RUNTIME_DIR"); xdgDir != "" {
		return filepath.Join(xdgDir, "friendgate", "control.sock")
	}
	return "/tmp/friendgate/control.sock"
}

// Manager is the part of the lifecycle manager the server exposes.
// *lifecycle.Manager satisfies it.
type Manager interface {
	Connect(ctx context.Context, req lifecycle.ConnectRequest) error
	Disconnect(ctx context.Context, tunnel string) error
	ClearError(ctx context.Context) error
	Status() lifecycle.Status
	Subscribe() (<-chan lifecycle.Status, func())
}

// LookupFunc returns the stored configuration for a tunnel name, or nil if
// the daemon should fall back to what the manager holds.
type LookupFunc func(tunnel string) (*tunconf.Config, error)

// ConnectRequest is the body of POST /connect.
type ConnectRequest struct {
	Tunnel  string `json:"tunnel,omitempty"`
	Token   string `json:"token,omitempty"`
	Refetch bool   `json:"refetch,omitempty"`
}

// DisconnectRequest is the body of POST /disconnect.
type DisconnectRequest struct {
	Tunnel string `json:"tunnel,omitempty"`
}

// ErrorResponse is returned with every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Server is an HTTP server that listens on a Unix domain socket and
// serves the lifecycle manager.
type Server struct {
	socketPath string
	mgr        Manager
	lookup     LookupFunc
	log        *slog.Logger
	listener   net.Listener
	httpServer *http.Server
}

// NewServer creates a new control server. lookup may be nil.
func NewServer(socketPath string, mgr Manager, lookup LookupFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		mgr:        mgr,
		lookup:     lookup,
		log:        logger.With("component", "control"),
	}
}

// Start begins listening on the Unix socket and serving HTTP requests.
// It returns immediately; the server runs in the background.
func (s *Server) Start() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating socket directory %s: %w", dir, err)
	}

	// Remove stale socket file from a previous run.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	s.listener = ln

	// The socket can bring the tunnel up and down, so only the owner and
	// group may use it.
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		s.log.Warn("setting socket permissions", "error", err)
	}

	s.httpServer = &http.Server{Handler: s.Handler()}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("control server error", "error", err)
		}
	}()

	s.log.Info("control server started", "socket", s.socketPath)
	return nil
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("POST /connect", s.handleConnect)
	mux.HandleFunc("POST /disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /clear", s.handleClear)
	return mux
}

// Stop gracefully shuts down the control server and removes the socket file.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn("control server shutdown", "error", err)
		}
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		s.log.Warn("removing socket file", "error", err)
	}

	s.log.Info("control server stopped")
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mgr.Status())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var body ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, vpnerr.New(vpnerr.KindInvalidConfig, "decode request", err))
		return
	}

	req := lifecycle.ConnectRequest{Tunnel: body.Tunnel, Token: body.Token, Refetch: body.Refetch}
	if s.lookup != nil && body.Tunnel != "" && !body.Refetch {
		cfg, err := s.lookup(body.Tunnel)
		if err != nil {
			s.writeError(w, vpnerr.New(vpnerr.KindInvalidConfig, "load tunnel "+body.Tunnel, err))
			return
		}
		req.Config = cfg
	}

	if err := s.mgr.Connect(r.Context(), req); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("connect requested", "tunnel", body.Tunnel)
	s.writeJSON(w, http.StatusAccepted, s.mgr.Status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var body DisconnectRequest
	// An empty body disconnects whatever is current.
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, vpnerr.New(vpnerr.KindInvalidConfig, "decode request", err))
			return
		}
	}

	if err := s.mgr.Disconnect(r.Context(), body.Tunnel); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("disconnect requested", "tunnel", body.Tunnel)
	s.writeJSON(w, http.StatusAccepted, s.mgr.Status())
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.ClearError(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.mgr.Status())
}

// handleEvents upgrades to a WebSocket and streams every status change as a
// JSON text message until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()

	updates, cancel := s.mgr.Subscribe()
	defer cancel()

	// CloseRead handles control frames and cancels ctx when the peer leaves.
	ctx := c.CloseRead(r.Context())
	for {
		select {
		case st, ok := <-updates:
			if !ok {
				_ = c.Close(websocket.StatusGoingAway, "daemon shutting down")
				return
			}
			data, err := json.Marshal(st)
			if err != nil {
				s.log.Error("encoding status event", "error", err)
				return
			}
			if err := c.Write(ctx, websocket.MessageText, data); err != nil {
				s.log.Debug("status watcher gone", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	code := http.StatusInternalServerError

	var ve *vpnerr.Error
	switch {
	case errors.Is(err, lifecycle.ErrClosed):
		code = http.StatusServiceUnavailable
	case errors.As(err, &ve):
		resp.Kind = ve.Kind.String()
		switch ve.Kind {
		case vpnerr.KindInvalidConfig:
			code = http.StatusBadRequest
		case vpnerr.KindBackendUnavailable:
			code = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, code, resp)
}
