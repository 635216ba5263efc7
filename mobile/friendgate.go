//go:build linux

// Package mobile provides a gomobile-compatible API for the friendgate VPN
// client. This package is compiled to an Android AAR via `gomobile bind`.
//
// All exported types and methods are designed to work within gomobile's type
// restrictions: only basic types (string, int, bool, []byte, error) and
// interfaces with methods using those types are supported at the boundary.
//
// Usage from Kotlin/Android:
//
//	val svc = Mobile.newService(configTOML)
//	svc.setLogger(logCallback)
//	svc.setSocketProtector(protector)    // VpnService.protect
//	svc.setTunnelBuilder(builder)        // VpnService.Builder
//	svc.setStatusListener(listener)
//	svc.start()
//	svc.connect()
//	...
//	svc.destroy()                        // from onDestroy
package mobile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kuuji/friendgate/internal/agent"
	"github.com/kuuji/friendgate/internal/config"
	"github.com/kuuji/friendgate/internal/lifecycle"
	"github.com/kuuji/friendgate/internal/tunconf"
	"github.com/kuuji/friendgate/internal/tunnel"
)

// commandTimeout bounds how long a call from the UI thread may wait for the
// lifecycle loop to accept a command.
const commandTimeout = 10 * time.Second

// Logger receives log messages from the Go core. Implement this interface
// in Kotlin and pass it to Service.SetLogger().
//
// Level values: 0=Debug, 1=Info, 2=Warn, 3=Error
type Logger interface {
	Log(level int, msg string)
}

// SocketProtector protects a socket file descriptor from VPN routing.
// Implement this interface in Kotlin by calling VpnService.protect(fd).
//
// Returns true if the socket was successfully protected.
type SocketProtector interface {
	Protect(fd int) bool
}

// TunnelBuilder creates the VPN interface. specJSON describes addresses,
// routes, DNS servers, MTU and per-app rules:
//
//	{"session":"MyFriendsVPN","addresses":["10.8.0.2/32"],"dns":["1.1.1.1"],
//	 "routes":["0.0.0.0/0"],"mtu":1420,"excludedApps":["com.example.bank"]}
//
// Implement it with VpnService.Builder and return the detached file
// descriptor of establish(), or -1 if VpnService.prepare() still needs the
// user's consent.
type TunnelBuilder interface {
	Establish(specJSON string) int
}

// PermissionGate asks the user for VPN and notification permission. Both
// methods may block while a system dialog is shown; they are never called
// on the main thread.
type PermissionGate interface {
	RequestTunnelPermission() bool
	RequestNotificationPermission() bool
}

// StatusListener receives every status change as JSON, in order:
//
//	{"state":"CONNECTING","tunnel":"MyFriendsVPN","display":"Connecting to MyFriendsVPN...", ...}
//
// Use the display field as the notification text. The callback must not
// block.
type StatusListener interface {
	OnStatus(statusJSON string)
}

// Service owns one lifecycle manager for the app process. Create one with
// NewService(), set the callbacks, then call Start().
type Service struct {
	cfg       *config.Config
	logger    Logger
	protector SocketProtector
	builder   TunnelBuilder
	gate      PermissionGate
	listener  StatusListener

	mu       sync.Mutex
	ag       *agent.Agent
	unsub    func()
	imported *tunconf.Config
}

// NewService creates a Service from a TOML configuration string with the
// same structure as the desktop config.toml.
func NewService(configTOML string) (*Service, error) {
	cfg, err := config.ParseTOML(configTOML)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &Service{cfg: cfg}, nil
}

// SetLogger sets a callback for log messages from the Go core.
// Must be called before Start().
func (s *Service) SetLogger(logger Logger) { s.logger = logger }

// SetSocketProtector sets a callback to protect sockets from VPN routing.
// Must be called before Start().
func (s *Service) SetSocketProtector(protector SocketProtector) { s.protector = protector }

// SetTunnelBuilder sets the interface builder. Must be called before Start().
func (s *Service) SetTunnelBuilder(builder TunnelBuilder) { s.builder = builder }

// SetPermissionGate sets the permission prompt. Must be called before
// Start(); without one, permissions are assumed granted.
func (s *Service) SetPermissionGate(gate PermissionGate) { s.gate = gate }

// SetStatusListener sets the status callback. Must be called before Start().
func (s *Service) SetStatusListener(listener StatusListener) { s.listener = listener }

// Start creates the lifecycle manager. The tunnel stays down until
// Connect().
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ag != nil {
		return errors.New("service is already started")
	}
	if s.builder == nil {
		return errors.New("a TunnelBuilder is required")
	}

	var logger *slog.Logger
	if s.logger != nil {
		logger = slog.New(&mobileLogHandler{callback: s.logger})
	} else {
		logger = slog.Default()
	}

	p := agent.Platform{Builder: builderAdapter{s.builder}}
	if s.protector != nil {
		p.Protector = s.protector
	}
	if s.gate != nil {
		p.Permissions = s.gate
	} else {
		p.Permissions = lifecycle.AlwaysGranted{}
	}

	s.ag = agent.New(s.cfg, agent.DefaultDeps(s.cfg, p, logger), logger)

	if s.listener != nil {
		updates, cancel := s.ag.Manager().Subscribe()
		s.unsub = cancel
		go forward(updates, s.listener)
	}
	return nil
}

func forward(updates <-chan lifecycle.Status, l StatusListener) {
	for st := range updates {
		l.OnStatus(statusJSON(st))
	}
}

// Connect brings up the configured tunnel, fetching its configuration with
// the invite token when nothing has been imported. It returns once the
// request is accepted; progress arrives through the StatusListener.
func (s *Service) Connect() error {
	a, err := s.agent()
	if err != nil {
		return err
	}
	req := lifecycle.ConnectRequest{Tunnel: s.cfg.Tunnel.Name, Token: s.cfg.Server.Token}
	s.mu.Lock()
	req.Config = s.imported
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return a.Manager().Connect(ctx, req)
}

// ImportConfig parses a wg-quick file or vless:// link and connects with
// it. The configuration is kept for later Connect() calls.
func (s *Service) ImportConfig(text string) error {
	cfg, err := tunconf.Parse(text, config.Key{})
	if err != nil {
		return fmt.Errorf("parsing tunnel config: %w", err)
	}
	if s.cfg.Tunnel.MTU != 0 {
		if cfg, err = cfg.WithMTU(s.cfg.Tunnel.MTU); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.imported = cfg
	s.mu.Unlock()

	a, err := s.agent()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return a.Manager().Connect(ctx, lifecycle.ConnectRequest{Tunnel: s.cfg.Tunnel.Name, Config: cfg})
}

// Refetch discards the held configuration and fetches a new one.
func (s *Service) Refetch() error {
	a, err := s.agent()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.imported = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return a.Manager().Connect(ctx, lifecycle.ConnectRequest{
		Tunnel:  s.cfg.Tunnel.Name,
		Token:   s.cfg.Server.Token,
		Refetch: true,
	})
}

// Disconnect tears the tunnel down. Safe to call from any thread and in any
// state.
func (s *Service) Disconnect() error {
	a, err := s.agent()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return a.Manager().Disconnect(ctx, "")
}

// Revoke reports that the system revoked VPN permission, from
// VpnService.onRevoke().
func (s *Service) Revoke() error {
	a, err := s.agent()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return a.Manager().Revoke(ctx)
}

// ClearError dismisses the error shown after a failed connection, for the
// UI's dismiss action. It does nothing while a retry is pending.
func (s *Service) ClearError() error {
	a, err := s.agent()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return a.Manager().ClearError(ctx)
}

// Destroy releases everything, even if the backend never confirms. Call it
// from Service.onDestroy(). The Service cannot be restarted afterwards.
func (s *Service) Destroy() {
	s.mu.Lock()
	a := s.ag
	unsub := s.unsub
	s.mu.Unlock()
	if a == nil {
		return
	}
	a.Close()
	if unsub != nil {
		unsub()
	}
}

// QueryState returns the current status as JSON. It returns a DOWN status
// before Start().
func (s *Service) QueryState() string {
	s.mu.Lock()
	a := s.ag
	s.mu.Unlock()
	if a == nil {
		return statusJSON(lifecycle.Status{State: lifecycle.StateDown, Display: "Disconnected"})
	}
	return statusJSON(a.Manager().Status())
}

// GetTunnelName returns the configured tunnel name.
func (s *Service) GetTunnelName() string { return s.cfg.Tunnel.Name }

func (s *Service) agent() (*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ag == nil {
		return nil, errors.New("service is not started")
	}
	return s.ag, nil
}

// GenerateKeyPair returns a fresh WireGuard key pair as
// "private-base64 public-base64".
func GenerateKeyPair() (string, error) {
	kp, err := config.GenerateKeyPair()
	if err != nil {
		return "", err
	}
	return kp.Private.String() + " " + kp.Public.String(), nil
}

// --- Internal helpers ---

func statusJSON(st lifecycle.Status) string {
	data, err := json.Marshal(st)
	if err != nil {
		return `{"state":"DOWN"}`
	}
	return string(data)
}

// builderAdapter bridges the string-based TunnelBuilder to
// tunnel.Establisher.
type builderAdapter struct {
	b TunnelBuilder
}

func (a builderAdapter) Establish(spec tunnel.InterfaceSpec) (int, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return -1, fmt.Errorf("encoding interface spec: %w", err)
	}
	return a.b.Establish(string(data)), nil
}

// mobileLogHandler adapts Go's slog to the mobile Logger callback.
type mobileLogHandler struct {
	callback Logger
	attrs    []slog.Attr
	groups   []string
}

func (h *mobileLogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *mobileLogHandler) Handle(_ context.Context, r slog.Record) error {
	// Map slog levels to simple int: Debug=0, Info=1, Warn=2, Error=3
	var level int
	switch {
	case r.Level < slog.LevelInfo:
		level = 0
	case r.Level < slog.LevelWarn:
		level = 1
	case r.Level < slog.LevelError:
		level = 2
	default:
		level = 3
	}

	msg := r.Message
	for _, a := range h.attrs {
		msg += " " + a.Key + "=" + a.Value.String()
	}
	prefix := ""
	for _, g := range h.groups {
		prefix += g + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		msg += " " + prefix + a.Key + "=" + a.Value.String()
		return true
	})

	h.callback.Log(level, msg)
	return nil
}

func (h *mobileLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &mobileLogHandler{
		callback: h.callback,
		attrs:    append(append([]slog.Attr(nil), h.attrs...), attrs...),
		groups:   h.groups,
	}
}

func (h *mobileLogHandler) WithGroup(name string) slog.Handler {
	return &mobileLogHandler{
		callback: h.callback,
		attrs:    h.attrs,
		groups:   append(append([]string(nil), h.groups...), name),
	}
}
