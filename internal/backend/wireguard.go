package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"

	"github.com/kuuji/friendgate/internal/tunconf"
	"github.com/kuuji/friendgate/internal/tunnel"
	"github.com/kuuji/friendgate/internal/vpnerr"
)

// SocketProtector exempts a socket from the tunnel's routes. On Android
// this is VpnService.protect.
type SocketProtector interface {
	Protect(fd int) bool
}

// WireGuardOptions configures the WireGuard adapter.
type WireGuardOptions struct {
	Logger *slog.Logger

	// FwMark is set on the device's UDP sockets when non-zero.
	FwMark uint32

	// Protector, if set, is given the device's sockets after they open.
	Protector SocketProtector
}

// WireGuard runs userspace wireguard-go devices.
type WireGuard struct {
	log       *slog.Logger
	fwmark    uint32
	protector SocketProtector

	mu     sync.Mutex
	active map[uint64]*wgSession
}

type wgSession struct {
	dev *device.Device

	mu        sync.Mutex
	requested bool
}

var _ Backend = (*WireGuard)(nil)

// NewWireGuard creates the WireGuard adapter.
func NewWireGuard(opts WireGuardOptions) *WireGuard {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WireGuard{
		log:       logger.With("component", "wireguard"),
		fwmark:    opts.FwMark,
		protector: opts.Protector,
		active:    make(map[uint64]*wgSession),
	}
}

// Init is a no-op: wireguard-go is linked in.
func (w *WireGuard) Init() error { return nil }

// Activate creates a device on h's interface, configures it and brings it
// up. Up is reported before Activate returns.
func (w *WireGuard) Activate(s Session, h tunnel.Handle, cfg *tunconf.Config) error {
	if cfg.Protocol() != tunconf.WireGuard {
		return vpnerr.Errorf(vpnerr.KindInvalidConfig, "activate", "wireguard backend given %s config", cfg.Protocol())
	}
	uapi, err := cfg.UAPI(h.Endpoints(), w.fwmark)
	if err != nil {
		return vpnerr.New(vpnerr.KindInvalidConfig, "activate", err)
	}

	bind := conn.NewDefaultBind()
	dev := device.NewDevice(h.Device(), bind, deviceLogger(w.log))

	if err := dev.IpcSet(uapi); err != nil {
		dev.Close()
		return vpnerr.New(ipcKind(err), "activate", fmt.Errorf("configuring WireGuard device: %w", err))
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return vpnerr.New(vpnerr.KindNativeEngine, "activate", fmt.Errorf("bringing up WireGuard device: %w", err))
	}
	if w.protector != nil {
		if err := protectBind(bind, w.protector); err != nil {
			dev.Close()
			return vpnerr.New(vpnerr.KindNativeEngine, "activate", err)
		}
	}

	ws := &wgSession{dev: dev}
	w.mu.Lock()
	w.active[s.ID] = ws
	w.mu.Unlock()

	w.log.Info("WireGuard device started", "session", s, "peers", len(cfg.Peers()))
	s.Report(Up, nil)

	go w.watch(s, ws)
	return nil
}

// watch reports Down once the device shuts down for any reason.
func (w *WireGuard) watch(s Session, ws *wgSession) {
	<-ws.dev.Wait()

	w.mu.Lock()
	if w.active[s.ID] == ws {
		delete(w.active, s.ID)
	}
	w.mu.Unlock()

	ws.mu.Lock()
	requested := ws.requested
	ws.mu.Unlock()

	if requested {
		w.log.Info("WireGuard device stopped", "session", s)
		s.Report(Down, nil)
		return
	}
	w.log.Warn("WireGuard device stopped unexpectedly", "session", s)
	s.Report(Down, vpnerr.Errorf(vpnerr.KindNativeEngine, "run", "wireguard device stopped"))
}

func (w *WireGuard) Deactivate(s Session) error {
	w.mu.Lock()
	ws := w.active[s.ID]
	w.mu.Unlock()
	if ws == nil {
		return nil
	}

	ws.mu.Lock()
	ws.requested = true
	ws.mu.Unlock()

	ws.dev.Close()
	return nil
}

// deviceLogger adapts slog to wireguard-go's printf logger.
func deviceLogger(logger *slog.Logger) *device.Logger {
	return &device.Logger{
		Verbosef: func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...))
		},
		Errorf: func(format string, args ...any) {
			logger.Error(fmt.Sprintf(format, args...))
		},
	}
}

// ipcKind classifies an IpcSet failure. Malformed keys and values come back
// as ipcErrorInvalid; anything else is the engine's fault.
func ipcKind(err error) vpnerr.Kind {
	var ipcErr *device.IPCError
	if errors.As(err, &ipcErr) && ipcErr.ErrorCode() == ipcErrorInvalid {
		return vpnerr.KindInvalidConfig
	}
	return vpnerr.KindNativeEngine
}

// ipcErrorInvalid is ipc.IpcErrorInvalid (-EINVAL).
const ipcErrorInvalid = -22

// socketPeeker is implemented by the standard bind on Android.
type socketPeeker interface {
	PeekLookAtSocketFd4() (int, error)
	PeekLookAtSocketFd6() (int, error)
}

// protectBind hands the bind's sockets to p. Binds that do not expose their
// sockets are left alone.
func protectBind(bind conn.Bind, p SocketProtector) error {
	peeker, ok := bind.(socketPeeker)
	if !ok {
		return nil
	}
	protected := 0
	for _, peek := range []func() (int, error){peeker.PeekLookAtSocketFd4, peeker.PeekLookAtSocketFd6} {
		fd, err := peek()
		if err != nil || fd < 0 {
			continue
		}
		if !p.Protect(fd) {
			return fmt.Errorf("VpnService.protect(%d) returned false", fd)
		}
		protected++
	}
	if protected == 0 {
		return fmt.Errorf("no WireGuard socket to protect")
	}
	return nil
}
