//go:build linux

package backend

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/xjasonlyu/tun2socks/v2/engine"
	"github.com/xtls/xray-core/core"
	"github.com/xtls/xray-core/infra/conf"
	"github.com/xtls/xray-core/transport/internet"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/tun"

	// Registers every inbound, outbound and transport with the core.
	_ "github.com/xtls/xray-core/main/distro/all"

	"github.com/kuuji/friendgate/internal/tunconf"
	"github.com/kuuji/friendgate/internal/tunnel"
	"github.com/kuuji/friendgate/internal/vpnerr"
)

// DefaultSocksAddr is where the core's SOCKS inbound listens for tun2socks.
var DefaultSocksAddr = netip.MustParseAddrPort("127.0.0.1:10808")

// VLESSOptions configures the VLESS adapter.
type VLESSOptions struct {
	Logger    *slog.Logger
	SocksAddr netip.AddrPort

	// Mark is set on the core's outbound sockets when non-zero.
	Mark int

	// Protector, if set, is applied to every socket the core dials.
	Protector SocketProtector

	// LogLevel is the core's own log level. Defaults to "warning".
	LogLevel string
}

// VLESS runs an Xray core with a vless outbound and feeds it from the
// tunnel interface through tun2socks. tun2socks keeps a single global
// engine, so one session runs at a time.
type VLESS struct {
	log   *slog.Logger
	opts  VLESSOptions
	ready bool

	mu     sync.Mutex
	active *vlessSession
}

type vlessSession struct {
	id       uint64
	instance *core.Instance
}

var _ Backend = (*VLESS)(nil)

// NewVLESS creates the VLESS adapter.
func NewVLESS(opts VLESSOptions) *VLESS {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !opts.SocksAddr.IsValid() {
		opts.SocksAddr = DefaultSocksAddr
	}
	return &VLESS{log: logger.With("component", "vless"), opts: opts}
}

// Init registers socket protection with the core. The registration is
// process-wide and happens once.
func (x *VLESS) Init() error {
	if x.ready || x.opts.Protector == nil {
		x.ready = true
		return nil
	}
	p := x.opts.Protector
	err := internet.RegisterDialerController(func(network, address string, fd uintptr) error {
		if !p.Protect(int(fd)) {
			return fmt.Errorf("VpnService.protect(%d) returned false for %s %s", fd, network, address)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("registering xray dialer controller: %w", err)
	}
	x.ready = true
	return nil
}

// Activate starts the core and tun2socks on h, then reports Up.
func (x *VLESS) Activate(s Session, h tunnel.Handle, cfg *tunconf.Config) error {
	v := cfg.VLESS()
	if cfg.Protocol() != tunconf.VLESS || v == nil {
		return vpnerr.Errorf(vpnerr.KindInvalidConfig, "activate", "vless backend given %s config", cfg.Protocol())
	}

	x.mu.Lock()
	busy := x.active != nil
	x.mu.Unlock()
	if busy {
		return vpnerr.Errorf(vpnerr.KindNativeEngine, "activate", "another vless session is running")
	}

	opts := tunconf.XrayOptions{
		SocksAddr: x.opts.SocksAddr,
		Mark:      x.opts.Mark,
		LogLevel:  x.opts.LogLevel,
	}
	if eps := h.Endpoints(); len(eps) > 0 {
		opts.ServerAddr = eps[0].Addr()
	}
	raw, err := v.XrayJSON(opts)
	if err != nil {
		return vpnerr.New(vpnerr.KindInvalidConfig, "activate", err)
	}
	coreCfg, err := buildXrayConfig(raw)
	if err != nil {
		return vpnerr.New(vpnerr.KindInvalidConfig, "activate", err)
	}

	instance, err := core.New(coreCfg)
	if err != nil {
		return vpnerr.New(vpnerr.KindNativeEngine, "activate", fmt.Errorf("creating xray instance: %w", err))
	}
	if err := instance.Start(); err != nil {
		_ = instance.Close()
		return vpnerr.New(vpnerr.KindNativeEngine, "activate", fmt.Errorf("starting xray: %w", err))
	}

	fd, err := dupDeviceFD(h.Device())
	if err != nil {
		_ = instance.Close()
		return vpnerr.New(vpnerr.KindNativeEngine, "activate", err)
	}
	engine.Insert(&engine.Key{
		Device:     fmt.Sprintf("fd://%d", fd),
		Proxy:      "socks5://" + x.opts.SocksAddr.String(),
		MTU:        cfg.Interface().MTU,
		LogLevel:   "warn",
		UDPTimeout: time.Minute,
	})
	engine.Start()

	x.mu.Lock()
	x.active = &vlessSession{id: s.ID, instance: instance}
	x.mu.Unlock()

	x.log.Info("vless tunnel started",
		"session", s,
		"server", v.Endpoint(),
		"security", v.Security,
		"network", v.Network,
	)
	s.Report(Up, nil)
	return nil
}

// Deactivate stops tun2socks and the core and reports Down.
func (x *VLESS) Deactivate(s Session) error {
	x.mu.Lock()
	vs := x.active
	if vs == nil || vs.id != s.ID {
		x.mu.Unlock()
		return nil
	}
	x.active = nil
	x.mu.Unlock()

	engine.Stop()
	err := vs.instance.Close()

	x.log.Info("vless tunnel stopped", "session", s)
	s.Report(Down, nil)
	if err != nil {
		return fmt.Errorf("closing xray: %w", err)
	}
	return nil
}

// buildXrayConfig turns a JSON document into the core's protobuf config.
func buildXrayConfig(raw []byte) (*core.Config, error) {
	jsonConfig := &conf.Config{}
	if err := json.Unmarshal(raw, jsonConfig); err != nil {
		return nil, fmt.Errorf("parsing xray config: %w", err)
	}
	if len(jsonConfig.OutboundConfigs) == 0 {
		return nil, fmt.Errorf("xray config has no outbounds")
	}
	pb, err := jsonConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("building xray config: %w", err)
	}
	return pb, nil
}

// dupDeviceFD returns a new descriptor for dev's interface. tun2socks owns
// and closes it; the handle keeps its own.
func dupDeviceFD(dev tun.Device) (int, error) {
	f := dev.File()
	if f == nil {
		return -1, fmt.Errorf("tunnel device has no file descriptor")
	}
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return -1, fmt.Errorf("duplicating tunnel fd: %w", err)
	}
	return fd, nil
}
