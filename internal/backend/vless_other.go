//go:build !linux

package backend

import (
	"log/slog"
	"net/netip"
	"runtime"

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
	Mark      int
	Protector SocketProtector
	LogLevel  string
}

// VLESS is unavailable on this platform. Activation fails with a
// non-retryable error so the manager does not loop on it.
type VLESS struct{}

// NewVLESS creates the VLESS adapter.
func NewVLESS(VLESSOptions) *VLESS { return &VLESS{} }

func (*VLESS) Init() error { return nil }

func (*VLESS) Activate(Session, tunnel.Handle, *tunconf.Config) error {
	return vpnerr.Errorf(vpnerr.KindInvalidConfig, "activate", "vless is not supported on %s", runtime.GOOS)
}

func (*VLESS) Deactivate(Session) error { return nil }
