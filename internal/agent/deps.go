package agent

import (
	"log/slog"
	"os"

	"github.com/kuuji/friendgate/internal/backend"
	"github.com/kuuji/friendgate/internal/config"
	"github.com/kuuji/friendgate/internal/lifecycle"
	"github.com/kuuji/friendgate/internal/tunconf"
	"github.com/kuuji/friendgate/internal/tunnel"
)

// Platform carries what the host OS supplies. Desktop Linux leaves it
// empty; Android fills in all three from VpnService.
type Platform struct {
	// Builder, if set, creates interfaces instead of the kernel TUN
	// provisioner.
	Builder tunnel.Establisher

	// Protector exempts backend sockets from the tunnel.
	Protector backend.SocketProtector

	// Permissions defaults to a CAP_NET_ADMIN check.
	Permissions lifecycle.PermissionGate
}

// Deps holds all external dependencies the Agent needs. This allows tests
// to inject fakes for components that require root privileges or network
// access. Production code uses DefaultDeps().
type Deps struct {
	Provisioner tunnel.Provisioner
	Backend     backend.Backend
	Permissions lifecycle.PermissionGate

	// Fetcher, if nil, is built from the server section of the config.
	Fetcher lifecycle.Fetcher

	// TunnelsDir holds imported <name>.conf files.
	TunnelsDir string

	ReadFile func(path string) ([]byte, error)
}

// DefaultDeps returns the production implementations for cfg on p.
func DefaultDeps(cfg *config.Config, p Platform, logger *slog.Logger) Deps {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		prov tunnel.Provisioner
		mark uint32
	)
	if p.Builder != nil {
		prov = tunnel.NewFDProvisioner(p.Builder, nil, logger)
	} else {
		prov = tunnel.NewKernelProvisioner(tunnel.KernelOptions{
			Logger:     logger,
			KillSwitch: cfg.Tunnel.KillSwitch,
		})
		mark = tunnel.FwMark
	}

	be := backend.NewMulti(map[tunconf.Protocol]backend.Backend{
		tunconf.WireGuard: backend.NewWireGuard(backend.WireGuardOptions{
			Logger:    logger,
			FwMark:    mark,
			Protector: p.Protector,
		}),
		tunconf.VLESS: backend.NewVLESS(backend.VLESSOptions{
			Logger:    logger,
			Mark:      int(mark),
			Protector: p.Protector,
		}),
	})

	gate := p.Permissions
	if gate == nil {
		gate = netAdminGate{log: logger}
	}

	dir, err := config.DefaultTunnelsDir()
	if err != nil {
		logger.Warn("no tunnels directory, imported tunnels unavailable", "error", err)
	}

	return Deps{
		Provisioner: prov,
		Backend:     be,
		Permissions: gate,
		TunnelsDir:  dir,
		ReadFile:    os.ReadFile,
	}
}

// netAdminGate grants tunnel permission when the process can configure
// network interfaces. Desktops have no notification consent.
type netAdminGate struct {
	log *slog.Logger
}

func (g netAdminGate) RequestTunnelPermission() bool {
	if err := tunnel.CheckNetAdmin(); err != nil {
		g.log.Error("cannot configure network interfaces", "error", err)
		return false
	}
	return true
}

func (netAdminGate) RequestNotificationPermission() bool { return true }
