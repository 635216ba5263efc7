//go:build linux

package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/kuuji/friendgate/internal/tunconf"
	"github.com/kuuji/friendgate/internal/vpnerr"
)

// FDProvisioner provisions interfaces through an Establisher. Addresses,
// routes, DNS and per-app rules are applied by the platform from the spec.
type FDProvisioner struct {
	builder  Establisher
	resolver Resolver
	log      *slog.Logger
	reg      registry
}

var _ Provisioner = (*FDProvisioner)(nil)

// NewFDProvisioner creates an FDProvisioner. A nil resolver uses
// net.DefaultResolver.
func NewFDProvisioner(builder Establisher, resolver Resolver, logger *slog.Logger) *FDProvisioner {
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &FDProvisioner{
		builder:  builder,
		resolver: resolver,
		log:      logger.With("component", "provisioner"),
	}
}

// Provision implements Provisioner.
func (p *FDProvisioner) Provision(ctx context.Context, name string, cfg *tunconf.Config) (Handle, error) {
	p.reg.closeName(name)

	endpoints, err := resolveEndpoints(ctx, p.resolver, peerEndpoints(cfg.Peers()))
	if err != nil {
		return nil, vpnerr.New(vpnerr.KindNetwork, "resolve endpoints", err)
	}

	spec := SpecFor(name, cfg)
	fd, err := p.builder.Establish(spec)
	switch {
	case err != nil:
		return nil, vpnerr.New(vpnerr.KindOSDenied, "establish interface", err)
	case fd < 0:
		return nil, vpnerr.New(vpnerr.KindPermissionMissing, "establish interface", ErrNotPrepared)
	}

	// Skips the netlink monitor, which Android's sandbox does not allow.
	dev, ifName, err := tun.CreateUnmonitoredTUNFromFD(fd)
	if err != nil {
		unix.Close(fd)
		return nil, vpnerr.New(vpnerr.KindOSDenied, "wrap interface",
			fmt.Errorf("creating TUN device from fd %d: %w", fd, err))
	}

	h := &handle{name: name, dev: dev, endpoints: endpoints}
	p.reg.replace(h)

	p.log.Info("tunnel interface ready",
		"tunnel", name,
		"interface", ifName,
		"fd", fd,
		"mtu", spec.MTU,
		"excluded_apps", len(spec.ExcludedApps),
	)
	return h, nil
}
