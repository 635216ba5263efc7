//go:build linux && !android

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/kuuji/friendgate/internal/tunconf"
	"github.com/kuuji/friendgate/internal/vpnerr"
)

// KernelProvisioner creates kernel TUN devices and configures addresses,
// routes and DNS over netlink and systemd-resolved.
//
// Routes with a zero-length prefix are installed the way wg-quick does it:
// into table FwMark, selected by a rule for packets not carrying FwMark, with
// main table lookups that only match a default route suppressed.
type KernelProvisioner struct {
	log        *slog.Logger
	resolver   Resolver
	killSwitch bool
	reg        registry
}

var _ Provisioner = (*KernelProvisioner)(nil)

// NewKernelProvisioner creates a KernelProvisioner.
func NewKernelProvisioner(opts KernelOptions) *KernelProvisioner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &KernelProvisioner{
		log:        logger.With("component", "provisioner"),
		resolver:   resolver,
		killSwitch: opts.KillSwitch,
	}
}

// Provision implements Provisioner.
func (p *KernelProvisioner) Provision(ctx context.Context, name string, cfg *tunconf.Config) (Handle, error) {
	p.reg.closeName(name)

	// Resolve while the system resolver is still reachable off-tunnel.
	endpoints, err := resolveEndpoints(ctx, p.resolver, peerEndpoints(cfg.Peers()))
	if err != nil {
		return nil, vpnerr.New(vpnerr.KindNetwork, "resolve endpoints", err)
	}

	iface := cfg.Interface()
	ifName := InterfaceName(name)
	dev, err := tun.CreateTUN(ifName, iface.MTU)
	if err != nil {
		return nil, osError("create interface", fmt.Errorf("creating TUN device %q: %w", ifName, err))
	}
	if real, err := dev.Name(); err == nil {
		ifName = real
	}

	h := &handle{name: name, dev: dev, endpoints: endpoints}
	if err := p.configure(h, ifName, cfg); err != nil {
		_ = h.Close()
		return nil, osError("configure interface", err)
	}
	p.reg.replace(h)

	p.log.Info("tunnel interface ready",
		"tunnel", name,
		"interface", ifName,
		"addresses", iface.Addresses,
		"routes", len(cfg.Routes()),
	)
	return h, nil
}

// configure applies cfg to ifName. Each step that leaves state outside the
// interface itself registers its undo on h.
func (p *KernelProvisioner) configure(h *handle, ifName string, cfg *tunconf.Config) error {
	iface := cfg.Interface()

	idx, err := interfaceIndex(ifName)
	if err != nil {
		return err
	}
	for _, a := range iface.Addresses {
		if err := addAddress(idx, a); err != nil {
			return err
		}
	}
	if err := setLinkUp(idx); err != nil {
		return err
	}

	full := make(map[uint8]bool)
	for _, r := range cfg.Routes() {
		table := uint32(unix.RT_TABLE_MAIN)
		if r.Bits() == 0 {
			table = FwMark
			full[family(r.Addr())] = true
		}
		if err := addRoute(idx, r, table); err != nil {
			return err
		}
	}
	for _, fam := range []uint8{unix.AF_INET, unix.AF_INET6} {
		if !full[fam] {
			continue
		}
		for _, r := range fullTunnelRules(fam) {
			if err := addRule(r); err != nil {
				return err
			}
			h.cleanups = append(h.cleanups, func() error { return delRule(r) })
		}
	}

	switch err := setDNS(ifName, iface.DNS); {
	case errors.Is(err, errNoResolved):
		p.log.Warn("resolvectl not available, tunnel DNS servers not applied", "dns", iface.DNS)
	case err != nil:
		return err
	case len(iface.DNS) > 0:
		h.cleanups = append(h.cleanups, func() error { return revertDNS(ifName) })
	}

	if p.killSwitch {
		ks := NewKillSwitch(p.log)
		h.cleanups = append(h.cleanups, ks.Disable)
		if err := ks.Enable(ifName, localNetworks(iface.Addresses)); err != nil {
			return err
		}
	}
	return nil
}

// fullTunnelRules are `ip rule add not fwmark FwMark table FwMark` and
// `ip rule add table main suppress_prefixlength 0`, in that order.
func fullTunnelRules(fam uint8) []rule {
	return []rule{
		{family: fam, table: FwMark, fwmark: FwMark, invert: true},
		{family: fam, table: unix.RT_TABLE_MAIN, suppress: true},
	}
}

// osError classifies a provisioning failure. Missing privileges surface as
// EPERM or EACCES from the kernel.
func osError(op string, err error) error {
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
		return vpnerr.New(vpnerr.KindPermissionMissing, op, err)
	}
	return vpnerr.New(vpnerr.KindOSDenied, op, err)
}
