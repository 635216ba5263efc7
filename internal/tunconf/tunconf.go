// Package tunconf holds the parsed, immutable tunnel configuration shared by
// the fetcher, the provisioner and the backends.
//
// A Config is built once (from wg-quick text, a server JSON response or a
// vless:// URL) and never mutated afterwards. Accessors return copies, so a
// Config can be handed to several goroutines without locking.
package tunconf

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strconv"

	"github.com/kuuji/friendgate/internal/config"
)

// Protocol identifies the tunnel engine a Config is meant for.
type Protocol string

const (
	WireGuard Protocol = config.ProtocolWireGuard
	VLESS     Protocol = config.ProtocolVLESS
)

// DefaultMTU is used when the source does not specify one.
const DefaultMTU = 1280

// Interface describes the local side of the tunnel.
type Interface struct {
	PrivateKey config.Key
	Addresses  []netip.Prefix
	DNS        []netip.Addr
	MTU        int

	// ExcludedApps and IncludedApps are Android package names. They are
	// ignored on platforms without per-app routing.
	ExcludedApps []string
	IncludedApps []string
}

// Peer describes one remote endpoint.
type Peer struct {
	PublicKey    config.Key
	PresharedKey config.Key

	// Endpoint is host:port. The host may be a name; backends resolve it.
	Endpoint            string
	AllowedIPs          []netip.Prefix
	PersistentKeepalive int
}

// Config is an immutable tunnel configuration.
type Config struct {
	protocol Protocol
	iface    Interface
	peers    []Peer
	vless    *VLESSOutbound
}

// New validates the parts and returns a Config holding private copies of them.
// vless must be non-nil exactly when p is VLESS.
func New(p Protocol, iface Interface, peers []Peer, vless *VLESSOutbound) (*Config, error) {
	c := &Config{
		protocol: p,
		iface:    cloneInterface(iface),
		peers:    make([]Peer, len(peers)),
	}
	for i, peer := range peers {
		c.peers[i] = clonePeer(peer)
	}
	if vless != nil {
		v := *vless
		c.vless = &v
	}
	if c.iface.MTU == 0 {
		c.iface.MTU = DefaultMTU
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.protocol {
	case WireGuard:
		if c.vless != nil {
			return errors.New("wireguard config carries vless parameters")
		}
		if c.iface.PrivateKey.IsZero() {
			return errors.New("interface private key is missing")
		}
	case VLESS:
		if c.vless == nil {
			return errors.New("vless config has no outbound parameters")
		}
	default:
		return fmt.Errorf("unknown protocol %q", c.protocol)
	}

	if len(c.iface.Addresses) == 0 {
		return errors.New("interface has no address")
	}
	for _, a := range c.iface.Addresses {
		if !a.IsValid() {
			return fmt.Errorf("invalid interface address %s", a)
		}
	}
	for _, d := range c.iface.DNS {
		if !d.IsValid() {
			return errors.New("invalid dns server")
		}
	}
	if c.iface.MTU < 576 || c.iface.MTU > 9000 {
		return fmt.Errorf("mtu %d out of range", c.iface.MTU)
	}

	if len(c.peers) == 0 {
		return errors.New("config has no peers")
	}
	for i, p := range c.peers {
		if c.protocol == WireGuard && p.PublicKey.IsZero() {
			return fmt.Errorf("peer %d: public key is missing", i)
		}
		if err := ValidateEndpoint(p.Endpoint); err != nil {
			return fmt.Errorf("peer %d: %w", i, err)
		}
		if len(p.AllowedIPs) == 0 {
			return fmt.Errorf("peer %d: no allowed ips", i)
		}
		for _, r := range p.AllowedIPs {
			if !r.IsValid() {
				return fmt.Errorf("peer %d: invalid allowed ip", i)
			}
		}
		if p.PersistentKeepalive < 0 || p.PersistentKeepalive > 65535 {
			return fmt.Errorf("peer %d: keepalive %d out of range", i, p.PersistentKeepalive)
		}
	}
	return nil
}

// ValidateEndpoint checks that s is a host:port pair with a usable port.
func ValidateEndpoint(s string) error {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	if host == "" {
		return fmt.Errorf("invalid endpoint %q: empty host", s)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid endpoint %q: bad port", s)
	}
	return nil
}

// Protocol returns the engine this config targets.
func (c *Config) Protocol() Protocol { return c.protocol }

// Interface returns a copy of the local interface settings.
func (c *Config) Interface() Interface { return cloneInterface(c.iface) }

// Peers returns a copy of the peer list.
func (c *Config) Peers() []Peer {
	out := make([]Peer, len(c.peers))
	for i, p := range c.peers {
		out[i] = clonePeer(p)
	}
	return out
}

// VLESS returns a copy of the VLESS outbound parameters, or nil for a
// WireGuard config.
func (c *Config) VLESS() *VLESSOutbound {
	if c.vless == nil {
		return nil
	}
	v := *c.vless
	return &v
}

// Routes returns the union of all peers' allowed IPs, in peer order with
// duplicates removed. These are the routes installed on the interface.
func (c *Config) Routes() []netip.Prefix {
	var out []netip.Prefix
	for _, p := range c.peers {
		for _, r := range p.AllowedIPs {
			if !slices.Contains(out, r) {
				out = append(out, r)
			}
		}
	}
	return out
}

// WithMTU returns a copy of c with the interface MTU replaced.
func (c *Config) WithMTU(mtu int) (*Config, error) {
	iface := c.Interface()
	iface.MTU = mtu
	return New(c.protocol, iface, c.peers, c.vless)
}

// WithExcludedApps returns a copy of c that also excludes the given
// applications from the tunnel.
func (c *Config) WithExcludedApps(apps ...string) (*Config, error) {
	iface := c.Interface()
	for _, a := range apps {
		if !slices.Contains(iface.ExcludedApps, a) {
			iface.ExcludedApps = append(iface.ExcludedApps, a)
		}
	}
	return New(c.protocol, iface, c.peers, c.vless)
}

func cloneInterface(in Interface) Interface {
	out := in
	out.Addresses = slices.Clone(in.Addresses)
	out.DNS = slices.Clone(in.DNS)
	out.ExcludedApps = slices.Clone(in.ExcludedApps)
	out.IncludedApps = slices.Clone(in.IncludedApps)
	return out
}

func clonePeer(in Peer) Peer {
	out := in
	out.AllowedIPs = slices.Clone(in.AllowedIPs)
	return out
}
