package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"sync"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/kuuji/friendgate/internal/tunconf"
)

// Handle is a provisioned tunnel interface. Whoever holds a Handle owns it
// and must Close it; Close releases the interface exactly once and is safe
// to call repeatedly.
type Handle interface {
	// Name is the tunnel name the handle was provisioned for.
	Name() string

	// Device is the packet interface. Backends may close the device
	// themselves; the handle tolerates that.
	Device() tun.Device

	// Endpoints are the peers' addresses, resolved before the interface
	// took over routing and DNS, in peer order.
	Endpoints() []netip.AddrPort

	Close() error
}

// handle is the Handle used by every provisioner. cleanups run in reverse
// order after the device is closed.
type handle struct {
	name      string
	dev       tun.Device
	endpoints []netip.AddrPort
	cleanups  []func() error

	once    sync.Once
	err     error
	release func(*handle)
}

// NewHandle wraps dev as a Handle. cleanup functions run when the handle is
// closed, last one first.
func NewHandle(name string, dev tun.Device, endpoints []netip.AddrPort, cleanup ...func() error) Handle {
	return &handle{name: name, dev: dev, endpoints: slices.Clone(endpoints), cleanups: cleanup}
}

func (h *handle) Name() string { return h.name }

func (h *handle) Device() tun.Device { return h.dev }

func (h *handle) Endpoints() []netip.AddrPort { return slices.Clone(h.endpoints) }

func (h *handle) Close() error {
	h.once.Do(func() {
		var errs []error
		if h.dev != nil {
			// wireguard-go closes the device on its own shutdown path, so a
			// second close here is expected to fail and is not reported.
			_ = h.dev.Close()
		}
		for i := len(h.cleanups) - 1; i >= 0; i-- {
			if err := h.cleanups[i](); err != nil {
				errs = append(errs, err)
			}
		}
		if h.release != nil {
			h.release(h)
		}
		if len(errs) > 0 {
			h.err = fmt.Errorf("closing tunnel %q: %w", h.name, errors.Join(errs...))
		}
	})
	return h.err
}

// registry enforces one live handle per tunnel name.
type registry struct {
	mu   sync.Mutex
	live map[string]*handle
}

// replace closes whatever handle is live under h's name and records h.
func (r *registry) replace(h *handle) {
	r.mu.Lock()
	if r.live == nil {
		r.live = make(map[string]*handle)
	}
	prev := r.live[h.name]
	r.live[h.name] = h
	h.release = r.forget
	r.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
}

// closeName closes the handle live under name, if any. Provisioners call it
// before creating a new interface so the old one is gone first.
func (r *registry) closeName(name string) {
	r.mu.Lock()
	prev := r.live[name]
	r.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
}

func (r *registry) forget(h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live[h.name] == h {
		delete(r.live, h.name)
	}
}

// liveCount reports how many handles are open.
func (r *registry) liveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Resolver looks up endpoint host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// resolveEndpoints resolves every peer endpoint, preferring IPv4.
func resolveEndpoints(ctx context.Context, r Resolver, endpoints []string) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(endpoints))
	for _, ep := range endpoints {
		host, portStr, err := net.SplitHostPort(ep)
		if err != nil {
			return nil, fmt.Errorf("parsing endpoint %q: %w", ep, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("parsing endpoint port %q: %w", ep, err)
		}
		if a, err := netip.ParseAddr(host); err == nil {
			out = append(out, netip.AddrPortFrom(a.Unmap(), uint16(port)))
			continue
		}
		addrs, err := r.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", host, err)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("resolving %s: no addresses", host)
		}
		best := addrs[0]
		for _, a := range addrs {
			if a.Unmap().Is4() {
				best = a
				break
			}
		}
		out = append(out, netip.AddrPortFrom(best.Unmap(), uint16(port)))
	}
	return out, nil
}

func peerEndpoints(peers []tunconf.Peer) []string {
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.Endpoint
	}
	return out
}
