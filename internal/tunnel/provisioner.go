// Package tunnel creates the virtual network interface a tunnel runs over.
//
// On desktop Linux the interface is a kernel TUN device configured over
// netlink. On Android the platform VpnService builds the interface and hands
// back a file descriptor, which is wrapped in the same Handle type.
package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/kuuji/friendgate/internal/tunconf"
)

// Provisioner turns a tunnel configuration into a live interface.
//
// Provision closes any handle it previously returned for the same name
// before creating the new interface. Errors are *vpnerr.Error values of
// kind OSDenied or PermissionMissing.
type Provisioner interface {
	Provision(ctx context.Context, name string, cfg *tunconf.Config) (Handle, error)
}

// Establisher builds an interface from spec on the platform side and
// returns its file descriptor. On Android this is VpnService.Builder;
// a negative descriptor with a nil error means the user has not granted
// VPN permission.
type Establisher interface {
	Establish(spec InterfaceSpec) (int, error)
}

// ErrNotPrepared is returned when the Establisher reports no permission.
var ErrNotPrepared = errors.New("VPN permission not granted")

// InterfaceSpec describes the interface a platform builder must create.
// It is passed across the mobile binding as JSON.
type InterfaceSpec struct {
	Session      string   `json:"session"`
	Addresses    []string `json:"addresses"`
	DNS          []string `json:"dns,omitempty"`
	Routes       []string `json:"routes"`
	MTU          int      `json:"mtu"`
	ExcludedApps []string `json:"excludedApps,omitempty"`
	IncludedApps []string `json:"includedApps,omitempty"`
}

// SpecFor derives the interface description for cfg.
func SpecFor(name string, cfg *tunconf.Config) InterfaceSpec {
	iface := cfg.Interface()
	spec := InterfaceSpec{
		Session:      name,
		Addresses:    stringsOf(iface.Addresses),
		DNS:          stringsOf(iface.DNS),
		Routes:       stringsOf(cfg.Routes()),
		MTU:          iface.MTU,
		ExcludedApps: iface.ExcludedApps,
		IncludedApps: iface.IncludedApps,
	}
	return spec
}

func stringsOf[T interface{ String() string }](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = v.String()
	}
	return out
}

// FwMark marks the backend's own encrypted traffic on Linux. Full-tunnel
// routes live in a routing table of the same number, consulted only for
// unmarked packets, so the tunnel never routes itself.
const FwMark = 51820

// KernelOptions configures a kernel TUN provisioner.
type KernelOptions struct {
	Logger *slog.Logger

	// Resolver resolves peer endpoint names. Defaults to net.DefaultResolver.
	Resolver Resolver

	// KillSwitch blocks traffic that would leave outside the tunnel while
	// it is up. Local networks stay reachable.
	KillSwitch bool
}

// maxIfName is IFNAMSIZ minus the terminating NUL.
const maxIfName = 15

// InterfaceName maps a tunnel name to a valid kernel interface name.
func InterfaceName(tunnel string) string {
	var b strings.Builder
	for _, r := range tunnel {
		if b.Len() == maxIfName {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "friendgate"
	}
	return b.String()
}
