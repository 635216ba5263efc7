package tunnel

import (
	"net"
	"net/netip"
	"slices"
	"strings"
)

// virtualPrefixes name container, bridge and VPN interfaces whose networks
// are not the user's LAN.
var virtualPrefixes = []string{
	"docker", "veth", "br-", "virbr", "lxc", "lxd",
	"cni", "flannel", "calico", "weave",
	"tun", "wg", "tailscale", "utun",
	"podman", "cali", "vxlan",
}

// localNetworks lists the subnets of the host's physical interfaces, masked
// to their network address. Link-local and host-only prefixes are dropped,
// as is any network that contains an address in exclude.
func localNetworks(exclude []netip.Prefix) []netip.Prefix {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var out []netip.Prefix
	for _, iface := range ifaces {
		if skipInterface(iface) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			p, ok := lanPrefix(a.String())
			if !ok || slices.Contains(out, p) || slices.ContainsFunc(exclude, func(e netip.Prefix) bool {
				return p.Contains(e.Addr())
			}) {
				continue
			}
			out = append(out, p)
		}
	}
	return out
}

// lanPrefix converts an interface address like "192.168.1.7/24" to its
// network prefix.
func lanPrefix(cidr string) (netip.Prefix, bool) {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return netip.Prefix{}, false
	}
	a := p.Addr()
	if a.IsLinkLocalUnicast() || a.IsLoopback() || p.IsSingleIP() {
		return netip.Prefix{}, false
	}
	return p.Masked(), true
}

func skipInterface(iface net.Interface) bool {
	if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
		return true
	}
	name := strings.ToLower(iface.Name)
	for _, prefix := range virtualPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
