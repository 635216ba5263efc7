package tunconf

import (
	"fmt"
	"net/netip"
	"strings"
)

// UAPI renders the WireGuard configuration in the newline-delimited
// key=value form accepted by wireguard-go's Device.IpcSet. Keys are hex, not
// base64. endpoints holds the resolved address of each peer, in peer order.
// A non-zero fwmark is applied to the device's sockets.
func (c *Config) UAPI(endpoints []netip.AddrPort, fwmark uint32) (string, error) {
	if c.protocol != WireGuard {
		return "", fmt.Errorf("%s config has no wireguard representation", c.protocol)
	}
	if len(endpoints) != len(c.peers) {
		return "", fmt.Errorf("got %d resolved endpoints for %d peers", len(endpoints), len(c.peers))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", c.iface.PrivateKey.Hex())
	if fwmark != 0 {
		fmt.Fprintf(&b, "fwmark=%d\n", fwmark)
	}
	b.WriteString("replace_peers=true\n")

	for i, p := range c.peers {
		fmt.Fprintf(&b, "public_key=%s\n", p.PublicKey.Hex())
		if !p.PresharedKey.IsZero() {
			fmt.Fprintf(&b, "preshared_key=%s\n", p.PresharedKey.Hex())
		}
		if !endpoints[i].IsValid() {
			return "", fmt.Errorf("peer %d: endpoint %q not resolved", i, p.Endpoint)
		}
		fmt.Fprintf(&b, "endpoint=%s\n", endpoints[i])
		b.WriteString("replace_allowed_ips=true\n")
		for _, r := range p.AllowedIPs {
			fmt.Fprintf(&b, "allowed_ip=%s\n", r)
		}
		if p.PersistentKeepalive > 0 {
			fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", p.PersistentKeepalive)
		}
	}
	return b.String(), nil
}
