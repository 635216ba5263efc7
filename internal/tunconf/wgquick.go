package tunconf

import (
	"bufio"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/kuuji/friendgate/internal/config"
)

// ParseWGQuick parses a wg-quick style configuration:
//
//	[Interface]
//	PrivateKey = ...
//	Address = 10.8.0.2/32
//	DNS = 1.1.1.1
//
//	[Peer]
//	PublicKey = ...
//	Endpoint = vpn.example.com:51820
//	AllowedIPs = 0.0.0.0/0
//
// If the text has no PrivateKey, fallbackKey is used; the config server
// never sees the client's private key, so it cannot put one there.
func ParseWGQuick(text string, fallbackKey config.Key) (*Config, error) {
	var (
		iface   Interface
		peers   []Peer
		section string
	)

	sc := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if i := strings.IndexAny(line, "#;"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			switch section {
			case "interface":
			case "peer":
				peers = append(peers, Peer{})
			default:
				return nil, fmt.Errorf("line %d: unknown section [%s]", lineNo, section)
			}
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected key = value", lineNo)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		var err error
		switch section {
		case "interface":
			err = setInterfaceField(&iface, key, value)
		case "peer":
			err = setPeerField(&peers[len(peers)-1], key, value)
		default:
			err = fmt.Errorf("%s outside of a section", key)
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if iface.PrivateKey.IsZero() {
		iface.PrivateKey = fallbackKey
	}
	return New(WireGuard, iface, peers, nil)
}

func setInterfaceField(iface *Interface, key, value string) error {
	switch key {
	case "privatekey":
		k, err := config.ParseKey(value)
		if err != nil {
			return fmt.Errorf("private key: %w", err)
		}
		iface.PrivateKey = k
	case "address":
		for _, s := range splitList(value) {
			p, err := parsePrefix(s)
			if err != nil {
				return fmt.Errorf("address: %w", err)
			}
			iface.Addresses = append(iface.Addresses, p)
		}
	case "dns":
		for _, s := range splitList(value) {
			a, err := netip.ParseAddr(s)
			if err != nil {
				// Search domains are not supported.
				return fmt.Errorf("dns: %w", err)
			}
			iface.DNS = append(iface.DNS, a)
		}
	case "mtu":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("mtu: %w", err)
		}
		iface.MTU = n
	case "excludedapplications":
		iface.ExcludedApps = append(iface.ExcludedApps, splitList(value)...)
	case "includedapplications":
		iface.IncludedApps = append(iface.IncludedApps, splitList(value)...)
	case "listenport", "table", "preup", "postup", "predown", "postdown", "saveconfig", "fwmark":
		// Host-side wg-quick settings that have no meaning for this client.
	default:
		return fmt.Errorf("unknown interface key %q", key)
	}
	return nil
}

func setPeerField(p *Peer, key, value string) error {
	switch key {
	case "publickey":
		k, err := config.ParseKey(value)
		if err != nil {
			return fmt.Errorf("public key: %w", err)
		}
		p.PublicKey = k
	case "presharedkey":
		k, err := config.ParseKey(value)
		if err != nil {
			return fmt.Errorf("preshared key: %w", err)
		}
		p.PresharedKey = k
	case "endpoint":
		p.Endpoint = value
	case "allowedips":
		for _, s := range splitList(value) {
			r, err := parsePrefix(s)
			if err != nil {
				return fmt.Errorf("allowed ips: %w", err)
			}
			p.AllowedIPs = append(p.AllowedIPs, r)
		}
	case "persistentkeepalive":
		if strings.EqualFold(value, "off") {
			p.PersistentKeepalive = 0
			return nil
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("persistent keepalive: %w", err)
		}
		p.PersistentKeepalive = n
	default:
		return fmt.Errorf("unknown peer key %q", key)
	}
	return nil
}

// MarshalWGQuick renders c in wg-quick format. VLESS configs cannot be
// expressed this way.
func (c *Config) MarshalWGQuick() (string, error) {
	if c.protocol != WireGuard {
		return "", fmt.Errorf("cannot render %s config as wg-quick", c.protocol)
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", c.iface.PrivateKey)
	fmt.Fprintf(&b, "Address = %s\n", joinStrings(c.iface.Addresses))
	if len(c.iface.DNS) > 0 {
		fmt.Fprintf(&b, "DNS = %s\n", joinStrings(c.iface.DNS))
	}
	fmt.Fprintf(&b, "MTU = %d\n", c.iface.MTU)
	if len(c.iface.ExcludedApps) > 0 {
		fmt.Fprintf(&b, "ExcludedApplications = %s\n", strings.Join(c.iface.ExcludedApps, ", "))
	}
	if len(c.iface.IncludedApps) > 0 {
		fmt.Fprintf(&b, "IncludedApplications = %s\n", strings.Join(c.iface.IncludedApps, ", "))
	}

	for _, p := range c.peers {
		b.WriteString("\n[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", p.PublicKey)
		if !p.PresharedKey.IsZero() {
			fmt.Fprintf(&b, "PresharedKey = %s\n", p.PresharedKey)
		}
		fmt.Fprintf(&b, "Endpoint = %s\n", p.Endpoint)
		fmt.Fprintf(&b, "AllowedIPs = %s\n", joinStrings(p.AllowedIPs))
		if p.PersistentKeepalive > 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", p.PersistentKeepalive)
		}
	}
	return b.String(), nil
}

// parsePrefix accepts CIDR notation or a bare address, which is treated as
// a host route.
func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func joinStrings[T fmt.Stringer](items []T) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = it.String()
	}
	return strings.Join(parts, ", ")
}
