package tunconf

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/kuuji/friendgate/internal/config"
)

// ServerResponse is the JSON body returned by the config server's
// /api/peers/connect endpoint when it answers with structured data.
type ServerResponse struct {
	ClientAssignedAddress string   `json:"clientAssignedAddress"`
	ServerPublicKey       string   `json:"serverPublicKey"`
	ServerEndpoint        string   `json:"serverEndpoint"`
	DNSServers            []string `json:"dnsServers,omitempty"`
	AllowedIPs            []string `json:"allowedIps,omitempty"`
	PersistentKeepalive   int      `json:"persistentKeepalive,omitempty"`
	MTU                   int      `json:"mtu,omitempty"`
	PresharedKey          string   `json:"presharedKey,omitempty"`
}

// FromServerResponse builds a WireGuard Config from a structured server
// response and the client's locally generated private key.
func FromServerResponse(r ServerResponse, privateKey config.Key) (*Config, error) {
	if r.ClientAssignedAddress == "" {
		return nil, errors.New("response has no client address")
	}
	if r.ServerPublicKey == "" {
		return nil, errors.New("response has no server public key")
	}

	addr, err := parsePrefix(r.ClientAssignedAddress)
	if err != nil {
		return nil, fmt.Errorf("client address: %w", err)
	}
	pub, err := config.ParseKey(r.ServerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("server public key: %w", err)
	}

	iface := Interface{
		PrivateKey: privateKey,
		Addresses:  []netip.Prefix{addr},
		MTU:        r.MTU,
	}
	for _, s := range r.DNSServers {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("dns server: %w", err)
		}
		iface.DNS = append(iface.DNS, a)
	}

	peer := Peer{
		PublicKey:           pub,
		Endpoint:            r.ServerEndpoint,
		PersistentKeepalive: r.PersistentKeepalive,
	}
	if r.PresharedKey != "" {
		if peer.PresharedKey, err = config.ParseKey(r.PresharedKey); err != nil {
			return nil, fmt.Errorf("preshared key: %w", err)
		}
	}
	allowed := r.AllowedIPs
	if len(allowed) == 0 {
		allowed = []string{"0.0.0.0/0"}
	}
	for _, s := range allowed {
		p, err := parsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("allowed ip: %w", err)
		}
		peer.AllowedIPs = append(peer.AllowedIPs, p)
	}

	return New(WireGuard, iface, []Peer{peer}, nil)
}
