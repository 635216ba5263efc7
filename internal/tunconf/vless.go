package tunconf

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/xtls/xray-core/common/uuid"
)

// VLESS tunnel interface defaults. The server does not assign an address
// for VLESS; traffic is terminated locally by tun2socks.
var (
	vlessAddress = netip.MustParsePrefix("10.8.0.2/24")
	vlessDNS     = netip.MustParseAddr("8.8.8.8")
	vlessRoute   = netip.MustParsePrefix("0.0.0.0/0")
)

const (
	vlessMTU        = 1500
	defaultSNI      = "www.microsoft.com"
	defaultFP       = "chrome"
	defaultSpiderX  = "/"
	defaultNetwork  = "tcp"
	defaultSecurity = "none"
)

// VLESSOutbound holds the parameters of a vless:// share link.
type VLESSOutbound struct {
	ID         string
	Host       string
	Port       int
	Encryption string
	Flow       string
	Network    string // tcp, ws, grpc
	Security   string // none, tls, reality
	SNI        string
	// Fingerprint is the uTLS client fingerprint.
	Fingerprint string
	PublicKey   string
	ShortID     string
	SpiderX     string
	Path        string
	Name        string
}

// ParseVLESSURL parses a vless:// share link into a VLESS Config.
func ParseVLESSURL(raw string) (*Config, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing vless url: %w", err)
	}
	if u.Scheme != "vless" {
		return nil, fmt.Errorf("unexpected scheme %q, want vless", u.Scheme)
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, fmt.Errorf("vless url has no user id")
	}
	if _, err := uuid.ParseString(u.User.Username()); err != nil {
		return nil, fmt.Errorf("vless user id: %w", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("vless url has bad port %q", u.Port())
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("vless url has no host")
	}

	q := u.Query()
	out := &VLESSOutbound{
		ID:          u.User.Username(),
		Host:        u.Hostname(),
		Port:        port,
		Encryption:  queryOr(q, "encryption", "none"),
		Flow:        q.Get("flow"),
		Network:     queryOr(q, "type", defaultNetwork),
		Security:    queryOr(q, "security", defaultSecurity),
		SNI:         cleanSNI(q.Get("sni")),
		Fingerprint: queryOr(q, "fp", defaultFP),
		PublicKey:   q.Get("pbk"),
		ShortID:     q.Get("sid"),
		SpiderX:     queryOr(q, "spx", defaultSpiderX),
		Path:        q.Get("path"),
		Name:        u.Fragment,
	}
	if out.Path == "" {
		out.Path = u.Path
	}
	if out.Path == "" {
		out.Path = "/"
	}
	switch out.Security {
	case "none", "tls":
	case "reality":
		if out.PublicKey == "" {
			return nil, fmt.Errorf("reality link has no public key (pbk)")
		}
	default:
		return nil, fmt.Errorf("unsupported vless security %q", out.Security)
	}

	iface := Interface{
		Addresses: []netip.Prefix{vlessAddress},
		DNS:       []netip.Addr{vlessDNS},
		MTU:       vlessMTU,
	}
	peer := Peer{
		Endpoint:   out.Endpoint(),
		AllowedIPs: []netip.Prefix{vlessRoute},
	}
	return New(VLESS, iface, []Peer{peer}, out)
}

// Endpoint returns the server as host:port.
func (v *VLESSOutbound) Endpoint() string {
	return net.JoinHostPort(v.Host, strconv.Itoa(v.Port))
}

// URL renders the outbound back into a share link.
func (v *VLESSOutbound) URL() string {
	q := url.Values{}
	q.Set("encryption", v.Encryption)
	q.Set("type", v.Network)
	q.Set("security", v.Security)
	if v.Flow != "" {
		q.Set("flow", v.Flow)
	}
	if v.Security != "none" {
		q.Set("sni", v.SNI)
		q.Set("fp", v.Fingerprint)
	}
	if v.Security == "reality" {
		q.Set("pbk", v.PublicKey)
		q.Set("sid", v.ShortID)
		q.Set("spx", v.SpiderX)
	}
	if v.Network == "ws" {
		q.Set("path", v.Path)
	}
	u := url.URL{
		Scheme:   "vless",
		User:     url.User(v.ID),
		Host:     v.Endpoint(),
		RawQuery: q.Encode(),
		Fragment: v.Name,
	}
	return u.String()
}

// cleanSNI strips a port and replaces names that reality servers are known
// to reject. An empty SNI falls back to defaultSNI.
func cleanSNI(s string) string {
	switch {
	case strings.Contains(strings.ToLower(s), "google.com"):
		return defaultSNI
	case strings.Contains(s, ":"):
		host, _, _ := strings.Cut(s, ":")
		return host
	case s == "":
		return defaultSNI
	default:
		return s
	}
}

func queryOr(q url.Values, key, def string) string {
	if v := q.Get(key); v != "" {
		return v
	}
	return def
}

// PrivateRanges are routed around the proxy by the generated core config.
var PrivateRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"fc00::/7",
	"fe80::/10",
	"::1/128",
	"127.0.0.0/8",
}

// XrayOptions tunes the generated core configuration.
type XrayOptions struct {
	// SocksAddr is where the local SOCKS inbound listens for tun2socks.
	SocksAddr netip.AddrPort

	// ServerAddr, if valid, replaces the server host name so the core does
	// not resolve it through the tunnel.
	ServerAddr netip.Addr

	// Mark is set as SO_MARK on outbound sockets when non-zero.
	Mark int

	LogLevel string
}

// XrayJSON renders an Xray core configuration for v. Traffic enters through
// a local SOCKS inbound (fed by tun2socks) and leaves through the vless
// outbound. Private ranges go direct.
func (v *VLESSOutbound) XrayJSON(opts XrayOptions) ([]byte, error) {
	logLevel := opts.LogLevel
	if logLevel == "" {
		logLevel = "warning"
	}
	server := v.Host
	if opts.ServerAddr.IsValid() {
		server = opts.ServerAddr.String()
	}

	user := map[string]any{
		"id":         v.ID,
		"encryption": v.Encryption,
	}
	if v.Flow != "" {
		user["flow"] = v.Flow
	}

	stream := map[string]any{
		"network":  v.Network,
		"security": v.Security,
	}
	switch v.Security {
	case "tls":
		stream["tlsSettings"] = map[string]any{
			"serverName":  v.SNI,
			"fingerprint": v.Fingerprint,
		}
	case "reality":
		stream["realitySettings"] = map[string]any{
			"serverName":  v.SNI,
			"fingerprint": v.Fingerprint,
			"publicKey":   v.PublicKey,
			"shortId":     v.ShortID,
			"spiderX":     v.SpiderX,
		}
	}
	if opts.Mark != 0 {
		stream["sockopt"] = map[string]any{"mark": opts.Mark}
	}
	if v.Network == "ws" {
		stream["wsSettings"] = map[string]any{
			"path":    v.Path,
			"headers": map[string]string{"Host": v.SNI},
		}
	}

	doc := map[string]any{
		"log": map[string]any{"loglevel": logLevel},
		"dns": map[string]any{"servers": []string{"1.1.1.1", "8.8.8.8"}},
		"inbounds": []any{
			map[string]any{
				"tag":      "tun-in",
				"listen":   opts.SocksAddr.Addr().String(),
				"port":     opts.SocksAddr.Port(),
				"protocol": "socks",
				"settings": map[string]any{"auth": "noauth", "udp": true},
				"sniffing": map[string]any{
					"enabled":      true,
					"destOverride": []string{"http", "tls"},
				},
			},
		},
		"outbounds": []any{
			map[string]any{
				"tag":      "proxy",
				"protocol": "vless",
				"settings": map[string]any{
					"vnext": []any{
						map[string]any{
							"address": server,
							"port":    v.Port,
							"users":   []any{user},
						},
					},
				},
				"streamSettings": stream,
			},
			withSockopt(map[string]any{"tag": "direct", "protocol": "freedom"}, opts.Mark),
			map[string]any{"tag": "block", "protocol": "blackhole"},
		},
		"routing": map[string]any{
			"domainStrategy": "AsIs",
			"rules": []any{
				map[string]any{"type": "field", "ip": PrivateRanges, "outboundTag": "direct"},
				map[string]any{"type": "field", "inboundTag": []string{"tun-in"}, "outboundTag": "proxy"},
			},
		},
	}

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding xray config: %w", err)
	}
	return b, nil
}

func withSockopt(outbound map[string]any, mark int) map[string]any {
	if mark != 0 {
		outbound["streamSettings"] = map[string]any{"sockopt": map[string]any{"mark": mark}}
	}
	return outbound
}
