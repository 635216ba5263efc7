//go:build linux

package backend

import (
	"net/netip"
	"testing"

	"github.com/kuuji/friendgate/internal/tunconf"
)

func TestBuildXrayConfig(t *testing.T) {
	t.Parallel()

	cfg, err := tunconf.ParseVLESSURL("vless://b831381d-6324-4d53-ad4f-8cda48b30811@vpn.example.com:443" +
		"?encryption=none&security=tls&sni=cdn.example.com&type=ws&path=%2Fray#friends")
	if err != nil {
		t.Fatalf("ParseVLESSURL() error: %v", err)
	}
	raw, err := cfg.VLESS().XrayJSON(tunconf.XrayOptions{
		SocksAddr:  DefaultSocksAddr,
		ServerAddr: netip.MustParseAddr("203.0.113.9"),
	})
	if err != nil {
		t.Fatalf("XrayJSON() error: %v", err)
	}

	pb, err := buildXrayConfig(raw)
	if err != nil {
		t.Fatalf("buildXrayConfig() error: %v", err)
	}
	if len(pb.Inbound) != 1 {
		t.Errorf("inbounds = %d, want 1", len(pb.Inbound))
	}
	if len(pb.Outbound) != 3 {
		t.Errorf("outbounds = %d, want 3", len(pb.Outbound))
	}
}

func TestBuildXrayConfig_errors(t *testing.T) {
	t.Parallel()

	for name, raw := range map[string]string{
		"not json":     "{",
		"no outbounds": `{"inbounds": []}`,
	} {
		if _, err := buildXrayConfig([]byte(raw)); err == nil {
			t.Errorf("%s: buildXrayConfig() expected error", name)
		}
	}
}

func TestVLESS_rejectsWireGuardConfig(t *testing.T) {
	t.Parallel()

	x := NewVLESS(VLESSOptions{})
	if err := x.Init(); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	err := x.Activate(NewSession("t", 1, nil), nil, testWireGuardConfig(t))
	if err == nil {
		t.Fatal("Activate() expected error")
	}
	if err := x.Deactivate(NewSession("t", 1, nil)); err != nil {
		t.Errorf("Deactivate(unknown) = %v", err)
	}
}
