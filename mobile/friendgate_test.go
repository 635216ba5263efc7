//go:build linux

package mobile

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/kuuji/friendgate/internal/tunnel"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
	level []int
}

func (l *recordingLogger) Log(level int, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = append(l.level, level)
	l.lines = append(l.lines, msg)
}

func TestMobileLogHandler(t *testing.T) {
	t.Parallel()

	rec := &recordingLogger{}
	logger := slog.New(&mobileLogHandler{callback: rec}).With("component", "lifecycle")
	logger.Warn("connection attempt failed", "attempt", 1)
	logger.WithGroup("peer").Debug("resolved", "addr", "203.0.113.1")

	if len(rec.lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(rec.lines))
	}
	if rec.level[0] != 2 || rec.level[1] != 0 {
		t.Errorf("levels = %v, want [2 0]", rec.level)
	}
	if want := "connection attempt failed component=lifecycle attempt=1"; rec.lines[0] != want {
		t.Errorf("line = %q, want %q", rec.lines[0], want)
	}
	if !strings.Contains(rec.lines[1], "peer.addr=203.0.113.1") {
		t.Errorf("line = %q, want grouped attribute", rec.lines[1])
	}
}

type fakeBuilder struct {
	spec string
	fd   int
}

func (b *fakeBuilder) Establish(specJSON string) int {
	b.spec = specJSON
	return b.fd
}

func TestBuilderAdapter(t *testing.T) {
	t.Parallel()

	b := &fakeBuilder{fd: 42}
	fd, err := builderAdapter{b}.Establish(tunnel.InterfaceSpec{
		Session:   "home",
		Addresses: []string{"10.8.0.2/32"},
		Routes:    []string{"0.0.0.0/0"},
		MTU:       1420,
	})
	if err != nil || fd != 42 {
		t.Fatalf("Establish() = %d, %v; want 42, nil", fd, err)
	}

	var got tunnel.InterfaceSpec
	if err := json.Unmarshal([]byte(b.spec), &got); err != nil {
		t.Fatalf("spec is not json: %v", err)
	}
	if got.Session != "home" || got.MTU != 1420 || len(got.Routes) != 1 {
		t.Errorf("spec = %+v", got)
	}
}

func TestService_beforeStart(t *testing.T) {
	t.Parallel()

	svc, err := NewService("[tunnel]\nname = \"home\"\n")
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	if svc.GetTunnelName() != "home" {
		t.Errorf("GetTunnelName() = %q", svc.GetTunnelName())
	}

	var st struct {
		State   string `json:"state"`
		Display string `json:"display"`
	}
	if err := json.Unmarshal([]byte(svc.QueryState()), &st); err != nil {
		t.Fatalf("QueryState() is not json: %v", err)
	}
	if st.State != "DOWN" || st.Display != "Disconnected" {
		t.Errorf("QueryState() = %+v", st)
	}

	if err := svc.Connect(); err == nil {
		t.Error("Connect() before Start() expected error")
	}
	if err := svc.ClearError(); err == nil {
		t.Error("ClearError() before Start() expected error")
	}
	if err := svc.Start(); err == nil {
		t.Error("Start() without a TunnelBuilder expected error")
	}
	svc.Destroy()
}

func TestNewService_invalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewService("[tunnel]\nprotocol = \"carrier-pigeon\"\n"); err == nil {
		t.Error("NewService() expected error for unknown protocol")
	}
}

func TestGenerateKeyPair(t *testing.T) {
	t.Parallel()

	out, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	if parts := strings.Fields(out); len(parts) != 2 || parts[0] == parts[1] {
		t.Errorf("GenerateKeyPair() = %q, want two distinct keys", out)
	}
}
