package agent

import (
	"context"
	"io/fs"
	"sync"
	"testing"

	"github.com/kuuji/friendgate/internal/backend"
	"github.com/kuuji/friendgate/internal/config"
	"github.com/kuuji/friendgate/internal/tunconf"
	"github.com/kuuji/friendgate/internal/tunnel"
)

// --- Fake provisioner ---

type fakeProvisioner struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (p *fakeProvisioner) Provision(_ context.Context, name string, _ *tunconf.Config) (tunnel.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquired++
	return tunnel.NewHandle(name, nil, nil, func() error {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.released++
		return nil
	}), nil
}

func (p *fakeProvisioner) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired, p.released
}

// --- Fake backend ---

// fakeBackend comes up immediately and records the configs it was given.
type fakeBackend struct {
	mu   sync.Mutex
	cfgs []*tunconf.Config
}

func (b *fakeBackend) Init() error { return nil }

func (b *fakeBackend) Activate(s backend.Session, _ tunnel.Handle, cfg *tunconf.Config) error {
	b.mu.Lock()
	b.cfgs = append(b.cfgs, cfg)
	b.mu.Unlock()
	s.Report(backend.Up, nil)
	return nil
}

func (b *fakeBackend) Deactivate(s backend.Session) error {
	s.Report(backend.Down, nil)
	return nil
}

func (b *fakeBackend) activated() []*tunconf.Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*tunconf.Config(nil), b.cfgs...)
}

// --- Fake fetcher ---

type fakeFetcher struct {
	mu     sync.Mutex
	cfg    *tunconf.Config
	tokens []string
}

func (f *fakeFetcher) Fetch(_ context.Context, token string) (*tunconf.Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return f.cfg, nil
}

func (f *fakeFetcher) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

// --- Fake files ---

type fakeFiles map[string]string

func (f fakeFiles) ReadFile(path string) ([]byte, error) {
	data, ok := f[path]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	return []byte(data), nil
}

// wgQuick returns a complete wg-quick file with fresh keys.
func wgQuick(t *testing.T) string {
	t.Helper()
	kp, err := config.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	peer, err := config.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	return "[Interface]\n" +
		"PrivateKey = " + kp.Private.String() + "\n" +
		"Address = 10.8.0.2/32\n" +
		"DNS = 1.1.1.1\n\n" +
		"[Peer]\n" +
		"PublicKey = " + peer.Public.String() + "\n" +
		"Endpoint = 203.0.113.1:51820\n" +
		"AllowedIPs = 0.0.0.0/0\n"
}

func testDeps(files fakeFiles) (Deps, *fakeProvisioner, *fakeBackend) {
	prov := &fakeProvisioner{}
	be := &fakeBackend{}
	return Deps{
		Provisioner: prov,
		Backend:     be,
		TunnelsDir:  "/tunnels",
		ReadFile:    files.ReadFile,
	}, prov, be
}
