package lifecycle

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kuuji/friendgate/internal/backend"
	"github.com/kuuji/friendgate/internal/config"
	"github.com/kuuji/friendgate/internal/tunconf"
	"github.com/kuuji/friendgate/internal/tunnel"
)

// --- fakeProvisioner ---

type fakeProvisioner struct {
	mu       sync.Mutex
	acquired int
	released int
	live     map[string]int
	errs     []error

	// block, if set, holds every Provision call until it is closed or the
	// context is cancelled.
	block chan struct{}
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{live: make(map[string]int)}
}

func (p *fakeProvisioner) Provision(ctx context.Context, name string, _ *tunconf.Config) (tunnel.Handle, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	p.acquired++
	p.live[name]++
	return tunnel.NewHandle(name, nil, nil, func() error {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.released++
		p.live[name]--
		return nil
	}), nil
}

func (p *fakeProvisioner) counts() (acquired, released int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired, p.released
}

func (p *fakeProvisioner) liveFor(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live[name]
}

// --- fakeBackend ---

type fakeBackend struct {
	mu      sync.Mutex
	initErr error
	errs    []error

	// silent backends never report UP.
	silent bool
	// deaf backends never confirm a deactivate.
	deaf bool
	// hold, if set, blocks every Deactivate until it is closed.
	hold chan struct{}

	active        map[uint64]backend.Session
	activations   int
	deactivations int
	maxActive     int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{active: make(map[uint64]backend.Session)}
}

func (b *fakeBackend) Init() error { return b.initErr }

func (b *fakeBackend) Activate(s backend.Session, _ tunnel.Handle, _ *tunconf.Config) error {
	b.mu.Lock()
	b.activations++
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		if err != nil {
			b.mu.Unlock()
			return err
		}
	}
	b.active[s.ID] = s
	b.maxActive = max(b.maxActive, len(b.active))
	silent := b.silent
	b.mu.Unlock()

	if !silent {
		s.Report(backend.Up, nil)
	}
	return nil
}

func (b *fakeBackend) Deactivate(s backend.Session) error {
	b.mu.Lock()
	b.deactivations++
	hold := b.hold
	b.mu.Unlock()
	if hold != nil {
		<-hold
	}

	b.mu.Lock()
	_, ok := b.active[s.ID]
	delete(b.active, s.ID)
	deaf := b.deaf
	b.mu.Unlock()

	if ok && !deaf {
		s.Report(backend.Down, nil)
	}
	return nil
}

// crash takes every active session down with err.
func (b *fakeBackend) crash(err error) {
	b.mu.Lock()
	var down []backend.Session
	for id, s := range b.active {
		down = append(down, s)
		delete(b.active, id)
	}
	b.mu.Unlock()

	for _, s := range down {
		s.Report(backend.Down, err)
	}
}

func (b *fakeBackend) activationCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activations
}

func (b *fakeBackend) deactivationCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deactivations
}

func (b *fakeBackend) peakActive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxActive
}

// --- fakeFetcher ---

type fakeFetcher struct {
	mu    sync.Mutex
	cfg   *tunconf.Config
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) (*tunconf.Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.cfg, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// --- fakeGate ---

type fakeGate struct {
	tunnel, notify bool
}

func (g fakeGate) RequestTunnelPermission() bool       { return g.tunnel }
func (g fakeGate) RequestNotificationPermission() bool { return g.notify }

// --- helpers ---

func testConfig(t *testing.T) *tunconf.Config {
	t.Helper()
	kp, err := config.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	peer, err := config.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	cfg, err := tunconf.New(tunconf.WireGuard,
		tunconf.Interface{
			PrivateKey: kp.Private,
			Addresses:  []netip.Prefix{netip.MustParsePrefix("10.8.0.2/32")},
		},
		[]tunconf.Peer{{
			PublicKey:  peer.Public,
			Endpoint:   "203.0.113.1:51820",
			AllowedIPs: []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")},
		}},
		nil,
	)
	if err != nil {
		t.Fatalf("tunconf.New() error: %v", err)
	}
	return cfg
}

type testEnv struct {
	m    *Manager
	prov *fakeProvisioner
	be   *fakeBackend
}

// newTestManager builds a Manager with fast timers. opts.Backend and
// opts.Provisioner are filled in with fakes when unset.
func newTestManager(t *testing.T, opts Options) testEnv {
	t.Helper()
	env := testEnv{prov: newFakeProvisioner(), be: newFakeBackend()}
	if p, ok := opts.Provisioner.(*fakeProvisioner); ok {
		env.prov = p
	}
	if b, ok := opts.Backend.(*fakeBackend); ok {
		env.be = b
	}
	opts.Provisioner = env.prov
	opts.Backend = env.be
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	if opts.DisconnectTimeout == 0 {
		opts.DisconnectTimeout = 200 * time.Millisecond
	}
	if opts.DestroyTimeout == 0 {
		opts.DestroyTimeout = 200 * time.Millisecond
	}
	env.m = New(opts)
	t.Cleanup(env.m.Destroy)
	return env
}

func waitStatus(t *testing.T, m *Manager, what string, cond func(Status) bool) Status {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		st := m.Status()
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last status %+v", what, st)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitState(t *testing.T, m *Manager, want State) Status {
	t.Helper()
	return waitStatus(t, m, want.String(), func(st Status) bool { return st.State == want })
}

// recorder collects the states a subscription delivers. states collapses
// consecutive repeats; raw keeps every notification.
type recorder struct {
	mu     sync.Mutex
	states []State
	raw    []State
}

func record(t *testing.T, m *Manager) *recorder {
	t.Helper()
	ch, cancel := m.Subscribe()
	t.Cleanup(cancel)
	r := &recorder{}
	go func() {
		for st := range ch {
			r.mu.Lock()
			r.raw = append(r.raw, st.State)
			if n := len(r.states); n == 0 || r.states[n-1] != st.State {
				r.states = append(r.states, st.State)
			}
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *recorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

// count returns how many notifications carried state.
func (r *recorder) count(state State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.raw {
		if st == state {
			n++
		}
	}
	return n
}

// expect waits until the recorded sequence equals want.
func (r *recorder) expect(t *testing.T, want ...State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		got := r.snapshot()
		if cmp.Equal(got, want) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("state sequence mismatch (-got +want):\n%s", cmp.Diff(got, want))
		}
		time.Sleep(2 * time.Millisecond)
	}
}
