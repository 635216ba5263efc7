package backend

import (
	"errors"
	"sync"

	"golang.zx2c4.com/wireguard/conn"

	"github.com/kuuji/friendgate/internal/tunconf"
	"github.com/kuuji/friendgate/internal/tunnel"
)

// fakeBackend records calls and reports Up on activation.
type fakeBackend struct {
	mu          sync.Mutex
	initErr     error
	activateErr error
	activated   []uint64
	deactivated []uint64
}

func (f *fakeBackend) Init() error { return f.initErr }

func (f *fakeBackend) Activate(s Session, _ tunnel.Handle, _ *tunconf.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activateErr != nil {
		return f.activateErr
	}
	f.activated = append(f.activated, s.ID)
	s.Report(Up, nil)
	return nil
}

func (f *fakeBackend) Deactivate(s Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, s.ID)
	s.Report(Down, nil)
	return nil
}

// peekBind exposes fixed socket descriptors like the Android bind does.
type peekBind struct {
	conn.Bind
	fd4, fd6 int
}

func (b *peekBind) PeekLookAtSocketFd4() (int, error) {
	if b.fd4 < 0 {
		return -1, errors.New("no ipv4 socket")
	}
	return b.fd4, nil
}

func (b *peekBind) PeekLookAtSocketFd6() (int, error) {
	if b.fd6 < 0 {
		return -1, errors.New("no ipv6 socket")
	}
	return b.fd6, nil
}

type fakeProtector struct {
	refuse    bool
	protected []int
}

func (p *fakeProtector) Protect(fd int) bool {
	p.protected = append(p.protected, fd)
	return !p.refuse
}

// reports collects Session reports.
type reports struct {
	mu  sync.Mutex
	got []string
}

func (r *reports) record(s Session, st State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := s.String() + " " + st.String()
	if err != nil {
		entry += " " + err.Error()
	}
	r.got = append(r.got, entry)
}
