// Package backend adapts tunnel engines to one asynchronous interface.
//
// Activate and Deactivate return once the engine has been told what to do.
// The resulting state arrives later through Session.Report, possibly on
// another goroutine. Adapters never retry; that policy belongs to the
// caller.
package backend

import (
	"fmt"
	"sync"

	"github.com/kuuji/friendgate/internal/tunconf"
	"github.com/kuuji/friendgate/internal/tunnel"
	"github.com/kuuji/friendgate/internal/vpnerr"
)

// State is the engine state carried by a report.
type State int

const (
	Down State = iota
	Up
)

func (s State) String() string {
	if s == Up {
		return "UP"
	}
	return "DOWN"
}

// ReportFunc receives state changes for a session. It must not block.
type ReportFunc func(s Session, state State, err error)

// Session identifies one activation. A new session is created for every
// connect attempt, so reports from an earlier attempt can be told apart.
type Session struct {
	Name string
	ID   uint64

	report ReportFunc
}

// NewSession binds a session to report.
func NewSession(name string, id uint64, report ReportFunc) Session {
	return Session{Name: name, ID: id, report: report}
}

// Report delivers a state change for s. err explains an unrequested Down.
func (s Session) Report(state State, err error) {
	if s.report != nil {
		s.report(s, state, err)
	}
}

func (s Session) String() string { return fmt.Sprintf("%s#%d", s.Name, s.ID) }

// Backend is a tunnel engine.
type Backend interface {
	// Init starts the engine. A failure is permanent.
	Init() error

	// Activate starts passing traffic for cfg over h and reports Up once it
	// does. A returned error means no report will follow.
	Activate(s Session, h tunnel.Handle, cfg *tunconf.Config) error

	// Deactivate stops s and reports Down. Deactivating an unknown or
	// already stopped session returns nil and reports nothing.
	Deactivate(s Session) error
}

// Multi routes each session to the backend registered for its protocol.
type Multi struct {
	backends map[tunconf.Protocol]Backend

	mu     sync.Mutex
	active map[uint64]Backend
}

var _ Backend = (*Multi)(nil)

// NewMulti creates a Multi over backends.
func NewMulti(backends map[tunconf.Protocol]Backend) *Multi {
	return &Multi{backends: backends, active: make(map[uint64]Backend)}
}

// Init initializes every backend and fails on the first error.
func (m *Multi) Init() error {
	for p, b := range m.backends {
		if err := b.Init(); err != nil {
			return vpnerr.New(vpnerr.KindBackendUnavailable, "init "+string(p), err)
		}
	}
	return nil
}

func (m *Multi) Activate(s Session, h tunnel.Handle, cfg *tunconf.Config) error {
	b, ok := m.backends[cfg.Protocol()]
	if !ok {
		return vpnerr.Errorf(vpnerr.KindInvalidConfig, "activate", "no backend for protocol %q", cfg.Protocol())
	}
	if err := b.Activate(s, h, cfg); err != nil {
		return err
	}
	m.mu.Lock()
	m.active[s.ID] = b
	m.mu.Unlock()
	return nil
}

func (m *Multi) Deactivate(s Session) error {
	m.mu.Lock()
	b, ok := m.active[s.ID]
	delete(m.active, s.ID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return b.Deactivate(s)
}
