// Package lifecycle drives a tunnel from configuration to a live connection
// and back, and owns every resource in between.
//
// A Manager runs one command loop goroutine. Commands, backend reports,
// worker results and timer firings all reach the loop as messages, so the
// loop is the only code that touches connection state. Fetching,
// provisioning, activation and deactivation run on a single worker
// goroutine at a time.
//
// Failed attempts are retried with the same configuration after a fixed
// delay, up to MaxAttempts attempts in total. Only the final failure, or a
// failure that cannot be fixed by retrying, is latched as Status.LastError.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kuuji/friendgate/internal/backend"
	"github.com/kuuji/friendgate/internal/config"
	"github.com/kuuji/friendgate/internal/tunconf"
	"github.com/kuuji/friendgate/internal/tunnel"
	"github.com/kuuji/friendgate/internal/vpnerr"
)

const (
	DefaultMaxAttempts       = 2
	DefaultRetryDelay        = 2 * time.Second
	DefaultDisconnectTimeout = 5 * time.Second
	DefaultActivateTimeout   = 30 * time.Second
	DefaultDestroyTimeout    = 5 * time.Second
)

var (
	// ErrClosed is returned by commands sent after Destroy.
	ErrClosed = errors.New("lifecycle manager closed")

	// ErrSuperseded is returned to a connect dropped in favour of a
	// disconnect that was pending at the same time.
	ErrSuperseded = errors.New("connect superseded by disconnect")

	// ErrNoConfig means a connect carried no config and nothing could be
	// fetched.
	ErrNoConfig = errors.New("no tunnel configuration and no token to fetch one")

	errPermissionDenied = errors.New("tunnel permission denied")
	errRevoked          = &vpnerr.Error{Kind: vpnerr.KindRevoked, Err: errors.New("revoked by system")}
)

// Options configures a Manager. Backend and Provisioner are required.
type Options struct {
	Backend     backend.Backend
	Provisioner tunnel.Provisioner

	// Fetcher is used when a connect carries a token instead of a config.
	Fetcher Fetcher

	// Permissions defaults to AlwaysGranted.
	Permissions PermissionGate

	Logger *slog.Logger

	MaxAttempts       int
	RetryDelay        time.Duration
	DisconnectTimeout time.Duration
	ActivateTimeout   time.Duration
	DestroyTimeout    time.Duration
}

// ConnectRequest names a tunnel and where its configuration comes from.
type ConnectRequest struct {
	// Tunnel defaults to config.DefaultTunnelName.
	Tunnel string

	// Config, if set, starts a new generation with this configuration.
	Config *tunconf.Config

	// Token is handed to the Fetcher when no configuration is held.
	Token string

	// Refetch discards the held configuration and fetches a new one.
	Refetch bool
}

// Manager is the connection lifecycle state machine.
type Manager struct {
	backend     backend.Backend
	provisioner tunnel.Provisioner
	fetcher     Fetcher
	gate        PermissionGate
	log         *slog.Logger

	maxAttempts       int
	retryDelay        time.Duration
	disconnectTimeout time.Duration
	activateTimeout   time.Duration
	destroyTimeout    time.Duration

	urgent      chan command
	connects    chan command
	destroyCh   chan struct{}
	destroyOnce sync.Once
	done        chan struct{}

	evMu     sync.Mutex
	evQueue  []any
	evClosed bool
	wake     chan struct{}

	statusMu   sync.Mutex
	status     Status
	subs       map[*subscriber]struct{}
	subsClosed bool

	// Everything below is owned by the loop goroutine.

	fatal error
	state State
	name  string
	cfg   *tunconf.Config
	token string

	handle  tunnel.Handle
	session backend.Session
	live    bool // session activated and not yet reported down

	nextID    uint64
	retries   int
	lastErr   error
	message   string
	revoking  bool
	pending   *ConnectRequest
	activated bool
	upSeen    bool
	downSeen  bool
	earlyDown error
	gotDown   bool

	// working is set while the worker goroutine runs. Guards use it rather
	// than the state, since backend reports race with worker results.
	working    bool
	workCancel context.CancelFunc

	retryTimer    *time.Timer
	retryGen      uint64
	deadlineTimer *time.Timer
	deadlineGen   uint64
}

type cmdKind int

const (
	cmdConnect cmdKind = iota
	cmdDisconnect
	cmdRevoke
	cmdClearError
)

type command struct {
	kind   cmdKind
	req    ConnectRequest
	tunnel string
	reply  chan error
}

// Loop messages.
type (
	attemptDone struct {
		id      uint64
		cfg     *tunconf.Config
		fetched bool
		handle  tunnel.Handle
		session backend.Session
		err     error

		// fetchFailed marks errors from the Fetcher, which retries on
		// its own.
		fetchFailed bool
	}
	deactivateDone struct {
		id  uint64
		err error
	}
	backendEvent struct {
		session backend.Session
		state   backend.State
		err     error
	}
	progressEvent struct{ msg string }
	retryFire     struct{ gen uint64 }
	deadlineFire  struct{ gen uint64 }
)

// New creates a Manager, initializes the backend and starts the loop. If
// the backend cannot be initialized the Manager stays DOWN with a permanent
// error and refuses every command.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		backend:           opts.Backend,
		provisioner:       opts.Provisioner,
		fetcher:           opts.Fetcher,
		gate:              opts.Permissions,
		log:               logger.With("component", "lifecycle"),
		maxAttempts:       orInt(opts.MaxAttempts, DefaultMaxAttempts),
		retryDelay:        orDuration(opts.RetryDelay, DefaultRetryDelay),
		disconnectTimeout: orDuration(opts.DisconnectTimeout, DefaultDisconnectTimeout),
		activateTimeout:   orDuration(opts.ActivateTimeout, DefaultActivateTimeout),
		destroyTimeout:    orDuration(opts.DestroyTimeout, DefaultDestroyTimeout),
		urgent:            make(chan command),
		connects:          make(chan command),
		destroyCh:         make(chan struct{}),
		done:              make(chan struct{}),
		wake:              make(chan struct{}, 1),
		subs:              make(map[*subscriber]struct{}),
	}
	if m.gate == nil {
		m.gate = AlwaysGranted{}
	}

	switch {
	case m.backend == nil:
		m.fatal = vpnerr.Errorf(vpnerr.KindBackendUnavailable, "init backend", "no backend configured")
	case m.provisioner == nil:
		m.fatal = vpnerr.Errorf(vpnerr.KindBackendUnavailable, "init backend", "no provisioner configured")
	default:
		if err := m.backend.Init(); err != nil {
			m.fatal = vpnerr.New(vpnerr.KindBackendUnavailable, "init backend", err)
		}
	}
	if m.fatal != nil {
		m.lastErr = m.fatal
		m.log.Error("backend unavailable, refusing all commands", "error", m.fatal)
	}
	m.publish()

	go m.run()
	return m
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Connect starts or resumes a connection. It returns once the command has
// been accepted; the outcome is observed through Status and Subscribe.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) error {
	return m.send(ctx, m.connects, command{kind: cmdConnect, req: req})
}

// Disconnect tears down the connection for tunnel. An empty name matches
// whatever tunnel is current.
func (m *Manager) Disconnect(ctx context.Context, tunnel string) error {
	return m.send(ctx, m.urgent, command{kind: cmdDisconnect, tunnel: tunnel})
}

// Revoke reports that the platform withdrew tunnel permission. It is an
// urgent disconnect that latches a "revoked by system" error.
func (m *Manager) Revoke(ctx context.Context) error {
	return m.send(ctx, m.urgent, command{kind: cmdRevoke})
}

// ClearError drops a latched error once the tunnel is down, so the status
// reads plain "Disconnected" again. A scheduled retry is left alone.
func (m *Manager) ClearError(ctx context.Context) error {
	return m.send(ctx, m.urgent, command{kind: cmdClearError})
}

// Destroy cancels pending retries, releases the handle and session even if
// the backend never confirms, closes every subscription and stops the loop.
// It is safe to call more than once.
func (m *Manager) Destroy() {
	m.destroyOnce.Do(func() { close(m.destroyCh) })
	<-m.done
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.status
}

// Subscribe returns a channel that receives the current status followed by
// every change, in order. cancel stops delivery; the channel is closed
// after cancel or Destroy.
func (m *Manager) Subscribe() (<-chan Status, func()) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	s := newSubscriber(m.status)
	if m.subsClosed {
		s.finish()
		return s.out, s.cancel
	}
	m.subs[s] = struct{}{}
	cancel := func() {
		m.statusMu.Lock()
		delete(m.subs, s)
		m.statusMu.Unlock()
		s.cancel()
	}
	return s.out, cancel
}

// Progress sets the transient message while a connection attempt is in
// flight. It suits fetch.Options.Progress.
func (m *Manager) Progress(msg string) {
	m.post(progressEvent{msg: msg})
}

func (m *Manager) send(ctx context.Context, ch chan<- command, c command) error {
	c.reply = make(chan error, 1)
	select {
	case ch <- c:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues a loop message. It reports false once the loop has shut
// down; the caller then owns whatever the message carried.
func (m *Manager) post(ev any) bool {
	m.evMu.Lock()
	if m.evClosed {
		m.evMu.Unlock()
		return false
	}
	m.evQueue = append(m.evQueue, ev)
	m.evMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *Manager) takeEvents() []any {
	m.evMu.Lock()
	defer m.evMu.Unlock()
	evs := m.evQueue
	m.evQueue = nil
	return evs
}

// report is the backend's ReportFunc.
func (m *Manager) report(s backend.Session, state backend.State, err error) {
	m.post(backendEvent{session: s, state: state, err: err})
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		// Destroy first, then disconnects, then everything else.
		select {
		case <-m.destroyCh:
			m.shutdown()
			return
		default:
		}
		select {
		case c := <-m.urgent:
			m.handleCommand(c)
			continue
		default:
		}

		select {
		case <-m.destroyCh:
			m.shutdown()
			return
		case c := <-m.urgent:
			m.handleCommand(c)
		case c := <-m.connects:
			m.handleCommand(c)
		case <-m.wake:
			for _, ev := range m.takeEvents() {
				m.handleEvent(ev)
			}
		}
	}
}

func (m *Manager) handleCommand(c command) {
	switch c.kind {
	case cmdConnect:
		c.reply <- m.connect(c.req)
	case cmdDisconnect:
		m.dropQueuedConnects()
		c.reply <- m.disconnect(c.tunnel, false)
	case cmdRevoke:
		m.dropQueuedConnects()
		c.reply <- m.disconnect("", true)
	case cmdClearError:
		c.reply <- m.clearError()
	}
}

// dropQueuedConnects refuses connects that were waiting alongside a
// disconnect.
func (m *Manager) dropQueuedConnects() {
	for {
		select {
		case c := <-m.connects:
			m.log.Debug("dropping connect queued behind disconnect", "tunnel", c.req.Tunnel)
			c.reply <- ErrSuperseded
		default:
			return
		}
	}
}

func (m *Manager) connect(req ConnectRequest) error {
	if m.fatal != nil {
		return m.fatal
	}
	if req.Tunnel == "" {
		req.Tunnel = config.DefaultTunnelName
	}
	if !m.canObtainConfig(req) {
		return vpnerr.New(vpnerr.KindInvalidConfig, "connect", ErrNoConfig)
	}

	idle := m.state == StateDown && !m.working

	if m.name != "" && req.Tunnel != m.name {
		if !idle || m.state == StateDisconnecting {
			m.log.Info("switching tunnel", "from", m.name, "to", req.Tunnel)
			m.pending = &req
			if m.state != StateDisconnecting && m.state != StateDown {
				m.beginDisconnect()
			}
			return nil
		}
		m.resetGeneration()
	}

	switch {
	case m.state == StateDisconnecting || (m.state == StateDown && m.working):
		m.log.Debug("deferring connect until teardown completes", "tunnel", req.Tunnel)
		m.pending = &req
		return nil
	case m.state == StateConnecting || m.state == StateUp:
		m.log.Debug("connect ignored, already "+m.state.String(), "tunnel", req.Tunnel)
		return nil
	}

	m.cancelRetry()
	m.name = req.Tunnel
	m.revoking = false
	if m.lastErr != nil {
		// A connect after a terminal failure starts a fresh generation.
		m.lastErr = nil
		m.retries = 0
	}
	switch {
	case req.Config != nil:
		m.cfg = req.Config
		m.retries = 0
	case req.Refetch:
		m.cfg = nil
		m.retries = 0
	}
	if req.Token != "" {
		m.token = req.Token
	}
	m.startAttempt()
	return nil
}

func (m *Manager) canObtainConfig(req ConnectRequest) bool {
	same := req.Tunnel == m.name
	switch {
	case req.Config != nil:
		return true
	case same && m.cfg != nil && !req.Refetch:
		return true
	case m.fetcher == nil:
		return false
	default:
		return req.Token != "" || (same && m.token != "")
	}
}

// resetGeneration forgets everything tied to the previous tunnel name.
func (m *Manager) resetGeneration() {
	m.cancelRetry()
	m.cfg = nil
	m.token = ""
	m.retries = 0
	m.lastErr = nil
	m.message = ""
}

func (m *Manager) startAttempt() {
	m.nextID++
	id := m.nextID
	m.state = StateConnecting
	m.activated, m.upSeen, m.gotDown, m.earlyDown = false, false, false, nil
	m.message = ""
	m.publish()

	ctx, cancel := context.WithCancel(context.Background())
	m.working = true
	m.workCancel = cancel

	name, cfg, token := m.name, m.cfg, m.token
	m.log.Info("connecting", "tunnel", name, "attempt", m.retries+1, "max_attempts", m.maxAttempts)

	go func() {
		defer cancel()
		res := m.attempt(ctx, id, name, cfg, token)
		if !m.post(res) {
			m.release(res.session, res.handle)
		}
	}()
}

// attempt runs on the worker goroutine.
func (m *Manager) attempt(ctx context.Context, id uint64, name string, cfg *tunconf.Config, token string) attemptDone {
	res := attemptDone{id: id}

	if !m.gate.RequestTunnelPermission() {
		res.err = vpnerr.New(vpnerr.KindPermissionMissing, "request permission", errPermissionDenied)
		return res
	}
	if !m.gate.RequestNotificationPermission() {
		m.log.Warn("notification permission denied, status will not be shown", "tunnel", name)
	}

	if cfg == nil {
		if m.fetcher == nil || token == "" {
			res.err = vpnerr.New(vpnerr.KindInvalidConfig, "fetch", ErrNoConfig)
			return res
		}
		fetched, err := m.fetcher.Fetch(ctx, token)
		if err != nil {
			res.err, res.fetchFailed = err, true
			return res
		}
		cfg = fetched
		res.cfg, res.fetched = fetched, true
	}
	if err := ctx.Err(); err != nil {
		res.err = err
		return res
	}

	h, err := m.provisioner.Provision(ctx, name, cfg)
	if err != nil {
		res.err = err
		return res
	}
	if err := ctx.Err(); err != nil {
		m.closeQuietly(h)
		res.err = err
		return res
	}

	s := backend.NewSession(name, id, m.report)
	if err := m.backend.Activate(s, h, cfg); err != nil {
		m.closeQuietly(h)
		res.err = err
		return res
	}
	res.handle, res.session = h, s
	return res
}

func (m *Manager) handleEvent(ev any) {
	switch ev := ev.(type) {
	case attemptDone:
		m.onAttemptDone(ev)
	case deactivateDone:
		m.onDeactivateDone(ev)
	case backendEvent:
		m.onBackendEvent(ev)
	case progressEvent:
		if m.state == StateConnecting && m.message != ev.msg {
			m.message = ev.msg
			m.publish()
		}
	case retryFire:
		if ev.gen != m.retryGen || m.state != StateDown || m.working {
			return
		}
		m.retryTimer = nil
		m.startAttempt()
	case deadlineFire:
		if ev.gen == m.deadlineGen {
			m.deadlineTimer = nil
			m.onDeadline()
		}
	}
}

func (m *Manager) onAttemptDone(ev attemptDone) {
	if ev.id != m.nextID {
		m.log.Debug("discarding result of superseded attempt", "id", ev.id)
		m.release(ev.session, ev.handle)
		return
	}
	m.working = false
	m.workCancel = nil
	if ev.fetched {
		m.cfg = ev.cfg
	}

	if m.state == StateDisconnecting {
		if ev.handle != nil {
			m.handle, m.session, m.live = ev.handle, ev.session, true
			m.startDeactivate()
			return
		}
		m.finishDisconnect()
		return
	}

	if ev.err != nil {
		m.fail(ev.err, !ev.fetchFailed && vpnerr.IsRetryable(ev.err))
		return
	}
	m.handle, m.session, m.live = ev.handle, ev.session, true
	m.activated = true

	switch {
	case m.gotDown:
		m.live = false
		m.failActive(m.earlyDown)
	case m.upSeen:
		m.goUp()
	default:
		m.armDeadline(m.activateTimeout)
	}
}

func (m *Manager) onBackendEvent(ev backendEvent) {
	if ev.session.ID != m.nextID || ev.session.Name != m.name {
		m.log.Debug("ignoring report for stale session", "session", ev.session, "state", ev.state)
		return
	}

	switch ev.state {
	case backend.Up:
		if m.state != StateConnecting {
			return
		}
		m.upSeen = true
		if m.activated {
			m.goUp()
		}

	case backend.Down:
		switch m.state {
		case StateDisconnecting:
			m.live = false
			m.downSeen = true
			m.maybeFinishDisconnect()
		case StateUp:
			m.live = false
			m.failActive(ev.err)
		case StateConnecting:
			if m.activated {
				m.live = false
				m.failActive(ev.err)
				return
			}
			m.gotDown, m.earlyDown = true, ev.err
		}
	}
}

func (m *Manager) onDeactivateDone(ev deactivateDone) {
	m.working = false
	if ev.err != nil {
		m.log.Warn("backend deactivate failed", "session", ev.id, "error", ev.err)
		if ev.id == m.session.ID {
			m.live = false
		}
	}
	if m.state == StateDisconnecting {
		m.maybeFinishDisconnect()
		return
	}
	m.runPending()
}

func (m *Manager) onDeadline() {
	switch m.state {
	case StateDisconnecting:
		m.log.Warn("backend did not confirm shutdown, forcing DOWN", "tunnel", m.name, "timeout", m.disconnectTimeout)
		m.live = false
		m.finishDisconnect()
	case StateConnecting:
		if !m.activated || m.upSeen {
			return
		}
		err := vpnerr.Errorf(vpnerr.KindNativeEngine, "activate", "backend did not come up within %s", m.activateTimeout)
		m.live = false
		m.failActive(err)
	}
}

func (m *Manager) goUp() {
	m.cancelDeadline()
	m.cancelRetry()
	m.state = StateUp
	m.retries = 0
	m.lastErr = nil
	m.message = ""
	m.publish()
	m.log.Info("tunnel up", "tunnel", m.name, "session", m.session)
}

// failActive handles the loss of a session whose backend is already down.
// The session is still deactivated so the backend forgets it.
func (m *Manager) failActive(err error) {
	if err == nil {
		err = vpnerr.Errorf(vpnerr.KindNativeEngine, "run", "tunnel went down unexpectedly")
	}
	m.release(m.session, nil)
	m.closeHandle()
	m.fail(err, vpnerr.IsRetryable(err))
}

// fail applies the retry policy to a failed attempt. Nothing is held when
// it runs.
func (m *Manager) fail(err error, retryable bool) {
	m.cancelDeadline()
	m.session = backend.Session{}
	m.activated = false

	kind := vpnerr.KindOf(err)
	if retryable {
		m.retries++
	}
	if retryable && m.retries < m.maxAttempts {
		m.state = StateDown
		m.message = fmt.Sprintf("Connection failed, retrying (%d/%d)...", m.retries+1, m.maxAttempts)
		m.publish()
		m.log.Warn("connection attempt failed, retrying",
			"tunnel", m.name,
			"attempt", m.retries,
			"max_attempts", m.maxAttempts,
			"delay", m.retryDelay,
			"error", err,
		)
		m.scheduleRetry()
		return
	}

	m.state = StateDown
	m.lastErr = err
	m.message = ""
	m.retries = 0
	if kind == vpnerr.KindInvalidConfig {
		m.cfg = nil
	}
	m.publish()
	m.log.Error("connection failed", "tunnel", m.name, "kind", kind, "error", err)
	m.runPending()
}

func (m *Manager) disconnect(name string, revoke bool) error {
	if m.fatal != nil {
		return m.fatal
	}
	if name != "" && m.name != "" && name != m.name && (m.pending == nil || m.pending.Tunnel != name) {
		m.log.Debug("disconnect for inactive tunnel ignored", "tunnel", name, "current", m.name)
		return nil
	}
	m.pending = nil

	switch m.state {
	case StateDisconnecting:
		if revoke {
			m.revoking = true
		}
		return nil
	case StateDown:
		if m.retryTimer == nil {
			return nil
		}
		// Waiting to retry: cancel the retry and settle.
		m.cancelRetry()
		m.retries = 0
		m.message = ""
		if revoke {
			m.lastErr = errRevoked
		}
		m.publish()
		return nil
	}

	m.revoking = revoke
	m.beginDisconnect()
	return nil
}

func (m *Manager) clearError() error {
	if m.fatal != nil {
		return m.fatal
	}
	if m.state != StateDown || m.working || m.retryTimer != nil {
		return nil
	}
	m.lastErr = nil
	m.retries = 0
	m.message = ""
	m.publish()
	return nil
}

func (m *Manager) beginDisconnect() {
	m.cancelRetry()
	m.cancelDeadline()
	m.state = StateDisconnecting
	m.message = ""
	m.downSeen = false
	m.publish()
	m.log.Info("disconnecting", "tunnel", m.name, "revoked", m.revoking)

	switch {
	case m.working:
		// The attempt's result finishes the teardown.
		if m.workCancel != nil {
			m.workCancel()
		}
	case m.live:
		m.startDeactivate()
	default:
		m.finishDisconnect()
	}
}

func (m *Manager) startDeactivate() {
	s := m.session
	m.working = true
	m.workCancel = nil
	m.armDeadline(m.disconnectTimeout)

	go func() {
		err := m.backend.Deactivate(s)
		m.post(deactivateDone{id: s.ID, err: err})
	}()
}

func (m *Manager) maybeFinishDisconnect() {
	if m.live && !m.downSeen {
		return
	}
	if m.working {
		return
	}
	m.finishDisconnect()
}

func (m *Manager) finishDisconnect() {
	m.cancelDeadline()
	m.closeHandle()
	m.session = backend.Session{}
	m.live = false
	m.activated = false
	m.retries = 0
	m.state = StateDown
	m.message = ""
	if m.revoking {
		m.lastErr = errRevoked
		m.revoking = false
	}
	m.publish()
	m.log.Info("tunnel down", "tunnel", m.name)
	m.runPending()
}

// runPending starts a connect deferred by a teardown, once nothing runs.
func (m *Manager) runPending() {
	if m.pending == nil || m.state != StateDown || m.working {
		return
	}
	req := *m.pending
	m.pending = nil
	if err := m.connect(req); err != nil {
		m.log.Warn("deferred connect failed", "tunnel", req.Tunnel, "error", err)
	}
}

func (m *Manager) scheduleRetry() {
	m.cancelRetry()
	gen := m.retryGen
	m.retryTimer = time.AfterFunc(m.retryDelay, func() { m.post(retryFire{gen: gen}) })
}

func (m *Manager) cancelRetry() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.retryGen++
}

func (m *Manager) armDeadline(d time.Duration) {
	m.cancelDeadline()
	gen := m.deadlineGen
	m.deadlineTimer = time.AfterFunc(d, func() { m.post(deadlineFire{gen: gen}) })
}

func (m *Manager) cancelDeadline() {
	if m.deadlineTimer != nil {
		m.deadlineTimer.Stop()
		m.deadlineTimer = nil
	}
	m.deadlineGen++
}

func (m *Manager) closeHandle() {
	if m.handle == nil {
		return
	}
	m.closeQuietly(m.handle)
	m.handle = nil
}

func (m *Manager) closeQuietly(h tunnel.Handle) {
	if err := h.Close(); err != nil {
		m.log.Warn("closing tunnel handle", "tunnel", h.Name(), "error", err)
	}
}

// release deactivates s and closes h synchronously, best effort. A zero
// session or nil handle is skipped.
func (m *Manager) release(s backend.Session, h tunnel.Handle) {
	if s.ID != 0 {
		if err := m.backend.Deactivate(s); err != nil {
			m.log.Warn("deactivating session", "session", s, "error", err)
		}
	}
	if h != nil {
		m.closeQuietly(h)
	}
}

// shutdown runs on the loop goroutine when Destroy is called.
func (m *Manager) shutdown() {
	m.log.Info("shutting down", "tunnel", m.name, "state", m.state)
	m.cancelRetry()
	m.cancelDeadline()
	m.pending = nil
	if m.workCancel != nil {
		m.workCancel()
	}
	if m.working {
		m.awaitWorker()
	}

	if m.live {
		m.release(m.session, nil)
		m.live = false
	}
	m.closeHandle()

	// From here on workers clean up after themselves.
	m.evMu.Lock()
	m.evClosed = true
	late := m.evQueue
	m.evQueue = nil
	m.evMu.Unlock()
	for _, ev := range late {
		if d, ok := ev.(attemptDone); ok {
			m.release(d.session, d.handle)
		}
	}

	m.state = StateDown
	m.message = ""
	m.publish()

	m.statusMu.Lock()
	m.subsClosed = true
	for s := range m.subs {
		s.finish()
	}
	m.subs = nil
	m.statusMu.Unlock()
}

// awaitWorker waits, bounded by destroyTimeout, for the in-flight worker
// and takes ownership of what it produced.
func (m *Manager) awaitWorker() {
	deadline := time.NewTimer(m.destroyTimeout)
	defer deadline.Stop()

	for m.working {
		select {
		case <-m.wake:
			for _, ev := range m.takeEvents() {
				switch ev := ev.(type) {
				case attemptDone:
					m.working = false
					if ev.handle != nil {
						m.handle, m.session, m.live = ev.handle, ev.session, true
					}
				case deactivateDone:
					m.working = false
					m.live = false
				}
			}
		case <-deadline.C:
			m.log.Warn("worker still running at shutdown", "timeout", m.destroyTimeout)
			return
		}
	}
}

// publish snapshots loop state into Status and notifies subscribers when
// anything changed.
func (m *Manager) publish() {
	st := Status{
		State:       m.state,
		Tunnel:      m.name,
		Message:     m.message,
		MaxAttempts: m.maxAttempts,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
		st.ErrorKind = vpnerr.KindOf(m.lastErr).String()
	}
	if m.state == StateConnecting {
		st.Attempt = m.retries + 1
	}
	st.Display = displayText(st)

	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	if st.sameAs(m.status) && !m.status.Since.IsZero() {
		return
	}
	st.Since = time.Now()
	m.status = st
	for s := range m.subs {
		s.push(st)
	}
}
