package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kuuji/friendgate/internal/vpnerr"
)

func TestManager_connectAndDisconnect(t *testing.T) {
	t.Parallel()

	env := newTestManager(t, Options{})
	rec := record(t, env.m)
	ctx := context.Background()

	if err := env.m.Connect(ctx, ConnectRequest{Tunnel: "home", Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	st := waitState(t, env.m, StateUp)
	if st.Tunnel != "home" || st.Display != "Connected to home" {
		t.Errorf("status = %+v", st)
	}
	if acq, rel := env.prov.counts(); acq != 1 || rel != 0 {
		t.Errorf("handles acquired/released = %d/%d, want 1/0", acq, rel)
	}

	if err := env.m.Disconnect(ctx, "home"); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	waitState(t, env.m, StateDown)
	rec.expect(t, StateDown, StateConnecting, StateUp, StateDisconnecting, StateDown)

	if acq, rel := env.prov.counts(); acq != rel {
		t.Errorf("handles acquired/released = %d/%d, want equal", acq, rel)
	}
	if st := env.m.Status(); st.LastError != "" {
		t.Errorf("LastError = %q after clean disconnect", st.LastError)
	}
}

func TestManager_retriesThenSucceeds(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	be.errs = []error{vpnerr.Errorf(vpnerr.KindNativeEngine, "activate", "engine hiccup")}
	env := newTestManager(t, Options{Backend: be})
	rec := record(t, env.m)

	if err := env.m.Connect(context.Background(), ConnectRequest{Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitState(t, env.m, StateUp)
	rec.expect(t, StateDown, StateConnecting, StateDown, StateConnecting, StateUp)

	if got := be.activationCount(); got != 2 {
		t.Errorf("activations = %d, want 2", got)
	}
	if acq, rel := env.prov.counts(); acq-rel != 1 {
		t.Errorf("handles acquired/released = %d/%d, want exactly one live", acq, rel)
	}
}

func TestManager_retryIsBounded(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	be.errs = []error{
		vpnerr.Errorf(vpnerr.KindNativeEngine, "activate", "first"),
		vpnerr.Errorf(vpnerr.KindNativeEngine, "activate", "second"),
		vpnerr.Errorf(vpnerr.KindNativeEngine, "activate", "third"),
	}
	env := newTestManager(t, Options{Backend: be, MaxAttempts: 2})

	if err := env.m.Connect(context.Background(), ConnectRequest{Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	st := waitStatus(t, env.m, "latched error", func(st Status) bool { return st.LastError != "" })
	if st.State != StateDown || st.ErrorKind != "native-engine" {
		t.Errorf("status = %+v", st)
	}
	if !strings.Contains(st.LastError, "second") {
		t.Errorf("LastError = %q, want the last attempt's error", st.LastError)
	}

	// No further attempts once the error is latched.
	time.Sleep(50 * time.Millisecond)
	if got := be.activationCount(); got != 2 {
		t.Errorf("activations = %d, want 2", got)
	}
	if acq, rel := env.prov.counts(); acq != rel {
		t.Errorf("handles acquired/released = %d/%d, want equal", acq, rel)
	}
}

func TestManager_invalidConfigIsNotRetried(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	be.errs = []error{vpnerr.Errorf(vpnerr.KindInvalidConfig, "activate", "bad peer key")}
	env := newTestManager(t, Options{Backend: be})
	ctx := context.Background()

	if err := env.m.Connect(ctx, ConnectRequest{Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	st := waitStatus(t, env.m, "latched error", func(st Status) bool { return st.LastError != "" })
	if st.ErrorKind != "invalid-config" {
		t.Errorf("ErrorKind = %q, want invalid-config", st.ErrorKind)
	}
	if got := be.activationCount(); got != 1 {
		t.Errorf("activations = %d, want 1", got)
	}

	// The rejected configuration is discarded.
	err := env.m.Connect(ctx, ConnectRequest{})
	if !errors.Is(err, ErrNoConfig) {
		t.Errorf("Connect() without config error = %v, want ErrNoConfig", err)
	}
}

func TestManager_permissionMissing(t *testing.T) {
	t.Parallel()

	env := newTestManager(t, Options{Permissions: fakeGate{tunnel: false, notify: true}})
	if err := env.m.Connect(context.Background(), ConnectRequest{Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	st := waitStatus(t, env.m, "latched error", func(st Status) bool { return st.LastError != "" })
	if st.ErrorKind != "permission-missing" {
		t.Errorf("ErrorKind = %q, want permission-missing", st.ErrorKind)
	}
	if acq, _ := env.prov.counts(); acq != 0 {
		t.Errorf("handles acquired = %d, want 0", acq)
	}
}

func TestManager_notificationDeniedIsAdvisory(t *testing.T) {
	t.Parallel()

	env := newTestManager(t, Options{Permissions: fakeGate{tunnel: true, notify: false}})
	if err := env.m.Connect(context.Background(), ConnectRequest{Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitState(t, env.m, StateUp)
}

func TestManager_disconnectIsIdempotent(t *testing.T) {
	t.Parallel()

	env := newTestManager(t, Options{})
	rec := record(t, env.m)
	ctx := context.Background()

	if err := env.m.Disconnect(ctx, ""); err != nil {
		t.Fatalf("Disconnect() while down error: %v", err)
	}

	if err := env.m.Connect(ctx, ConnectRequest{Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitState(t, env.m, StateUp)
	for range 3 {
		if err := env.m.Disconnect(ctx, ""); err != nil {
			t.Fatalf("Disconnect() error: %v", err)
		}
	}
	waitState(t, env.m, StateDown)
	if err := env.m.Disconnect(ctx, ""); err != nil {
		t.Fatalf("Disconnect() after down error: %v", err)
	}

	rec.expect(t, StateDown, StateConnecting, StateUp, StateDisconnecting, StateDown)
	// Redundant disconnects publish nothing: one DOWN at start, one at the end.
	time.Sleep(20 * time.Millisecond)
	if got := rec.count(StateDown); got != 2 {
		t.Errorf("DOWN notifications = %d, want 2", got)
	}
	if got := rec.count(StateDisconnecting); got != 1 {
		t.Errorf("DISCONNECTING notifications = %d, want 1", got)
	}
	if acq, rel := env.prov.counts(); acq != 1 || rel != 1 {
		t.Errorf("handles acquired/released = %d/%d, want 1/1", acq, rel)
	}
}

func TestManager_disconnectWhileProvisioning(t *testing.T) {
	t.Parallel()

	prov := newFakeProvisioner()
	prov.block = make(chan struct{})
	env := newTestManager(t, Options{Provisioner: prov})
	ctx := context.Background()

	if err := env.m.Connect(ctx, ConnectRequest{Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitState(t, env.m, StateConnecting)
	if err := env.m.Disconnect(ctx, ""); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	st := waitState(t, env.m, StateDown)
	if st.LastError != "" {
		t.Errorf("LastError = %q, want none for a requested disconnect", st.LastError)
	}
	if acq, _ := prov.counts(); acq != 0 {
		t.Errorf("handles acquired = %d, want 0", acq)
	}
	if got := env.be.activationCount(); got != 0 {
		t.Errorf("activations = %d, want 0", got)
	}
}

func TestManager_disconnectForcedAfterTimeout(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	be.deaf = true
	env := newTestManager(t, Options{Backend: be, DisconnectTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	if err := env.m.Connect(ctx, ConnectRequest{Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitState(t, env.m, StateUp)
	if err := env.m.Disconnect(ctx, ""); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	waitState(t, env.m, StateDown)
	if acq, rel := env.prov.counts(); acq != rel {
		t.Errorf("handles acquired/released = %d/%d, want equal", acq, rel)
	}
}

func TestManager_unexpectedDownRetries(t *testing.T) {
	t.Parallel()

	env := newTestManager(t, Options{})
	rec := record(t, env.m)

	if err := env.m.Connect(context.Background(), ConnectRequest{Tunnel: "home", Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitState(t, env.m, StateUp)

	env.be.crash(vpnerr.Errorf(vpnerr.KindNativeEngine, "run", "device stopped"))
	rec.expect(t, StateDown, StateConnecting, StateUp, StateDown, StateConnecting, StateUp)

	if got := env.be.activationCount(); got != 2 {
		t.Errorf("activations = %d, want 2", got)
	}
	if got := env.prov.liveFor("home"); got != 1 {
		t.Errorf("live handles = %d, want 1", got)
	}
	// The crashed session is still deactivated so the backend drops it.
	if got := env.be.deactivationCount(); got != 1 {
		t.Errorf("deactivations = %d, want 1", got)
	}
}

func TestManager_connectWhileUpIsNoop(t *testing.T) {
	t.Parallel()

	env := newTestManager(t, Options{})
	ctx := context.Background()
	cfg := testConfig(t)

	if err := env.m.Connect(ctx, ConnectRequest{Tunnel: "home", Config: cfg}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitState(t, env.m, StateUp)
	if err := env.m.Connect(ctx, ConnectRequest{Tunnel: "home", Config: cfg}); err != nil {
		t.Fatalf("second Connect() error: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if got := env.be.activationCount(); got != 1 {
		t.Errorf("activations = %d, want 1", got)
	}
	if st := env.m.Status(); st.State != StateUp {
		t.Errorf("State = %v, want UP", st.State)
	}
}

func TestManager_switchTunnel(t *testing.T) {
	t.Parallel()

	env := newTestManager(t, Options{})
	rec := record(t, env.m)
	ctx := context.Background()

	if err := env.m.Connect(ctx, ConnectRequest{Tunnel: "home", Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect(home) error: %v", err)
	}
	waitState(t, env.m, StateUp)
	if err := env.m.Connect(ctx, ConnectRequest{Tunnel: "work", Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect(work) error: %v", err)
	}
	waitStatus(t, env.m, "work up", func(st Status) bool {
		return st.State == StateUp && st.Tunnel == "work"
	})
	rec.expect(t,
		StateDown, StateConnecting, StateUp,
		StateDisconnecting, StateDown,
		StateConnecting, StateUp,
	)

	if got := env.be.peakActive(); got != 1 {
		t.Errorf("peak concurrent sessions = %d, want 1", got)
	}
	if got := env.prov.liveFor("home"); got != 0 {
		t.Errorf("home handles still live: %d", got)
	}
	if got := env.prov.liveFor("work"); got != 1 {
		t.Errorf("work handles live = %d, want 1", got)
	}
}

func TestManager_revoke(t *testing.T) {
	t.Parallel()

	env := newTestManager(t, Options{})
	ctx := context.Background()

	if err := env.m.Connect(ctx, ConnectRequest{Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitState(t, env.m, StateUp)
	if err := env.m.Revoke(ctx); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	st := waitStatus(t, env.m, "revoked", func(st Status) bool { return st.LastError != "" })
	if st.State != StateDown || st.ErrorKind != "revoked" {
		t.Errorf("status = %+v", st)
	}
	if !strings.Contains(st.LastError, "revoked by system") {
		t.Errorf("LastError = %q", st.LastError)
	}
	if acq, rel := env.prov.counts(); acq != rel {
		t.Errorf("handles acquired/released = %d/%d, want equal", acq, rel)
	}

	// Reconnecting reuses the held configuration and clears the error.
	if err := env.m.Connect(ctx, ConnectRequest{}); err != nil {
		t.Fatalf("Connect() after revoke error: %v", err)
	}
	st = waitState(t, env.m, StateUp)
	if st.LastError != "" {
		t.Errorf("LastError = %q after reconnect", st.LastError)
	}
}

func TestManager_revokeWhileProvisioning(t *testing.T) {
	t.Parallel()

	prov := newFakeProvisioner()
	prov.block = make(chan struct{})
	env := newTestManager(t, Options{Provisioner: prov})
	ctx := context.Background()

	if err := env.m.Connect(ctx, ConnectRequest{Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitState(t, env.m, StateConnecting)
	if err := env.m.Revoke(ctx); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	st := waitStatus(t, env.m, "revoked", func(st Status) bool { return st.LastError != "" })
	if st.State != StateDown || st.ErrorKind != "revoked" {
		t.Errorf("status = %+v", st)
	}
	if !strings.Contains(st.LastError, "revoked by system") {
		t.Errorf("LastError = %q", st.LastError)
	}
	if acq, rel := prov.counts(); acq != 0 || rel != 0 {
		t.Errorf("handles acquired/released = %d/%d, want 0/0", acq, rel)
	}
	if got := env.be.activationCount(); got != 0 {
		t.Errorf("activations = %d, want 0", got)
	}
}

func TestManager_revokeDuringRetryBackoff(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	be.errs = []error{vpnerr.Errorf(vpnerr.KindNativeEngine, "activate", "handshake failed")}
	env := newTestManager(t, Options{Backend: be, RetryDelay: time.Hour})
	ctx := context.Background()

	if err := env.m.Connect(ctx, ConnectRequest{Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitStatus(t, env.m, "retry scheduled", func(st Status) bool {
		return st.State == StateDown && st.Message != ""
	})
	if err := env.m.Revoke(ctx); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	st := waitStatus(t, env.m, "revoked", func(st Status) bool { return st.LastError != "" })
	if st.State != StateDown || st.ErrorKind != "revoked" || st.Message != "" {
		t.Errorf("status = %+v", st)
	}
	if st.Display != "Error: revoked by system" {
		t.Errorf("Display = %q", st.Display)
	}
	if got := be.activationCount(); got != 1 {
		t.Errorf("activations = %d, want 1", got)
	}
	if acq, rel := env.prov.counts(); acq != rel {
		t.Errorf("handles acquired/released = %d/%d, want equal", acq, rel)
	}
}

func TestManager_disconnectSupersedesQueuedConnect(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	be.hold = make(chan struct{})
	env := newTestManager(t, Options{Backend: be, RetryDelay: time.Hour})
	unblock := sync.OnceFunc(func() { close(be.hold) })
	t.Cleanup(unblock)
	ctx := context.Background()

	if err := env.m.Connect(ctx, ConnectRequest{Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitState(t, env.m, StateUp)

	// Releasing the crashed session blocks the loop while both commands
	// queue up behind it.
	be.crash(vpnerr.Errorf(vpnerr.KindNativeEngine, "run", "device stopped"))
	deadline := time.Now().Add(3 * time.Second)
	for be.deactivationCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the crashed session to be released")
		}
		time.Sleep(2 * time.Millisecond)
	}

	connectErr := make(chan error, 1)
	go func() { connectErr <- env.m.Connect(ctx, ConnectRequest{}) }()
	time.Sleep(20 * time.Millisecond)
	disconnectErr := make(chan error, 1)
	go func() { disconnectErr <- env.m.Disconnect(ctx, "") }()
	time.Sleep(20 * time.Millisecond)
	unblock()

	if err := <-disconnectErr; err != nil {
		t.Errorf("Disconnect() error: %v", err)
	}
	if err := <-connectErr; !errors.Is(err, ErrSuperseded) {
		t.Errorf("queued Connect() error = %v, want ErrSuperseded", err)
	}
	st := waitStatus(t, env.m, "settled", func(st Status) bool {
		return st.State == StateDown && st.Message == ""
	})
	if st.LastError != "" {
		t.Errorf("LastError = %q, want none", st.LastError)
	}
	time.Sleep(20 * time.Millisecond)
	if got := be.activationCount(); got != 1 {
		t.Errorf("activations = %d, want 1", got)
	}
}

func TestManager_clearError(t *testing.T) {
	t.Parallel()

	env := newTestManager(t, Options{Permissions: fakeGate{tunnel: false, notify: true}})
	rec := record(t, env.m)
	ctx := context.Background()

	if err := env.m.Connect(ctx, ConnectRequest{Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitStatus(t, env.m, "latched error", func(st Status) bool { return st.LastError != "" })

	if err := env.m.ClearError(ctx); err != nil {
		t.Fatalf("ClearError() error: %v", err)
	}
	st := env.m.Status()
	if st.State != StateDown || st.LastError != "" || st.ErrorKind != "" {
		t.Errorf("status = %+v", st)
	}
	if st.Display != "Disconnected" {
		t.Errorf("Display = %q, want Disconnected", st.Display)
	}

	// Nothing left to clear, nothing published.
	if err := env.m.ClearError(ctx); err != nil {
		t.Fatalf("second ClearError() error: %v", err)
	}
	rec.expect(t, StateDown, StateConnecting, StateDown)
	time.Sleep(20 * time.Millisecond)
	if got := rec.count(StateDown); got != 3 {
		t.Errorf("DOWN notifications = %d, want 3", got)
	}
}

func TestManager_clearErrorKeepsScheduledRetry(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	be.errs = []error{vpnerr.Errorf(vpnerr.KindNativeEngine, "activate", "handshake failed")}
	env := newTestManager(t, Options{Backend: be, RetryDelay: 50 * time.Millisecond})
	ctx := context.Background()

	if err := env.m.Connect(ctx, ConnectRequest{Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitStatus(t, env.m, "retry scheduled", func(st Status) bool {
		return st.State == StateDown && st.Message != ""
	})
	if err := env.m.ClearError(ctx); err != nil {
		t.Fatalf("ClearError() error: %v", err)
	}
	waitState(t, env.m, StateUp)
	if got := be.activationCount(); got != 2 {
		t.Errorf("activations = %d, want 2", got)
	}
}

func TestManager_destroy(t *testing.T) {
	t.Parallel()

	env := newTestManager(t, Options{})
	ch, _ := env.m.Subscribe()
	ctx := context.Background()

	if err := env.m.Connect(ctx, ConnectRequest{Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitState(t, env.m, StateUp)

	env.m.Destroy()
	env.m.Destroy()

	if acq, rel := env.prov.counts(); acq != rel {
		t.Errorf("handles acquired/released = %d/%d, want equal", acq, rel)
	}
	if st := env.m.Status(); st.State != StateDown {
		t.Errorf("State after Destroy = %v, want DOWN", st.State)
	}
	if err := env.m.Connect(ctx, ConnectRequest{Config: testConfig(t)}); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect() after Destroy error = %v, want ErrClosed", err)
	}

	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("subscription not closed by Destroy")
		}
	}
}

func TestManager_destroyDuringConnect(t *testing.T) {
	t.Parallel()

	prov := newFakeProvisioner()
	prov.block = make(chan struct{})
	env := newTestManager(t, Options{Provisioner: prov})

	if err := env.m.Connect(context.Background(), ConnectRequest{Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitState(t, env.m, StateConnecting)
	env.m.Destroy()

	if acq, rel := prov.counts(); acq != rel {
		t.Errorf("handles acquired/released = %d/%d, want equal", acq, rel)
	}
}

func TestManager_backendInitFailure(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	be.initErr = errors.New("no wireguard support")
	env := newTestManager(t, Options{Backend: be})

	st := env.m.Status()
	if st.State != StateDown || st.ErrorKind != "backend-unavailable" {
		t.Errorf("status = %+v", st)
	}
	err := env.m.Connect(context.Background(), ConnectRequest{Config: testConfig(t)})
	if vpnerr.KindOf(err) != vpnerr.KindBackendUnavailable {
		t.Errorf("Connect() error = %v, want backend-unavailable", err)
	}
	if acq, _ := env.prov.counts(); acq != 0 {
		t.Errorf("handles acquired = %d, want 0", acq)
	}
	if err := env.m.ClearError(context.Background()); vpnerr.KindOf(err) != vpnerr.KindBackendUnavailable {
		t.Errorf("ClearError() error = %v, want backend-unavailable", err)
	}
	if st := env.m.Status(); st.ErrorKind != "backend-unavailable" {
		t.Errorf("ErrorKind = %q after ClearError, want backend-unavailable", st.ErrorKind)
	}
}

func TestManager_fetchesConfigOnce(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{cfg: testConfig(t)}
	env := newTestManager(t, Options{Fetcher: f})
	ctx := context.Background()

	if err := env.m.Connect(ctx, ConnectRequest{Token: "invite-123"}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitState(t, env.m, StateUp)
	if err := env.m.Disconnect(ctx, ""); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	waitState(t, env.m, StateDown)

	if err := env.m.Connect(ctx, ConnectRequest{}); err != nil {
		t.Fatalf("second Connect() error: %v", err)
	}
	waitState(t, env.m, StateUp)
	if got := f.callCount(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}

	if err := env.m.Disconnect(ctx, ""); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	waitState(t, env.m, StateDown)
	if err := env.m.Connect(ctx, ConnectRequest{Refetch: true}); err != nil {
		t.Fatalf("Connect(Refetch) error: %v", err)
	}
	waitState(t, env.m, StateUp)
	if got := f.callCount(); got != 2 {
		t.Errorf("fetch calls after refetch = %d, want 2", got)
	}
}

func TestManager_fetchFailureIsTerminal(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{err: vpnerr.Errorf(vpnerr.KindNetwork, "fetch", "connection refused")}
	env := newTestManager(t, Options{Fetcher: f})

	if err := env.m.Connect(context.Background(), ConnectRequest{Token: "invite-123"}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	st := waitStatus(t, env.m, "latched error", func(st Status) bool { return st.LastError != "" })
	if st.ErrorKind != "network" {
		t.Errorf("ErrorKind = %q, want network", st.ErrorKind)
	}

	time.Sleep(30 * time.Millisecond)
	if got := f.callCount(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

func TestManager_connectWithoutConfig(t *testing.T) {
	t.Parallel()

	env := newTestManager(t, Options{})
	err := env.m.Connect(context.Background(), ConnectRequest{Token: "invite-123"})
	if !errors.Is(err, ErrNoConfig) {
		t.Errorf("Connect() error = %v, want ErrNoConfig", err)
	}
	if vpnerr.KindOf(err) != vpnerr.KindInvalidConfig {
		t.Errorf("KindOf() = %v, want invalid-config", vpnerr.KindOf(err))
	}
}

func TestManager_activateTimeout(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	be.silent = true
	env := newTestManager(t, Options{Backend: be, ActivateTimeout: 20 * time.Millisecond})

	if err := env.m.Connect(context.Background(), ConnectRequest{Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	st := waitStatus(t, env.m, "latched error", func(st Status) bool { return st.LastError != "" })
	if st.ErrorKind != "native-engine" {
		t.Errorf("ErrorKind = %q, want native-engine", st.ErrorKind)
	}
	if got := be.activationCount(); got != 2 {
		t.Errorf("activations = %d, want 2", got)
	}
	if acq, rel := env.prov.counts(); acq != rel {
		t.Errorf("handles acquired/released = %d/%d, want equal", acq, rel)
	}
}

func TestManager_progressWhileConnecting(t *testing.T) {
	t.Parallel()

	prov := newFakeProvisioner()
	prov.block = make(chan struct{})
	env := newTestManager(t, Options{Provisioner: prov})

	if err := env.m.Connect(context.Background(), ConnectRequest{Config: testConfig(t)}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitState(t, env.m, StateConnecting)
	env.m.Progress("Fetching config (attempt 2/3)...")
	waitStatus(t, env.m, "progress message", func(st Status) bool {
		return st.Message == "Fetching config (attempt 2/3)..."
	})

	close(prov.block)
	st := waitState(t, env.m, StateUp)
	if st.Message != "" {
		t.Errorf("Message = %q after UP, want cleared", st.Message)
	}
}
