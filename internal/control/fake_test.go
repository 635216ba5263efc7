package control

import (
	"context"
	"sync"

	"github.com/kuuji/friendgate/internal/lifecycle"
)

type fakeManager struct {
	mu          sync.Mutex
	status      lifecycle.Status
	connects    []lifecycle.ConnectRequest
	disconnects []string
	clears      int
	connectErr  error
	clearErr    error
	subs        []chan lifecycle.Status
}

func (m *fakeManager) Connect(_ context.Context, req lifecycle.ConnectRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connects = append(m.connects, req)
	m.status = lifecycle.Status{State: lifecycle.StateConnecting, Tunnel: req.Tunnel}
	return nil
}

func (m *fakeManager) Disconnect(_ context.Context, tunnel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects = append(m.disconnects, tunnel)
	m.status = lifecycle.Status{State: lifecycle.StateDisconnecting, Tunnel: m.status.Tunnel}
	return nil
}

func (m *fakeManager) ClearError(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clearErr != nil {
		return m.clearErr
	}
	m.clears++
	if m.status.State == lifecycle.StateDown {
		m.status = lifecycle.Status{State: lifecycle.StateDown, Tunnel: m.status.Tunnel, Display: "Disconnected"}
	}
	return nil
}

func (m *fakeManager) clearCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}

func (m *fakeManager) Status() lifecycle.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *fakeManager) Subscribe() (<-chan lifecycle.Status, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan lifecycle.Status, 16)
	ch <- m.status
	m.subs = append(m.subs, ch)
	return ch, func() {}
}

// publish sends st to every subscriber.
func (m *fakeManager) publish(st lifecycle.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = st
	for _, ch := range m.subs {
		ch <- st
	}
}

// closeAll ends every subscription, as Destroy does.
func (m *fakeManager) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
}

func (m *fakeManager) subscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *fakeManager) connectRequests() []lifecycle.ConnectRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]lifecycle.ConnectRequest(nil), m.connects...)
}

func (m *fakeManager) disconnectRequests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.disconnects...)
}
