package worker

import (
	"context"
	"fmt"
	"sync"

	"birdsong-orchestrator/internal/bus"
	"birdsong-orchestrator/internal/protocol"
)

// Factory builds a fresh worker for the manager. Construction must not
// register the worker; the manager does that once creation succeeds.
type Factory func(ctx context.Context) (*Worker, error)

// Manager owns the worker context's lifecycle. The worker may die (or be
// deliberately reset) at any time; EnsureReady recreates it on demand.
// Creation is check-then-create under a single-flight guard, so
// concurrent callers never race two workers onto the bus.
type Manager struct {
	bus     *bus.Bus
	factory Factory

	mu sync.Mutex
}

// NewManager returns a manager that creates workers with factory.
func NewManager(b *bus.Bus, factory Factory) *Manager {
	return &Manager{bus: b, factory: factory}
}

// EnsureReady makes sure a live worker endpoint exists, creating one if
// needed. Idempotent: a live worker is left untouched.
func (m *Manager) EnsureReady(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bus.HasEndpoint(protocol.EndpointWorker) {
		return nil
	}

	w, err := m.factory(ctx)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	w.Register()
	return nil
}

// Alive reports whether the worker endpoint is currently attached.
func (m *Manager) Alive() bool {
	return m.bus.HasEndpoint(protocol.EndpointWorker)
}

// Reset tears the worker endpoint down. The next EnsureReady call
// recreates it.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bus.Detach(protocol.EndpointWorker)
}
