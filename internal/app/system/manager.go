package system

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Manager owns the lifecycle of registered Services. It guarantees
// deterministic start/stop ordering and guards against duplicate
// invocations (grounded on the teacher's applications/system.Manager).
type Manager struct {
	mu        sync.Mutex
	services  []Service
	started   bool
	startOnce sync.Once
	stopOnce  sync.Once
	descr     []DescriptorProvider
}

// NewManager creates an empty lifecycle manager.
func NewManager() *Manager {
	return &Manager{services: make([]Service, 0)}
}

// Register appends svc to the lifecycle queue. Registration must occur
// before Start; calling it afterward is an error.
func (m *Manager) Register(svc Service) error {
	if svc == nil {
		return fmt.Errorf("system: cannot register a nil service")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("system: service %q registered after manager start", svc.Name())
	}

	m.services = append(m.services, svc)
	if d, ok := svc.(DescriptorProvider); ok {
		m.descr = append(m.descr, d)
	}
	return nil
}

// Start runs Start on every registered Service in registration order. If
// any Service fails, already-started Services are stopped in reverse
// order before the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	var startErr error
	m.startOnce.Do(func() {
		m.mu.Lock()
		m.started = true
		services := append([]Service(nil), m.services...)
		m.mu.Unlock()

		for idx, svc := range services {
			if err := svc.Start(ctx); err != nil {
				startErr = fmt.Errorf("system: start %s: %w", svc.Name(), err)
				for i := idx - 1; i >= 0; i-- {
					services[i].Stop()
				}
				break
			}
		}
	})
	return startErr
}

// Stop calls Stop on every registered Service in reverse order. It is
// idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		services := append([]Service(nil), m.services...)
		m.mu.Unlock()

		for i := len(services) - 1; i >= 0; i-- {
			services[i].Stop()
		}
	})
}

// Descriptors returns the descriptors of every registered
// DescriptorProvider, sorted by Layer then Name (grounded on the
// teacher's system.CollectDescriptors).
func (m *Manager) Descriptors() []Descriptor {
	m.mu.Lock()
	providers := append([]DescriptorProvider(nil), m.descr...)
	m.mu.Unlock()
	return CollectDescriptors(providers)
}

// CollectDescriptors gathers and sorts descriptors from providers.
func CollectDescriptors(providers []DescriptorProvider) []Descriptor {
	out := make([]Descriptor, 0, len(providers))
	for _, p := range providers {
		out = append(out, p.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Layer != out[j].Layer {
			return out[i].Layer < out[j].Layer
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// NoopService is a convenient Service implementation for modules with no
// background lifecycle needs.
type NoopService struct {
	ServiceName string
}

func (n NoopService) Name() string              { return n.ServiceName }
func (NoopService) Start(context.Context) error { return nil }
func (NoopService) Stop()                       {}

var _ Service = NoopService{}
