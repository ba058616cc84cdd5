// Package system provides the lifecycle manager every long-running
// component in this application registers with: the Flow Engine worker
// pool, the Hunt Dispatcher foreman, and the Front End's HTTP listener all
// implement Service and are started/stopped in deterministic order by a
// Manager (grounded on the teacher's applications/system package).
package system

import "context"

// Service represents a lifecycle-managed component. All application
// modules must implement this interface so the system manager can start
// and stop them deterministically.
//
// Stop takes no context and returns no error, unlike the teacher's
// Service.Stop(ctx) error: every long-running component built here
// (flowengine.Worker, flowengine.WorkerPool, hunt.Foreman) already
// exposes a bare Stop() that blocks until shutdown completes, and that
// signature is kept rather than retrofitted to match the teacher exactly.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

// Descriptor advertises a Service's place in the fleet for introspection
// (e.g. a future "list running subsystems" CLI or admin endpoint).
type Descriptor struct {
	Name         string
	Layer        Layer
	Capabilities []string
}

// Layer buckets a Service by the role it plays, mirroring the teacher's
// core/service Layer enum.
type Layer string

const (
	LayerIngress Layer = "ingress"
	LayerEngine  Layer = "engine"
	LayerData    Layer = "data"
)

// DescriptorProvider optionally advertises Service metadata.
type DescriptorProvider interface {
	Descriptor() Descriptor
}

// WithCapabilities returns a copy of d with Capabilities set.
func (d Descriptor) WithCapabilities(caps ...string) Descriptor {
	d.Capabilities = caps
	return d
}
