// Package flowengine implements the Flow Engine (spec.md §4.6): a Flow is
// a persistent state machine expressed as a class of named states. Each
// state inspects the Responses that completed the previous Request,
// optionally issues new Requests, and optionally terminates. The engine
// persists everything between invocations — state name, counters, and a
// typed per-flow state record — so a Flow survives worker restarts.
//
// Flow classes are a Go sum type via FlowClass/StateFunc rather than
// coroutine-style flows with string-named next-state callbacks resolved by
// reflection: state names are still strings (the wire-level next_state on
// a FlowRequest), but resolution always goes through a build-time
// registration table (see Register/Lookup below).
package flowengine

import (
	"encoding/json"
	"fmt"

	"github.com/okapi-sec/okapi/internal/app/domain/flow"
)

// StateFunc is one named state of a FlowClass. It inspects the Responses
// that completed the Request which led here and returns an Outcome
// describing what happened, or an error to terminate the flow with ERROR.
type StateFunc func(fc *FlowContext, responses []flow.Response) (Outcome, error)

// FlowClass is the typed-dispatch replacement for a reflection-based
// plugin registry: each flow type declares its states up front.
type FlowClass interface {
	// Name is the flow class identifier stored on Flow.FlowClass.
	Name() string
	// States returns every named state this class can be resumed into.
	States() map[string]StateFunc
	// NewArgs allocates a zero value for this class's typed argument
	// record, used when decoding StatePickle/ActionArgs.
	NewArgs() any
}

// Outcome reports what a StateFunc did so the worker knows how to advance
// the Flow.
type Outcome struct {
	// Terminated, when true, ends the flow in Status (FINISHED or ERROR,
	// chosen by whether Err is non-nil at the call site).
	Terminated bool
}

// registry is the build-time registration table mandated by spec.md §9 in
// place of a dynamic plugin registry.
var registry = map[string]FlowClass{}

// Register adds a FlowClass to the build-time table. Called from init()
// functions in each flow-class package, matching the teacher's handler
// registration convention (internal/app/handlers).
func Register(fc FlowClass) {
	registry[fc.Name()] = fc
}

// Lookup resolves a registered FlowClass by name.
func Lookup(name string) (FlowClass, bool) {
	fc, ok := registry[name]
	return fc, ok
}

// ErrUnknownFlowClass is returned when a Flow references a FlowClass that
// was never registered in this build.
type ErrUnknownFlowClass struct{ Name string }

func (e ErrUnknownFlowClass) Error() string {
	return fmt.Sprintf("flowengine: unknown flow class %q", e.Name)
}

// ErrUnknownState is returned when a Flow's StateCallback does not match
// any state its FlowClass declares.
type ErrUnknownState struct {
	Class, State string
}

func (e ErrUnknownState) Error() string {
	return fmt.Sprintf("flowengine: flow class %q has no state %q", e.Class, e.State)
}

// decodeArgs is a small helper flow classes use to materialize their typed
// argument struct from the JSON-encoded ActionArgs/StatePickle bytes.
func decodeArgs(raw []byte, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("flowengine: decode args: %w", err)
	}
	return nil
}

// encodeArgs is decodeArgs's counterpart, used by CallClient/CallFlow to
// serialize a typed argument struct onto the wire/state record.
func encodeArgs(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("flowengine: encode args: %w", err)
	}
	return raw, nil
}

// FlowHandle is a small accessor flow classes use instead of touching
// storage directly, keeping FlowContext the single seam a state callback
// interacts with (spec.md §4.6 step 4).
type FlowHandle interface {
	ClientID() string
	FlowID() string
}

// ctxHandle implements FlowHandle over a flow.Flow.
type ctxHandle struct{ f *flow.Flow }

func (h ctxHandle) ClientID() string { return h.f.ClientID.String() }
func (h ctxHandle) FlowID() string   { return h.f.FlowID.String() }
