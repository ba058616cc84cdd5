package flowengine

import (
	"context"
	"fmt"

	"github.com/okapi-sec/okapi/internal/app/domain/client"
	"github.com/okapi-sec/okapi/internal/app/domain/flow"
)

// FlowContext is the single seam a StateFunc interacts with (spec.md §4.6
// step 4: "CallClient/CallFlow/CallStateInline/SendReply"). It accumulates
// side effects during one state invocation; the Worker commits them
// atomically alongside advancing next_request_to_process.
type FlowContext struct {
	ctx context.Context

	flow *flow.Flow

	nextRequests  []flow.Request
	nextMessages  []flow.ClientMessage
	childFlows    []flow.Flow
	replies       []reply
	inlineCalls   []inlineCall
	terminate     bool
	terminateErr  error
}

// reply is one value passed to SendReply, pending commit as a flow.Result.
type reply struct {
	typeName string
	payload  []byte
}

type inlineCall struct {
	state     string
	responses []flow.Response
}

// newFlowContext starts a fresh accumulator for one invocation of f's
// current state.
func newFlowContext(ctx context.Context, f *flow.Flow) *FlowContext {
	return &FlowContext{ctx: ctx, flow: f}
}

// Context returns the context.Context the invocation is running under, for
// state callbacks that need to make blocking calls of their own (e.g.
// resolving a hunt's client rule set).
func (fc *FlowContext) Context() context.Context { return fc.ctx }

// ClientID returns the owning Client of this Flow.
func (fc *FlowContext) ClientID() client.ID { return fc.flow.ClientID }

// FlowID returns this Flow's identifier.
func (fc *FlowContext) FlowID() flow.ID { return fc.flow.FlowID }

// Args decodes this Flow's launch-time argument record (spec.md §4.6 "Start"
// state) into into. Only meaningful from the state named by StateCallback at
// launch ("Start"); later states read their input from the Responses a
// StateFunc is called with instead.
func (fc *FlowContext) Args(into any) error {
	return decodeArgs(fc.flow.StatePickle, into)
}

// Counters exposes the Flow's running quota totals (spec.md §4.6 "Quotas").
func (fc *FlowContext) Counters() (cpuUsed float64, networkSent uint64) {
	return fc.flow.CPUTimeUsed, fc.flow.NetworkBytesSent
}

// CallClient appends a new Request plus its outbound ClientMessage,
// resuming in nextState once the agent responds (spec.md §4.6 step 4).
func (fc *FlowContext) CallClient(action string, args any, nextState string) error {
	raw, err := encodeArgs(args)
	if err != nil {
		return err
	}
	reqID := flow.RequestID(fc.flow.NextRequestToProcess + uint64(len(fc.nextRequests)))

	cpuRemaining := fc.flow.CPULimit - fc.flow.CPUTimeUsed
	netRemaining := fc.flow.NetworkLimit - fc.flow.NetworkBytesSent

	fc.nextRequests = append(fc.nextRequests, flow.Request{
		ClientID:          fc.flow.ClientID,
		FlowID:            fc.flow.FlowID,
		RequestID:         reqID,
		Action:            action,
		ActionArgs:        raw,
		NeedsProcessing:   true,
		ResponsesExpected: 1,
		NextState:         nextState,
	})
	fc.nextMessages = append(fc.nextMessages, flow.ClientMessage{
		ClientID:          fc.flow.ClientID,
		FlowID:            fc.flow.FlowID,
		RequestID:         reqID,
		Action:            action,
		ActionArgs:        raw,
		CPULimit:          cpuRemaining,
		NetworkBytesLimit: netRemaining,
	})
	return nil
}

// CallFlow creates a child Flow of childClass, parented to the current
// Flow, resuming the parent in nextState when the child terminates (spec.md
// §4.6 step 4, "Parent notification").
func (fc *FlowContext) CallFlow(childClass FlowClass, args any, creator string, nextState string) (flow.ID, error) {
	raw, err := encodeArgs(args)
	if err != nil {
		return 0, err
	}
	childID := flow.ID(deriveChildID(fc.flow.FlowID, len(fc.childFlows)))
	parentID := fc.flow.FlowID

	child := flow.Flow{
		ClientID:      fc.flow.ClientID,
		FlowID:        childID,
		ParentID:      &parentID,
		FlowClass:     childClass.Name(),
		Creator:       creator,
		State:         flow.StateRunning,
		StateCallback: "Start",
		StatePickle:   raw,
		CPULimit:      fc.flow.CPULimit,
		NetworkLimit:  fc.flow.NetworkLimit,
	}
	fc.childFlows = append(fc.childFlows, child)

	reqID := flow.RequestID(fc.flow.NextRequestToProcess + uint64(len(fc.nextRequests)))
	fc.nextRequests = append(fc.nextRequests, flow.Request{
		ClientID:          fc.flow.ClientID,
		FlowID:            fc.flow.FlowID,
		RequestID:         reqID,
		NeedsProcessing:   true,
		ResponsesExpected: 1,
		NextState:         nextState,
	})
	return childID, nil
}

// CallStateInline re-enters the engine on the same worker with synthetic
// responses, without a client round trip (spec.md §4.6 step 4).
func (fc *FlowContext) CallStateInline(state string, responses []flow.Response) {
	fc.inlineCalls = append(fc.inlineCalls, inlineCall{state: state, responses: responses})
}

// SendReply persists a typed result as part of this Flow's output (spec.md
// §4.6 step 4, "SendReply(value)").
func (fc *FlowContext) SendReply(value any) error {
	raw, err := encodeArgs(value)
	if err != nil {
		return err
	}
	fc.replies = append(fc.replies, reply{typeName: fmt.Sprintf("%T", value), payload: raw})
	return nil
}

// Terminate ends the flow; a non-nil err terminates with ERROR, nil
// terminates with FINISHED (unless Status.Kind=CLIENT_KILLED drove a
// CRASHED transition at the worker level).
func (fc *FlowContext) Terminate(err error) {
	fc.terminate = true
	fc.terminateErr = err
}

// deriveChildID derives a deterministic child FlowID from its parent and
// index so CallFlow is idempotent under at-least-once re-execution (spec.md
// §4.6 "Retry and crash semantics": the state callback must be idempotent).
func deriveChildID(parent flow.ID, index int) uint64 {
	return uint64(parent)*31 + uint64(index) + 1
}
