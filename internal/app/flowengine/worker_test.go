package flowengine

import (
	"context"
	"testing"
	"time"

	"github.com/okapi-sec/okapi/internal/app/clock"
	"github.com/okapi-sec/okapi/internal/app/domain/client"
	"github.com/okapi-sec/okapi/internal/app/domain/flow"
	huntdomain "github.com/okapi-sec/okapi/internal/app/domain/hunt"
	"github.com/okapi-sec/okapi/internal/app/storage/memory"
)

// echoFlow is a two-state test flow class: Start issues one CallClient,
// Finish terminates once the response arrives.
type echoFlow struct{}

func (echoFlow) Name() string { return "EchoFlow" }
func (echoFlow) NewArgs() any { return &struct{}{} }
func (echoFlow) States() map[string]StateFunc {
	return map[string]StateFunc{
		"Start": func(fc *FlowContext, _ []flow.Response) (Outcome, error) {
			if err := fc.CallClient("Echo", map[string]string{"msg": "hi"}, "Finish"); err != nil {
				return Outcome{}, err
			}
			return Outcome{}, nil
		},
		"Finish": func(fc *FlowContext, responses []flow.Response) (Outcome, error) {
			if err := fc.SendReply(map[string]string{"result": "done"}); err != nil {
				return Outcome{}, err
			}
			fc.Terminate(nil)
			return Outcome{Terminated: true}, nil
		},
	}
}

func newTestWorker(t *testing.T, store *memory.Store) (*Worker, *clock.Fake) {
	t.Helper()
	Register(echoFlow{})
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	w := NewWorker(WorkerConfig{Name: "test-worker", Store: store, Clock: fc})
	return w, fc
}

func seedRunningFlow(t *testing.T, store *memory.Store, clientID client.ID, flowID flow.ID, now time.Time) {
	t.Helper()
	f := flow.Flow{
		ClientID:      clientID,
		FlowID:        flowID,
		FlowClass:     "EchoFlow",
		Creator:       "tester",
		State:         flow.StateRunning,
		StateCallback: "Start",
		CreatedAt:     now,
		LastUpdate:    now,
	}
	if err := store.WriteFlowObject(context.TODO(), f); err != nil {
		t.Fatalf("seed flow: %v", err)
	}
	if err := store.WriteFlowProcessingRequests(context.TODO(), []flow.ProcessingRequest{{
		ClientID: clientID, FlowID: flowID, WriteTime: now,
	}}); err != nil {
		t.Fatalf("seed processing request: %v", err)
	}
}

func TestWorkerProcessOneAdvancesFlowToNextClientCall(t *testing.T) {
	store := memory.New()
	w, fc := newTestWorker(t, store)
	clientID := client.ID(1)
	flowID := flow.ID(100)
	seedRunningFlow(t, store, clientID, flowID, fc.Now())

	processed, err := w.ProcessOne(context.TODO())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !processed {
		t.Fatal("expected a processing request to be leased")
	}

	got, err := store.ReadFlowObject(context.TODO(), clientID, flowID)
	if err != nil {
		t.Fatalf("read flow: %v", err)
	}
	if got.State != flow.StateRunning {
		t.Fatalf("flow state = %s, want RUNNING (still waiting on agent)", got.State)
	}
	if got.NextRequestToProcess != 1 {
		t.Fatalf("next_request_to_process = %d, want 1", got.NextRequestToProcess)
	}

	msgs, err := store.LeaseClientActionRequests(context.TODO(), clientID, "frontend", time.Minute, 10, fc.Now())
	if err != nil {
		t.Fatalf("lease client actions: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Action != "Echo" {
		t.Fatalf("expected one Echo ClientMessage, got %+v", msgs)
	}
}

func TestWorkerProcessOneTerminatesFlowOnFinalState(t *testing.T) {
	store := memory.New()
	w, fc := newTestWorker(t, store)
	clientID := client.ID(2)
	flowID := flow.ID(200)
	seedRunningFlow(t, store, clientID, flowID, fc.Now())

	if _, err := w.ProcessOne(context.TODO()); err != nil {
		t.Fatalf("first process: %v", err)
	}

	// Simulate the agent's response arriving: mark request 1 (created by
	// CallClient) ready for processing with its Status.
	req := flow.Request{
		ClientID: clientID, FlowID: flowID, RequestID: 1,
		NeedsProcessing: true, ResponsesExpected: 1, NextState: "Finish",
		CreatedAt: fc.Now(),
	}
	if err := store.WriteFlowRequest(context.TODO(), req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	resp := flow.Response{
		ClientID: clientID, FlowID: flowID, RequestID: 1, ResponseID: 0,
		Kind: flow.ResponseKindStatus,
		Status: &flow.Status{Kind: flow.StatusOK, CPUUserSec: 0.1},
		CreatedAt: fc.Now(),
	}
	if err := store.WriteFlowResponses(context.TODO(), []flow.Response{resp}); err != nil {
		t.Fatalf("write response: %v", err)
	}
	if err := store.WriteFlowProcessingRequests(context.TODO(), []flow.ProcessingRequest{{
		ClientID: clientID, FlowID: flowID, WriteTime: fc.Now(),
	}}); err != nil {
		t.Fatalf("enqueue second processing request: %v", err)
	}

	if _, err := w.ProcessOne(context.TODO()); err != nil {
		t.Fatalf("second process: %v", err)
	}

	got, err := store.ReadFlowObject(context.TODO(), clientID, flowID)
	if err != nil {
		t.Fatalf("read flow: %v", err)
	}
	if got.State != flow.StateFinished {
		t.Fatalf("flow state = %s, want FINISHED", got.State)
	}
}

// TestWorkerStopsHuntOnCrashCeilingBreach exercises spec.md §8 seed test
// 5 ("Hunt with ceiling"): a crash-limited Hunt whose child Flow crashes
// past the limit must transition to STOPPED as soon as the Worker folds
// that crash into the Hunt's counters, without waiting for the next
// foreman scan tick.
func TestWorkerStopsHuntOnCrashCeilingBreach(t *testing.T) {
	store := memory.New()
	w, fc := newTestWorker(t, store)

	huntID := huntdomain.ID("crash-hunt")
	if err := store.WriteHuntObject(context.TODO(), huntdomain.Hunt{
		ID:        huntID,
		FlowClass: "EchoFlow",
		State:     huntdomain.Started,
		Limits:    huntdomain.Limits{CrashLimit: 49},
		Counters:  huntdomain.Counters{NumCrashed: 49, NumClients: 60},
	}); err != nil {
		t.Fatalf("seed hunt: %v", err)
	}

	clientID := client.ID(3)
	flowID := flow.ID(300)
	huntIDStr := string(huntID)
	now := fc.Now()
	if err := store.WriteFlowObject(context.TODO(), flow.Flow{
		ClientID:      clientID,
		FlowID:        flowID,
		ParentHuntID:  &huntIDStr,
		FlowClass:     "EchoFlow",
		Creator:       "tester",
		State:         flow.StateRunning,
		StateCallback: "Start",
		CreatedAt:     now,
		LastUpdate:    now,
	}); err != nil {
		t.Fatalf("seed child flow: %v", err)
	}
	if err := store.WriteFlowProcessingRequests(context.TODO(), []flow.ProcessingRequest{{
		ClientID: clientID, FlowID: flowID, WriteTime: now,
	}}); err != nil {
		t.Fatalf("seed processing request: %v", err)
	}

	if _, err := w.ProcessOne(context.TODO()); err != nil {
		t.Fatalf("first process: %v", err)
	}

	resp := flow.Response{
		ClientID: clientID, FlowID: flowID, RequestID: 1, ResponseID: 0,
		Kind:   flow.ResponseKindStatus,
		Status: &flow.Status{Kind: flow.StatusClientKilled, Message: "segfault"},
		CreatedAt: fc.Now(),
	}
	if err := store.WriteFlowResponses(context.TODO(), []flow.Response{resp}); err != nil {
		t.Fatalf("write crash response: %v", err)
	}
	if err := store.WriteFlowProcessingRequests(context.TODO(), []flow.ProcessingRequest{{
		ClientID: clientID, FlowID: flowID, WriteTime: fc.Now(),
	}}); err != nil {
		t.Fatalf("enqueue second processing request: %v", err)
	}

	if _, err := w.ProcessOne(context.TODO()); err != nil {
		t.Fatalf("second process: %v", err)
	}

	gotFlow, err := store.ReadFlowObject(context.TODO(), clientID, flowID)
	if err != nil {
		t.Fatalf("read flow: %v", err)
	}
	if gotFlow.State != flow.StateClientCrashed {
		t.Fatalf("flow state = %s, want CRASHED", gotFlow.State)
	}

	gotHunt, err := store.ReadHuntObject(context.TODO(), huntID)
	if err != nil {
		t.Fatalf("read hunt: %v", err)
	}
	if gotHunt.Counters.NumCrashed != 50 {
		t.Fatalf("num_crashed = %d, want 50", gotHunt.Counters.NumCrashed)
	}
	if gotHunt.State != huntdomain.Stopped {
		t.Fatalf("hunt state = %s, want STOPPED", gotHunt.State)
	}
}

func TestApplyQuotaUsageFlagsOverrun(t *testing.T) {
	f := &flow.Flow{CPULimit: 1.0}
	applyQuotaUsage(f, []flow.Response{{
		Kind:   flow.ResponseKindStatus,
		Status: &flow.Status{Kind: flow.StatusOK, CPUUserSec: 2.0},
	}})
	if f.PendingTermination == "" {
		t.Fatal("expected cpu overrun to set pending_termination")
	}
}

func TestClientCrashedDetection(t *testing.T) {
	responses := []flow.Response{{
		Kind:   flow.ResponseKindStatus,
		Status: &flow.Status{Kind: flow.StatusClientKilled, Message: "segfault"},
	}}
	status := clientCrashed(responses)
	if status == nil || status.Message != "segfault" {
		t.Fatalf("expected crash status to be detected, got %+v", status)
	}
}
