package flowclass

import (
	"context"
	"testing"
	"time"

	"github.com/okapi-sec/okapi/internal/app/actions"
	"github.com/okapi-sec/okapi/internal/app/clock"
	"github.com/okapi-sec/okapi/internal/app/domain/client"
	"github.com/okapi-sec/okapi/internal/app/domain/flow"
	"github.com/okapi-sec/okapi/internal/app/flowengine"
	"github.com/okapi-sec/okapi/internal/app/storage/memory"
)

// TestListProcessesTwoStepFlow exercises the exact shape of the platform's
// canonical two-step flow: launch, one CallClient round trip, three
// iterator payloads and a terminal Status.
func TestListProcessesTwoStepFlow(t *testing.T) {
	store := memory.New()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	w := flowengine.NewWorker(flowengine.WorkerConfig{Name: "test-worker", Store: store, Clock: fc})

	clientID := client.ID(0x0123456789abcdef)
	class, ok := flowengine.Lookup(ListProcessesFlowClassName)
	if !ok {
		t.Fatal("ListProcesses flow class not registered")
	}
	flowID, err := flowengine.Launch(context.Background(), store, fc, class, actions.ListProcessesArgs{}, clientID, "tester", flowengine.LaunchOpts{})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("first process: %v", err)
	}

	msgs, err := store.LeaseClientActionRequests(context.Background(), clientID, "frontend", time.Minute, 10, fc.Now())
	if err != nil {
		t.Fatalf("lease client actions: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Action != "ListProcesses" {
		t.Fatalf("expected one ListProcesses ClientMessage, got %+v", msgs)
	}

	requestID := msgs[0].RequestID

	procs := []actions.Process{
		{PID: 1, Name: "init"},
		{PID: 2, Name: "sshd"},
		{PID: 3, Name: "bash"},
	}
	responses := make([]flow.Response, 0, len(procs)+1)
	for i, p := range procs {
		raw, err := encodeForTest(p)
		if err != nil {
			t.Fatalf("encode process: %v", err)
		}
		responses = append(responses, flow.Response{
			ClientID: clientID, FlowID: flowID, RequestID: requestID, ResponseID: flow.ResponseID(i),
			Kind: flow.ResponseKindIterator, Payload: raw, TypeName: "Process",
			CreatedAt: fc.Now(),
		})
	}
	responses = append(responses, flow.Response{
		ClientID: clientID, FlowID: flowID, RequestID: requestID, ResponseID: flow.ResponseID(len(procs)),
		Kind: flow.ResponseKindStatus,
		Status: &flow.Status{Kind: flow.StatusOK, CPUUserSec: 1.0, CPUSysSec: 0.5, NetworkBytes: 2048},
		CreatedAt: fc.Now(),
	})
	if err := store.WriteFlowResponses(context.Background(), responses); err != nil {
		t.Fatalf("write responses: %v", err)
	}
	if err := store.WriteFlowProcessingRequests(context.Background(), []flow.ProcessingRequest{{
		ClientID: clientID, FlowID: flowID, WriteTime: fc.Now(),
	}}); err != nil {
		t.Fatalf("enqueue second processing request: %v", err)
	}

	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("second process: %v", err)
	}

	got, err := store.ReadFlowObject(context.Background(), clientID, flowID)
	if err != nil {
		t.Fatalf("read flow: %v", err)
	}
	if got.State != flow.StateFinished {
		t.Fatalf("flow state = %s, want FINISHED", got.State)
	}
	if got.NextRequestToProcess != 2 {
		t.Fatalf("next_request_to_process = %d, want 2", got.NextRequestToProcess)
	}
	if got.CPUTimeUsed != 1.5 {
		t.Fatalf("cpu_time_used = %v, want 1.5", got.CPUTimeUsed)
	}
	if got.NetworkBytesSent != 2048 {
		t.Fatalf("network_bytes_sent = %v, want 2048", got.NetworkBytesSent)
	}

	results, err := store.ReadFlowResults(context.Background(), clientID, flowID, 0, 100)
	if err != nil {
		t.Fatalf("read flow results: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 persisted results, got %d", len(results))
	}
	for i, r := range results {
		var p actions.Process
		if err := decodeForTest(r.Payload, &p); err != nil {
			t.Fatalf("decode result %d: %v", i, err)
		}
		if p.PID != procs[i].PID {
			t.Fatalf("result %d pid = %d, want %d", i, p.PID, procs[i].PID)
		}
	}
}
