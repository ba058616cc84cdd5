package hunt

import (
	"context"
	"testing"
	"time"

	"github.com/okapi-sec/okapi/internal/app/clock"
	"github.com/okapi-sec/okapi/internal/app/domain/client"
	"github.com/okapi-sec/okapi/internal/app/domain/flow"
	huntdomain "github.com/okapi-sec/okapi/internal/app/domain/hunt"
	"github.com/okapi-sec/okapi/internal/app/flowengine"
	"github.com/okapi-sec/okapi/internal/app/storage/memory"
)

// pingFlow is a one-state flow class: it terminates immediately, so a
// dispatched child flow reaches a terminal state in a single worker pass.
type pingFlow struct{}

func (pingFlow) Name() string { return "Ping" }
func (pingFlow) NewArgs() any { return &struct{}{} }
func (pingFlow) States() map[string]flowengine.StateFunc {
	return map[string]flowengine.StateFunc{
		"Start": func(fc *flowengine.FlowContext, _ []flow.Response) (flowengine.Outcome, error) {
			return flowengine.Outcome{Terminated: true}, nil
		},
	}
}

func seedClients(t *testing.T, store *memory.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		c := client.Client{ID: client.ID(i + 1), KnowledgeBase: client.KnowledgeBase{OS: "linux"}}
		if err := store.WriteClientMetadata(context.Background(), c); err != nil {
			t.Fatalf("seed client %d: %v", i, err)
		}
	}
}

func TestScanHuntDispatchesToMatchingClients(t *testing.T) {
	store := memory.New()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	flowengine.Register(pingFlow{})
	seedClients(t, store, 3)

	h := huntdomain.Hunt{
		ID:        "h1",
		Creator:   "tester",
		FlowClass: "Ping",
		State:     huntdomain.Started,
		CreatedAt: fc.Now(),
		ClientRules: huntdomain.RuleSet{Rules: []huntdomain.Rule{
			{Op: huntdomain.OpEquals, Field: "os", Value: "linux"},
		}},
	}
	if err := store.WriteHuntObject(context.Background(), h); err != nil {
		t.Fatalf("write hunt: %v", err)
	}

	foreman := New(Config{Store: store, Clock: fc})
	if err := foreman.ScanOnce(context.Background()); err != nil {
		t.Fatalf("scan once: %v", err)
	}

	got, err := store.ReadHuntObject(context.Background(), "h1")
	if err != nil {
		t.Fatalf("read hunt: %v", err)
	}
	if got.Counters.NumClients != 3 {
		t.Fatalf("num_clients = %d, want 3", got.Counters.NumClients)
	}

	// A second scan must not re-dispatch to already-matched clients.
	if err := foreman.ScanOnce(context.Background()); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	got, err = store.ReadHuntObject(context.Background(), "h1")
	if err != nil {
		t.Fatalf("read hunt again: %v", err)
	}
	if got.Counters.NumClients != 3 {
		t.Fatalf("num_clients after second scan = %d, want 3 (no double dispatch)", got.Counters.NumClients)
	}
}

func TestScanHuntStopsOnCeilingBreach(t *testing.T) {
	store := memory.New()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	h := huntdomain.Hunt{
		ID:        "h2",
		Creator:   "tester",
		FlowClass: "Ping",
		State:     huntdomain.Started,
		CreatedAt: fc.Now(),
		Limits:    huntdomain.Limits{CrashLimit: 49},
		Counters:  huntdomain.Counters{NumCrashed: 50},
	}
	if err := store.WriteHuntObject(context.Background(), h); err != nil {
		t.Fatalf("write hunt: %v", err)
	}

	foreman := New(Config{Store: store, Clock: fc})
	if err := foreman.ScanOnce(context.Background()); err != nil {
		t.Fatalf("scan once: %v", err)
	}

	got, err := store.ReadHuntObject(context.Background(), "h2")
	if err != nil {
		t.Fatalf("read hunt: %v", err)
	}
	if got.State != huntdomain.Stopped {
		t.Fatalf("hunt state = %s, want STOPPED", got.State)
	}
}
