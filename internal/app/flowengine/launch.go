package flowengine

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/okapi-sec/okapi/internal/app/clock"
	"github.com/okapi-sec/okapi/internal/app/domain/client"
	"github.com/okapi-sec/okapi/internal/app/domain/flow"
	"github.com/okapi-sec/okapi/internal/app/storage"
)

// randomFlowID draws a 64-bit random FlowID (spec.md §3 FlowId: "a 64-bit
// random identifier").
func randomFlowID() (flow.ID, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return flow.ID(binary.BigEndian.Uint64(buf[:])), nil
}

// LaunchOpts customizes a root Flow beyond the FlowClass/args/creator
// required to start it.
type LaunchOpts struct {
	CPULimit     float64
	NetworkLimit uint64
	ParentHuntID *string
}

// Launch creates a new root Flow (no ParentID) against clientID and enqueues
// its first FlowProcessingRequest so a Worker picks it up on its next
// iteration. Used by both the Hunt Dispatcher (one per matched client) and
// the API Surface (ad-hoc single-client flow launches), mirroring
// FlowContext.CallFlow's shape for a flow with no parent (spec.md §4.6
// "Starting a Flow").
func Launch(ctx context.Context, store storage.Store, clk clock.Clock, class FlowClass, args any, clientID client.ID, creator string, opts LaunchOpts) (flow.ID, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if _, ok := Lookup(class.Name()); !ok {
		return 0, ErrUnknownFlowClass{Name: class.Name()}
	}
	raw, err := encodeArgs(args)
	if err != nil {
		return 0, err
	}

	id, err := randomFlowID()
	if err != nil {
		return 0, fmt.Errorf("flowengine: generate flow id: %w", err)
	}

	now := clk.Now()
	f := flow.Flow{
		ClientID:      clientID,
		FlowID:        id,
		ParentHuntID:  opts.ParentHuntID,
		FlowClass:     class.Name(),
		Creator:       creator,
		CreatedAt:     now,
		State:         flow.StateRunning,
		StateCallback: "Start",
		StatePickle:   raw,
		CPULimit:      opts.CPULimit,
		NetworkLimit:  opts.NetworkLimit,
		LastUpdate:    now,
	}
	if err := store.WriteFlowObject(ctx, f); err != nil {
		return 0, fmt.Errorf("flowengine: write root flow: %w", err)
	}
	if err := store.WriteFlowProcessingRequests(ctx, []flow.ProcessingRequest{{
		ClientID:  clientID,
		FlowID:    id,
		WriteTime: now,
	}}); err != nil {
		return 0, fmt.Errorf("flowengine: enqueue root flow processing: %w", err)
	}
	return id, nil
}
