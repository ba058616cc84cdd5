package flowengine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/okapi-sec/okapi/internal/app/clock"
	"github.com/okapi-sec/okapi/internal/app/domain/flow"
	huntdomain "github.com/okapi-sec/okapi/internal/app/domain/hunt"
	"github.com/okapi-sec/okapi/internal/app/metrics"
	"github.com/okapi-sec/okapi/internal/app/storage"
	"github.com/okapi-sec/okapi/pkg/logger"
)

// DefaultProcessingDeadline is the default Flow lease duration (spec.md
// §4.6 step 2).
const DefaultProcessingDeadline = 10 * time.Minute

// Worker repeatedly leases and processes one FlowProcessingRequest at a
// time, implementing the six-step loop of spec.md §4.6. Grounded on the
// teacher's marble.Worker ticker-driven lifecycle, generalized from a fixed
// interval function call to a lease-and-drain loop.
type Worker struct {
	name    string
	store   storage.Store
	clock   clock.Clock
	log     *logger.Logger

	processingDeadline time.Duration
	pollInterval       time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
	mu     sync.Mutex
	running bool
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Name               string
	Store              storage.Store
	Clock              clock.Clock
	Logger             *logger.Logger
	ProcessingDeadline time.Duration
	PollInterval       time.Duration
}

// NewWorker builds a Worker with defaults applied for any zero-valued
// fields, matching the teacher's WorkerConfig/NewWorker shape.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.ProcessingDeadline == 0 {
		cfg.ProcessingDeadline = DefaultProcessingDeadline
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("flowengine")
	}
	return &Worker{
		name:               cfg.Name,
		store:              cfg.Store,
		clock:              cfg.Clock,
		log:                cfg.Logger,
		processingDeadline: cfg.ProcessingDeadline,
		pollInterval:       cfg.PollInterval,
		stopCh:             make(chan struct{}),
		doneCh:             make(chan struct{}),
	}
}

// Start runs the worker loop in a new goroutine until Stop or ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("flowengine: worker %s already running", w.name)
	}
	w.running = true
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

// Stop halts the worker loop and waits for the in-flight iteration to
// finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		close(w.doneCh)
	}()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			for {
				processed, err := w.ProcessOne(ctx)
				if err != nil {
					w.log.WithError(err).Error("flow processing iteration failed")
					break
				}
				if !processed {
					break
				}
			}
		}
	}
}

// ProcessOne runs the six-step loop of spec.md §4.6 once, leasing at most
// one FlowProcessingRequest. It returns (false, nil) when there was nothing
// to lease.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	now := w.clock.Now()

	// Step 1: lease a FlowProcessingRequest, FIFO per (ClientID, FlowID).
	preqs, err := w.store.LeaseFlowProcessingRequests(ctx, w.name, w.processingDeadline, 1, now)
	if err != nil {
		return false, fmt.Errorf("flowengine: lease processing request: %w", err)
	}
	if len(preqs) == 0 {
		return false, nil
	}
	preq := preqs[0]

	if err := w.processFlow(ctx, preq, now); err != nil {
		return true, err
	}
	return true, nil
}

func (w *Worker) processFlow(ctx context.Context, preq flow.ProcessingRequest, now time.Time) error {
	// Step 2: lease the Flow row.
	f, err := w.store.LeaseFlowForProcessing(ctx, preq.ClientID, preq.FlowID, w.name, w.processingDeadline, now)
	if err != nil {
		// Another worker holds the lease; ack nothing and let the
		// ProcessingRequest be retried on its own schedule.
		return fmt.Errorf("flowengine: lease flow %s/%s: %w", preq.ClientID, preq.FlowID, err)
	}

	start := w.clock.Now()
	runErr := w.runFlow(ctx, &f, now)
	if runErr != nil {
		w.log.WithFlow(f.ClientID.String(), f.FlowID.String()).WithError(runErr).Error("flow state callback failed")
	}
	outcome := "running"
	if f.State.Terminal() {
		outcome = strings.ToLower(string(f.State))
	}
	metrics.RecordFlowProcessed(f.FlowClass, outcome, w.clock.Now().Sub(start))

	if err := w.store.ReleaseProcessedFlow(ctx, f, w.name); err != nil {
		return fmt.Errorf("flowengine: release flow %s/%s: %w", preq.ClientID, preq.FlowID, err)
	}
	return w.store.AckFlowProcessingRequests(ctx, []flow.ProcessingRequest{preq}, w.name)
}

// runFlow implements steps 3-6: read ready requests, walk them in order
// invoking the flow class's state callbacks, apply quota bookkeeping, and
// decide on a terminal transition.
func (w *Worker) runFlow(ctx context.Context, f *flow.Flow, now time.Time) error {
	if f.State.Terminal() {
		return nil
	}

	class, ok := Lookup(f.FlowClass)
	if !ok {
		f.State = flow.StateError
		f.ErrorMessage = ErrUnknownFlowClass{Name: f.FlowClass}.Error()
		return nil
	}

	var (
		satisfiedIDs []flow.RequestID
		hasPending   bool
	)

	// Bootstrap: a freshly launched Flow (or one just created by CallFlow)
	// carries its entry state in StateCallback with no Request yet to drive
	// it (spec.md §4.6 "Starting a Flow"). Run it once with no Responses,
	// exactly as if it were a completed zero-response Request, then clear
	// the field so later iterations fall through to the normal walk below.
	if f.StateCallback != "" {
		entryState := f.StateCallback
		stateFn, ok := class.States()[entryState]
		if !ok {
			return ErrUnknownState{Class: f.FlowClass, State: entryState}
		}
		// Reserve RequestId 0 for this virtual entry call before running it,
		// so any Request the state callback issues (via CallClient/CallFlow)
		// starts numbering from 1, matching a Flow whose Start state ran as
		// a real, now-satisfied Request 0.
		f.NextRequestToProcess++
		fc := newFlowContext(ctx, f)
		outcome, err := stateFn(fc, nil)
		f.StateCallback = ""
		if err != nil {
			f.State = flow.StateError
			f.ErrorMessage = err.Error()
		} else {
			if err := w.commitOutcome(ctx, f, fc); err != nil {
				return err
			}
			if outcome.Terminated || fc.terminate {
				if fc.terminateErr != nil {
					f.State = flow.StateError
					f.ErrorMessage = fc.terminateErr.Error()
				} else {
					f.State = flow.StateFinished
				}
			} else if len(fc.nextRequests) > 0 || len(fc.childFlows) > 0 {
				hasPending = true
			}
		}
	}

	// Step 3: read all Requests with needs_processing and RequestId >=
	// next_request_to_process, joined with their Responses.
	cursor := flow.RequestID(f.NextRequestToProcess)
	requests, responsesByReq, err := w.store.ReadFlowRequestsReadyForProcessing(ctx, f.ClientID, f.FlowID, cursor)
	if err != nil {
		return fmt.Errorf("flowengine: read ready requests: %w", err)
	}

	// Step 4: walk them in RequestId order.
	for _, req := range requests {
		responses := responsesByReq[req.RequestID]
		if !flow.Complete(req, responses) {
			hasPending = true
			continue
		}

		if crashed := clientCrashed(responses); crashed != nil {
			f.State = flow.StateClientCrashed
			f.ErrorMessage = crashed.Message
			f.Backtrace = crashed.Backtrace
			satisfiedIDs = append(satisfiedIDs, req.RequestID)
			break
		}

		applyQuotaUsage(f, responses)
		if f.PendingTermination != "" {
			f.State = flow.StateError
			f.ErrorMessage = f.PendingTermination
			satisfiedIDs = append(satisfiedIDs, req.RequestID)
			break
		}

		stateFn, ok := class.States()[req.NextState]
		if !ok {
			return ErrUnknownState{Class: f.FlowClass, State: req.NextState}
		}

		fc := newFlowContext(ctx, f)
		outcome, err := stateFn(fc, responses)
		if err != nil {
			f.State = flow.StateError
			f.ErrorMessage = err.Error()
			satisfiedIDs = append(satisfiedIDs, req.RequestID)
			break
		}

		if err := w.commitOutcome(ctx, f, fc); err != nil {
			return err
		}
		satisfiedIDs = append(satisfiedIDs, req.RequestID)
		f.NextRequestToProcess = uint64(req.RequestID) + 1

		if outcome.Terminated || fc.terminate {
			if fc.terminateErr != nil {
				f.State = flow.StateError
				f.ErrorMessage = fc.terminateErr.Error()
			} else {
				f.State = flow.StateFinished
			}
			break
		}
		if len(fc.nextRequests) > 0 || len(fc.childFlows) > 0 {
			hasPending = true
		}
	}

	if len(satisfiedIDs) > 0 {
		if err := w.store.DeleteFlowRequests(ctx, f.ClientID, f.FlowID, satisfiedIDs); err != nil {
			return fmt.Errorf("flowengine: delete satisfied requests: %w", err)
		}
	}

	// Step 5: terminal transition and parent notification.
	if f.State.Terminal() {
		if err := w.notifyParent(ctx, f, now); err != nil {
			return err
		}
		if err := w.notifyParentHunt(ctx, f); err != nil {
			return err
		}
	} else if !hasPending {
		f.State = flow.StateFinished
		if err := w.notifyParent(ctx, f, now); err != nil {
			return err
		}
		if err := w.notifyParentHunt(ctx, f); err != nil {
			return err
		}
	}

	f.LastUpdate = now
	return nil
}

// commitOutcome persists everything a state callback produced: new
// requests, outbound ClientMessages, child flows, and inline re-entries.
func (w *Worker) commitOutcome(ctx context.Context, f *flow.Flow, fc *FlowContext) error {
	for i := range fc.nextRequests {
		fc.nextRequests[i].CreatedAt = w.clock.Now()
	}
	if len(fc.nextRequests) > 0 {
		for _, req := range fc.nextRequests {
			if err := w.store.WriteFlowRequest(ctx, req); err != nil {
				return fmt.Errorf("flowengine: write flow request: %w", err)
			}
		}
	}
	if len(fc.nextMessages) > 0 {
		if err := w.store.WriteClientActionRequests(ctx, fc.nextMessages); err != nil {
			return fmt.Errorf("flowengine: write client action requests: %w", err)
		}
	}
	if len(fc.replies) > 0 {
		results := make([]flow.Result, 0, len(fc.replies))
		for _, r := range fc.replies {
			results = append(results, flow.Result{
				ClientID:  f.ClientID,
				FlowID:    f.FlowID,
				ResultID:  flow.ResultID(f.NextResultID),
				TypeName:  r.typeName,
				Payload:   r.payload,
				CreatedAt: w.clock.Now(),
			})
			f.NextResultID++
		}
		if err := w.store.WriteFlowResults(ctx, results); err != nil {
			return fmt.Errorf("flowengine: write flow results: %w", err)
		}
	}
	for _, child := range fc.childFlows {
		child.CreatedAt = w.clock.Now()
		child.LastUpdate = child.CreatedAt
		if err := w.store.WriteFlowObject(ctx, child); err != nil {
			return fmt.Errorf("flowengine: write child flow: %w", err)
		}
		if err := w.store.WriteFlowProcessingRequests(ctx, []flow.ProcessingRequest{{
			ClientID:  child.ClientID,
			FlowID:    child.FlowID,
			WriteTime: w.clock.Now(),
		}}); err != nil {
			return fmt.Errorf("flowengine: enqueue child flow processing: %w", err)
		}
	}
	for _, call := range fc.inlineCalls {
		nested := *f
		nested.StateCallback = call.state
		if err := w.runFlow(ctx, &nested, w.clock.Now()); err != nil {
			return err
		}
		*f = nested
	}
	return nil
}

// notifyParent enqueues a synthetic Status FlowResponse on the parent's
// pending request and wakes the parent (spec.md §4.6 "Parent notification").
func (w *Worker) notifyParent(ctx context.Context, f *flow.Flow, now time.Time) error {
	if f.ParentID == nil {
		return nil
	}
	parentID := *f.ParentID

	kind := flow.StatusOK
	msg := ""
	if f.State == flow.StateError {
		kind = flow.StatusError
		msg = f.ErrorMessage
	} else if f.State == flow.StateClientCrashed {
		kind = flow.StatusClientKilled
		msg = f.ErrorMessage
	}

	parent, err := w.store.ReadFlowObject(ctx, f.ClientID, parentID)
	if err != nil {
		return fmt.Errorf("flowengine: read parent flow %s: %w", parentID, err)
	}

	response := flow.Response{
		ClientID:  f.ClientID,
		FlowID:    parentID,
		RequestID: flow.RequestID(parent.NextRequestToProcess),
		Kind:      flow.ResponseKindStatus,
		Status: &flow.Status{
			Kind:    kind,
			Message: msg,
		},
		CreatedAt: now,
	}
	if err := w.store.WriteFlowResponses(ctx, []flow.Response{response}); err != nil {
		return fmt.Errorf("flowengine: write parent notification response: %w", err)
	}
	return w.store.WriteFlowProcessingRequests(ctx, []flow.ProcessingRequest{{
		ClientID:  f.ClientID,
		FlowID:    parentID,
		WriteTime: now,
	}})
}

// notifyParentHunt folds a terminating child flow's outcome into its
// originating Hunt's running Counters and re-evaluates CeilingBreached,
// stopping the Hunt immediately rather than waiting for the foreman's next
// scan tick (spec.md §4.7 "exceeding any ceiling stops further fan-out").
// A Flow carries ParentHuntID only when it was dispatched as a Hunt's
// child (flowengine.Launch with LaunchOpts.ParentHuntID set); it is never
// set alongside ParentID, since CallFlow's children are parented to
// another Flow instead.
func (w *Worker) notifyParentHunt(ctx context.Context, f *flow.Flow) error {
	if f.ParentHuntID == nil {
		return nil
	}

	var delta huntdomain.Counters
	switch f.State {
	case flow.StateFinished:
		delta.NumSuccessful = 1
	case flow.StateError:
		delta.NumFailed = 1
	case flow.StateClientCrashed:
		delta.NumCrashed = 1
	}
	delta.TotalCPU = f.CPUTimeUsed
	delta.TotalNetwork = f.NetworkBytesSent
	delta.TotalResults = int(f.NextResultID)

	h, err := w.store.IncrementHuntCounters(ctx, huntdomain.ID(*f.ParentHuntID), delta)
	if err != nil {
		return fmt.Errorf("flowengine: increment hunt counters for %s: %w", *f.ParentHuntID, err)
	}
	if h.State != huntdomain.Started {
		return nil
	}
	if reason, breached := h.CeilingBreached(); breached {
		h.State = huntdomain.Stopped
		metrics.RecordHuntCeilingBreached(string(h.ID), reason)
		if err := w.store.UpdateHuntObject(ctx, h); err != nil {
			return fmt.Errorf("flowengine: stop hunt %s on ceiling breach: %w", h.ID, err)
		}
	}
	return nil
}

// applyQuotaUsage updates a Flow's running cpu/network totals from the
// terminal Status of a completed Request and flags overrun (spec.md §4.6
// "Quotas").
func applyQuotaUsage(f *flow.Flow, responses []flow.Response) {
	for _, r := range responses {
		if r.Kind != flow.ResponseKindStatus || r.Status == nil {
			continue
		}
		f.CPUTimeUsed += r.Status.CPUUserSec + r.Status.CPUSysSec
		f.NetworkBytesSent += r.Status.NetworkBytes
	}
	if f.CPULimit > 0 && f.CPUTimeUsed > f.CPULimit {
		f.PendingTermination = "cpu limit exceeded"
	}
	if f.NetworkLimit > 0 && f.NetworkBytesSent > f.NetworkLimit {
		f.PendingTermination = "network limit exceeded"
	}
}

// clientCrashed returns the CLIENT_KILLED Status among responses, if any.
func clientCrashed(responses []flow.Response) *flow.Status {
	for _, r := range responses {
		if r.Kind == flow.ResponseKindStatus && r.Status != nil && r.Status.Kind == flow.StatusClientKilled {
			return r.Status
		}
	}
	return nil
}

// WorkerPool runs a fixed number of Workers concurrently leasing from the
// same Data Store, matching the teacher's WorkerGroup lifecycle (spec.md
// §5: "a fixed-size goroutine pool... no in-process coordination beyond
// the Data Store's atomic lease calls").
type WorkerPool struct {
	workers []*Worker
}

// NewWorkerPool builds size independent Workers sharing cfg, each with a
// distinct name so lease ownership is attributable.
func NewWorkerPool(size int, cfg WorkerConfig) *WorkerPool {
	pool := &WorkerPool{workers: make([]*Worker, size)}
	for i := 0; i < size; i++ {
		c := cfg
		c.Name = fmt.Sprintf("%s-%d", cfg.Name, i)
		pool.workers[i] = NewWorker(c)
	}
	return pool
}

// Name implements internal/app/system.Service.
func (p *WorkerPool) Name() string { return "flowengine-worker-pool" }

// Start starts every worker in the pool.
func (p *WorkerPool) Start(ctx context.Context) error {
	for _, w := range p.workers {
		if err := w.Start(ctx); err != nil {
			for _, started := range p.workers {
				started.Stop()
			}
			return err
		}
	}
	return nil
}

// Stop stops every worker in the pool, waiting for in-flight iterations.
func (p *WorkerPool) Stop() {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(worker *Worker) {
			defer wg.Done()
			worker.Stop()
		}(w)
	}
	wg.Wait()
}
