package memory

import (
	"context"
	"sort"
	"time"

	"github.com/okapi-sec/okapi/internal/app/domain/client"
	"github.com/okapi-sec/okapi/internal/app/domain/flow"
	"github.com/okapi-sec/okapi/internal/app/storage/storeerr"
)

func fkey(clientID client.ID, flowID flow.ID) flowKey {
	return flowKey{client: clientID, flow: flowID}
}

// WriteFlowObject upserts a Flow record.
func (s *Store) WriteFlowObject(ctx context.Context, f flow.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[fkey(f.ClientID, f.FlowID)] = f
	return nil
}

// ReadFlowObject reads a single Flow by (ClientID, FlowID).
func (s *Store) ReadFlowObject(ctx context.Context, clientID client.ID, flowID flow.ID) (flow.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[fkey(clientID, flowID)]
	if !ok {
		return flow.Flow{}, storeerr.UnknownFlow(flowID.String())
	}
	return f, nil
}

// UpdateFlow performs a compare-and-set write guarded by the caller's
// expected lease owner, satisfying spec.md §4.1's "UpdateFlow (CAS on
// lease)" contract.
func (s *Store) UpdateFlow(ctx context.Context, f flow.Flow, expectedLeaseOwner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fkey(f.ClientID, f.FlowID)
	existing, ok := s.flows[key]
	if !ok {
		return storeerr.UnknownFlow(f.FlowID.String())
	}
	if existing.ProcessingLease.Owner != expectedLeaseOwner {
		return storeerr.LeaseConflict(f.FlowID.String())
	}
	s.flows[key] = f
	return nil
}

// LeaseFlowForProcessing atomically claims a Flow row for processing iff it
// is unleased or its lease has expired (spec.md §4.1 Leasing discipline;
// spec.md §8 invariant 7: exactly one of two concurrent callers succeeds).
func (s *Store) LeaseFlowForProcessing(ctx context.Context, clientID client.ID, flowID flow.ID, owner string, leaseDuration time.Duration, now time.Time) (flow.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fkey(clientID, flowID)
	f, ok := s.flows[key]
	if !ok {
		return flow.Flow{}, storeerr.UnknownFlow(flowID.String())
	}
	if f.ProcessingLease.Active(now) && f.ProcessingLease.Owner != owner {
		return flow.Flow{}, storeerr.LeaseConflict(flowID.String())
	}
	f.ProcessingLease = flow.Lease{Owner: owner, Deadline: now.Add(leaseDuration)}
	s.flows[key] = f
	return f, nil
}

// ReleaseProcessedFlow writes back the Flow's new state and clears its
// lease, asserting the caller still owns it.
func (s *Store) ReleaseProcessedFlow(ctx context.Context, f flow.Flow, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fkey(f.ClientID, f.FlowID)
	existing, ok := s.flows[key]
	if !ok {
		return storeerr.UnknownFlow(f.FlowID.String())
	}
	if existing.ProcessingLease.Owner != owner {
		return storeerr.LeaseConflict(f.FlowID.String())
	}
	f.ProcessingLease = flow.Lease{}
	s.flows[key] = f
	return nil
}

// ListFlowsForClient returns every Flow belonging to a client.
func (s *Store) ListFlowsForClient(ctx context.Context, clientID client.ID) ([]flow.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []flow.Flow
	for k, f := range s.flows {
		if k.client == clientID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	return out, nil
}

// WriteFlowRequest appends a Request.
func (s *Store) WriteFlowRequest(ctx context.Context, req flow.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fkey(req.ClientID, req.FlowID)
	m, ok := s.requests[key]
	if !ok {
		m = make(map[flow.RequestID]flow.Request)
		s.requests[key] = m
	}
	m[req.RequestID] = req
	return nil
}

// WriteFlowResponses appends Responses, preserving the order they're given
// in (spec.md §5: "Messages appended to the Data Store preserve their
// order").
func (s *Store) WriteFlowResponses(ctx context.Context, responses []flow.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range responses {
		key := fkey(r.ClientID, r.FlowID)
		m, ok := s.responses[key]
		if !ok {
			m = make(map[flow.RequestID][]flow.Response)
			s.responses[key] = m
		}
		m[r.RequestID] = append(m[r.RequestID], r)
	}
	return nil
}

// DeleteFlowRequests removes Requests (and their Responses) for the given
// RequestIDs.
func (s *Store) DeleteFlowRequests(ctx context.Context, clientID client.ID, flowID flow.ID, requestIDs []flow.RequestID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fkey(clientID, flowID)
	if m, ok := s.requests[key]; ok {
		for _, rid := range requestIDs {
			delete(m, rid)
		}
	}
	if m, ok := s.responses[key]; ok {
		for _, rid := range requestIDs {
			delete(m, rid)
		}
	}
	return nil
}

// ReadAllFlowRequestsAndResponses returns every Request and Response for a
// Flow.
func (s *Store) ReadAllFlowRequestsAndResponses(ctx context.Context, clientID client.ID, flowID flow.ID) ([]flow.Request, map[flow.RequestID][]flow.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fkey(clientID, flowID)
	reqs := make([]flow.Request, 0, len(s.requests[key]))
	for _, r := range s.requests[key] {
		reqs = append(reqs, r)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].RequestID < reqs[j].RequestID })

	resps := make(map[flow.RequestID][]flow.Response, len(s.responses[key]))
	for rid, rs := range s.responses[key] {
		cp := make([]flow.Response, len(rs))
		copy(cp, rs)
		sort.Slice(cp, func(i, j int) bool { return cp[i].ResponseID < cp[j].ResponseID })
		resps[rid] = cp
	}
	return reqs, resps, nil
}

// ReadFlowRequestsReadyForProcessing returns Requests with
// needs_processing=true and RequestID >= cursor, joined with their
// Responses, in ascending RequestID order (spec.md §4.6 processing loop
// step 3).
func (s *Store) ReadFlowRequestsReadyForProcessing(ctx context.Context, clientID client.ID, flowID flow.ID, cursor flow.RequestID) ([]flow.Request, map[flow.RequestID][]flow.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fkey(clientID, flowID)
	var reqs []flow.Request
	for _, r := range s.requests[key] {
		if r.NeedsProcessing && r.RequestID >= cursor {
			reqs = append(reqs, r)
		}
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].RequestID < reqs[j].RequestID })

	resps := make(map[flow.RequestID][]flow.Response, len(reqs))
	for _, r := range reqs {
		rs := s.responses[key][r.RequestID]
		cp := make([]flow.Response, len(rs))
		copy(cp, rs)
		sort.Slice(cp, func(i, j int) bool { return cp[i].ResponseID < cp[j].ResponseID })
		resps[r.RequestID] = cp
	}
	return reqs, resps, nil
}

// WriteFlowResults appends Results, preserving call order.
func (s *Store) WriteFlowResults(ctx context.Context, results []flow.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range results {
		key := fkey(r.ClientID, r.FlowID)
		s.results[key] = append(s.results[key], r)
	}
	return nil
}

// ReadFlowResults returns a page of a Flow's Results in ResultID order.
func (s *Store) ReadFlowResults(ctx context.Context, clientID client.ID, flowID flow.ID, offset, count int) ([]flow.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.results[fkey(clientID, flowID)]
	if offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if count > 0 && offset+count < end {
		end = offset + count
	}
	out := make([]flow.Result, end-offset)
	copy(out, all[offset:end])
	return out, nil
}

// WriteClientActionRequests enqueues outbound ClientMessages.
func (s *Store) WriteClientActionRequests(ctx context.Context, msgs []flow.ClientMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		bucket, ok := s.clientMessages[m.ClientID]
		if !ok {
			bucket = make(map[flow.MessageID]flow.ClientMessage)
			s.clientMessages[m.ClientID] = bucket
		}
		if m.MessageID == 0 {
			s.nextMessageID++
			m.MessageID = s.nextMessageID
		}
		bucket[m.MessageID] = m
	}
	return nil
}

// LeaseClientActionRequests leases up to limit outbound ClientMessages for
// a ClientID, setting a fresh lease deadline and incrementing lease_count
// (spec.md §4.1 Leasing discipline).
func (s *Store) LeaseClientActionRequests(ctx context.Context, clientID client.ID, owner string, leaseDuration time.Duration, limit int, now time.Time) ([]flow.ClientMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.clientMessages[clientID]
	var ids []flow.MessageID
	for id, m := range bucket {
		if m.LeaseOwner == "" || !now.Before(m.LeaseDeadline) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]flow.ClientMessage, 0, len(ids))
	for _, id := range ids {
		m := bucket[id]
		m.LeaseOwner = owner
		m.LeaseDeadline = now.Add(leaseDuration)
		m.LeaseCount++
		bucket[id] = m
		out = append(out, m)
	}
	return out, nil
}

// DeleteClientActionRequests removes ClientMessages for the given
// RequestIDs once their terminal Status has been received (spec.md §3
// ClientMessage lifecycle).
func (s *Store) DeleteClientActionRequests(ctx context.Context, clientID client.ID, requestIDs []flow.RequestID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.clientMessages[clientID]
	if bucket == nil {
		return nil
	}
	want := make(map[flow.RequestID]bool, len(requestIDs))
	for _, rid := range requestIDs {
		want[rid] = true
	}
	for id, m := range bucket {
		if want[m.RequestID] {
			delete(bucket, id)
		}
	}
	return nil
}

// CountLeasedPastRetransmitLimit returns every ClientMessage whose
// lease_count exceeds maxAttempts, across all clients (spec.md §5: a
// ClientMessage past max_retransmission_time is dropped with a synthetic
// Status(ERROR) injected into its Flow).
func (s *Store) CountLeasedPastRetransmitLimit(ctx context.Context, maxAttempts int) ([]flow.ClientMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []flow.ClientMessage
	for _, bucket := range s.clientMessages {
		for _, m := range bucket {
			if m.LeaseCount > maxAttempts {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func pkey(clientID client.ID, flowID flow.ID, writeTime time.Time) procKey {
	return procKey{client: clientID, flow: flowID, write: writeTime.UnixNano()}
}

// WriteFlowProcessingRequests enqueues work-queue entries, deduplicated by
// (ClientID, FlowID, WriteTime).
func (s *Store) WriteFlowProcessingRequests(ctx context.Context, reqs []flow.ProcessingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range reqs {
		s.procQueue[pkey(r.ClientID, r.FlowID, r.WriteTime)] = r
	}
	return nil
}

// LeaseFlowProcessingRequests leases up to limit entries whose
// DeliveryTime has arrived, in FIFO order by WriteTime.
func (s *Store) LeaseFlowProcessingRequests(ctx context.Context, owner string, leaseDuration time.Duration, limit int, now time.Time) ([]flow.ProcessingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []procKey
	for k, r := range s.procQueue {
		if r.LeaseOwner != "" && now.Before(r.LeaseDeadline) {
			continue
		}
		if !r.DeliveryTime.IsZero() && now.Before(r.DeliveryTime) {
			continue
		}
		candidates = append(candidates, k)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].write < candidates[j].write })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]flow.ProcessingRequest, 0, len(candidates))
	for _, k := range candidates {
		r := s.procQueue[k]
		r.LeaseOwner = owner
		r.LeaseDeadline = now.Add(leaseDuration)
		s.procQueue[k] = r
		out = append(out, r)
	}
	return out, nil
}

// AckFlowProcessingRequests removes leased entries, asserting ownership.
func (s *Store) AckFlowProcessingRequests(ctx context.Context, reqs []flow.ProcessingRequest, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range reqs {
		k := pkey(r.ClientID, r.FlowID, r.WriteTime)
		existing, ok := s.procQueue[k]
		if !ok {
			continue
		}
		if existing.LeaseOwner != owner {
			return storeerr.LeaseConflict("flow-processing-request")
		}
		delete(s.procQueue, k)
	}
	return nil
}
