package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/okapi-sec/okapi/internal/app/domain/client"
	"github.com/okapi-sec/okapi/internal/app/domain/flow"
	"github.com/okapi-sec/okapi/internal/app/storage/storeerr"
)

// WriteFlowObject upserts a Flow record.
func (s *Store) WriteFlowObject(ctx context.Context, f flow.Flow) error {
	data, err := json.Marshal(f)
	if err != nil {
		return storeerr.Serialization("flow", err)
	}
	var parentHunt *string
	if f.ParentHuntID != nil {
		parentHunt = f.ParentHuntID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flows (client_id, flow_id, parent_hunt_id, state, lease_owner, lease_deadline, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (client_id, flow_id) DO UPDATE SET
			parent_hunt_id = EXCLUDED.parent_hunt_id,
			state = EXCLUDED.state,
			lease_owner = EXCLUDED.lease_owner,
			lease_deadline = EXCLUDED.lease_deadline,
			data = EXCLUDED.data
	`, uint64(f.ClientID), uint64(f.FlowID), parentHunt, string(f.State),
		f.ProcessingLease.Owner, f.ProcessingLease.Deadline, data)
	if err != nil {
		return storeerr.Transient("flow", err)
	}
	return nil
}

func (s *Store) scanFlow(ctx context.Context, clientID client.ID, flowID flow.ID) (flow.Flow, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `
		SELECT data FROM flows WHERE client_id = $1 AND flow_id = $2
	`, uint64(clientID), uint64(flowID))
	if err != nil {
		return flow.Flow{}, storeerr.UnknownFlow(flowID.String())
	}
	var f flow.Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return flow.Flow{}, storeerr.Serialization("flow", err)
	}
	return f, nil
}

// ReadFlowObject reads a single Flow by (ClientID, FlowID).
func (s *Store) ReadFlowObject(ctx context.Context, clientID client.ID, flowID flow.ID) (flow.Flow, error) {
	return s.scanFlow(ctx, clientID, flowID)
}

// UpdateFlow performs a compare-and-set write guarded by the caller's
// expected lease owner, satisfying spec.md §4.1's "UpdateFlow (CAS on
// lease)" contract, expressed here as a single conditional UPDATE.
func (s *Store) UpdateFlow(ctx context.Context, f flow.Flow, expectedLeaseOwner string) error {
	data, err := json.Marshal(f)
	if err != nil {
		return storeerr.Serialization("flow", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE flows SET parent_hunt_id = $1, state = $2, lease_owner = $3, lease_deadline = $4, data = $5
		WHERE client_id = $6 AND flow_id = $7 AND lease_owner = $8
	`, f.ParentHuntID, string(f.State), f.ProcessingLease.Owner, f.ProcessingLease.Deadline, data,
		uint64(f.ClientID), uint64(f.FlowID), expectedLeaseOwner)
	if err != nil {
		return storeerr.Transient("flow", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return storeerr.Transient("flow", err)
	}
	if n == 0 {
		if _, err := s.scanFlow(ctx, f.ClientID, f.FlowID); err != nil {
			return storeerr.UnknownFlow(f.FlowID.String())
		}
		return storeerr.LeaseConflict(f.FlowID.String())
	}
	return nil
}

// LeaseFlowForProcessing atomically claims a Flow row for processing iff it
// is unleased or its lease has expired (spec.md §4.1 Leasing discipline;
// spec.md §8 invariant 7: exactly one of two concurrent callers succeeds).
// The WHERE clause folds Lease.Active into SQL so two concurrent UPDATEs
// race at the database row lock rather than in application code.
func (s *Store) LeaseFlowForProcessing(ctx context.Context, clientID client.ID, flowID flow.ID, owner string, leaseDuration time.Duration, now time.Time) (flow.Flow, error) {
	deadline := now.Add(leaseDuration)
	res, err := s.db.ExecContext(ctx, `
		UPDATE flows SET lease_owner = $1, lease_deadline = $2,
			data = jsonb_set(data, '{processing_lease}', $3::jsonb)
		WHERE client_id = $4 AND flow_id = $5
		  AND (lease_owner = '' OR lease_owner = $1 OR lease_deadline <= $6)
	`, owner, deadline, mustLeaseJSON(owner, deadline), uint64(clientID), uint64(flowID), now)
	if err != nil {
		return flow.Flow{}, storeerr.Transient("flow-lease", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return flow.Flow{}, storeerr.Transient("flow-lease", err)
	}
	if n == 0 {
		if _, err := s.scanFlow(ctx, clientID, flowID); err != nil {
			return flow.Flow{}, storeerr.UnknownFlow(flowID.String())
		}
		return flow.Flow{}, storeerr.LeaseConflict(flowID.String())
	}
	return s.scanFlow(ctx, clientID, flowID)
}

func mustLeaseJSON(owner string, deadline time.Time) []byte {
	raw, _ := json.Marshal(flow.Lease{Owner: owner, Deadline: deadline})
	return raw
}

// ReleaseProcessedFlow writes back the Flow's new state and clears its
// lease, asserting the caller still owns it.
func (s *Store) ReleaseProcessedFlow(ctx context.Context, f flow.Flow, owner string) error {
	f.ProcessingLease = flow.Lease{}
	data, err := json.Marshal(f)
	if err != nil {
		return storeerr.Serialization("flow", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE flows SET state = $1, lease_owner = '', lease_deadline = TIMESTAMPTZ '1970-01-01', data = $2
		WHERE client_id = $3 AND flow_id = $4 AND lease_owner = $5
	`, string(f.State), data, uint64(f.ClientID), uint64(f.FlowID), owner)
	if err != nil {
		return storeerr.Transient("flow", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return storeerr.Transient("flow", err)
	}
	if n == 0 {
		if _, err := s.scanFlow(ctx, f.ClientID, f.FlowID); err != nil {
			return storeerr.UnknownFlow(f.FlowID.String())
		}
		return storeerr.LeaseConflict(f.FlowID.String())
	}
	return nil
}

// ListFlowsForClient returns every Flow belonging to a client.
func (s *Store) ListFlowsForClient(ctx context.Context, clientID client.ID) ([]flow.Flow, error) {
	var blobs [][]byte
	if err := s.db.SelectContext(ctx, &blobs, `
		SELECT data FROM flows WHERE client_id = $1 ORDER BY flow_id
	`, uint64(clientID)); err != nil {
		return nil, storeerr.Transient("list-flows", err)
	}
	out := make([]flow.Flow, 0, len(blobs))
	for _, b := range blobs {
		var f flow.Flow
		if err := json.Unmarshal(b, &f); err != nil {
			return nil, storeerr.Serialization("flow", err)
		}
		out = append(out, f)
	}
	return out, nil
}

// WriteFlowRequest appends a Request.
func (s *Store) WriteFlowRequest(ctx context.Context, req flow.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return storeerr.Serialization("flow-request", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flow_requests (client_id, flow_id, request_id, needs_processing, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_id, flow_id, request_id) DO UPDATE SET
			needs_processing = EXCLUDED.needs_processing, data = EXCLUDED.data
	`, uint64(req.ClientID), uint64(req.FlowID), uint64(req.RequestID), req.NeedsProcessing, data)
	if err != nil {
		return storeerr.Transient("flow-request", err)
	}
	return nil
}

// WriteFlowResponses appends Responses, preserving the order they're given
// in (spec.md §5: "Messages appended to the Data Store preserve their
// order") via the monotonic ResponseID primary key component.
func (s *Store) WriteFlowResponses(ctx context.Context, responses []flow.Response) error {
	for _, r := range responses {
		data, err := json.Marshal(r)
		if err != nil {
			return storeerr.Serialization("flow-response", err)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO flow_responses (client_id, flow_id, request_id, response_id, data)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (client_id, flow_id, request_id, response_id) DO UPDATE SET data = EXCLUDED.data
		`, uint64(r.ClientID), uint64(r.FlowID), uint64(r.RequestID), uint64(r.ResponseID), data)
		if err != nil {
			return storeerr.Transient("flow-response", err)
		}
	}
	return nil
}

// DeleteFlowRequests removes Requests (and their Responses) for the given
// RequestIDs.
func (s *Store) DeleteFlowRequests(ctx context.Context, clientID client.ID, flowID flow.ID, requestIDs []flow.RequestID) error {
	for _, rid := range requestIDs {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM flow_requests WHERE client_id = $1 AND flow_id = $2 AND request_id = $3
		`, uint64(clientID), uint64(flowID), uint64(rid)); err != nil {
			return storeerr.Transient("flow-request", err)
		}
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM flow_responses WHERE client_id = $1 AND flow_id = $2 AND request_id = $3
		`, uint64(clientID), uint64(flowID), uint64(rid)); err != nil {
			return storeerr.Transient("flow-response", err)
		}
	}
	return nil
}

func (s *Store) readResponses(ctx context.Context, clientID client.ID, flowID flow.ID, requestID flow.RequestID) ([]flow.Response, error) {
	var blobs [][]byte
	if err := s.db.SelectContext(ctx, &blobs, `
		SELECT data FROM flow_responses
		WHERE client_id = $1 AND flow_id = $2 AND request_id = $3
		ORDER BY response_id
	`, uint64(clientID), uint64(flowID), uint64(requestID)); err != nil {
		return nil, storeerr.Transient("flow-response", err)
	}
	out := make([]flow.Response, 0, len(blobs))
	for _, b := range blobs {
		var r flow.Response
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, storeerr.Serialization("flow-response", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ReadAllFlowRequestsAndResponses returns every Request and Response for a
// Flow.
func (s *Store) ReadAllFlowRequestsAndResponses(ctx context.Context, clientID client.ID, flowID flow.ID) ([]flow.Request, map[flow.RequestID][]flow.Response, error) {
	var blobs [][]byte
	if err := s.db.SelectContext(ctx, &blobs, `
		SELECT data FROM flow_requests WHERE client_id = $1 AND flow_id = $2 ORDER BY request_id
	`, uint64(clientID), uint64(flowID)); err != nil {
		return nil, nil, storeerr.Transient("flow-request", err)
	}
	reqs := make([]flow.Request, 0, len(blobs))
	resps := make(map[flow.RequestID][]flow.Response, len(blobs))
	for _, b := range blobs {
		var r flow.Request
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, nil, storeerr.Serialization("flow-request", err)
		}
		reqs = append(reqs, r)
		rs, err := s.readResponses(ctx, clientID, flowID, r.RequestID)
		if err != nil {
			return nil, nil, err
		}
		resps[r.RequestID] = rs
	}
	return reqs, resps, nil
}

// ReadFlowRequestsReadyForProcessing returns Requests with
// needs_processing=true and RequestID >= cursor, joined with their
// Responses, in ascending RequestID order (spec.md §4.6 processing loop
// step 3).
func (s *Store) ReadFlowRequestsReadyForProcessing(ctx context.Context, clientID client.ID, flowID flow.ID, cursor flow.RequestID) ([]flow.Request, map[flow.RequestID][]flow.Response, error) {
	var blobs [][]byte
	if err := s.db.SelectContext(ctx, &blobs, `
		SELECT data FROM flow_requests
		WHERE client_id = $1 AND flow_id = $2 AND needs_processing = TRUE AND request_id >= $3
		ORDER BY request_id
	`, uint64(clientID), uint64(flowID), uint64(cursor)); err != nil {
		return nil, nil, storeerr.Transient("flow-request", err)
	}
	reqs := make([]flow.Request, 0, len(blobs))
	resps := make(map[flow.RequestID][]flow.Response, len(blobs))
	for _, b := range blobs {
		var r flow.Request
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, nil, storeerr.Serialization("flow-request", err)
		}
		reqs = append(reqs, r)
		rs, err := s.readResponses(ctx, clientID, flowID, r.RequestID)
		if err != nil {
			return nil, nil, err
		}
		resps[r.RequestID] = rs
	}
	return reqs, resps, nil
}

// WriteFlowResults upserts Results keyed by the ResultID each one already
// carries; the Flow Engine assigns it from Flow.NextResultID.
func (s *Store) WriteFlowResults(ctx context.Context, results []flow.Result) error {
	for _, r := range results {
		data, err := json.Marshal(r)
		if err != nil {
			return storeerr.Serialization("flow-result", err)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO flow_results (client_id, flow_id, result_id, data)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (client_id, flow_id, result_id) DO UPDATE SET data = EXCLUDED.data
		`, uint64(r.ClientID), uint64(r.FlowID), uint64(r.ResultID), data)
		if err != nil {
			return storeerr.Transient("flow-result", err)
		}
	}
	return nil
}

// ReadFlowResults returns a page of a Flow's Results in ResultID order.
func (s *Store) ReadFlowResults(ctx context.Context, clientID client.ID, flowID flow.ID, offset, count int) ([]flow.Result, error) {
	if count <= 0 {
		count = 1 << 30
	}
	var blobs [][]byte
	if err := s.db.SelectContext(ctx, &blobs, `
		SELECT data FROM flow_results WHERE client_id = $1 AND flow_id = $2
		ORDER BY result_id OFFSET $3 LIMIT $4
	`, uint64(clientID), uint64(flowID), offset, count); err != nil {
		return nil, storeerr.Transient("flow-result", err)
	}
	out := make([]flow.Result, 0, len(blobs))
	for _, b := range blobs {
		var r flow.Result
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, storeerr.Serialization("flow-result", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// WriteClientActionRequests enqueues outbound ClientMessages, assigning a
// MessageID from the shared sequence when the caller leaves it zero.
func (s *Store) WriteClientActionRequests(ctx context.Context, msgs []flow.ClientMessage) error {
	for _, m := range msgs {
		if m.MessageID == 0 {
			if err := s.db.GetContext(ctx, (*uint64)(&m.MessageID), `SELECT nextval('client_messages_message_id_seq')`); err != nil {
				return storeerr.Transient("client-message-id", err)
			}
		}
		data, err := json.Marshal(m)
		if err != nil {
			return storeerr.Serialization("client-message", err)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO client_messages (client_id, message_id, flow_id, request_id, lease_owner, lease_deadline, lease_count, data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (client_id, message_id) DO UPDATE SET data = EXCLUDED.data
		`, uint64(m.ClientID), uint64(m.MessageID), uint64(m.FlowID), uint64(m.RequestID),
			m.LeaseOwner, m.LeaseDeadline, m.LeaseCount, data)
		if err != nil {
			return storeerr.Transient("client-message", err)
		}
	}
	return nil
}

// LeaseClientActionRequests leases up to limit outbound ClientMessages for
// a ClientID, setting a fresh lease deadline and incrementing lease_count
// (spec.md §4.1 Leasing discipline).
func (s *Store) LeaseClientActionRequests(ctx context.Context, clientID client.ID, owner string, leaseDuration time.Duration, limit int, now time.Time) ([]flow.ClientMessage, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	deadline := now.Add(leaseDuration)
	var blobs [][]byte
	err := s.db.SelectContext(ctx, &blobs, `
		WITH leased AS (
			UPDATE client_messages SET lease_owner = $1, lease_deadline = $2, lease_count = lease_count + 1
			WHERE (client_id, message_id) IN (
				SELECT client_id, message_id FROM client_messages
				WHERE client_id = $3 AND (lease_owner = '' OR lease_deadline <= $4)
				ORDER BY message_id
				LIMIT $5
			)
			RETURNING data, lease_owner, lease_deadline, lease_count
		)
		SELECT jsonb_set(jsonb_set(jsonb_set(data, '{lease_owner}', to_jsonb(lease_owner)),
			'{lease_deadline}', to_jsonb(lease_deadline)), '{lease_count}', to_jsonb(lease_count))
		FROM leased
	`, owner, deadline, uint64(clientID), now, limit)
	if err != nil {
		return nil, storeerr.Transient("client-message-lease", err)
	}
	out := make([]flow.ClientMessage, 0, len(blobs))
	for _, b := range blobs {
		var m flow.ClientMessage
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, storeerr.Serialization("client-message", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// DeleteClientActionRequests removes ClientMessages for the given
// RequestIDs once their terminal Status has been received (spec.md §3
// ClientMessage lifecycle).
func (s *Store) DeleteClientActionRequests(ctx context.Context, clientID client.ID, requestIDs []flow.RequestID) error {
	for _, rid := range requestIDs {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM client_messages WHERE client_id = $1 AND request_id = $2
		`, uint64(clientID), uint64(rid)); err != nil {
			return storeerr.Transient("client-message", err)
		}
	}
	return nil
}

// CountLeasedPastRetransmitLimit returns every ClientMessage whose
// lease_count exceeds maxAttempts, across all clients (spec.md §5: a
// ClientMessage past max_retransmission_time is dropped with a synthetic
// Status(ERROR) injected into its Flow).
func (s *Store) CountLeasedPastRetransmitLimit(ctx context.Context, maxAttempts int) ([]flow.ClientMessage, error) {
	var blobs [][]byte
	if err := s.db.SelectContext(ctx, &blobs, `
		SELECT data FROM client_messages WHERE lease_count > $1
	`, maxAttempts); err != nil {
		return nil, storeerr.Transient("client-message", err)
	}
	out := make([]flow.ClientMessage, 0, len(blobs))
	for _, b := range blobs {
		var m flow.ClientMessage
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, storeerr.Serialization("client-message", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// WriteFlowProcessingRequests enqueues work-queue entries, deduplicated by
// (ClientID, FlowID, WriteTime).
func (s *Store) WriteFlowProcessingRequests(ctx context.Context, reqs []flow.ProcessingRequest) error {
	for _, r := range reqs {
		var deliveryTime any
		if !r.DeliveryTime.IsZero() {
			deliveryTime = r.DeliveryTime
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO flow_processing_queue (client_id, flow_id, write_time, delivery_time)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (client_id, flow_id, write_time) DO NOTHING
		`, uint64(r.ClientID), uint64(r.FlowID), r.WriteTime, deliveryTime)
		if err != nil {
			return storeerr.Transient("flow-processing-request", err)
		}
	}
	return nil
}

// LeaseFlowProcessingRequests leases up to limit entries whose
// DeliveryTime has arrived, in FIFO order by WriteTime.
func (s *Store) LeaseFlowProcessingRequests(ctx context.Context, owner string, leaseDuration time.Duration, limit int, now time.Time) ([]flow.ProcessingRequest, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	deadline := now.Add(leaseDuration)
	rows, err := s.db.QueryxContext(ctx, `
		UPDATE flow_processing_queue SET lease_owner = $1, lease_deadline = $2
		WHERE (client_id, flow_id, write_time) IN (
			SELECT client_id, flow_id, write_time FROM flow_processing_queue
			WHERE (lease_owner = '' OR lease_deadline <= $3)
			  AND (delivery_time IS NULL OR delivery_time <= $3)
			ORDER BY write_time
			LIMIT $4
		)
		RETURNING client_id, flow_id, write_time, delivery_time, lease_owner, lease_deadline
	`, owner, deadline, now, limit)
	if err != nil {
		return nil, storeerr.Transient("flow-processing-lease", err)
	}
	defer rows.Close()

	var out []flow.ProcessingRequest
	for rows.Next() {
		var (
			clientID, flowID            uint64
			writeTime, leaseDeadline    time.Time
			deliveryTime                *time.Time
			leaseOwner                  string
		)
		if err := rows.Scan(&clientID, &flowID, &writeTime, &deliveryTime, &leaseOwner, &leaseDeadline); err != nil {
			return nil, storeerr.Transient("flow-processing-lease", err)
		}
		pr := flow.ProcessingRequest{
			ClientID:      client.ID(clientID),
			FlowID:        flow.ID(flowID),
			WriteTime:     writeTime,
			LeaseOwner:    leaseOwner,
			LeaseDeadline: leaseDeadline,
		}
		if deliveryTime != nil {
			pr.DeliveryTime = *deliveryTime
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// AckFlowProcessingRequests removes leased entries, asserting ownership. A
// row that no longer exists is silently skipped (another worker may have
// already acked it); a row owned by a different lease holder is a conflict.
func (s *Store) AckFlowProcessingRequests(ctx context.Context, reqs []flow.ProcessingRequest, owner string) error {
	for _, r := range reqs {
		var existingOwner string
		err := s.db.GetContext(ctx, &existingOwner, `
			SELECT lease_owner FROM flow_processing_queue
			WHERE client_id = $1 AND flow_id = $2 AND write_time = $3
		`, uint64(r.ClientID), uint64(r.FlowID), r.WriteTime)
		if err != nil {
			continue
		}
		if existingOwner != owner {
			return storeerr.LeaseConflict("flow-processing-request")
		}
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM flow_processing_queue WHERE client_id = $1 AND flow_id = $2 AND write_time = $3
		`, uint64(r.ClientID), uint64(r.FlowID), r.WriteTime); err != nil {
			return storeerr.Transient("flow-processing-request", err)
		}
	}
	return nil
}
