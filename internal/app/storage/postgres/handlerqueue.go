package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/okapi-sec/okapi/internal/app/domain/message"
	"github.com/okapi-sec/okapi/internal/app/storage/storeerr"
)

// WriteMessageHandlerRequests enqueues MessageHandlerRequest rows.
func (s *Store) WriteMessageHandlerRequests(ctx context.Context, reqs []message.HandlerRequest) error {
	for _, r := range reqs {
		data, err := json.Marshal(r)
		if err != nil {
			return storeerr.Serialization("handler-request", err)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO handler_queue (handler_name, request_id, lease_owner, lease_deadline, data)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (handler_name, request_id) DO UPDATE SET data = EXCLUDED.data
		`, r.HandlerName, r.RequestID, r.LeaseOwner, r.LeaseDeadline, data)
		if err != nil {
			return storeerr.Transient("handler-request", err)
		}
	}
	return nil
}

// LeaseMessageHandlerRequests leases up to limit pending requests for a
// given handler name.
func (s *Store) LeaseMessageHandlerRequests(ctx context.Context, handlerName, owner string, leaseDuration time.Duration, limit int, now time.Time) ([]message.HandlerRequest, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	deadline := now.Add(leaseDuration)
	rows, err := s.db.QueryxContext(ctx, `
		UPDATE handler_queue SET lease_owner = $1, lease_deadline = $2
		WHERE (handler_name, request_id) IN (
			SELECT handler_name, request_id FROM handler_queue
			WHERE handler_name = $3 AND (lease_owner = '' OR lease_deadline <= $4)
			ORDER BY request_id
			LIMIT $5
		)
		RETURNING data
	`, owner, deadline, handlerName, now, limit)
	if err != nil {
		return nil, storeerr.Transient("handler-request-lease", err)
	}
	defer rows.Close()

	var out []message.HandlerRequest
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, storeerr.Transient("handler-request-lease", err)
		}
		var r message.HandlerRequest
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, storeerr.Serialization("handler-request", err)
		}
		r.LeaseOwner = owner
		r.LeaseDeadline = deadline
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteMessageHandlerRequests removes completed handler requests.
func (s *Store) DeleteMessageHandlerRequests(ctx context.Context, reqs []message.HandlerRequest) error {
	for _, r := range reqs {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM handler_queue WHERE handler_name = $1 AND request_id = $2
		`, r.HandlerName, r.RequestID); err != nil {
			return storeerr.Transient("handler-request", err)
		}
	}
	return nil
}
