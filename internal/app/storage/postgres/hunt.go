package postgres

import (
	"context"
	"encoding/json"

	"github.com/okapi-sec/okapi/internal/app/domain/flow"
	"github.com/okapi-sec/okapi/internal/app/domain/hunt"
	"github.com/okapi-sec/okapi/internal/app/storage/storeerr"
)

// hunt.Hunt tags DispatchedClients/WindowStart/DispatchedInWindow with
// json:"-" since those are foreman-internal bookkeeping, not API-visible
// fields — so marshaling the domain struct directly would drop them on
// every round trip through this backend (the memory backend never loses
// them, since it keeps the live Go value). They get their own columns
// instead, restored onto the decoded Hunt in scanHunt.

func (s *Store) writeHunt(ctx context.Context, h hunt.Hunt, upsert bool) error {
	data, err := json.Marshal(h)
	if err != nil {
		return storeerr.Serialization("hunt", err)
	}
	dispatched, err := json.Marshal(h.DispatchedClients)
	if err != nil {
		return storeerr.Serialization("hunt", err)
	}
	if upsert {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO hunts (id, state, data, dispatched_clients, window_start, dispatched_in_window)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				state = EXCLUDED.state, data = EXCLUDED.data,
				dispatched_clients = EXCLUDED.dispatched_clients,
				window_start = EXCLUDED.window_start,
				dispatched_in_window = EXCLUDED.dispatched_in_window
		`, string(h.ID), string(h.State), data, dispatched, h.WindowStart, h.DispatchedInWindow)
	} else {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE hunts SET state = $1, data = $2, dispatched_clients = $3,
				window_start = $4, dispatched_in_window = $5
			WHERE id = $6
		`, string(h.State), data, dispatched, h.WindowStart, h.DispatchedInWindow, string(h.ID))
		if execErr == nil {
			n, raErr := rowsAffected(res)
			if raErr != nil {
				return storeerr.Transient("hunt", raErr)
			}
			if n == 0 {
				return storeerr.UnknownHunt(string(h.ID))
			}
		}
		err = execErr
	}
	if err != nil {
		return storeerr.Transient("hunt", err)
	}
	return nil
}

// WriteHuntObject creates a new Hunt record.
func (s *Store) WriteHuntObject(ctx context.Context, h hunt.Hunt) error {
	return s.writeHunt(ctx, h, true)
}

// UpdateHuntObject overwrites an existing Hunt record.
func (s *Store) UpdateHuntObject(ctx context.Context, h hunt.Hunt) error {
	return s.writeHunt(ctx, h, false)
}

func (s *Store) scanHunt(ctx context.Context, id hunt.ID) (hunt.Hunt, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT data, dispatched_clients, window_start, dispatched_in_window FROM hunts WHERE id = $1
	`, string(id))
	var data, dispatched []byte
	var h hunt.Hunt
	if err := row.Scan(&data, &dispatched, &h.WindowStart, &h.DispatchedInWindow); err != nil {
		return hunt.Hunt{}, storeerr.UnknownHunt(string(id))
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return hunt.Hunt{}, storeerr.Serialization("hunt", err)
	}
	if err := json.Unmarshal(dispatched, &h.DispatchedClients); err != nil {
		return hunt.Hunt{}, storeerr.Serialization("hunt", err)
	}
	return h, nil
}

// ReadHuntObject reads a single Hunt by id.
func (s *Store) ReadHuntObject(ctx context.Context, id hunt.ID) (hunt.Hunt, error) {
	return s.scanHunt(ctx, id)
}

// ReadHuntFlows returns the child Flows dispatched by a Hunt, optionally
// filtered by state, paginated by (offset, count).
func (s *Store) ReadHuntFlows(ctx context.Context, id hunt.ID, offset, count int, stateFilter flow.State) ([]flow.Flow, error) {
	if count <= 0 {
		count = 1 << 30
	}
	var blobs [][]byte
	var err error
	if stateFilter != "" {
		err = s.db.SelectContext(ctx, &blobs, `
			SELECT data FROM flows WHERE parent_hunt_id = $1 AND state = $2
			ORDER BY flow_id OFFSET $3 LIMIT $4
		`, string(id), string(stateFilter), offset, count)
	} else {
		err = s.db.SelectContext(ctx, &blobs, `
			SELECT data FROM flows WHERE parent_hunt_id = $1
			ORDER BY flow_id OFFSET $2 LIMIT $3
		`, string(id), offset, count)
	}
	if err != nil {
		return nil, storeerr.Transient("hunt-flows", err)
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

// ListStartedHunts returns every Hunt currently in the STARTED lifecycle.
func (s *Store) ListStartedHunts(ctx context.Context) ([]hunt.Hunt, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM hunts WHERE state = $1 ORDER BY id
	`, string(hunt.Started)); err != nil {
		return nil, storeerr.Transient("list-hunts", err)
	}
	out := make([]hunt.Hunt, 0, len(ids))
	for _, id := range ids {
		h, err := s.scanHunt(ctx, hunt.ID(id))
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// IncrementHuntCounters atomically adds delta to a Hunt's Counters and
// returns the updated Hunt.
func (s *Store) IncrementHuntCounters(ctx context.Context, id hunt.ID, delta hunt.Counters) (hunt.Hunt, error) {
	h, err := s.scanHunt(ctx, id)
	if err != nil {
		return hunt.Hunt{}, err
	}
	h.Counters.NumClients += delta.NumClients
	h.Counters.NumSuccessful += delta.NumSuccessful
	h.Counters.NumFailed += delta.NumFailed
	h.Counters.NumCrashed += delta.NumCrashed
	h.Counters.TotalCPU += delta.TotalCPU
	h.Counters.TotalNetwork += delta.TotalNetwork
	h.Counters.TotalResults += delta.TotalResults
	if err := s.writeHunt(ctx, h, false); err != nil {
		return hunt.Hunt{}, err
	}
	return h, nil
}
