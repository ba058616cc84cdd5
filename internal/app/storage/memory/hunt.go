package memory

import (
	"context"
	"sort"

	"github.com/okapi-sec/okapi/internal/app/domain/flow"
	"github.com/okapi-sec/okapi/internal/app/domain/hunt"
	"github.com/okapi-sec/okapi/internal/app/storage/storeerr"
)

// WriteHuntObject creates a new Hunt record.
func (s *Store) WriteHuntObject(ctx context.Context, h hunt.Hunt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hunts[h.ID] = h
	return nil
}

// UpdateHuntObject overwrites an existing Hunt record.
func (s *Store) UpdateHuntObject(ctx context.Context, h hunt.Hunt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hunts[h.ID]; !ok {
		return storeerr.UnknownHunt(string(h.ID))
	}
	s.hunts[h.ID] = h
	return nil
}

// ReadHuntObject reads a single Hunt by id.
func (s *Store) ReadHuntObject(ctx context.Context, id hunt.ID) (hunt.Hunt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hunts[id]
	if !ok {
		return hunt.Hunt{}, storeerr.UnknownHunt(string(id))
	}
	return h, nil
}

// ReadHuntFlows returns the child Flows dispatched by a Hunt, optionally
// filtered by state, paginated by (offset, count).
func (s *Store) ReadHuntFlows(ctx context.Context, id hunt.ID, offset, count int, stateFilter flow.State) ([]flow.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	huntIDStr := string(id)
	var matched []flow.Flow
	for _, f := range s.flows {
		if f.ParentHuntID == nil || *f.ParentHuntID != huntIDStr {
			continue
		}
		if stateFilter != "" && f.State != stateFilter {
			continue
		}
		matched = append(matched, f)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].FlowID < matched[j].FlowID })
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + count
	if count <= 0 || end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// ListStartedHunts returns every Hunt currently in the STARTED lifecycle.
func (s *Store) ListStartedHunts(ctx context.Context) ([]hunt.Hunt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []hunt.Hunt
	for _, h := range s.hunts {
		if h.State == hunt.Started {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// IncrementHuntCounters atomically adds delta to a Hunt's Counters and
// returns the updated Hunt.
func (s *Store) IncrementHuntCounters(ctx context.Context, id hunt.ID, delta hunt.Counters) (hunt.Hunt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hunts[id]
	if !ok {
		return hunt.Hunt{}, storeerr.UnknownHunt(string(id))
	}
	h.Counters.NumClients += delta.NumClients
	h.Counters.NumSuccessful += delta.NumSuccessful
	h.Counters.NumFailed += delta.NumFailed
	h.Counters.NumCrashed += delta.NumCrashed
	h.Counters.TotalCPU += delta.TotalCPU
	h.Counters.TotalNetwork += delta.TotalNetwork
	h.Counters.TotalResults += delta.TotalResults
	s.hunts[id] = h
	return h, nil
}
