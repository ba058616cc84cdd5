package memory

import (
	"context"
	"sort"
	"time"

	"github.com/okapi-sec/okapi/internal/app/domain/message"
)

// WriteMessageHandlerRequests enqueues MessageHandlerRequest rows.
func (s *Store) WriteMessageHandlerRequests(ctx context.Context, reqs []message.HandlerRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range reqs {
		s.handlerQueue[r.HandlerName+"/"+r.RequestID] = r
	}
	return nil
}

// LeaseMessageHandlerRequests leases up to limit pending requests for a
// given handler name.
func (s *Store) LeaseMessageHandlerRequests(ctx context.Context, handlerName, owner string, leaseDuration time.Duration, limit int, now time.Time) ([]message.HandlerRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k, r := range s.handlerQueue {
		if r.HandlerName != handlerName {
			continue
		}
		if r.LeaseOwner != "" && now.Before(r.LeaseDeadline) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]message.HandlerRequest, 0, len(keys))
	for _, k := range keys {
		r := s.handlerQueue[k]
		r.LeaseOwner = owner
		r.LeaseDeadline = now.Add(leaseDuration)
		s.handlerQueue[k] = r
		out = append(out, r)
	}
	return out, nil
}

// DeleteMessageHandlerRequests removes completed handler requests.
func (s *Store) DeleteMessageHandlerRequests(ctx context.Context, reqs []message.HandlerRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range reqs {
		delete(s.handlerQueue, r.HandlerName+"/"+r.RequestID)
	}
	return nil
}
