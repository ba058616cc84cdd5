package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/okapi-sec/okapi/internal/app/domain/client"
	"github.com/okapi-sec/okapi/internal/app/storage/storeerr"
)

// WriteClientMetadata upserts a Client record.
func (s *Store) WriteClientMetadata(ctx context.Context, c client.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
	return nil
}

// ReadClientFullInfo reads a single Client by id.
func (s *Store) ReadClientFullInfo(ctx context.Context, id client.ID) (client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return client.Client{}, storeerr.UnknownClient(id.String())
	}
	return c, nil
}

// MultiReadClientFullInfo reads many Clients by id in one call.
func (s *Store) MultiReadClientFullInfo(ctx context.Context, ids []client.ID) (map[client.ID]client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[client.ID]client.Client, len(ids))
	var missing []string
	for _, id := range ids {
		c, ok := s.clients[id]
		if !ok {
			missing = append(missing, id.String())
			continue
		}
		out[id] = c
	}
	if len(missing) > 0 {
		return out, storeerr.AtLeastOneUnknownPath(strings.Join(missing, ","))
	}
	return out, nil
}

// WriteClientSnapshot is an alias for WriteClientMetadata in the memory
// backend, which keeps only the latest version per client (as the postgres
// backend does).
func (s *Store) WriteClientSnapshot(ctx context.Context, c client.Client) error {
	return s.WriteClientMetadata(ctx, c)
}

// ReadClientLabels returns the current labels for a client.
func (s *Store) ReadClientLabels(ctx context.Context, id client.ID) ([]client.Label, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, storeerr.UnknownClient(id.String())
	}
	out := make([]client.Label, len(c.Labels))
	copy(out, c.Labels)
	return out, nil
}

// IndexClientKeywords adds keyword->client entries to the search index.
func (s *Store) IndexClientKeywords(ctx context.Context, id client.ID, keywords []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		set, ok := s.clientIndex[kw]
		if !ok {
			set = make(map[client.ID]bool)
			s.clientIndex[kw] = set
		}
		set[id] = true
	}
	return nil
}

// SearchClients returns Clients whose index contains the keyword, paginated
// by (offset, count).
func (s *Store) SearchClients(ctx context.Context, keyword string, offset, count int) ([]client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kw := strings.ToLower(strings.TrimSpace(keyword))
	set := s.clientIndex[kw]
	ids := make([]client.ID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if offset > len(ids) {
		offset = len(ids)
	}
	end := offset + count
	if count <= 0 || end > len(ids) {
		end = len(ids)
	}
	out := make([]client.Client, 0, end-offset)
	for _, id := range ids[offset:end] {
		out = append(out, s.clients[id])
	}
	return out, nil
}

// ListAllClientIDs returns every known ClientID, sorted.
func (s *Store) ListAllClientIDs(ctx context.Context) ([]client.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]client.ID, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
