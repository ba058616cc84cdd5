package postgres

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/okapi-sec/okapi/internal/app/domain/client"
	"github.com/okapi-sec/okapi/internal/app/storage/storeerr"
)

// WriteClientMetadata upserts a Client record.
func (s *Store) WriteClientMetadata(ctx context.Context, c client.Client) error {
	data, err := json.Marshal(c)
	if err != nil {
		return storeerr.Serialization("client", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clients (id, public_key_fingerprint, last_seen, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			public_key_fingerprint = EXCLUDED.public_key_fingerprint,
			last_seen = EXCLUDED.last_seen,
			data = EXCLUDED.data
	`, uint64(c.ID), c.PublicKeyFingerprint, c.LastSeen, data)
	if err != nil {
		return storeerr.Transient("client", err)
	}
	return nil
}

// WriteClientSnapshot behaves identically to WriteClientMetadata: the
// postgres backend keeps only the latest version per client, same as
// memory (history retention would need a separate append-only table, not
// needed by any SPEC_FULL.md operation today).
func (s *Store) WriteClientSnapshot(ctx context.Context, c client.Client) error {
	return s.WriteClientMetadata(ctx, c)
}

func (s *Store) scanClient(ctx context.Context, id client.ID) (client.Client, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `SELECT data FROM clients WHERE id = $1`, uint64(id))
	if err != nil {
		return client.Client{}, storeerr.UnknownClient(id.String())
	}
	var c client.Client
	if err := json.Unmarshal(data, &c); err != nil {
		return client.Client{}, storeerr.Serialization("client", err)
	}
	return c, nil
}

// ReadClientFullInfo reads a single Client by id.
func (s *Store) ReadClientFullInfo(ctx context.Context, id client.ID) (client.Client, error) {
	return s.scanClient(ctx, id)
}

// MultiReadClientFullInfo reads many Clients by id in one call.
func (s *Store) MultiReadClientFullInfo(ctx context.Context, ids []client.ID) (map[client.ID]client.Client, error) {
	out := make(map[client.ID]client.Client, len(ids))
	var missing []string
	for _, id := range ids {
		c, err := s.scanClient(ctx, id)
		if err != nil {
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

// ReadClientLabels returns the current labels for a client.
func (s *Store) ReadClientLabels(ctx context.Context, id client.ID) ([]client.Label, error) {
	c, err := s.scanClient(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.Labels, nil
}

// IndexClientKeywords adds keyword->client entries to the search index.
func (s *Store) IndexClientKeywords(ctx context.Context, id client.ID, keywords []string) error {
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO client_keywords (keyword, client_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, kw, uint64(id))
		if err != nil {
			return storeerr.Transient("client-keyword", err)
		}
	}
	return nil
}

// SearchClients returns Clients whose index contains the keyword, paginated
// by (offset, count).
func (s *Store) SearchClients(ctx context.Context, keyword string, offset, count int) ([]client.Client, error) {
	kw := strings.ToLower(strings.TrimSpace(keyword))
	if count <= 0 {
		count = 1 << 30
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT c.data FROM clients c
		JOIN client_keywords k ON k.client_id = c.id
		WHERE k.keyword = $1
		ORDER BY c.id
		OFFSET $2 LIMIT $3
	`, kw, offset, count)
	if err != nil {
		return nil, storeerr.Transient("search-clients", err)
	}
	defer rows.Close()

	var out []client.Client
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, storeerr.Transient("search-clients", err)
		}
		var c client.Client
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, storeerr.Serialization("client", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListAllClientIDs returns every known ClientID, sorted.
func (s *Store) ListAllClientIDs(ctx context.Context) ([]client.ID, error) {
	var raw []uint64
	if err := s.db.SelectContext(ctx, &raw, `SELECT id FROM clients ORDER BY id`); err != nil {
		return nil, storeerr.Transient("list-clients", err)
	}
	out := make([]client.ID, len(raw))
	for i, v := range raw {
		out[i] = client.ID(v)
	}
	return out, nil
}
