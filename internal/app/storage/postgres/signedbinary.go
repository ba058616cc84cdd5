package postgres

import (
	"context"
	"encoding/json"

	"github.com/okapi-sec/okapi/internal/app/domain/signedbinary"
	"github.com/okapi-sec/okapi/internal/app/storage/storeerr"
)

// WriteSignedBinaryReferences stores a SignedBinary's ordered signed blobs.
func (s *Store) WriteSignedBinaryReferences(ctx context.Context, b signedbinary.Binary) error {
	data, err := json.Marshal(b)
	if err != nil {
		return storeerr.Serialization("signed-binary", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signed_binaries (type, path, data) VALUES ($1, $2, $3)
		ON CONFLICT (type, path) DO UPDATE SET data = EXCLUDED.data
	`, string(b.Type), b.Path, data)
	if err != nil {
		return storeerr.Transient("signed-binary", err)
	}
	return nil
}

// ReadSignedBinaryReferences reads a SignedBinary by (type, path).
func (s *Store) ReadSignedBinaryReferences(ctx context.Context, typ signedbinary.Type, path string) (signedbinary.Binary, error) {
	var data []byte
	if err := s.db.GetContext(ctx, &data, `
		SELECT data FROM signed_binaries WHERE type = $1 AND path = $2
	`, string(typ), path); err != nil {
		return signedbinary.Binary{}, storeerr.NotFound("signed-binary:" + path)
	}
	var b signedbinary.Binary
	if err := json.Unmarshal(data, &b); err != nil {
		return signedbinary.Binary{}, storeerr.Serialization("signed-binary", err)
	}
	return b, nil
}

// ReadIDsForAllSignedBinaries lists every registered SignedBinary.
func (s *Store) ReadIDsForAllSignedBinaries(ctx context.Context) ([]signedbinary.Binary, error) {
	var blobs [][]byte
	if err := s.db.SelectContext(ctx, &blobs, `SELECT data FROM signed_binaries ORDER BY type, path`); err != nil {
		return nil, storeerr.Transient("signed-binaries", err)
	}
	out := make([]signedbinary.Binary, 0, len(blobs))
	for _, raw := range blobs {
		var b signedbinary.Binary
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, storeerr.Serialization("signed-binary", err)
		}
		out = append(out, b)
	}
	return out, nil
}
