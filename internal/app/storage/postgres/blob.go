package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/okapi-sec/okapi/internal/app/domain/blob"
	"github.com/okapi-sec/okapi/internal/app/storage/storeerr"
)

func hashOf(content []byte) blob.Hash {
	sum := sha256.Sum256(content)
	return blob.Hash(hex.EncodeToString(sum[:]))
}

// WriteBlobsWithUnknownHash hashes each content and stores it, idempotently:
// identical bytes always resolve to the same hash and are not re-copied
// (spec.md §4.2 "writes are idempotent").
func (s *Store) WriteBlobsWithUnknownHash(ctx context.Context, contents [][]byte) ([]blob.Hash, error) {
	out := make([]blob.Hash, len(contents))
	for i, c := range contents {
		h := hashOf(c)
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO blobs (hash, content) VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, string(h), c)
		if err != nil {
			return nil, storeerr.Transient("blob", err)
		}
		out[i] = h
	}
	return out, nil
}

// ReadBlobs returns the bytes for each requested hash.
func (s *Store) ReadBlobs(ctx context.Context, hashes []blob.Hash) (map[blob.Hash][]byte, error) {
	out := make(map[blob.Hash][]byte, len(hashes))
	var missing []string
	for _, h := range hashes {
		var content []byte
		if err := s.db.GetContext(ctx, &content, `SELECT content FROM blobs WHERE hash = $1`, string(h)); err != nil {
			missing = append(missing, string(h))
			continue
		}
		out[h] = content
	}
	if len(missing) > 0 {
		return out, storeerr.AtLeastOneUnknownPath("blob")
	}
	return out, nil
}

// CheckBlobsExist reports existence for each requested hash without
// returning bytes.
func (s *Store) CheckBlobsExist(ctx context.Context, hashes []blob.Hash) (map[blob.Hash]bool, error) {
	out := make(map[blob.Hash]bool, len(hashes))
	for _, h := range hashes {
		var exists bool
		if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM blobs WHERE hash = $1)`, string(h)); err != nil {
			return nil, storeerr.Transient("blob", err)
		}
		out[h] = exists
	}
	return out, nil
}

// WriteFileReferences records the ordered blob composition of a logical
// file.
func (s *Store) WriteFileReferences(ctx context.Context, fileHash blob.Hash, refs []blob.Reference) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeerr.Transient("file-references", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM file_references WHERE file_hash = $1`, string(fileHash)); err != nil {
		return storeerr.Transient("file-references", err)
	}
	for i, ref := range refs {
		data, err := json.Marshal(ref)
		if err != nil {
			return storeerr.Serialization("file-reference", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO file_references (file_hash, idx, data) VALUES ($1, $2, $3)
		`, string(fileHash), i, data); err != nil {
			return storeerr.Transient("file-references", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeerr.Transient("file-references", err)
	}
	return nil
}

// ReadFileReferences returns a file's ordered blob composition.
func (s *Store) ReadFileReferences(ctx context.Context, fileHash blob.Hash) ([]blob.Reference, error) {
	var blobs [][]byte
	if err := s.db.SelectContext(ctx, &blobs, `
		SELECT data FROM file_references WHERE file_hash = $1 ORDER BY idx
	`, string(fileHash)); err != nil {
		return nil, storeerr.Transient("file-references", err)
	}
	if len(blobs) == 0 {
		return nil, storeerr.NotFound("file-references:" + string(fileHash))
	}
	out := make([]blob.Reference, 0, len(blobs))
	for _, b := range blobs {
		var ref blob.Reference
		if err := json.Unmarshal(b, &ref); err != nil {
			return nil, storeerr.Serialization("file-reference", err)
		}
		out = append(out, ref)
	}
	return out, nil
}
