package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

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
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]blob.Hash, len(contents))
	for i, c := range contents {
		h := hashOf(c)
		if _, exists := s.blobs[h]; !exists {
			cp := make([]byte, len(c))
			copy(cp, c)
			s.blobs[h] = cp
		}
		out[i] = h
	}
	return out, nil
}

// ReadBlobs returns the bytes for each requested hash.
func (s *Store) ReadBlobs(ctx context.Context, hashes []blob.Hash) (map[blob.Hash][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[blob.Hash][]byte, len(hashes))
	var missing []string
	for _, h := range hashes {
		b, ok := s.blobs[h]
		if !ok {
			missing = append(missing, string(h))
			continue
		}
		out[h] = b
	}
	if len(missing) > 0 {
		return out, storeerr.AtLeastOneUnknownPath("blob")
	}
	return out, nil
}

// CheckBlobsExist reports existence for each requested hash without
// returning bytes.
func (s *Store) CheckBlobsExist(ctx context.Context, hashes []blob.Hash) (map[blob.Hash]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[blob.Hash]bool, len(hashes))
	for _, h := range hashes {
		_, out[h] = s.blobs[h]
	}
	return out, nil
}

// WriteFileReferences records the ordered blob composition of a logical
// file.
func (s *Store) WriteFileReferences(ctx context.Context, fileHash blob.Hash, refs []blob.Reference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]blob.Reference, len(refs))
	copy(cp, refs)
	s.fileRefs[fileHash] = cp
	return nil
}

// ReadFileReferences returns a file's ordered blob composition.
func (s *Store) ReadFileReferences(ctx context.Context, fileHash blob.Hash) ([]blob.Reference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs, ok := s.fileRefs[fileHash]
	if !ok {
		return nil, storeerr.NotFound("file-references:" + string(fileHash))
	}
	out := make([]blob.Reference, len(refs))
	copy(out, refs)
	return out, nil
}
