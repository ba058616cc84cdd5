// Package blobstore implements the Blob Store (spec.md §4.2): a
// content-addressed object store keyed by the SHA-256 hash of its
// contents. Backends are pluggable the way the teacher's pkg/blob package
// swaps a Supabase-backed Storage for other object stores behind the same
// Upload/Download/Exists shape; Okapi adds a default disk/memory backend
// and an S3-compatible one built on aws-sdk-go-v2.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Hash is the hex-encoded SHA-256 digest of a blob's content, used as its
// storage key.
type Hash string

// HashOf computes the content-addressed key for data.
func HashOf(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// ErrNotFound is returned when a requested hash is not present in the
// backend.
var ErrNotFound = errors.New("blobstore: blob not found")

// ErrReadTooLarge is returned by AssembleFile when the References' sizes
// add up to more than MaxBlobSize, guarding the server against a malicious or buggy agent claiming an
// enormous file (spec.md §4.2 "Non-goals" notes size limits are left to the
// operator; Okapi enforces one by default).
var ErrReadTooLarge = errors.New("blobstore: blob exceeds maximum size")

// MaxBlobSize bounds the total size AssembleFile will assemble in memory.
// It is a compile-time constant; StreamFileChunks does not apply it, since
// it never holds more than one chunk at a time. It exists to keep a single
// client upload from exhausting server memory.
const MaxBlobSize = 512 << 20 // 512 MiB

// Backend is the storage-engine contract blobstore.Store is built on. A
// Backend only needs to move bytes by content hash; chunk-size limits,
// dedup, and file-reference bookkeeping live in Store.
type Backend interface {
	// Put stores data under hash, and must be idempotent: storing the same
	// hash twice is a no-op success.
	Put(ctx context.Context, hash Hash, data []byte) error
	// Get returns the bytes stored under hash, or ErrNotFound.
	Get(ctx context.Context, hash Hash) ([]byte, error)
	// Exists reports whether hash has been stored.
	Exists(ctx context.Context, hash Hash) (bool, error)
}

// StreamingBackend is an optional capability a Backend may implement to
// avoid buffering an entire blob in memory on read.
type StreamingBackend interface {
	Backend
	GetReader(ctx context.Context, hash Hash) (io.ReadCloser, error)
}

// Store is the C2 service: content-addressed writes/reads plus the
// file-chunk reference bookkeeping spec.md §4.2 describes (a file is a
// sequence of (offset, size, blob_hash) References rather than one giant
// blob, so large files dedup at the chunk level).
type Store struct {
	backend Backend
}

// New builds a Store over the given Backend.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// WriteBlobsWithUnknownHash stores each chunk under its computed hash,
// skipping any chunk the backend already has (spec.md §4.2's "unknown
// hash" write path: the caller doesn't need to know the hash in advance).
func (s *Store) WriteBlobsWithUnknownHash(ctx context.Context, chunks [][]byte) ([]Hash, error) {
	hashes := make([]Hash, len(chunks))
	for i, chunk := range chunks {
		h := HashOf(chunk)
		hashes[i] = h
		exists, err := s.backend.Exists(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("blobstore: check existence of %s: %w", h, err)
		}
		if exists {
			continue
		}
		if err := s.backend.Put(ctx, h, chunk); err != nil {
			return nil, fmt.Errorf("blobstore: store %s: %w", h, err)
		}
	}
	return hashes, nil
}

// ReadBlobs fetches the content for each requested hash, returning
// ErrNotFound (wrapped with the offending hash) if any is missing.
func (s *Store) ReadBlobs(ctx context.Context, hashes []Hash) (map[Hash][]byte, error) {
	out := make(map[Hash][]byte, len(hashes))
	for _, h := range hashes {
		data, err := s.backend.Get(ctx, h)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
			}
			return nil, fmt.Errorf("blobstore: read %s: %w", h, err)
		}
		out[h] = data
	}
	return out, nil
}

// CheckBlobsExist reports, per requested hash, whether it is present.
func (s *Store) CheckBlobsExist(ctx context.Context, hashes []Hash) (map[Hash]bool, error) {
	out := make(map[Hash]bool, len(hashes))
	for _, h := range hashes {
		ok, err := s.backend.Exists(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("blobstore: exists %s: %w", h, err)
		}
		out[h] = ok
	}
	return out, nil
}

// Reference is one chunk of a larger file: its byte offset in the file, its
// size, and the blob hash holding its content.
type Reference struct {
	Offset int64
	Size   int64
	Blob   Hash
}

// AssembleFile concatenates the blobs a file's References point to, in the
// order the References are listed, honoring MaxBlobSize for the assembled
// total. The References' Offset fields are not consulted or reordered.
func (s *Store) AssembleFile(ctx context.Context, refs []Reference) ([]byte, error) {
	var total int64
	for _, r := range refs {
		total += r.Size
	}
	if total > MaxBlobSize {
		return nil, ErrReadTooLarge
	}

	out := make([]byte, 0, total)
	for _, r := range refs {
		data, err := s.backend.Get(ctx, r.Blob)
		if err != nil {
			return nil, fmt.Errorf("blobstore: assemble chunk %s: %w", r.Blob, err)
		}
		if int64(len(data)) != r.Size {
			return nil, fmt.Errorf("blobstore: chunk %s size mismatch: stored %d, reference claims %d", r.Blob, len(data), r.Size)
		}
		out = append(out, data...)
	}
	return out, nil
}

// StreamFileChunks yields each reference's bytes to fn in order, without
// holding the whole assembled file in memory at once — used by the API
// Surface's file-download endpoint for large binaries (spec.md §4.10).
func (s *Store) StreamFileChunks(ctx context.Context, refs []Reference, fn func(chunk []byte) error) error {
	for _, r := range refs {
		data, err := s.backend.Get(ctx, r.Blob)
		if err != nil {
			return fmt.Errorf("blobstore: stream chunk %s: %w", r.Blob, err)
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	return nil
}
