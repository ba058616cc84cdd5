package memory

import (
	"context"

	"github.com/okapi-sec/okapi/internal/app/domain/signedbinary"
	"github.com/okapi-sec/okapi/internal/app/storage/storeerr"
)

func bkey(typ signedbinary.Type, path string) binaryKey {
	return binaryKey{typ: typ, path: path}
}

// WriteSignedBinaryReferences stores a SignedBinary's ordered signed blobs.
func (s *Store) WriteSignedBinaryReferences(ctx context.Context, b signedbinary.Binary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binaries[bkey(b.Type, b.Path)] = b
	return nil
}

// ReadSignedBinaryReferences reads a SignedBinary by (type, path).
func (s *Store) ReadSignedBinaryReferences(ctx context.Context, typ signedbinary.Type, path string) (signedbinary.Binary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.binaries[bkey(typ, path)]
	if !ok {
		return signedbinary.Binary{}, storeerr.NotFound("signed-binary:" + path)
	}
	return b, nil
}

// ReadIDsForAllSignedBinaries lists every registered SignedBinary.
func (s *Store) ReadIDsForAllSignedBinaries(ctx context.Context) ([]signedbinary.Binary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]signedbinary.Binary, 0, len(s.binaries))
	for _, b := range s.binaries {
		out = append(out, b)
	}
	return out, nil
}
