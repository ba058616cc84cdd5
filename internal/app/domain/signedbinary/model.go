// Package signedbinary models named, code-signed executable payloads
// delivered to agents as an ordered list of signed blobs (spec.md §3
// SignedBinary).
package signedbinary

import (
	"time"

	"github.com/okapi-sec/okapi/internal/app/domain/blob"
)

// Type distinguishes the two kinds of signed payload the platform can
// deliver to an agent.
type Type string

const (
	TypePythonHack Type = "PYTHON_HACK"
	TypeExecutable Type = "EXECUTABLE"
)

// SignedBlob is one blob in the binary's ordered payload, together with its
// detached signature over the blob's bytes.
type SignedBlob struct {
	Blob      blob.Hash `json:"blob"`
	Signature []byte    `json:"signature"`
}

// Binary is the record keyed by (Type, Path) (spec.md §3 SignedBinary).
type Binary struct {
	Type Type   `json:"type"`
	Path string `json:"path"`

	Blobs []SignedBlob `json:"blobs"`

	UploadedAt time.Time `json:"uploaded_at"`
}
