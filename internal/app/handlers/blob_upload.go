package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/okapi-sec/okapi/internal/app/blobstore"
	"github.com/okapi-sec/okapi/internal/app/domain/blob"
	"github.com/okapi-sec/okapi/internal/app/domain/client"
	"github.com/okapi-sec/okapi/internal/app/domain/message"
)

// BlobUploadHandlerName is the well-known session id for agent-initiated
// blob uploads. It is the one handler spec.md §4.5 names in its Shortcut
// path: executed synchronously on the Front End rather than deferred to a
// worker, to keep blob-store writes inline with the agent's upload poll.
const BlobUploadHandlerName = "aff4:/blob_upload"

// BlobUploadPayload carries one or more content chunks to store, keyed by
// the file hash (if known) they belong to.
type BlobUploadPayload struct {
	Chunks   [][]byte `json:"chunks"`
	FileHash string   `json:"file_hash,omitempty"`
}

// FileReferenceStore is the narrow slice of storage.BlobMetadataStore a
// BlobUploadHandler needs for structural bookkeeping: which blobs, in
// which order, compose a logical file. Actual blob bytes are the pluggable
// blobstore.Store's concern, not the Data Store's (spec.md §4.2).
type FileReferenceStore interface {
	WriteFileReferences(ctx context.Context, fileHash blob.Hash, refs []blob.Reference) error
}

// BlobUploadHandler writes uploaded chunks to the Blob Store (C2) and
// records their file-reference composition in the Data Store (C1).
type BlobUploadHandler struct {
	blobs *blobstore.Store
	refs  FileReferenceStore
}

// NewBlobUploadHandler builds a BlobUploadHandler.
func NewBlobUploadHandler(blobs *blobstore.Store, refs FileReferenceStore) *BlobUploadHandler {
	return &BlobUploadHandler{blobs: blobs, refs: refs}
}

// Name implements Handler.
func (h *BlobUploadHandler) Name() string { return BlobUploadHandlerName }

// Handle stores each uploaded chunk (content-addressed, deduplicated by
// the backend) and, if a FileHash was supplied, records the chunk ordering
// as that file's BlobReferences list.
func (h *BlobUploadHandler) Handle(ctx context.Context, clientID client.ID, msg message.Message) error {
	var payload BlobUploadPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("handlers: decode blob upload payload: %w", err)
	}
	if len(payload.Chunks) == 0 {
		return nil
	}

	hashes, err := h.blobs.WriteBlobsWithUnknownHash(ctx, payload.Chunks)
	if err != nil {
		return fmt.Errorf("handlers: write blob chunks: %w", err)
	}

	if payload.FileHash == "" {
		return nil
	}
	refs := make([]blob.Reference, 0, len(hashes))
	var offset int64
	for i, h := range hashes {
		size := int64(len(payload.Chunks[i]))
		refs = append(refs, blob.Reference{Offset: offset, Size: size, Blob: blob.Hash(h)})
		offset += size
	}
	if err := h.refs.WriteFileReferences(ctx, blob.Hash(payload.FileHash), refs); err != nil {
		return fmt.Errorf("handlers: write file references: %w", err)
	}
	return nil
}

var _ Handler = (*BlobUploadHandler)(nil)
