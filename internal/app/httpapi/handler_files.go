package httpapi

import (
	"crypto/x509"
	"encoding/pem"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/okapi-sec/okapi/internal/app/blobstore"
	"github.com/okapi-sec/okapi/internal/app/domain/blob"
	"github.com/okapi-sec/okapi/internal/app/domain/signedbinary"
)

func toBlobstoreRefs(refs []blob.Reference) []blobstore.Reference {
	out := make([]blobstore.Reference, len(refs))
	for i, r := range refs {
		out[i] = blobstore.Reference{Offset: r.Offset, Size: r.Size, Blob: blobstore.Hash(r.Blob)}
	}
	return out
}

// handleGetFileBlob serves spec.md §6 "get file blob": reassembles a
// previously-collected file (one written via a GetFile flow's chunked
// results, spec.md §4.2) from its BlobReferences and streams it back.
func (h *Handler) handleGetFileBlob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fileHash := blob.Hash(chi.URLParam(r, "fileHash"))
	refs, err := h.app.Store.ReadFileReferences(ctx, fileHash)
	if err != nil {
		notFound(w, string(fileHash), err)
		return
	}
	data, err := h.app.Blobs.AssembleFile(ctx, toBlobstoreRefs(refs))
	if err != nil {
		internalError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+string(fileHash)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleGetSignedBinary serves spec.md §6's signed-binary download: reads
// the ordered SignedBlob list for (type, path) and streams the concatenated
// plaintext, one backend fetch per blob via StreamFileChunks so a large
// executable payload never needs to be held whole in memory.
func (h *Handler) handleGetSignedBinary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	typ := signedbinary.Type(chi.URLParam(r, "type"))
	path := "/" + trailingPath(r)

	bin, err := h.app.Store.ReadSignedBinaryReferences(ctx, typ, path)
	if err != nil {
		notFound(w, path, err)
		return
	}
	refs := make([]blobstore.Reference, len(bin.Blobs))
	var offset int64
	for i, sb := range bin.Blobs {
		refs[i] = blobstore.Reference{Offset: offset, Blob: blobstore.Hash(sb.Blob)}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	err = h.app.Blobs.StreamFileChunks(ctx, refs, func(chunk []byte) error {
		_, writeErr := w.Write(chunk)
		return writeErr
	})
	if err != nil {
		h.app.Log.WithError(err).Error("httpapi: stream signed binary failed mid-response")
	}
}

// handleServerCert serves spec.md §6 "/server.pem": the server's Cipher
// Layer public key, PEM-encoded. There is no X.509 certificate-issuance
// machinery in the Cipher Layer (it pins raw RSA keys, not certificates),
// so this approximates "the server certificate" with the server's own
// public key, the same identity a peer ends up trusting after enrollment.
func (h *Handler) handleServerCert(w http.ResponseWriter, r *http.Request) {
	pub := &h.app.KeyStore.SelfPrivateKey().PublicKey
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		internalError(w, err)
		return
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	_ = pem.Encode(w, block)
}
