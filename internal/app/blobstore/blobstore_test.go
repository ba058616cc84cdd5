package blobstore

import (
	"context"
	"testing"
)

func TestWriteBlobsWithUnknownHashIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := New(NewMemoryBackend())

	chunks := [][]byte{[]byte("alpha"), []byte("beta"), []byte("alpha")}
	hashes, err := store.WriteBlobsWithUnknownHash(ctx, chunks)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if hashes[0] != hashes[2] {
		t.Fatalf("expected identical content to hash identically: %s vs %s", hashes[0], hashes[2])
	}

	got, err := store.ReadBlobs(ctx, []Hash{hashes[0], hashes[1]})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got[hashes[0]]) != "alpha" || string(got[hashes[1]]) != "beta" {
		t.Fatalf("unexpected contents: %+v", got)
	}
}

func TestReadBlobsReportsMissingHash(t *testing.T) {
	store := New(NewMemoryBackend())
	_, err := store.ReadBlobs(context.Background(), []Hash{"deadbeef"})
	if err == nil {
		t.Fatal("expected error for missing hash")
	}
}

func TestAssembleFileConcatenatesChunksInReferenceOrder(t *testing.T) {
	ctx := context.Background()
	store := New(NewMemoryBackend())
	hashes, err := store.WriteBlobsWithUnknownHash(ctx, [][]byte{[]byte("hello "), []byte("world")})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	refs := []Reference{
		{Offset: 0, Size: 6, Blob: hashes[0]},
		{Offset: 6, Size: 5, Blob: hashes[1]},
	}
	out, err := store.AssembleFile(ctx, refs)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if string(out) != "hello world" {
		t.Fatalf("assembled = %q, want %q", out, "hello world")
	}
}

func TestAssembleFileRejectsSizeMismatch(t *testing.T) {
	ctx := context.Background()
	store := New(NewMemoryBackend())
	hashes, _ := store.WriteBlobsWithUnknownHash(ctx, [][]byte{[]byte("short")})
	refs := []Reference{{Offset: 0, Size: 999, Blob: hashes[0]}}
	if _, err := store.AssembleFile(ctx, refs); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestStreamFileChunksVisitsEachChunk(t *testing.T) {
	ctx := context.Background()
	store := New(NewMemoryBackend())
	hashes, _ := store.WriteBlobsWithUnknownHash(ctx, [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	refs := []Reference{
		{Offset: 0, Size: 1, Blob: hashes[0]},
		{Offset: 1, Size: 1, Blob: hashes[1]},
		{Offset: 2, Size: 1, Blob: hashes[2]},
	}
	var collected []byte
	err := store.StreamFileChunks(ctx, refs, func(chunk []byte) error {
		collected = append(collected, chunk...)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if string(collected) != "abc" {
		t.Fatalf("collected = %q, want %q", collected, "abc")
	}
}

func TestCheckBlobsExist(t *testing.T) {
	ctx := context.Background()
	store := New(NewMemoryBackend())
	hashes, _ := store.WriteBlobsWithUnknownHash(ctx, [][]byte{[]byte("present")})
	result, err := store.CheckBlobsExist(ctx, []Hash{hashes[0], "missing"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !result[hashes[0]] || result["missing"] {
		t.Fatalf("unexpected existence map: %+v", result)
	}
}
