package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DiskBackend stores blobs as plain files under a root directory, sharded
// two levels deep by the first four hex characters of the hash so a single
// directory never holds more than a few thousand entries. Writes land in a
// temp file first and are renamed into place, so a crash mid-write never
// leaves a partial blob visible under its final name.
type DiskBackend struct {
	root string
}

// NewDiskBackend builds a DiskBackend rooted at dir, creating it if needed.
func NewDiskBackend(dir string) (*DiskBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create disk root %s: %w", dir, err)
	}
	return &DiskBackend{root: dir}, nil
}

func (d *DiskBackend) path(hash Hash) string {
	s := string(hash)
	shard := s
	if len(s) >= 4 {
		shard = filepath.Join(s[0:2], s[2:4])
	}
	return filepath.Join(d.root, shard, s)
}

func (d *DiskBackend) Put(_ context.Context, hash Hash, data []byte) error {
	dest := d.path(hash)
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("blobstore: create shard dir for %s: %w", hash, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "upload-*.tmp")
	if err != nil {
		return fmt.Errorf("blobstore: create temp file for %s: %w", hash, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("blobstore: write temp file for %s: %w", hash, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("blobstore: close temp file for %s: %w", hash, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("blobstore: rename into place for %s: %w", hash, err)
	}
	return nil
}

func (d *DiskBackend) Get(_ context.Context, hash Hash) ([]byte, error) {
	data, err := os.ReadFile(d.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blobstore: read %s: %w", hash, err)
	}
	return data, nil
}

func (d *DiskBackend) GetReader(_ context.Context, hash Hash) (io.ReadCloser, error) {
	f, err := os.Open(d.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blobstore: open %s: %w", hash, err)
	}
	return f, nil
}

func (d *DiskBackend) Exists(_ context.Context, hash Hash) (bool, error) {
	_, err := os.Stat(d.path(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("blobstore: stat %s: %w", hash, err)
}

var (
	_ Backend          = (*DiskBackend)(nil)
	_ StreamingBackend = (*DiskBackend)(nil)
)
