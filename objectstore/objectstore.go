// Package objectstore keeps stored DICOM instances under blake3 content keys.
package objectstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// ErrNotFound is returned by Get for an unknown key.
var ErrNotFound = errors.New("objectstore: object not found")

// ProviderLocal names the filesystem backend in emitted events.
const ProviderLocal = "local"

// ContentKey returns the hex blake3 digest of data.
func ContentKey(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FS stores objects as files below root/bucket, fanned out by the first two key characters.
type FS struct {
	root   string
	bucket string
}

// NewFS creates the bucket directory if needed.
func NewFS(root, bucket string) (*FS, error) {
	if bucket == "" {
		bucket = "dicom"
	}
	if err := os.MkdirAll(filepath.Join(root, bucket), 0o755); err != nil {
		return nil, fmt.Errorf("create bucket directory: %w", err)
	}
	return &FS{root: root, bucket: bucket}, nil
}

func (s *FS) Bucket() string   { return s.bucket }
func (s *FS) Provider() string { return ProviderLocal }
func (s *FS) Root() string     { return s.root }

// Path returns the file path for key.
func (s *FS) Path(key string) (string, error) {
	if len(key) < 3 || filepath.Base(key) != key {
		return "", fmt.Errorf("objectstore: invalid key %q", key)
	}
	return filepath.Join(s.root, s.bucket, key[:2], key), nil
}

// Put writes data through a temporary file renamed into place, so readers never see partial objects.
func (s *FS) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.Path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create fan-out directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

// Get reads the object stored under key.
func (s *FS) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}
