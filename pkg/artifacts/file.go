package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps blobs under root, sharded by the first digest byte so
// large archives never pile into one directory.
type FileStore struct {
	root string
}

// NewFileStore opens, creating if needed, a file archive at root.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		root = "archive"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: ensure archive root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(digest string) string {
	return filepath.Join(s.root, digest[:2], digest[2:]+".blob")
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	key := Key(data)
	digest, _ := objectName(key)
	path := s.path(digest)
	if _, err := os.Stat(path); err == nil {
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("artifacts: ensure shard dir: %w", err)
	}
	// Stage under a unique name, then rename. Concurrent writers of the
	// same content race harmlessly: every rename installs identical bytes.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".stage-*")
	if err != nil {
		return "", fmt.Errorf("artifacts: stage blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("artifacts: write blob: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("artifacts: finish blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("artifacts: finish blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("artifacts: commit blob: %w", err)
	}
	return key, nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	digest, err := objectName(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(digest))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("artifacts: read blob: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	digest, err := objectName(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(s.path(digest)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("artifacts: stat blob: %w", err)
	}
	return true, nil
}
