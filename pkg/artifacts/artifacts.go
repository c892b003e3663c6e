// Package artifacts is the content-addressed archive of governance
// evidence: validated artifact bytes and sealed settlement bundles, keyed
// by their sha256 so an auditor can fetch exactly the bytes that were
// checked.
//
// The archive is retain-only. Nothing in the system deletes evidence;
// pruning is an operator concern outside this process.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound means no blob exists under the requested key.
	ErrNotFound = errors.New("artifacts: blob not found")
	// ErrBadKey means the key is not a sha256:<hex> content address.
	ErrBadKey = errors.New("artifacts: malformed content key")
)

// Store is the archive contract. Put is idempotent: storing the same
// bytes twice returns the same key and writes at most once.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Key returns the content address of data.
func Key(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// objectName validates key and returns the bare hex digest.
func objectName(key string) (string, error) {
	digest, ok := strings.CutPrefix(key, "sha256:")
	if !ok || len(digest) != 64 {
		return "", fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	return digest, nil
}

// Backend selects the archive implementation.
type Backend string

const (
	BackendFile Backend = "file"
	BackendS3   Backend = "s3"
	BackendGCS  Backend = "gcs"
)

// Config carries the backend selection and its settings.
type Config struct {
	Backend Backend
	// Dir is the file backend root.
	Dir string
	// Bucket, Region, Endpoint and Prefix configure the object stores.
	// Endpoint overrides the S3 endpoint for MinIO-style deployments.
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// New builds the configured archive backend. An empty backend means file.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendFile, "":
		return NewFileStore(cfg.Dir)
	case BackendS3:
		if cfg.Bucket == "" {
			return nil, errors.New("artifacts: s3 backend requires a bucket")
		}
		return NewS3Store(ctx, cfg)
	case BackendGCS:
		if cfg.Bucket == "" {
			return nil, errors.New("artifacts: gcs backend requires a bucket")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("artifacts: unknown backend %q", cfg.Backend)
	}
}
