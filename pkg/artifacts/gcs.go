//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore archives blobs in one GCS bucket using ambient credentials.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func newGCSStore(ctx context.Context, cfg Config) (Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: dial gcs: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(digest string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + digest + ".blob")
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	key := Key(data)
	digest, _ := objectName(key)
	obj := s.object(digest)
	_, err := obj.Attrs(ctx)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return "", fmt.Errorf("artifacts: gcs attrs %s: %w", key, err)
	}
	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("artifacts: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("artifacts: gcs commit %s: %w", key, err)
	}
	return key, nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	digest, err := objectName(key)
	if err != nil {
		return nil, err
	}
	r, err := s.object(digest).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs get %s: %w", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs read %s: %w", key, err)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	digest, err := objectName(key)
	if err != nil {
		return false, err
	}
	_, err = s.object(digest).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("artifacts: gcs attrs %s: %w", key, err)
}

// Close releases the client connection.
func (s *GCSStore) Close() error { return s.client.Close() }
