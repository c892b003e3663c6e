package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestKeyFormat(t *testing.T) {
	key := Key([]byte("governance artifact"))
	if !strings.HasPrefix(key, "sha256:") || len(key) != len("sha256:")+64 {
		t.Fatalf("Key = %q, want sha256:<64 hex>", key)
	}
	if Key([]byte("governance artifact")) != key {
		t.Error("same bytes must produce the same key")
	}
	if Key([]byte("other bytes")) == key {
		t.Error("different bytes must produce different keys")
	}
}

func TestObjectNameRejectsMalformedKeys(t *testing.T) {
	for _, key := range []string{
		"",
		"sha256:",
		"sha256:abc",
		"md5:" + strings.Repeat("a", 64),
		"sha256:" + strings.Repeat("g", 64),
		strings.Repeat("a", 64),
	} {
		if _, err := objectName(key); !errors.Is(err, ErrBadKey) {
			t.Errorf("objectName(%q) = %v, want ErrBadKey", key, err)
		}
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	data := []byte(`{"pdo_id":"PDO-2026-0001"}`)
	key, err := store.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if key != Key(data) {
		t.Fatalf("Put key = %q, want the content address", key)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("Get = %q, want the original bytes", got)
	}

	ok, err := store.Exists(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v; want true", ok, err)
	}

	// Storing again is a no-op with the same key.
	again, err := store.Put(ctx, data)
	if err != nil || again != key {
		t.Fatalf("second Put = %q, %v; want the same key", again, err)
	}
}

func TestFileStoreShardsByDigest(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(root)
	if err != nil {
		t.Fatal(err)
	}
	key, err := store.Put(context.Background(), []byte("sharded blob"))
	if err != nil {
		t.Fatal(err)
	}
	digest := strings.TrimPrefix(key, "sha256:")
	path := filepath.Join(root, digest[:2], digest[2:]+".blob")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("blob not at sharded path %s: %v", path, err)
	}
}

func TestFileStoreMissingAndMalformed(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	key := Key([]byte("never stored"))
	if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
	ok, err := store.Exists(ctx, key)
	if err != nil || ok {
		t.Fatalf("Exists missing = %v, %v; want false", ok, err)
	}

	if _, err := store.Get(ctx, "sha256:xyz"); !errors.Is(err, ErrBadKey) {
		t.Fatalf("Get malformed = %v, want ErrBadKey", err)
	}
	if _, err := store.Exists(ctx, "not-a-key"); !errors.Is(err, ErrBadKey) {
		t.Fatalf("Exists malformed = %v, want ErrBadKey", err)
	}
}

func TestFileStoreConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("shared evidence")
	const writers = 16
	var wg sync.WaitGroup
	keys := make([]string, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, err := store.Put(ctx, data)
			if err != nil {
				t.Errorf("Put failed: %v", err)
				return
			}
			keys[i] = key
		}(i)
	}
	wg.Wait()

	for _, k := range keys {
		if k != keys[0] {
			t.Fatal("concurrent puts of one blob must agree on the key")
		}
	}
	got, err := store.Get(ctx, keys[0])
	if err != nil || string(got) != string(data) {
		t.Fatalf("Get after race = %q, %v; want the blob intact", got, err)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	ctx := context.Background()

	store, err := New(ctx, Config{Backend: BackendFile, Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.(*FileStore); !ok {
		t.Fatalf("store = %T, want *FileStore", store)
	}

	// Empty backend defaults to file.
	if _, err := New(ctx, Config{Dir: t.TempDir()}); err != nil {
		t.Fatalf("default backend failed: %v", err)
	}

	if _, err := New(ctx, Config{Backend: "tape"}); err == nil {
		t.Fatal("unknown backend must fail")
	}
	if _, err := New(ctx, Config{Backend: BackendS3}); err == nil {
		t.Fatal("s3 without a bucket must fail")
	}
	if _, err := New(ctx, Config{Backend: BackendGCS}); err == nil {
		t.Fatal("gcs without a bucket must fail")
	}
}
