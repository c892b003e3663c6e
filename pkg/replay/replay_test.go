package replay

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func TestMemoryFirstUseWins(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	ok, err := s.Reserve(ctx, "pdo-1", "n1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first use should succeed")
	}

	ok, err = s.Reserve(ctx, "pdo-1", "n1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second use of same pair must be rejected")
	}
}

func TestMemoryPairsAreIndependent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if ok, _ := s.Reserve(ctx, "pdo-1", "n1"); !ok {
		t.Fatal("fresh pair should reserve")
	}
	// Same nonce under a different pdo_id is a different pair.
	if ok, _ := s.Reserve(ctx, "pdo-2", "n1"); !ok {
		t.Fatal("same nonce under different pdo_id should reserve")
	}
	// Same pdo_id with a fresh nonce is a different pair.
	if ok, _ := s.Reserve(ctx, "pdo-1", "n2"); !ok {
		t.Fatal("fresh nonce under same pdo_id should reserve")
	}
}

func TestMemorySeen(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	seen, _ := s.Seen(ctx, "pdo-1", "n1")
	if seen {
		t.Fatal("unconsumed pair should not be seen")
	}
	_, _ = s.Reserve(ctx, "pdo-1", "n1")
	seen, _ = s.Seen(ctx, "pdo-1", "n1")
	if !seen {
		t.Fatal("consumed pair should be seen")
	}
}

// Exactly one of 100 concurrent reservations of the same pair may win.
func TestMemoryConcurrentReservation(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	const callers = 100
	var wg sync.WaitGroup
	wins := make(chan bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Reserve(ctx, "pdo-race", "nonce-race")
			if err != nil {
				t.Error(err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", won)
	}
}

func TestSQLiteStoreDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.db")

	s1, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	ok, err := s1.Reserve(ctx, "pdo-1", "n1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first use should succeed")
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	// Re-open: consumption must survive the restart.
	s2, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s2.Close() }()

	ok, err = s2.Reserve(ctx, "pdo-1", "n1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("pair consumed before restart must stay consumed")
	}
	seen, err := s2.Seen(ctx, "pdo-1", "n1")
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Fatal("consumed pair should be seen after restart")
	}
}

func TestSQLiteStoreConcurrentReservation(t *testing.T) {
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "replay.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	const callers = 100
	var wg sync.WaitGroup
	wins := make(chan bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Reserve(ctx, "pdo-race", "nonce-race")
			if err != nil {
				t.Error(err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", won)
	}
}

func TestSQLiteStoreDistinctNonces(t *testing.T) {
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "replay.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		ok, err := s.Reserve(ctx, "pdo-1", fmt.Sprintf("n%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("fresh nonce n%d should reserve", i)
		}
	}
}
