// Package replay enforces single use of (pdo_id, nonce) pairs.
//
// A pair moves UNUSED -> CONSUMED exactly once and never back. Reserve is the
// consumption: it must be atomic in every backend, so that under concurrent
// submission of the same pair exactly one caller wins. Durable backends
// (SQLite, Redis) survive process restarts; the in-memory store exists for
// tests and single-process tooling.
package replay

import (
	"context"
	"sync"
)

// Store is the replay guard contract.
type Store interface {
	// Reserve consumes the pair, returning true only on first use.
	Reserve(ctx context.Context, pdoID, nonce string) (bool, error)
	// Seen reports whether the pair has already been consumed.
	Seen(ctx context.Context, pdoID, nonce string) (bool, error)
}

type pair struct {
	pdoID string
	nonce string
}

// Memory is a non-durable Store.
type Memory struct {
	mu       sync.Mutex
	consumed map[pair]struct{}
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{consumed: make(map[pair]struct{})}
}

func (m *Memory) Reserve(_ context.Context, pdoID, nonce string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pair{pdoID, nonce}
	if _, used := m.consumed[k]; used {
		return false, nil
	}
	m.consumed[k] = struct{}{}
	return true, nil
}

func (m *Memory) Seen(_ context.Context, pdoID, nonce string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, used := m.consumed[pair{pdoID, nonce}]
	return used, nil
}
