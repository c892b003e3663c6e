package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is a non-durable Store for tests and single-process tooling.
type Memory struct {
	mu           sync.Mutex
	entries      []Entry
	head         string
	reservations map[uint64]*Reservation
	clock        func() time.Time
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		head:         HeadGenesis,
		reservations: make(map[uint64]*Reservation),
		clock:        time.Now,
	}
}

// WithClock overrides the time source. For tests.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

func (m *Memory) Append(_ context.Context, payload []byte, expectedPrevHash string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if expectedPrevHash != m.head {
		return Entry{}, fmt.Errorf("%w: expected %s, head is %s", ErrConflict, expectedPrevHash, m.head)
	}
	seq := uint64(len(m.entries)) + 1
	ts := m.clock().UTC()
	p := make([]byte, len(payload))
	copy(p, payload)
	entry := Entry{
		Sequence:    seq,
		Payload:     p,
		PayloadHash: HashPayload(p),
		PrevHash:    m.head,
		Timestamp:   ts,
	}
	entry.EntryHash = ComputeEntryHash(seq, entry.PrevHash, entry.PayloadHash, ts)
	m.entries = append(m.entries, entry)
	m.head = entry.EntryHash
	return entry, nil
}

func (m *Memory) Entry(_ context.Context, seq uint64) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq == 0 || seq > uint64(len(m.entries)) {
		return Entry{}, fmt.Errorf("%w: sequence %d", ErrNotFound, seq)
	}
	return m.entries[seq-1], nil
}

func (m *Memory) Entries(_ context.Context, from uint64, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if from == 0 {
		from = 1
	}
	if from > uint64(len(m.entries)) || limit <= 0 {
		return nil, nil
	}
	end := from - 1 + uint64(limit)
	if end > uint64(len(m.entries)) {
		end = uint64(len(m.entries))
	}
	out := make([]Entry, end-(from-1))
	copy(out, m.entries[from-1:end])
	return out, nil
}

func (m *Memory) Head(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head, nil
}

func (m *Memory) Length(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.entries)), nil
}

func (m *Memory) Reserve(_ context.Context, number uint64, holder, authority string, ttl time.Duration) (Reservation, error) {
	if number == 0 || holder == "" {
		return Reservation{}, fmt.Errorf("ledger: number and holder required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if number <= uint64(len(m.entries)) {
		return Reservation{}, fmt.Errorf("%w: number %d is already committed", ErrConflict, number)
	}
	if res, ok := m.reservations[number]; ok {
		if res.Consumed || now.Before(res.ExpiresAt) {
			return Reservation{}, fmt.Errorf("%w: number %d is held by %s", ErrConflict, number, res.Holder)
		}
		// Expired and unconsumed: the hold lapsed, replace it.
		delete(m.reservations, number)
	}
	res := &Reservation{
		Number:    number,
		Holder:    holder,
		Authority: authority,
		ExpiresAt: now.Add(clampTTL(ttl)),
	}
	m.reservations[number] = res
	return *res, nil
}

func (m *Memory) Consume(_ context.Context, number uint64, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[number]
	if !ok {
		return fmt.Errorf("%w: number %d", ErrNotReserved, number)
	}
	if res.Consumed {
		return fmt.Errorf("%w: number %d", ErrConsumed, number)
	}
	if !m.clock().Before(res.ExpiresAt) {
		return fmt.Errorf("%w: reservation of number %d expired", ErrNotReserved, number)
	}
	if res.Holder != holder {
		return fmt.Errorf("%w: number %d is held by %s", ErrNotHolder, number, res.Holder)
	}
	res.Consumed = true
	return nil
}

func (m *Memory) NextAvailable(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lowestFree(uint64(len(m.entries))+1, m.takenLocked(m.clock())), nil
}

// takenLocked lists reserved numbers that are consumed or still live,
// ascending. Expired unconsumed reservations are dropped on the way.
func (m *Memory) takenLocked(now time.Time) []uint64 {
	var taken []uint64
	for num, res := range m.reservations {
		if !res.Consumed && !now.Before(res.ExpiresAt) {
			delete(m.reservations, num)
			continue
		}
		taken = append(taken, num)
	}
	sort.Slice(taken, func(i, j int) bool { return taken[i] < taken[j] })
	return taken
}
