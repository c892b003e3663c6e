// Package ledger is the append-only settlement log. Entries are
// hash-chained: each entry hash covers the sequence number, the previous
// entry hash, the payload hash and the timestamp, so any mutation or
// reordering breaks every later link.
//
// Appends use optimistic concurrency. The caller states the head hash it
// observed; if the head moved, the append fails with ErrConflict and the
// caller re-reads and retries. A lost race is therefore never a sequence
// violation, only a retry.
//
// The ledger also owns artifact number reservations: a number is reserved
// by a holder for a bounded time, then consumed exactly once by that same
// holder. Expired reservations return to the pool.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ChainBridge-Labs/chainbridge/core/pkg/violation"
)

// HeadGenesis is the prev_hash of the first entry.
const HeadGenesis = "genesis"

// Reservation TTL bounds. Requests above the maximum are clamped, not
// rejected; requests without a TTL get the default.
const (
	DefaultReservationTTL = time.Hour
	MaxReservationTTL     = 24 * time.Hour
)

var (
	// ErrConflict means the head moved between read and append. Retryable.
	ErrConflict = errors.New("ledger: head moved, append conflicts")
	// ErrNotFound means no entry exists at the requested sequence.
	ErrNotFound = errors.New("ledger: entry not found")
	// ErrNotReserved means the number has no live reservation.
	ErrNotReserved = errors.New("ledger: number not reserved")
	// ErrNotHolder means the reservation belongs to a different holder.
	ErrNotHolder = errors.New("ledger: reservation held by another holder")
	// ErrConsumed means the reservation was already consumed.
	ErrConsumed = errors.New("ledger: reservation already consumed")
	// ErrOutOfOrder means the admitted number is not the next sequence.
	ErrOutOfOrder = errors.New("ledger: number admitted out of order")
)

// Entry is one immutable ledger record.
type Entry struct {
	Sequence    uint64    `json:"sequence"`
	Payload     []byte    `json:"payload"`
	PayloadHash string    `json:"payload_hash"`
	PrevHash    string    `json:"prev_hash"`
	EntryHash   string    `json:"entry_hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// Reservation is a bounded-time hold on a ledger number. The reservation
// number space is the sequence space: a committed entry occupies its
// number permanently, a live reservation occupies it until consumed or
// expired.
type Reservation struct {
	Number    uint64    `json:"number"`
	Holder    string    `json:"holder"`
	Authority string    `json:"authority"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
}

// Store is the durable ledger contract. Chain reads see entries in
// sequence order starting at 1 with no gaps.
type Store interface {
	// Append commits payload as the next entry iff the current head hash
	// equals expectedPrevHash. A moved head returns ErrConflict.
	Append(ctx context.Context, payload []byte, expectedPrevHash string) (Entry, error)
	// Entry returns the entry at seq, or ErrNotFound.
	Entry(ctx context.Context, seq uint64) (Entry, error)
	// Entries returns up to limit entries starting at sequence from.
	Entries(ctx context.Context, from uint64, limit int) ([]Entry, error)
	// Head returns the entry hash of the latest entry, or HeadGenesis.
	Head(ctx context.Context) (string, error)
	// Length returns the number of entries.
	Length(ctx context.Context) (uint64, error)

	// Reserve holds number for holder under the granting authority.
	// A committed entry or a live reservation at that number returns
	// ErrConflict; an expired unconsumed reservation is replaced.
	Reserve(ctx context.Context, number uint64, holder, authority string, ttl time.Duration) (Reservation, error)
	// Consume spends a live reservation. Only its holder may consume it,
	// and only once.
	Consume(ctx context.Context, number uint64, holder string) error
	// NextAvailable reports the lowest number with neither a committed
	// entry nor a live or consumed reservation.
	NextAvailable(ctx context.Context) (uint64, error)
}

// Allocate claims the lowest free number: read NextAvailable, try to
// Reserve it, and retry on conflict when a concurrent caller got there
// first. Concurrent allocators therefore receive distinct numbers with
// no gaps relative to existing commits.
func Allocate(ctx context.Context, s Store, holder, authority string, ttl time.Duration) (Reservation, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Reservation{}, err
		}
		n, err := s.NextAvailable(ctx)
		if err != nil {
			return Reservation{}, err
		}
		res, err := s.Reserve(ctx, n, holder, authority, ttl)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return Reservation{}, err
		}
		return res, nil
	}
}

// AdmitNumber spends the reservation at number, but only when number is
// exactly the next sequence the chain will assign. Admission therefore
// fails one of four distinct ways: out of order, never reserved, held by
// someone else, or already consumed.
func AdmitNumber(ctx context.Context, s Store, number uint64, holder string) error {
	length, err := s.Length(ctx)
	if err != nil {
		return fmt.Errorf("ledger: read length: %w", err)
	}
	if next := length + 1; number != next {
		return fmt.Errorf("%w: got %d, next is %d", ErrOutOfOrder, number, next)
	}
	return s.Consume(ctx, number, holder)
}

// ComputeEntryHash derives the chained hash of one entry. The preimage is
// sequence, prev hash, payload hash and the RFC 3339 nano timestamp,
// colon-joined, so re-verification is possible from stored fields alone.
func ComputeEntryHash(seq uint64, prevHash, payloadHash string, ts time.Time) string {
	preimage := fmt.Sprintf("%d:%s:%s:%s", seq, prevHash, payloadHash, ts.UTC().Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(preimage))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// HashPayload returns the content hash stored alongside an entry.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ChainReport is the result of a full chain verification.
type ChainReport struct {
	OK      bool
	Length  uint64
	BreakAt uint64 // sequence of the first broken entry, 0 when OK
	Reason  string
}

const verifyPageSize = 256

// VerifyChain re-walks the whole chain, recomputing every entry hash and
// checking every link. The first broken entry is reported by sequence.
func VerifyChain(ctx context.Context, s Store) (ChainReport, error) {
	report := ChainReport{OK: true}
	prev := HeadGenesis
	next := uint64(1)
	for {
		page, err := s.Entries(ctx, next, verifyPageSize)
		if err != nil {
			return ChainReport{}, fmt.Errorf("ledger: read entries from %d: %w", next, err)
		}
		if len(page) == 0 {
			return report, nil
		}
		for _, e := range page {
			if e.Sequence != next {
				return ChainReport{
					Length:  report.Length,
					BreakAt: e.Sequence,
					Reason:  fmt.Sprintf("expected sequence %d, found %d", next, e.Sequence),
				}, nil
			}
			if e.PrevHash != prev {
				return ChainReport{
					Length:  report.Length,
					BreakAt: e.Sequence,
					Reason:  fmt.Sprintf("prev_hash %s does not match head %s", e.PrevHash, prev),
				}, nil
			}
			if got := HashPayload(e.Payload); got != e.PayloadHash {
				return ChainReport{
					Length:  report.Length,
					BreakAt: e.Sequence,
					Reason:  "payload does not match payload_hash",
				}, nil
			}
			if got := ComputeEntryHash(e.Sequence, e.PrevHash, e.PayloadHash, e.Timestamp); got != e.EntryHash {
				return ChainReport{
					Length:  report.Length,
					BreakAt: e.Sequence,
					Reason:  "entry_hash does not match recomputation",
				}, nil
			}
			prev = e.EntryHash
			next++
			report.Length++
		}
	}
}

// ValidateSequence checks that stored sequences are exactly 1..N with no
// gap or duplicate. A failure here means the log was tampered with out of
// band and settlement must halt.
func ValidateSequence(ctx context.Context, s Store) error {
	next := uint64(1)
	for {
		page, err := s.Entries(ctx, next, verifyPageSize)
		if err != nil {
			return fmt.Errorf("ledger: read entries from %d: %w", next, err)
		}
		if len(page) == 0 {
			return nil
		}
		for _, e := range page {
			switch {
			case e.Sequence < next:
				return &violation.Sequence{
					Code:     "SEQUENCE_DUPLICATE",
					Message:  fmt.Sprintf("sequence %d appears more than once", e.Sequence),
					Sequence: e.Sequence,
				}
			case e.Sequence > next:
				return &violation.Sequence{
					Code:     "SEQUENCE_GAP",
					Message:  fmt.Sprintf("sequence jumps from %d to %d", next-1, e.Sequence),
					Sequence: e.Sequence,
				}
			}
			next++
		}
	}
}

// clampTTL applies the reservation TTL bounds.
func clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultReservationTTL
	}
	if ttl > MaxReservationTTL {
		return MaxReservationTTL
	}
	return ttl
}

// lowestFree returns the smallest number >= start absent from the sorted
// ascending list of taken numbers.
func lowestFree(start uint64, taken []uint64) uint64 {
	next := start
	for _, n := range taken {
		if n > next {
			break
		}
		if n == next {
			next++
		}
	}
	return next
}
