package pdo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChainBridge-Labs/chainbridge/core/pkg/canonical"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/crypto"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/ledger"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/registry"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/signal"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/violation"
)

// Rejection codes the engine attaches beyond those of the signature
// provider.
const (
	CodeUnknownIdentity   = "UNKNOWN_IDENTITY"
	CodeDecisionForbidden = "DECISION_FORBIDDEN"
	CodeInvalidOutcome    = "INVALID_OUTCOME"
	CodeLedgerConflict    = "LEDGER_CONFLICT"
)

// Counters is the engine's metric hook. The engine increments through
// this small interface so settlement never imports an exporter.
type Counters interface {
	Settled(state State)
	LedgerConflict()
}

type nopCounters struct{}

func (nopCounters) Settled(State)   {}
func (nopCounters) LedgerConflict() {}

// Decision is one authority's ruling over a PDO.
type Decision struct {
	Authority registry.GID
	Rationale string
	At        time.Time
}

// Engine drives PDOs through settlement against the signature provider,
// the registry, and the ledger.
type Engine struct {
	proofs   *crypto.Provider
	reg      registry.Resolver
	ledger   ledger.Store
	log      *slog.Logger
	signals  signal.Sink
	counters Counters
	now      func() time.Time
}

// NewEngine wires the settlement dependencies.
func NewEngine(proofs *crypto.Provider, reg registry.Resolver, store ledger.Store) *Engine {
	return &Engine{
		proofs:   proofs,
		reg:      reg,
		ledger:   store,
		log:      slog.Default(),
		signals:  signal.Discard,
		counters: nopCounters{},
		now:      time.Now,
	}
}

// WithLogger replaces the settlement logger.
func (e *Engine) WithLogger(log *slog.Logger) *Engine {
	if log != nil {
		e.log = log
	}
	return e
}

// WithSignals routes training-signal annotations to s.
func (e *Engine) WithSignals(s signal.Sink) *Engine {
	if s != nil {
		e.signals = s
	}
	return e
}

// WithCounters replaces the metric hook.
func (e *Engine) WithCounters(c Counters) *Engine {
	if c != nil {
		e.counters = c
	}
	return e
}

// WithClock replaces the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// VerifyProof drives PENDING -> PROOF_VERIFIED through the signature
// provider. INVALID rejects the PDO with the provider's code; ERROR is a
// backend fault and leaves the state untouched.
func (e *Engine) VerifyProof(ctx context.Context, p *PDO) error {
	if err := p.guard(StateProofVerified); err != nil {
		return err
	}
	res := e.proofs.Verify(ctx, p.Payload, p.Envelope)
	switch res.Status {
	case crypto.StatusValid:
		p.State = StateProofVerified
		e.log.Info("proof verified", "pdo_id", p.ID(), "key_id", res.KeyID, "code", res.Code)
		return nil
	case crypto.StatusError:
		e.log.Error("proof verification fault", "pdo_id", p.ID(), "code", res.Code, "reason", res.Reason)
		return fmt.Errorf("pdo: verify %s: %s: %s", p.ID(), res.Code, res.Reason)
	default:
		e.reject(p, res.Code)
		return &violation.Proof{Code: res.Code, Message: res.Reason, PDOID: p.ID()}
	}
}

// RecordDecision drives PROOF_VERIFIED -> DECISION_RECORDED. The
// authority must resolve in the registry, be active, and hold decision
// authority. DecidedBy is written exactly once; the transition table
// blocks any second recording.
func (e *Engine) RecordDecision(p *PDO, d Decision) error {
	if err := p.guard(StateDecisionRecorded); err != nil {
		return err
	}
	entry, err := e.reg.ByGID(d.Authority)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		e.reject(p, CodeUnknownIdentity)
		return &violation.Identity{
			Code:    CodeUnknownIdentity,
			Message: fmt.Sprintf("decision authority %s is not registered", d.Authority),
		}
	case err != nil:
		return fmt.Errorf("pdo: resolve decision authority: %w", err)
	case entry.Retired:
		e.reject(p, CodeUnknownIdentity)
		return &violation.Identity{
			Code:    CodeUnknownIdentity,
			Message: fmt.Sprintf("decision authority %s is retired", d.Authority),
		}
	case !entry.Role.Can(registry.PermRecordDecision):
		e.reject(p, CodeDecisionForbidden)
		return &violation.Identity{
			Code:    CodeDecisionForbidden,
			Message: fmt.Sprintf("role %s cannot record decisions", entry.Role),
		}
	}
	at := d.At
	if at.IsZero() {
		at = e.now()
	}
	p.DecidedBy = entry.GID
	p.DecidedAt = at.UTC()
	p.State = StateDecisionRecorded
	e.log.Info("decision recorded", "pdo_id", p.ID(), "authority", string(entry.GID))
	return nil
}

// FinalizeOutcome drives DECISION_RECORDED -> OUTCOME_FINALIZED. The
// outcome must come from the closed set; a zero at means now.
func (e *Engine) FinalizeOutcome(p *PDO, o Outcome, at time.Time) error {
	if err := p.guard(StateOutcomeFinalized); err != nil {
		return err
	}
	if !ValidOutcome(o) {
		e.reject(p, CodeInvalidOutcome)
		return &violation.Structural{
			Code:    CodeInvalidOutcome,
			Message: fmt.Sprintf("outcome %q is not in the closed set", o),
			Field:   "outcome",
		}
	}
	if at.IsZero() {
		at = e.now()
	}
	p.Outcome = o
	p.FinalizedAt = at.UTC()
	p.State = StateOutcomeFinalized
	return nil
}

// settlementRecord is the ledger payload committed for one finalized PDO.
type settlementRecord struct {
	PDOID       string    `json:"pdo_id"`
	PayloadHash string    `json:"payload_hash"`
	KeyID       string    `json:"key_id,omitempty"`
	DecidedBy   string    `json:"decided_by"`
	DecidedAt   time.Time `json:"decided_at"`
	Outcome     Outcome   `json:"outcome"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// Commit drives OUTCOME_FINALIZED -> FINALIZED with a ledger append. A
// moved head is retried exactly once against the fresh head; a second
// conflict rejects the PDO instead of committing twice.
func (e *Engine) Commit(ctx context.Context, p *PDO) error {
	if err := p.guard(StateFinalized); err != nil {
		return err
	}
	payload, err := e.settlementPayload(p)
	if err != nil {
		return err
	}
	entry, err := e.appendOnce(ctx, payload)
	if errors.Is(err, ledger.ErrConflict) {
		e.counters.LedgerConflict()
		entry, err = e.appendOnce(ctx, payload)
	}
	if errors.Is(err, ledger.ErrConflict) {
		e.reject(p, CodeLedgerConflict)
		return fmt.Errorf("pdo: commit %s after retry: %w", p.ID(), err)
	}
	if err != nil {
		return fmt.Errorf("pdo: commit %s: %w", p.ID(), err)
	}
	p.Sequence = entry.Sequence
	p.EntryHash = entry.EntryHash
	p.State = StateFinalized
	e.counters.Settled(StateFinalized)
	e.log.Info("settlement committed",
		"pdo_id", p.ID(), "sequence", entry.Sequence, "outcome", string(p.Outcome))
	_ = e.signals.Emit(signal.Record{
		At:     e.now().UTC(),
		Source: signal.SourceEngine,
		Note:   "settlement finalized",
		Ref:    p.ID(),
	})
	return nil
}

// Settle runs the full pipeline to a terminal state: proof, decision,
// outcome, ledger commit. It stops at the first failure.
func (e *Engine) Settle(ctx context.Context, p *PDO, d Decision, o Outcome) error {
	if err := e.VerifyProof(ctx, p); err != nil {
		return err
	}
	if err := e.RecordDecision(p, d); err != nil {
		return err
	}
	if err := e.FinalizeOutcome(p, o, time.Time{}); err != nil {
		return err
	}
	return e.Commit(ctx, p)
}

// appendOnce reads the head and attempts a single compare-and-swap
// append against it.
func (e *Engine) appendOnce(ctx context.Context, payload []byte) (ledger.Entry, error) {
	head, err := e.ledger.Head(ctx)
	if err != nil {
		return ledger.Entry{}, err
	}
	return e.ledger.Append(ctx, payload, head)
}

func (e *Engine) settlementPayload(p *PDO) ([]byte, error) {
	hash, err := canonical.Hash(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("pdo: hash payload: %w", err)
	}
	rec := settlementRecord{
		PDOID:       p.ID(),
		PayloadHash: hash,
		DecidedBy:   string(p.DecidedBy),
		DecidedAt:   p.DecidedAt,
		Outcome:     p.Outcome,
		FinalizedAt: p.FinalizedAt,
	}
	if p.Envelope != nil {
		rec.KeyID = p.Envelope.KeyID
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("pdo: encode settlement record: %w", err)
	}
	return data, nil
}

// reject drops the PDO to REJECTED with the originating code attached
// for audit.
func (e *Engine) reject(p *PDO, code string) {
	p.State = StateRejected
	p.RejectCode = code
	e.counters.Settled(StateRejected)
	e.log.Warn("pdo rejected", "pdo_id", p.ID(), "code", code)
	_ = e.signals.Emit(signal.Record{
		At:     e.now().UTC(),
		Source: signal.SourceEngine,
		Note:   "settlement rejected: " + code,
		Ref:    p.ID(),
	})
}
