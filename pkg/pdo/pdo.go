// Package pdo settles Proof-Decision-Outcome records. A PDO enters
// PENDING, has its proof verified, carries exactly one recorded decision
// and one finalized outcome, and leaves through a ledger commit
// (FINALIZED) or a rejection. Terminal states have no exits.
package pdo

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChainBridge-Labs/chainbridge/core/pkg/canonical"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/crypto"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/registry"
)

// State is a settlement stage.
type State string

const (
	StatePending          State = "PENDING"
	StateProofVerified    State = "PROOF_VERIFIED"
	StateDecisionRecorded State = "DECISION_RECORDED"
	StateOutcomeFinalized State = "OUTCOME_FINALIZED"
	StateFinalized        State = "FINALIZED"
	StateRejected         State = "REJECTED"
)

// validTransitions is the settlement table. Every non-terminal state may
// fall to REJECTED; nothing leaves FINALIZED or REJECTED.
var validTransitions = map[State][]State{
	StatePending:          {StateProofVerified, StateRejected},
	StateProofVerified:    {StateDecisionRecorded, StateRejected},
	StateDecisionRecorded: {StateOutcomeFinalized, StateRejected},
	StateOutcomeFinalized: {StateFinalized, StateRejected},
	StateFinalized:        nil,
	StateRejected:         nil,
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state has no exits.
func (s State) Terminal() bool { return s == StateFinalized || s == StateRejected }

// ErrInvalidTransition is returned for any move the table does not admit.
var ErrInvalidTransition = errors.New("pdo: invalid state transition")

// Outcome is the closed settlement outcome set.
type Outcome string

const (
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeRejected Outcome = "REJECTED"
)

// ValidOutcome reports whether o is a member of the closed set.
func ValidOutcome(o Outcome) bool {
	return o == OutcomeAccepted || o == OutcomeRejected
}

// PDO is one settlement unit.
type PDO struct {
	Payload  canonical.Payload
	Envelope *crypto.Envelope
	State    State

	// DecidedBy holds the single identity that recorded the decision.
	// The field is scalar on purpose: there is no second slot.
	DecidedBy registry.GID
	DecidedAt time.Time

	Outcome     Outcome
	FinalizedAt time.Time

	// Ledger binding, set when the settlement committed.
	Sequence  uint64
	EntryHash string

	// RejectCode carries the originating violation code for audit when
	// State is REJECTED.
	RejectCode string
}

// New wraps a signed payload as a PENDING settlement unit.
func New(payload canonical.Payload, env *crypto.Envelope) *PDO {
	return &PDO{Payload: payload, Envelope: env, State: StatePending}
}

// ID returns the payload's pdo_id, empty when unset.
func (p *PDO) ID() string {
	if p.Payload.PDOID == nil {
		return ""
	}
	return *p.Payload.PDOID
}

// guard verifies the table admits the move without performing it.
func (p *PDO) guard(to State) error {
	if !CanTransition(p.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.State, to)
	}
	return nil
}
