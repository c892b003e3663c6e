package pdo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ChainBridge-Labs/chainbridge/core/pkg/canonical"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/ledger"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/registry"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/signal"
)

// CompositeState is an orchestration settlement stage. DRAFT accepts
// children, SEALED carries the proof, FINAL is ledger-committed.
type CompositeState string

const (
	CompositeDraft  CompositeState = "DRAFT"
	CompositeSealed CompositeState = "SEALED"
	CompositeFinal  CompositeState = "FINAL"
)

var (
	// ErrNoChildren means a composite was sealed with nothing bound.
	ErrNoChildren = errors.New("pdo: composite has no children")
	// ErrChildNotFinal means a bound child has not reached FINALIZED.
	ErrChildNotFinal = errors.New("pdo: child settlement is not finalized")
	// ErrDuplicateChild means the same settlement was bound twice.
	ErrDuplicateChild = errors.New("pdo: child already bound")
	// ErrHashCollision means two children produced the same hash, which
	// the proof cannot distinguish.
	ErrHashCollision = errors.New("pdo: duplicate child hash in proof")
	// ErrSealForbidden means the orchestrator lacks sealing authority.
	ErrSealForbidden = errors.New("pdo: orchestrator cannot seal composites")
)

// ChildRef binds a child settlement by id and canonical payload hash.
// Children are referenced by hash, never nested.
type ChildRef struct {
	PDOID string `json:"pdo_id"`
	Hash  string `json:"hash"`
}

// CompositeProof is the Merkle commitment over the children.
type CompositeProof struct {
	Root   string   `json:"root"`
	Leaves []string `json:"leaves"`
	Height int      `json:"height"`
}

// Verify recomputes the root from the stored leaves.
func (p *CompositeProof) Verify() bool {
	if len(p.Leaves) == 0 {
		return false
	}
	root, _ := merkleRoot(p.Leaves)
	return root == p.Root
}

// Composite aggregates finalized child settlements under one proof.
type Composite struct {
	ID           string
	Orchestrator registry.GID
	State        CompositeState
	Children     []ChildRef
	Proof        *CompositeProof
	CreatedAt    time.Time
	SealedAt     time.Time
	FinalizedAt  time.Time

	// Ledger binding, set when the composite committed.
	Sequence  uint64
	EntryHash string
}

// ProofValid recomputes the commitment from the bound children.
func (c *Composite) ProofValid() bool {
	if c.Proof == nil {
		return false
	}
	proof, err := buildCompositeProof(c.Children)
	if err != nil {
		return false
	}
	return proof.Root == c.Proof.Root
}

// NewComposite opens a DRAFT composite for the orchestrator.
func (e *Engine) NewComposite(id string, orchestrator registry.GID) *Composite {
	return &Composite{
		ID:           id,
		Orchestrator: orchestrator,
		State:        CompositeDraft,
		CreatedAt:    e.now().UTC(),
	}
}

// AddChild binds a finalized settlement to a DRAFT composite.
func (e *Engine) AddChild(c *Composite, p *PDO) error {
	if c.State != CompositeDraft {
		return fmt.Errorf("%w: %s composite accepts no children", ErrInvalidTransition, c.State)
	}
	if p.State != StateFinalized {
		return fmt.Errorf("%w: %s is %s", ErrChildNotFinal, p.ID(), p.State)
	}
	for _, ch := range c.Children {
		if ch.PDOID == p.ID() {
			return fmt.Errorf("%w: %s", ErrDuplicateChild, p.ID())
		}
	}
	hash, err := canonical.Hash(p.Payload)
	if err != nil {
		return fmt.Errorf("pdo: hash child payload: %w", err)
	}
	c.Children = append(c.Children, ChildRef{PDOID: p.ID(), Hash: hash})
	return nil
}

// Seal drives DRAFT -> SEALED: the orchestrator must hold sealing
// authority, and the Merkle commitment is computed over the children.
func (e *Engine) Seal(c *Composite) error {
	if c.State != CompositeDraft {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, CompositeSealed)
	}
	if len(c.Children) == 0 {
		return ErrNoChildren
	}
	entry, err := e.reg.ByGID(c.Orchestrator)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return fmt.Errorf("%w: %s is not registered", ErrSealForbidden, c.Orchestrator)
	case err != nil:
		return fmt.Errorf("pdo: resolve orchestrator: %w", err)
	case entry.Retired || !entry.Role.Can(registry.PermSealComposite):
		return fmt.Errorf("%w: %s", ErrSealForbidden, c.Orchestrator)
	}
	proof, err := buildCompositeProof(c.Children)
	if err != nil {
		return err
	}
	c.Proof = proof
	c.SealedAt = e.now().UTC()
	c.State = CompositeSealed
	e.log.Info("composite sealed",
		"composite_id", c.ID, "children", len(c.Children), "root", proof.Root)
	return nil
}

// compositeRecord is the ledger payload committed for one composite.
type compositeRecord struct {
	CompositeID  string     `json:"composite_id"`
	Orchestrator string     `json:"orchestrator"`
	Root         string     `json:"root"`
	Children     []ChildRef `json:"children"`
	SealedAt     time.Time  `json:"sealed_at"`
}

// FinalizeComposite drives SEALED -> FINAL with a ledger commit of the
// proof, retrying a moved head once like any settlement commit. On
// failure the composite stays SEALED; nothing half-commits.
func (e *Engine) FinalizeComposite(ctx context.Context, c *Composite) error {
	if c.State != CompositeSealed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, CompositeFinal)
	}
	rec := compositeRecord{
		CompositeID:  c.ID,
		Orchestrator: string(c.Orchestrator),
		Root:         c.Proof.Root,
		Children:     c.Children,
		SealedAt:     c.SealedAt,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("pdo: encode composite record: %w", err)
	}
	entry, err := e.appendOnce(ctx, payload)
	if errors.Is(err, ledger.ErrConflict) {
		e.counters.LedgerConflict()
		entry, err = e.appendOnce(ctx, payload)
	}
	if err != nil {
		return fmt.Errorf("pdo: commit composite %s: %w", c.ID, err)
	}
	c.Sequence = entry.Sequence
	c.EntryHash = entry.EntryHash
	c.FinalizedAt = e.now().UTC()
	c.State = CompositeFinal
	e.log.Info("composite finalized", "composite_id", c.ID, "sequence", entry.Sequence)
	_ = e.signals.Emit(signal.Record{
		At:     e.now().UTC(),
		Source: signal.SourceEngine,
		Note:   "composite finalized",
		Ref:    c.ID,
	})
	return nil
}

// buildCompositeProof computes the sorted-leaf Merkle commitment over the
// children's hashes.
func buildCompositeProof(children []ChildRef) (*CompositeProof, error) {
	leaves := make([]string, len(children))
	for i, ch := range children {
		leaves[i] = ch.Hash
	}
	sort.Strings(leaves)
	for i := 1; i < len(leaves); i++ {
		if leaves[i] == leaves[i-1] {
			return nil, fmt.Errorf("%w: %s", ErrHashCollision, leaves[i])
		}
	}
	root, height := merkleRoot(leaves)
	return &CompositeProof{Root: root, Leaves: leaves, Height: height}, nil
}

// merkleRoot folds the sorted leaves pairwise, duplicating the last hash
// of an odd level. A single leaf is its own root.
func merkleRoot(leaves []string) (string, int) {
	level := append([]string(nil), leaves...)
	height := 0
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, nodeHash(level[i], level[i+1]))
		}
		level = next
		height++
	}
	return level[0], height
}

func nodeHash(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return "sha256:" + hex.EncodeToString(sum[:])
}
