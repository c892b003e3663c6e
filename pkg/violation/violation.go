// Package violation defines the typed failure taxonomy shared by the gate,
// the signature provider, the ledger, and the settlement engine.
//
// Violations that reject an artifact or PDO implement Rejection. A broken
// hash chain implements Halting instead and must stop the process. Advisory
// is deliberately not an error: it cannot travel down a reject path, so no
// caller can promote or demote a verdict by mistaking one for the other.
package violation

import "fmt"

// Structural reports a missing, misordered, or malformed block or a schema
// mismatch. Always a rejection.
type Structural struct {
	Code    string
	Message string
	Block   string
	Field   string
}

func (v *Structural) Error() string {
	return format("structural", v.Code, v.Message, v.Block, v.Field)
}

// RejectCode implements Rejection.
func (v *Structural) RejectCode() string { return v.Code }

// Identity reports a registry mismatch: an unknown identity, or a field that
// disagrees with the registry entry. Always a rejection.
type Identity struct {
	Code    string
	Message string
	Block   string
	Field   string
}

func (v *Identity) Error() string {
	return format("identity", v.Code, v.Message, v.Block, v.Field)
}

// RejectCode implements Rejection.
func (v *Identity) RejectCode() string { return v.Code }

// Proof reports a signature, replay, or expiry failure on a PDO. Always a
// rejection.
type Proof struct {
	Code    string
	Message string
	PDOID   string
}

func (v *Proof) Error() string {
	if v.PDOID != "" {
		return fmt.Sprintf("proof violation %s (pdo %s): %s", v.Code, v.PDOID, v.Message)
	}
	return fmt.Sprintf("proof violation %s: %s", v.Code, v.Message)
}

// RejectCode implements Rejection.
func (v *Proof) RejectCode() string { return v.Code }

// Sequence reports a gap or fork in the ledger chain. Not locally
// recoverable: the process must halt and wait for operator intervention.
// A lost append race is NOT a Sequence violation; that is a retryable
// conflict.
type Sequence struct {
	Code     string
	Message  string
	Sequence uint64
}

func (v *Sequence) Error() string {
	return fmt.Sprintf("sequence violation %s at %d: %s", v.Code, v.Sequence, v.Message)
}

// HaltCode implements Halting.
func (v *Sequence) HaltCode() string { return v.Code }

// Rejection is satisfied by every violation that maps an artifact or PDO to
// a terminal REJECTED outcome.
type Rejection interface {
	error
	RejectCode() string
}

// Halting is satisfied by process-fatal violations only.
type Halting interface {
	error
	HaltCode() string
}

var (
	_ Rejection = (*Structural)(nil)
	_ Rejection = (*Identity)(nil)
	_ Rejection = (*Proof)(nil)
	_ Halting   = (*Sequence)(nil)
)

// Advisory is a non-blocking informational signal. It is not an error and
// implements neither Rejection nor Halting; it is logged and streamed to
// telemetry, nothing more.
type Advisory struct {
	Code    string
	Message string
	Block   string
}

// String renders the advisory for logs.
func (a Advisory) String() string {
	if a.Block != "" {
		return fmt.Sprintf("%s [%s]: %s", a.Code, a.Block, a.Message)
	}
	return fmt.Sprintf("%s: %s", a.Code, a.Message)
}

func format(kind, code, msg, block, field string) string {
	loc := ""
	switch {
	case block != "" && field != "":
		loc = fmt.Sprintf(" [%s.%s]", block, field)
	case block != "":
		loc = fmt.Sprintf(" [%s]", block)
	case field != "":
		loc = fmt.Sprintf(" [%s]", field)
	}
	return fmt.Sprintf("%s violation %s%s: %s", kind, code, loc, msg)
}
