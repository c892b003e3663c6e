package violation

import (
	"errors"
	"strings"
	"testing"
)

func TestStructuralCarriesLocation(t *testing.T) {
	v := &Structural{Code: "MISSING_BLOCK_3", Message: "required block absent", Block: "AGENT_ACTIVATION_ACK"}
	if !strings.Contains(v.Error(), "MISSING_BLOCK_3") {
		t.Fatalf("error should carry code: %s", v.Error())
	}
	if !strings.Contains(v.Error(), "AGENT_ACTIVATION_ACK") {
		t.Fatalf("error should carry block location: %s", v.Error())
	}
}

func TestRejectionsAreErrors(t *testing.T) {
	var err error = &Proof{Code: "SIGNER_MISMATCH", Message: "key bound elsewhere"}
	var rej Rejection
	if !errors.As(err, &rej) {
		t.Fatal("proof violation should satisfy Rejection")
	}
	if rej.RejectCode() != "SIGNER_MISMATCH" {
		t.Fatalf("unexpected code %s", rej.RejectCode())
	}
}

func TestSequenceIsHaltingNotRejection(t *testing.T) {
	var err error = &Sequence{Code: "CHAIN_BREAK", Message: "fork detected", Sequence: 41}
	var rej Rejection
	if errors.As(err, &rej) {
		t.Fatal("sequence violation must never satisfy Rejection")
	}
	var halt Halting
	if !errors.As(err, &halt) {
		t.Fatal("sequence violation should satisfy Halting")
	}
}

func TestAdvisoryIsNotAnError(t *testing.T) {
	// Compile-level separation: Advisory has no Error method, so it cannot be
	// assigned to error. Assert the rendered form instead.
	a := Advisory{Code: "DEPRECATED_SCHEMA", Message: "1.0.x accepted until 2027", Block: "PAC_HEADER"}
	if !strings.Contains(a.String(), "DEPRECATED_SCHEMA") {
		t.Fatalf("advisory should render its code: %s", a.String())
	}
}
