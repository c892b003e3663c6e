package pdo

import "testing"

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StatePending, StateProofVerified},
		{StatePending, StateRejected},
		{StateProofVerified, StateDecisionRecorded},
		{StateProofVerified, StateRejected},
		{StateDecisionRecorded, StateOutcomeFinalized},
		{StateDecisionRecorded, StateRejected},
		{StateOutcomeFinalized, StateFinalized},
		{StateOutcomeFinalized, StateRejected},
	}
	admitted := make(map[[2]State]bool, len(allowed))
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tc.from, tc.to)
		}
		admitted[[2]State{tc.from, tc.to}] = true
	}

	// Everything the table does not list is forbidden, including skips,
	// self-loops, and any exit from a terminal state.
	states := []State{
		StatePending, StateProofVerified, StateDecisionRecorded,
		StateOutcomeFinalized, StateFinalized, StateRejected,
	}
	for _, from := range states {
		for _, to := range states {
			if admitted[[2]State{from, to}] {
				continue
			}
			if CanTransition(from, to) {
				t.Errorf("CanTransition(%s, %s) = true, want false", from, to)
			}
		}
	}

	if CanTransition(State("BOGUS"), StateRejected) {
		t.Error("unknown states must admit no transitions")
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateFinalized, StateRejected} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []State{
		StatePending, StateProofVerified, StateDecisionRecorded, StateOutcomeFinalized,
	} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestValidOutcome(t *testing.T) {
	if !ValidOutcome(OutcomeAccepted) || !ValidOutcome(OutcomeRejected) {
		t.Error("members of the closed set must validate")
	}
	for _, o := range []Outcome{"", "MAYBE", "accepted", "APPROVED"} {
		if ValidOutcome(o) {
			t.Errorf("ValidOutcome(%q) = true, want false", o)
		}
	}
}

func TestNewStartsPending(t *testing.T) {
	p := New(testPayload("PDO-2026-0042", "GID-00"), nil)
	if p.State != StatePending {
		t.Fatalf("State = %s, want PENDING", p.State)
	}
	if p.ID() != "PDO-2026-0042" {
		t.Errorf("ID() = %q, want PDO-2026-0042", p.ID())
	}

	var empty PDO
	if empty.ID() != "" {
		t.Errorf("zero payload ID() = %q, want empty", empty.ID())
	}
}
