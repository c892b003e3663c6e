package gate

import (
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ChainBridge-Labs/chainbridge/core/pkg/registry"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/violation"
)

var testNow = time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *registry.InMemory {
	t.Helper()
	reg, err := registry.NewInMemory([]registry.Entry{
		{GID: "GID-00", Name: "BENSON", Role: registry.RoleOrchestrator, Color: "GOLD", Lane: registry.LaneGovernance},
		{GID: "GID-11", Name: "ATLAS", Role: registry.RoleExecutor, Color: "BLUE", Lane: registry.LaneExecution},
		{GID: "GID-08", Name: "ALEX", Role: registry.RoleReviewer, Color: "WHITE", Lane: registry.LaneGovernance},
		{GID: "GID-09", Name: "VEGA", Role: registry.RoleObserver, Color: "GRAY", Lane: registry.LaneStrategy, Retired: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	return NewValidator(testRegistry(t)).WithLogger(quiet())
}

type fragment struct {
	name string
	text string
}

// pacFragments is a fully valid PAC in both embedding styles: fenced blocks
// plus a label-style SCOPE.
func pacFragments() []fragment {
	return []fragment{
		{"PAC_HEADER", `~~~yaml
PAC_HEADER:
  artifact_type: PAC
  schema_version: 1.2.0
  artifact_id: PAC-ATLAS-P42-LEDGER-RESERVATION-01
  agent_name: ATLAS
  gid: GID-11
  color: BLUE
  execution_lane: EXECUTION
~~~`},
		{"RUNTIME_ACTIVATION_ACK", `~~~yaml
RUNTIME_ACTIVATION_ACK:
  runtime: chainbridge-core
  mode: FAIL_CLOSED
~~~`},
		{"AGENT_ACTIVATION_ACK", `~~~yaml
AGENT_ACTIVATION_ACK:
  agent_name: ATLAS
  gid: GID-11
  color: BLUE
~~~`},
		{"SCOPE", "SCOPE:\n  paths:\n    - pkg/ledger\n  readonly: false"},
		{"TASKS", `~~~yaml
TASKS:
  - reserve the next ledger number
  - append the settlement entry
~~~`},
		{"ACCEPTANCE", `~~~yaml
ACCEPTANCE:
  criteria:
    - chain verifies end to end
~~~`},
		{"TRAINING_SIGNAL", `~~~yaml
TRAINING_SIGNAL:
  level: L2
  kind: POSITIVE_REINFORCEMENT
~~~`},
	}
}

func wrapFragments() []fragment {
	return []fragment{
		{"WRAP_PREAMBLE", `~~~yaml
WRAP_PREAMBLE:
  artifact_type: WRAP
  schema_version: 1.0.0
  artifact_id: WRAP-ATLAS-P42-LEDGER-RESERVATION-01
  agent_name: ATLAS
  gid: GID-11
~~~`},
		{"PAC_REFERENCE", `~~~yaml
PAC_REFERENCE:
  artifact_id: PAC-ATLAS-P42-LEDGER-RESERVATION-01
~~~`},
		{"SUMMARY", `~~~yaml
SUMMARY:
  outcome: reservation consumed and entry appended
~~~`},
		{"TRAINING_SIGNAL", `~~~yaml
TRAINING_SIGNAL:
  level: L1
  kind: POSITIVE_REINFORCEMENT
~~~`},
		{"FINAL_STATE", `~~~yaml
FINAL_STATE:
  status: EXECUTED
~~~`},
	}
}

func buildDoc(frags []fragment) []byte {
	var b strings.Builder
	b.WriteString("# Governance artifact\n\n")
	for _, f := range frags {
		b.WriteString(f.text)
		b.WriteString("\n\n")
	}
	return fence(b.String())
}

func dropFragment(frags []fragment, name string) []fragment {
	out := make([]fragment, 0, len(frags))
	for _, f := range frags {
		if f.name != name {
			out = append(out, f)
		}
	}
	return out
}

func swapFragments(frags []fragment, a, b string) []fragment {
	out := append([]fragment(nil), frags...)
	ia, ib := -1, -1
	for i, f := range out {
		switch f.name {
		case a:
			ia = i
		case b:
			ib = i
		}
	}
	out[ia], out[ib] = out[ib], out[ia]
	return out
}

// edit applies a single textual substitution to a built document.
func edit(doc []byte, old, new string) []byte {
	return []byte(strings.Replace(string(doc), old, new, 1))
}

func TestValidPAC(t *testing.T) {
	v := newTestValidator(t)
	verdict, err := v.Validate(buildDoc(pacFragments()), testNow)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !verdict.Valid || len(verdict.Errors) != 0 {
		t.Fatalf("verdict = %+v, want valid with no errors (codes %v)", verdict, verdict.Codes())
	}
	if verdict.Type != TypePAC {
		t.Errorf("type = %s, want PAC", verdict.Type)
	}
	if verdict.ArtifactID != "PAC-ATLAS-P42-LEDGER-RESERVATION-01" {
		t.Errorf("artifact_id = %q", verdict.ArtifactID)
	}
	if verdict.Agent.GID != "GID-11" {
		t.Errorf("agent = %+v, want ATLAS GID-11", verdict.Agent)
	}
	if len(verdict.Advisories) != 0 {
		t.Errorf("advisories = %+v, want none", verdict.Advisories)
	}
}

func TestMissingRequiredBlock(t *testing.T) {
	v := newTestValidator(t)
	doc := buildDoc(dropFragment(pacFragments(), "AGENT_ACTIVATION_ACK"))
	verdict, err := v.Validate(doc, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Valid {
		t.Fatal("verdict valid, want rejection")
	}
	if got := verdict.Codes(); !reflect.DeepEqual(got, []string{"MISSING_BLOCK_3"}) {
		t.Fatalf("codes = %v, want [MISSING_BLOCK_3]", got)
	}
	s, ok := verdict.Errors[0].(*violation.Structural)
	if !ok || s.Block != string(BlockAgentAck) {
		t.Fatalf("error = %#v, want structural violation on AGENT_ACTIVATION_ACK", verdict.Errors[0])
	}
}

func TestOrderViolation(t *testing.T) {
	v := newTestValidator(t)
	doc := buildDoc(swapFragments(pacFragments(), "RUNTIME_ACTIVATION_ACK", "AGENT_ACTIVATION_ACK"))
	verdict, err := v.Validate(doc, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if got := verdict.Codes(); !reflect.DeepEqual(got, []string{CodeOrderViolation}) {
		t.Fatalf("codes = %v, want [ORDER_VIOLATION]", got)
	}
	s := verdict.Errors[0].(*violation.Structural)
	if s.Block != string(BlockRuntimeAck) {
		t.Errorf("offending block = %s, want RUNTIME_ACTIVATION_ACK", s.Block)
	}
}

func TestUnknownType(t *testing.T) {
	v := newTestValidator(t)
	cases := map[string][]byte{
		"empty document":    []byte("nothing here\n"),
		"prose mentions":    []byte("PAC_HEADER, RUNTIME_ACTIVATION_ACK and AGENT_ACTIVATION_ACK appear only in prose.\n"),
		"non-header first":  buildDoc(pacFragments()[3:4]),
		"type field wrong":  edit(buildDoc(pacFragments()), "artifact_type: PAC", "artifact_type: WRAP"),
		"type field absent": edit(buildDoc(pacFragments()), "  artifact_type: PAC\n", ""),
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			verdict, err := v.Validate(doc, testNow)
			if err != nil {
				t.Fatal(err)
			}
			if verdict.Valid || !verdict.Has(CodeUnknownType) {
				t.Fatalf("codes = %v, want UNKNOWN_TYPE", verdict.Codes())
			}
		})
	}
}

func TestDuplicateBlock(t *testing.T) {
	v := newTestValidator(t)
	frags := append(pacFragments(), fragment{"SCOPE_DUP", "SCOPE:\n  paths:\n    - pkg/replay"})
	verdict, err := v.Validate(buildDoc(frags), testNow)
	if err != nil {
		t.Fatal(err)
	}
	if got := verdict.Codes(); !reflect.DeepEqual(got, []string{CodeDuplicateBlock}) {
		t.Fatalf("codes = %v, want [DUPLICATE_BLOCK]", got)
	}
}

func TestMalformedBlockStillCountsAsPresent(t *testing.T) {
	v := newTestValidator(t)
	frags := pacFragments()
	for i := range frags {
		if frags[i].name == "SCOPE" {
			frags[i].text = "~~~yaml\nSCOPE:\n  paths: [unclosed\n~~~"
		}
	}
	verdict, err := v.Validate(buildDoc(frags), testNow)
	if err != nil {
		t.Fatal(err)
	}
	// The body is unreadable but the block is present: MALFORMED_BLOCK
	// must not cascade into MISSING_BLOCK_4.
	if got := verdict.Codes(); !reflect.DeepEqual(got, []string{CodeMalformedBlock}) {
		t.Fatalf("codes = %v, want [MALFORMED_BLOCK]", got)
	}
}

func TestSchemaVersion(t *testing.T) {
	v := newTestValidator(t)
	base := buildDoc(pacFragments())
	cases := map[string][]byte{
		"unsupported major": edit(base, "schema_version: 1.2.0", "schema_version: 2.0.0"),
		"not a version":     edit(base, "schema_version: 1.2.0", "schema_version: latest"),
		"absent":            edit(base, "  schema_version: 1.2.0\n", ""),
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			verdict, err := v.Validate(doc, testNow)
			if err != nil {
				t.Fatal(err)
			}
			if got := verdict.Codes(); !reflect.DeepEqual(got, []string{CodeUnknownSchemaVersion}) {
				t.Fatalf("codes = %v, want [UNKNOWN_SCHEMA_VERSION]", got)
			}
		})
	}
}

func TestArtifactIDFormat(t *testing.T) {
	v := newTestValidator(t)
	base := buildDoc(pacFragments())
	id := "artifact_id: PAC-ATLAS-P42-LEDGER-RESERVATION-01"
	cases := map[string][]byte{
		"lowercase agent":  edit(base, id, "artifact_id: PAC-atlas-P42-LEDGER-RESERVATION-01"),
		"missing sequence": edit(base, id, "artifact_id: PAC-ATLAS-LEDGER-RESERVATION-01"),
		"short suffix":     edit(base, id, "artifact_id: PAC-ATLAS-P42-LEDGER-1"),
		"absent":           edit(base, "  "+id+"\n", ""),
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			verdict, err := v.Validate(doc, testNow)
			if err != nil {
				t.Fatal(err)
			}
			if !verdict.Has(CodeInvalidIDFormat) {
				t.Fatalf("codes = %v, want INVALID_ID_FORMAT", verdict.Codes())
			}
		})
	}
}

func TestExpiry(t *testing.T) {
	v := newTestValidator(t)
	withExpiry := func(value string) []byte {
		return edit(buildDoc(pacFragments()),
			"execution_lane: EXECUTION",
			"execution_lane: EXECUTION\n  expires_at: "+value)
	}

	verdict, err := v.Validate(withExpiry("2026-02-12T10:00:00Z"), testNow)
	if err != nil {
		t.Fatal(err)
	}
	if !verdict.Valid {
		t.Fatalf("future expiry rejected: %v", verdict.Codes())
	}

	for name, value := range map[string]string{
		"past":       "2026-02-10T10:00:00Z",
		"boundary":   "2026-02-11T10:00:00Z",
		"unreadable": "tomorrow-ish",
	} {
		t.Run(name, func(t *testing.T) {
			verdict, err := v.Validate(withExpiry(value), testNow)
			if err != nil {
				t.Fatal(err)
			}
			if got := verdict.Codes(); !reflect.DeepEqual(got, []string{CodeExpired}) {
				t.Fatalf("codes = %v, want [EXPIRED]", got)
			}
		})
	}
}

func TestIdentityChecks(t *testing.T) {
	v := newTestValidator(t)
	base := buildDoc(pacFragments())

	t.Run("unregistered gid", func(t *testing.T) {
		verdict, err := v.Validate(edit(base, "gid: GID-11", "gid: GID-99"), testNow)
		if err != nil {
			t.Fatal(err)
		}
		if got := verdict.Codes(); !reflect.DeepEqual(got, []string{CodeUnknownIdentity}) {
			t.Fatalf("codes = %v, want [UNKNOWN_IDENTITY]", got)
		}
	})

	t.Run("retired identity", func(t *testing.T) {
		doc := []byte(strings.NewReplacer(
			"ATLAS", "VEGA",
			"GID-11", "GID-09",
			"BLUE", "GRAY",
			"execution_lane: EXECUTION", "execution_lane: STRATEGY",
		).Replace(string(base)))
		verdict, err := v.Validate(doc, testNow)
		if err != nil {
			t.Fatal(err)
		}
		if got := verdict.Codes(); !reflect.DeepEqual(got, []string{CodeUnknownIdentity}) {
			t.Fatalf("codes = %v, want [UNKNOWN_IDENTITY]", got)
		}
	})

	t.Run("name disagrees with registry", func(t *testing.T) {
		doc := edit(base, "agent_name: ATLAS", "agent_name: ALEX")
		verdict, err := v.Validate(doc, testNow)
		if err != nil {
			t.Fatal(err)
		}
		if got := verdict.Codes(); !reflect.DeepEqual(got, []string{CodeIdentityMismatch}) {
			t.Fatalf("codes = %v, want [IDENTITY_MISMATCH]", got)
		}
		id := verdict.Errors[0].(*violation.Identity)
		if id.Field != "agent_name" {
			t.Errorf("field = %s, want agent_name", id.Field)
		}
	})

	t.Run("color disagrees with registry", func(t *testing.T) {
		verdict, err := v.Validate(edit(base, "color: BLUE", "color: RED"), testNow)
		if err != nil {
			t.Fatal(err)
		}
		if got := verdict.Codes(); !reflect.DeepEqual(got, []string{CodeIdentityMismatch}) {
			t.Fatalf("codes = %v, want [IDENTITY_MISMATCH]", got)
		}
	})

	t.Run("lane disagrees with registry", func(t *testing.T) {
		doc := edit(base, "execution_lane: EXECUTION", "execution_lane: GOVERNANCE")
		verdict, err := v.Validate(doc, testNow)
		if err != nil {
			t.Fatal(err)
		}
		if got := verdict.Codes(); !reflect.DeepEqual(got, []string{CodeLaneMismatch}) {
			t.Fatalf("codes = %v, want [LANE_MISMATCH]", got)
		}
	})

	t.Run("agent ack echoes a different agent", func(t *testing.T) {
		doc := edit(base,
			"AGENT_ACTIVATION_ACK:\n  agent_name: ATLAS",
			"AGENT_ACTIVATION_ACK:\n  agent_name: ALEX")
		verdict, err := v.Validate(doc, testNow)
		if err != nil {
			t.Fatal(err)
		}
		if got := verdict.Codes(); !reflect.DeepEqual(got, []string{CodeIdentityMismatch}) {
			t.Fatalf("codes = %v, want [IDENTITY_MISMATCH]", got)
		}
		id := verdict.Errors[0].(*violation.Identity)
		if id.Block != string(BlockAgentAck) {
			t.Errorf("block = %s, want AGENT_ACTIVATION_ACK", id.Block)
		}
	})

	t.Run("artifact id names a different agent", func(t *testing.T) {
		doc := edit(base,
			"artifact_id: PAC-ATLAS-P42-LEDGER-RESERVATION-01",
			"artifact_id: PAC-ALEX-P42-LEDGER-RESERVATION-01")
		verdict, err := v.Validate(doc, testNow)
		if err != nil {
			t.Fatal(err)
		}
		if got := verdict.Codes(); !reflect.DeepEqual(got, []string{CodeIdentityMismatch}) {
			t.Fatalf("codes = %v, want [IDENTITY_MISMATCH]", got)
		}
		id := verdict.Errors[0].(*violation.Identity)
		if id.Field != "artifact_id" {
			t.Errorf("field = %s, want artifact_id", id.Field)
		}
	})
}

func TestRuntimeAckForbiddenFields(t *testing.T) {
	v := newTestValidator(t)
	doc := edit(buildDoc(pacFragments()),
		"RUNTIME_ACTIVATION_ACK:\n  runtime: chainbridge-core",
		"RUNTIME_ACTIVATION_ACK:\n  runtime: chainbridge-core\n  agent_name: ATLAS\n  color: BLUE")
	verdict, err := v.Validate(doc, testNow)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{CodeForbiddenField, CodeForbiddenField}
	if got := verdict.Codes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("codes = %v, want %v", got, want)
	}
}

func TestValidWRAP(t *testing.T) {
	v := newTestValidator(t)
	verdict, err := v.Validate(buildDoc(wrapFragments()), testNow)
	if err != nil {
		t.Fatal(err)
	}
	if !verdict.Valid {
		t.Fatalf("codes = %v, want valid", verdict.Codes())
	}
	if verdict.Type != TypeWRAP {
		t.Errorf("type = %s, want WRAP", verdict.Type)
	}
	if verdict.ArtifactID != "WRAP-ATLAS-P42-LEDGER-RESERVATION-01" {
		t.Errorf("artifact_id = %q", verdict.ArtifactID)
	}
}

func TestWRAPRejectsControlBlocks(t *testing.T) {
	v := newTestValidator(t)
	frags := append(wrapFragments(), fragment{"TASKS", "TASKS:\n  - smuggled work item"})
	verdict, err := v.Validate(buildDoc(frags), testNow)
	if err != nil {
		t.Fatal(err)
	}
	if got := verdict.Codes(); !reflect.DeepEqual(got, []string{CodeForbiddenBlock}) {
		t.Fatalf("codes = %v, want [FORBIDDEN_BLOCK]", got)
	}
	s := verdict.Errors[0].(*violation.Structural)
	if s.Block != string(BlockTasks) {
		t.Errorf("block = %s, want TASKS", s.Block)
	}
}

func TestWRAPMissingTrainingSignal(t *testing.T) {
	v := newTestValidator(t)
	doc := buildDoc(dropFragment(wrapFragments(), "TRAINING_SIGNAL"))
	verdict, err := v.Validate(doc, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if got := verdict.Codes(); !reflect.DeepEqual(got, []string{"MISSING_BLOCK_3"}) {
		t.Fatalf("codes = %v, want [MISSING_BLOCK_3]", got)
	}
}

func TestAdvisoriesDoNotBlock(t *testing.T) {
	v := newTestValidator(t)

	t.Run("missing training signal on PAC", func(t *testing.T) {
		doc := buildDoc(dropFragment(pacFragments(), "TRAINING_SIGNAL"))
		verdict, err := v.Validate(doc, testNow)
		if err != nil {
			t.Fatal(err)
		}
		if !verdict.Valid {
			t.Fatalf("codes = %v, want valid", verdict.Codes())
		}
		if len(verdict.Advisories) != 1 || verdict.Advisories[0].Code != AdvisoryNoTrainingSignal {
			t.Fatalf("advisories = %+v, want one NO_TRAINING_SIGNAL", verdict.Advisories)
		}
	})

	t.Run("unrecognized block name", func(t *testing.T) {
		frags := append(pacFragments(), fragment{"GATEWAY_CHECK", "GATEWAY_CHECK:\n  status: ok"})
		verdict, err := v.Validate(buildDoc(frags), testNow)
		if err != nil {
			t.Fatal(err)
		}
		if !verdict.Valid {
			t.Fatalf("codes = %v, want valid", verdict.Codes())
		}
		if len(verdict.Advisories) != 1 || verdict.Advisories[0].Code != AdvisoryUnrecognizedBlock {
			t.Fatalf("advisories = %+v, want one UNRECOGNIZED_BLOCK", verdict.Advisories)
		}
	})
}

func TestTrainingSignalExtraction(t *testing.T) {
	v := newTestValidator(t)
	verdict, err := v.Validate(buildDoc(pacFragments()), testNow)
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Training == nil {
		t.Fatal("training payload not extracted")
	}
	if verdict.Training.Level != "L2" || verdict.Training.Kind != "POSITIVE_REINFORCEMENT" {
		t.Errorf("training = %+v", verdict.Training)
	}

	verdict, err = v.Validate(buildDoc(dropFragment(pacFragments(), "TRAINING_SIGNAL")), testNow)
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Training != nil {
		t.Errorf("training = %+v, want nil without the block", verdict.Training)
	}
}

type downResolver struct{}

func (downResolver) ByName(string) (registry.Entry, error) {
	return registry.Entry{}, fmt.Errorf("%w: dial timeout", registry.ErrUnavailable)
}

func (downResolver) ByGID(registry.GID) (registry.Entry, error) {
	return registry.Entry{}, fmt.Errorf("%w: dial timeout", registry.ErrUnavailable)
}

func TestRegistryUnavailableIsAnError(t *testing.T) {
	v := NewValidator(downResolver{}).WithLogger(quiet())
	_, err := v.Validate(buildDoc(pacFragments()), testNow)
	if err == nil {
		t.Fatal("Validate returned a verdict on registry outage, want fail-closed error")
	}
}

func TestVerdictIsDeterministic(t *testing.T) {
	v := newTestValidator(t)
	docs := [][]byte{
		buildDoc(pacFragments()),
		buildDoc(dropFragment(pacFragments(), "AGENT_ACTIVATION_ACK")),
		buildDoc(swapFragments(pacFragments(), "SCOPE", "TASKS")),
		edit(buildDoc(pacFragments()), "gid: GID-11", "gid: GID-99"),
		buildDoc(wrapFragments()),
		[]byte("not an artifact at all\n"),
	}
	for _, doc := range docs {
		first, err := v.Validate(doc, testNow)
		if err != nil {
			t.Fatal(err)
		}
		second, err := v.Validate(doc, testNow)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("verdicts differ for identical input:\n%+v\n%+v", first, second)
		}
	}
}
