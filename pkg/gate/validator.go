package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/ChainBridge-Labs/chainbridge/core/pkg/registry"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/violation"
)

// Structural and identity error codes. MISSING_BLOCK_<n> codes are built by
// MissingBlockCode.
const (
	CodeUnknownType          = "UNKNOWN_TYPE"
	CodeUnknownSchemaVersion = "UNKNOWN_SCHEMA_VERSION"
	CodeInvalidIDFormat      = "INVALID_ID_FORMAT"
	CodeOrderViolation       = "ORDER_VIOLATION"
	CodeDuplicateBlock       = "DUPLICATE_BLOCK"
	CodeMalformedBlock       = "MALFORMED_BLOCK"
	CodeForbiddenBlock       = "FORBIDDEN_BLOCK"
	CodeForbiddenField       = "FORBIDDEN_FIELD"
	CodeUnknownIdentity      = "UNKNOWN_IDENTITY"
	CodeIdentityMismatch     = "IDENTITY_MISMATCH"
	CodeLaneMismatch         = "LANE_MISMATCH"
	CodeExpired              = "EXPIRED"
)

// Advisory codes. Advisories never affect the verdict.
const (
	AdvisoryUnrecognizedBlock = "UNRECOGNIZED_BLOCK"
	AdvisoryNoTrainingSignal  = "NO_TRAINING_SIGNAL"
)

// MissingBlockCode builds the code for a missing required block; n is the
// 1-based index into the artifact type's required-block list.
func MissingBlockCode(n int) string { return fmt.Sprintf("MISSING_BLOCK_%d", n) }

// DefaultSchemaVersions is the schema_version constraint accepted by default.
const DefaultSchemaVersions = "^1.0.0"

// Verdict is the gate's terminal answer for one artifact. Errors empty means
// Valid; there is no pass-with-caveats in between. Advisories ride alongside
// and can never unblock a failure.
type Verdict struct {
	Valid      bool
	Type       ArtifactType
	ArtifactID string
	// Agent is the registry entry the artifact's identity resolved to, zero
	// when resolution failed.
	Agent registry.Entry
	// Training carries the extracted TRAINING_SIGNAL fields when the
	// artifact included that block. Telemetry only; no check reads it.
	Training   *TrainingSignal
	Errors     []violation.Rejection
	Advisories []violation.Advisory
}

// TrainingSignal is the telemetry payload of a TRAINING_SIGNAL block.
type TrainingSignal struct {
	Level string
	Kind  string
	Note  string
}

// Codes returns the reject codes in report order, for logs and tests.
func (v Verdict) Codes() []string {
	codes := make([]string, 0, len(v.Errors))
	for _, e := range v.Errors {
		codes = append(codes, e.RejectCode())
	}
	return codes
}

// Has reports whether the verdict carries the given reject code.
func (v Verdict) Has(code string) bool {
	for _, e := range v.Errors {
		if e.RejectCode() == code {
			return true
		}
	}
	return false
}

// Validator checks artifacts against the compiled schemas and the registry.
// It holds no mutable state and is safe for concurrent use.
type Validator struct {
	reg      registry.Resolver
	versions *semver.Constraints
	log      *slog.Logger
}

// NewValidator builds a validator over the given registry with the default
// schema_version constraint.
func NewValidator(reg registry.Resolver) *Validator {
	return &Validator{
		reg:      reg,
		versions: mustConstraint(DefaultSchemaVersions),
		log:      slog.Default(),
	}
}

// WithLogger replaces the verdict logger.
func (v *Validator) WithLogger(log *slog.Logger) *Validator {
	if log != nil {
		v.log = log
	}
	return v
}

// WithSchemaVersions replaces the accepted schema_version constraint.
func (v *Validator) WithSchemaVersions(c *semver.Constraints) *Validator {
	if c != nil {
		v.versions = c
	}
	return v
}

// Validate parses and checks one artifact document. The verdict is a pure
// function of the document bytes, the registry contents, and now; the error
// return carries only registry backend failures, which callers must treat as
// fail-closed, never as a pass.
func (v *Validator) Validate(data []byte, now time.Time) (Verdict, error) {
	ex := extractBlocks(data)
	verdict := Verdict{Advisories: ex.Advisories}
	for _, e := range ex.Errors {
		verdict.Errors = append(verdict.Errors, e)
	}

	if len(ex.Blocks) == 0 {
		verdict.Errors = append(verdict.Errors, &violation.Structural{
			Code:    CodeUnknownType,
			Message: "document contains no artifact blocks",
		})
		return v.finish(verdict), nil
	}

	schema, ok := detectSchema(ex.Blocks[0])
	if !ok {
		verdict.Errors = append(verdict.Errors, &violation.Structural{
			Code:    CodeUnknownType,
			Message: fmt.Sprintf("first block %s does not declare a known artifact type (line %d)", ex.Blocks[0].Kind, ex.Blocks[0].Line),
			Block:   string(ex.Blocks[0].Kind),
		})
		return v.finish(verdict), nil
	}
	verdict.Type = schema.Type

	v.checkStructure(schema, ex.Blocks, &verdict)
	v.checkHeader(schema, ex.Blocks[0], now, &verdict)
	if err := v.checkIdentity(ex.Blocks, &verdict); err != nil {
		return Verdict{}, err
	}
	v.checkAdvisories(schema, ex.Blocks, &verdict)
	extractTraining(ex.Blocks, &verdict)

	return v.finish(verdict), nil
}

// extractTraining surfaces the TRAINING_SIGNAL payload for telemetry sinks
// downstream of the gate.
func extractTraining(blocks []Block, verdict *Verdict) {
	for _, b := range blocks {
		if b.Kind != BlockTraining || b.Malformed {
			continue
		}
		ts := &TrainingSignal{}
		ts.Level, _ = stringField(b.Fields, "level")
		ts.Kind, _ = stringField(b.Fields, "kind")
		ts.Note, _ = stringField(b.Fields, "note")
		verdict.Training = ts
		return
	}
}

// checkStructure enforces duplicates, the admitted block set, required
// presence, and relative order.
func (v *Validator) checkStructure(s *artifactSchema, blocks []Block, verdict *Verdict) {
	seen := make(map[BlockKind]int, len(blocks))
	var ordered []Block
	for _, b := range blocks {
		seen[b.Kind]++
		if seen[b.Kind] == 2 {
			verdict.Errors = append(verdict.Errors, &violation.Structural{
				Code:    CodeDuplicateBlock,
				Message: fmt.Sprintf("block appears more than once (line %d)", b.Line),
				Block:   string(b.Kind),
			})
		}
		if seen[b.Kind] > 1 {
			continue
		}
		if !s.admits(b.Kind) {
			verdict.Errors = append(verdict.Errors, &violation.Structural{
				Code:    CodeForbiddenBlock,
				Message: fmt.Sprintf("%s artifacts do not admit this block (line %d)", s.Type, b.Line),
				Block:   string(b.Kind),
			})
			continue
		}
		ordered = append(ordered, b)
	}

	for i, kind := range s.required {
		if seen[kind] == 0 {
			verdict.Errors = append(verdict.Errors, &violation.Structural{
				Code:    MissingBlockCode(i + 1),
				Message: fmt.Sprintf("required block %s is missing", kind),
				Block:   string(kind),
			})
		}
	}

	// Relative order over first occurrences: positions must strictly
	// increase along the document.
	last := -1
	for _, b := range ordered {
		pos, _ := s.positionOf(b.Kind)
		if pos < last {
			verdict.Errors = append(verdict.Errors, &violation.Structural{
				Code:    CodeOrderViolation,
				Message: fmt.Sprintf("block out of order (line %d)", b.Line),
				Block:   string(b.Kind),
			})
			continue
		}
		last = pos
	}
}

// checkHeader enforces the header-only fields: schema_version, artifact_id,
// and the optional expires_at deadline. The header is known to be a mapping
// here; type detection already required its artifact_type field.
func (v *Validator) checkHeader(s *artifactSchema, header Block, now time.Time, verdict *Verdict) {
	block := string(header.Kind)

	ver, ok := stringField(header.Fields, "schema_version")
	if !ok {
		verdict.Errors = append(verdict.Errors, &violation.Structural{
			Code:    CodeUnknownSchemaVersion,
			Message: "header declares no schema_version",
			Block:   block,
			Field:   "schema_version",
		})
	} else if parsed, err := semver.NewVersion(ver); err != nil || !v.versions.Check(parsed) {
		verdict.Errors = append(verdict.Errors, &violation.Structural{
			Code:    CodeUnknownSchemaVersion,
			Message: fmt.Sprintf("schema_version %q is not supported", ver),
			Block:   block,
			Field:   "schema_version",
		})
	}

	id, ok := stringField(header.Fields, "artifact_id")
	switch {
	case !ok:
		verdict.Errors = append(verdict.Errors, &violation.Structural{
			Code:    CodeInvalidIDFormat,
			Message: "header declares no artifact_id",
			Block:   block,
			Field:   "artifact_id",
		})
	case !s.IDPattern.MatchString(id):
		verdict.Errors = append(verdict.Errors, &violation.Structural{
			Code:    CodeInvalidIDFormat,
			Message: fmt.Sprintf("artifact_id %q does not match %s-<AGENT>-P<seq>-<SLUG>-<nn>", id, s.Type),
			Block:   block,
			Field:   "artifact_id",
		})
	default:
		verdict.ArtifactID = id
	}

	if hasField(header.Fields, "expires_at") {
		raw, _ := stringField(header.Fields, "expires_at")
		exp, err := time.Parse(time.RFC3339, raw)
		if err != nil || !now.Before(exp) {
			verdict.Errors = append(verdict.Errors, &violation.Structural{
				Code:    CodeExpired,
				Message: fmt.Sprintf("artifact expired or carries an unreadable expires_at %q", raw),
				Block:   block,
				Field:   "expires_at",
			})
		}
	}
}

// checkIdentity resolves the header identity against the registry and cross
// checks every identity echo in the document. The error return is reserved
// for registry backend failures; an absent identity is a violation, not an
// error.
func (v *Validator) checkIdentity(blocks []Block, verdict *Verdict) error {
	header := blocks[0]
	headerName := string(header.Kind)

	var runtime, agentAck *Block
	for i := range blocks {
		switch blocks[i].Kind {
		case BlockRuntimeAck:
			if runtime == nil {
				runtime = &blocks[i]
			}
		case BlockAgentAck:
			if agentAck == nil {
				agentAck = &blocks[i]
			}
		}
	}

	// The runtime ack speaks for the runtime, not for any agent. Identity
	// fields inside it mean an agent response was forged into it.
	if runtime != nil && !runtime.Malformed {
		for _, f := range []string{"agent_name", "color", "role"} {
			if hasField(runtime.Fields, f) {
				verdict.Errors = append(verdict.Errors, &violation.Structural{
					Code:    CodeForbiddenField,
					Message: fmt.Sprintf("runtime ack must not carry %s", f),
					Block:   string(BlockRuntimeAck),
					Field:   f,
				})
			}
		}
	}

	name, nameOK := stringField(header.Fields, "agent_name")
	gidStr, gidOK := stringField(header.Fields, "gid")
	if !nameOK && !gidOK {
		verdict.Errors = append(verdict.Errors, &violation.Identity{
			Code:    CodeUnknownIdentity,
			Message: "header carries no agent identity",
			Block:   headerName,
		})
		return nil
	}

	var entry registry.Entry
	var err error
	if gidOK {
		entry, err = v.reg.ByGID(registry.GID(gidStr))
	} else {
		entry, err = v.reg.ByName(name)
	}
	switch {
	case errors.Is(err, registry.ErrNotFound):
		verdict.Errors = append(verdict.Errors, &violation.Identity{
			Code:    CodeUnknownIdentity,
			Message: "identity is not registered",
			Block:   headerName,
		})
		return nil
	case err != nil:
		return fmt.Errorf("gate: registry lookup: %w", err)
	case entry.Retired:
		verdict.Errors = append(verdict.Errors, &violation.Identity{
			Code:    CodeUnknownIdentity,
			Message: fmt.Sprintf("identity %s is retired", entry.GID),
			Block:   headerName,
		})
		return nil
	}
	verdict.Agent = entry

	check := func(block, field, got, want string, code string) {
		if got != want {
			verdict.Errors = append(verdict.Errors, &violation.Identity{
				Code:    code,
				Message: fmt.Sprintf("%s %q does not match registry value %q", field, got, want),
				Block:   block,
				Field:   field,
			})
		}
	}

	if nameOK {
		check(headerName, "agent_name", name, entry.Name, CodeIdentityMismatch)
	}
	if gidOK {
		check(headerName, "gid", gidStr, string(entry.GID), CodeIdentityMismatch)
	}
	if color, ok := stringField(header.Fields, "color"); ok {
		check(headerName, "color", color, entry.Color, CodeIdentityMismatch)
	}
	if lane, ok := stringField(header.Fields, "execution_lane"); ok {
		check(headerName, "execution_lane", lane, string(entry.Lane), CodeLaneMismatch)
	}

	// The artifact id embeds the agent name; it must be the same agent.
	if verdict.ArtifactID != "" {
		parts := strings.SplitN(verdict.ArtifactID, "-", 3)
		if len(parts) == 3 {
			check(headerName, "artifact_id", parts[1], entry.Name, CodeIdentityMismatch)
		}
	}

	if agentAck != nil && !agentAck.Malformed {
		ackName := string(BlockAgentAck)
		if n, ok := stringField(agentAck.Fields, "agent_name"); ok {
			check(ackName, "agent_name", n, entry.Name, CodeIdentityMismatch)
		}
		if g, ok := stringField(agentAck.Fields, "gid"); ok {
			check(ackName, "gid", g, string(entry.GID), CodeIdentityMismatch)
		}
		if c, ok := stringField(agentAck.Fields, "color"); ok {
			check(ackName, "color", c, entry.Color, CodeIdentityMismatch)
		}
		if l, ok := stringField(agentAck.Fields, "execution_lane"); ok {
			check(ackName, "execution_lane", l, string(entry.Lane), CodeLaneMismatch)
		}
	}
	return nil
}

// checkAdvisories emits the non-blocking signals.
func (v *Validator) checkAdvisories(s *artifactSchema, blocks []Block, verdict *Verdict) {
	if s.Type != TypePAC {
		return
	}
	for _, b := range blocks {
		if b.Kind == BlockTraining {
			return
		}
	}
	verdict.Advisories = append(verdict.Advisories, violation.Advisory{
		Code:    AdvisoryNoTrainingSignal,
		Message: "artifact carries no training signal block",
		Block:   string(BlockTraining),
	})
}

func (v *Validator) finish(verdict Verdict) Verdict {
	verdict.Valid = len(verdict.Errors) == 0
	if verdict.Valid {
		v.log.Info("artifact validated",
			"artifact_type", string(verdict.Type),
			"artifact_id", verdict.ArtifactID,
			"agent", string(verdict.Agent.GID))
	} else {
		v.log.Warn("artifact rejected",
			"artifact_type", string(verdict.Type),
			"artifact_id", verdict.ArtifactID,
			"codes", verdict.Codes())
	}
	return verdict
}

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}
