package gate

import "regexp"

// ArtifactType is the closed set of artifact types the gate understands.
type ArtifactType string

const (
	TypePAC  ArtifactType = "PAC"
	TypeWRAP ArtifactType = "WRAP"
)

// blockRule is one row of an artifact schema: a block kind at a fixed
// position, required or optional.
type blockRule struct {
	Kind     BlockKind
	Required bool
}

// artifactSchema is the compiled structural law for one artifact type. The
// tables are code, not configuration: changing the law means changing this
// file.
type artifactSchema struct {
	Type      ArtifactType
	Header    BlockKind
	IDPattern *regexp.Regexp
	Blocks    []blockRule

	position map[BlockKind]int // index into Blocks
	required []BlockKind       // required kinds in order
}

func compileSchema(t ArtifactType, header BlockKind, idPattern *regexp.Regexp, blocks []blockRule) *artifactSchema {
	s := &artifactSchema{
		Type:      t,
		Header:    header,
		IDPattern: idPattern,
		Blocks:    blocks,
		position:  make(map[BlockKind]int, len(blocks)),
	}
	for i, r := range blocks {
		s.position[r.Kind] = i
		if r.Required {
			s.required = append(s.required, r.Kind)
		}
	}
	return s
}

// admits reports whether the schema has a position for the kind.
func (s *artifactSchema) admits(kind BlockKind) bool {
	_, ok := s.position[kind]
	return ok
}

// positionOf returns the kind's index in the expected order.
func (s *artifactSchema) positionOf(kind BlockKind) (int, bool) {
	p, ok := s.position[kind]
	return p, ok
}

// requiredIndex returns the 1-based index of kind in the required-block
// list, the number that MISSING_BLOCK_<n> codes refer to.
func (s *artifactSchema) requiredIndex(kind BlockKind) (int, bool) {
	for i, k := range s.required {
		if k == kind {
			return i + 1, true
		}
	}
	return 0, false
}

// Artifact identifiers: TYPE-<AGENT>-P<seq>-<SLUG>-<nn>.
var (
	pacIDPattern  = regexp.MustCompile(`^PAC-[A-Z][A-Z0-9]*-P[0-9]+-[A-Z0-9]+(?:-[A-Z0-9]+)*-[0-9]{2}$`)
	wrapIDPattern = regexp.MustCompile(`^WRAP-[A-Z][A-Z0-9]*-P[0-9]+-[A-Z0-9]+(?:-[A-Z0-9]+)*-[0-9]{2}$`)
)

var pacSchema = compileSchema(TypePAC, BlockPACHeader, pacIDPattern, []blockRule{
	{BlockPACHeader, true},
	{BlockRuntimeAck, true},
	{BlockAgentAck, true},
	{BlockContextGoal, false},
	{BlockScope, true},
	{BlockForbidden, false},
	{BlockConstraints, false},
	{BlockTasks, true},
	{BlockFiles, false},
	{BlockAcceptance, true},
	{BlockTraining, false},
	{BlockFinalState, false},
})

var wrapSchema = compileSchema(TypeWRAP, BlockWRAPPreamble, wrapIDPattern, []blockRule{
	{BlockWRAPPreamble, true},
	{BlockPACReference, true},
	{BlockSummary, false},
	{BlockTraining, true},
	{BlockFinalState, true},
})

var schemas = []*artifactSchema{pacSchema, wrapSchema}

// detectSchema anchors type detection on the first block: it must be a
// type's header block and its artifact_type field must name that type.
// There is deliberately no fallback on names appearing elsewhere in the
// document.
func detectSchema(first Block) (*artifactSchema, bool) {
	for _, s := range schemas {
		if first.Kind != s.Header {
			continue
		}
		declared, ok := stringField(first.Fields, "artifact_type")
		if !ok || ArtifactType(declared) != s.Type {
			return nil, false
		}
		return s, true
	}
	return nil, false
}
