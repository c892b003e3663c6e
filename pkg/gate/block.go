// Package gate validates submitted governance artifacts before anything else
// may touch them.
//
// An artifact is a text document carrying named blocks in a fixed per-type
// order. The gate parses the blocks, checks the structural schema, and
// resolves every identity field against the registry. Detection and
// extraction are structural only: a block exists when it appears in one of
// the two accepted embedding forms, never because its name is mentioned
// somewhere in prose.
package gate

// BlockKind is the closed set of named blocks an artifact may carry.
type BlockKind string

const (
	BlockPACHeader    BlockKind = "PAC_HEADER"
	BlockRuntimeAck   BlockKind = "RUNTIME_ACTIVATION_ACK"
	BlockAgentAck     BlockKind = "AGENT_ACTIVATION_ACK"
	BlockContextGoal  BlockKind = "CONTEXT_AND_GOAL"
	BlockScope        BlockKind = "SCOPE"
	BlockForbidden    BlockKind = "FORBIDDEN_ACTIONS"
	BlockConstraints  BlockKind = "CONSTRAINTS"
	BlockTasks        BlockKind = "TASKS"
	BlockFiles        BlockKind = "FILES"
	BlockAcceptance   BlockKind = "ACCEPTANCE"
	BlockTraining     BlockKind = "TRAINING_SIGNAL"
	BlockFinalState   BlockKind = "FINAL_STATE"
	BlockWRAPPreamble BlockKind = "WRAP_PREAMBLE"
	BlockPACReference BlockKind = "PAC_REFERENCE"
	BlockSummary      BlockKind = "SUMMARY"
)

var knownKinds = map[string]BlockKind{
	string(BlockPACHeader):    BlockPACHeader,
	string(BlockRuntimeAck):   BlockRuntimeAck,
	string(BlockAgentAck):     BlockAgentAck,
	string(BlockContextGoal):  BlockContextGoal,
	string(BlockScope):        BlockScope,
	string(BlockForbidden):    BlockForbidden,
	string(BlockConstraints):  BlockConstraints,
	string(BlockTasks):        BlockTasks,
	string(BlockFiles):        BlockFiles,
	string(BlockAcceptance):   BlockAcceptance,
	string(BlockTraining):     BlockTraining,
	string(BlockFinalState):   BlockFinalState,
	string(BlockWRAPPreamble): BlockWRAPPreamble,
	string(BlockPACReference): BlockPACReference,
	string(BlockSummary):      BlockSummary,
}

// KindOf maps a block name to its kind. The second result is false for names
// outside the closed set.
func KindOf(name string) (BlockKind, bool) {
	k, ok := knownKinds[name]
	return k, ok
}

// Block is one extracted artifact block in document order.
type Block struct {
	Kind BlockKind
	// Line is the 1-based line the block starts on, for error reporting.
	Line int
	// Fields holds the decoded body when it is a YAML mapping, nil otherwise.
	Fields map[string]any
	// Body is the decoded body of whatever shape, nil for malformed blocks.
	Body any
	// Malformed marks a block whose body failed to decode. The block still
	// counts as present for order and duplicate checks.
	Malformed bool
}

// stringField reads a string-typed field from a block mapping. Non-string
// values report absent: every caller treats a wrongly typed field exactly
// like a missing one and fails closed on its own code.
func stringField(fields map[string]any, key string) (string, bool) {
	if fields == nil {
		return "", false
	}
	v, ok := fields[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return s, true
}

// hasField reports whether the key exists at all, regardless of value type.
func hasField(fields map[string]any, key string) bool {
	if fields == nil {
		return false
	}
	_, ok := fields[key]
	return ok
}
