package gate

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ChainBridge-Labs/chainbridge/core/pkg/violation"
)

// labelPattern matches a block label at column zero with nothing after the
// colon. A known name buried in prose, or followed by inline text, is not a
// block.
var labelPattern = regexp.MustCompile(`^([A-Z][A-Z0-9_]*):\s*$`)

// keyPattern matches the top-level key line inside a fenced chunk.
var keyPattern = regexp.MustCompile(`^([A-Z][A-Z0-9_]*):`)

// extraction is the raw result of scanning a document.
type extraction struct {
	Blocks     []Block
	Errors     []*violation.Structural
	Advisories []violation.Advisory
}

// extractBlocks scans a document for blocks in the two accepted embedding
// forms: a fenced code block whose content is a YAML mapping with the block
// name as its single top-level key, and a bare label line followed by an
// indented YAML body. Everything else is ignored.
func extractBlocks(data []byte) extraction {
	var ex extraction
	lines := strings.Split(string(data), "\n")

	for i := 0; i < len(lines); {
		line := lines[i]

		if isFenceLine(line) {
			start := i + 1
			j := start
			for j < len(lines) && !isFenceLine(lines[j]) {
				j++
			}
			chunk := strings.Join(lines[start:j], "\n")
			ex.addChunk(chunk, start+1)
			if j < len(lines) {
				j++ // skip the closing fence
			}
			i = j
			continue
		}

		if m := labelPattern.FindStringSubmatch(line); m != nil {
			start := i
			j := i + 1
			for j < len(lines) && isBodyLine(lines[j]) {
				j++
			}
			chunk := strings.Join(lines[start:j], "\n")
			ex.addChunk(chunk, start+1)
			i = j
			continue
		}

		i++
	}
	return ex
}

// addChunk decodes one candidate chunk. Chunks whose top-level key is not a
// known block name produce at most an advisory; recognized names with an
// undecodable body produce a malformed block that still counts as present.
func (ex *extraction) addChunk(chunk string, line int) {
	name := topKey(chunk)
	if name == "" {
		return
	}
	kind, known := KindOf(name)
	if !known {
		ex.Advisories = append(ex.Advisories, violation.Advisory{
			Code:    AdvisoryUnrecognizedBlock,
			Message: fmt.Sprintf("block name %s (line %d) is not part of any artifact schema", name, line),
			Block:   name,
		})
		return
	}

	var doc map[string]any
	if err := yaml.Unmarshal([]byte(chunk), &doc); err != nil {
		ex.Blocks = append(ex.Blocks, Block{Kind: kind, Line: line, Malformed: true})
		ex.Errors = append(ex.Errors, &violation.Structural{
			Code:    CodeMalformedBlock,
			Message: fmt.Sprintf("block body does not parse (line %d): %v", line, err),
			Block:   name,
		})
		return
	}
	body, ok := doc[name]
	if !ok || len(doc) != 1 {
		ex.Blocks = append(ex.Blocks, Block{Kind: kind, Line: line, Malformed: true})
		ex.Errors = append(ex.Errors, &violation.Structural{
			Code:    CodeMalformedBlock,
			Message: fmt.Sprintf("block must be a single top-level mapping key (line %d)", line),
			Block:   name,
		})
		return
	}

	b := Block{Kind: kind, Line: line, Body: body}
	if m, ok := body.(map[string]any); ok {
		b.Fields = m
	}
	ex.Blocks = append(ex.Blocks, b)
}

// topKey returns the candidate block name of a chunk: the key of the first
// non-empty line, which must sit at column zero.
func topKey(chunk string) string {
	for _, line := range strings.Split(chunk, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := keyPattern.FindStringSubmatch(line)
		if m == nil {
			return ""
		}
		return m[1]
	}
	return ""
}

func isFenceLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "```")
}

// isBodyLine reports whether a line continues a label block: indented
// content or interior blank lines.
func isBodyLine(line string) bool {
	if strings.TrimSpace(line) == "" {
		return true
	}
	return line[0] == ' ' || line[0] == '\t'
}
