//go:build property
// +build property

package gate_test

import (
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ChainBridge-Labs/chainbridge/core/pkg/gate"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/registry"
)

var propNow = time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC)

func propValidator(t *testing.T) *gate.Validator {
	t.Helper()
	reg, err := registry.NewInMemory([]registry.Entry{
		{GID: "GID-00", Name: "BENSON", Role: registry.RoleOrchestrator, Color: "GOLD", Lane: registry.LaneGovernance},
		{GID: "GID-11", Name: "ATLAS", Role: registry.RoleExecutor, Color: "BLUE", Lane: registry.LaneExecution},
	})
	if err != nil {
		t.Fatal(err)
	}
	return gate.NewValidator(reg).WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// propFence swaps ~~~ for backtick fences, which raw string literals cannot
// carry directly.
func propFence(doc string) string {
	return strings.ReplaceAll(doc, "~~~", "```")
}

var pacOrder = []string{
	"PAC_HEADER", "RUNTIME_ACTIVATION_ACK", "AGENT_ACTIVATION_ACK",
	"SCOPE", "TASKS", "ACCEPTANCE", "TRAINING_SIGNAL",
}

func pacBlocks(project int, slug string, seq int) map[string]string {
	id := fmt.Sprintf("PAC-ATLAS-P%d-%s-%02d", project, slug, seq)
	return map[string]string{
		"PAC_HEADER": propFence(`~~~yaml
PAC_HEADER:
  artifact_type: PAC
  schema_version: 1.0.0
  artifact_id: ` + id + `
  agent_name: ATLAS
  gid: GID-11
  color: BLUE
  execution_lane: EXECUTION
~~~`),
		"RUNTIME_ACTIVATION_ACK": propFence(`~~~yaml
RUNTIME_ACTIVATION_ACK:
  runtime: chainbridge-core
  mode: FAIL_CLOSED
~~~`),
		"AGENT_ACTIVATION_ACK": propFence(`~~~yaml
AGENT_ACTIVATION_ACK:
  agent_name: ATLAS
  gid: GID-11
  color: BLUE
~~~`),
		"SCOPE": "SCOPE:\n  paths:\n    - pkg/ledger",
		"TASKS": fmt.Sprintf("TASKS:\n  - task %d of project %d", seq, project),
		"ACCEPTANCE": propFence(`~~~yaml
ACCEPTANCE:
  criteria:
    - chain verifies
~~~`),
		"TRAINING_SIGNAL": propFence(`~~~yaml
TRAINING_SIGNAL:
  level: L2
  kind: POSITIVE_REINFORCEMENT
~~~`),
	}
}

func assemble(order []string, blocks map[string]string) []byte {
	var b strings.Builder
	b.WriteString("# Synthetic governance artifact\n\n")
	for _, name := range order {
		b.WriteString(blocks[name])
		b.WriteString("\n\n")
	}
	return []byte(b.String())
}

// mutatedDocument builds a PAC and applies one of six mutations. Mutation 0
// leaves the document valid; the others each break a different rule.
func mutatedDocument(project, a, b, seq, mutation, pick int) []byte {
	slug := fmt.Sprintf("TASK%d-STEP%d", a, b)
	order := append([]string(nil), pacOrder...)
	blocks := pacBlocks(project, slug, seq)
	switch mutation {
	case 1: // drop a non-header block
		i := 1 + pick%(len(order)-1)
		order = append(order[:i], order[i+1:]...)
	case 2: // swap two adjacent non-header blocks
		i := 1 + pick%(len(order)-2)
		order[i], order[i+1] = order[i+1], order[i]
	case 3: // repeat a block at the end
		order = append(order, order[1+pick%(len(order)-1)])
	case 4:
		blocks["PAC_HEADER"] = strings.Replace(blocks["PAC_HEADER"], "schema_version: 1.0.0", "schema_version: 99.0.0", 1)
	case 5:
		blocks["PAC_HEADER"] = strings.Replace(blocks["PAC_HEADER"], "gid: GID-11", "gid: GID-77", 1)
	}
	return assemble(order, blocks)
}

func TestGateProperties(t *testing.T) {
	v := propValidator(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 1000
	properties := gopter.NewProperties(parameters)

	properties.Property("same bytes yield the same verdict", prop.ForAll(
		func(project, a, b, seq, mutation, pick int) bool {
			doc := mutatedDocument(project, a, b, seq, mutation, pick)
			first, err1 := v.Validate(doc, propNow)
			second, err2 := v.Validate(doc, propNow)
			if (err1 == nil) != (err2 == nil) {
				return false
			}
			return reflect.DeepEqual(first, second)
		},
		gen.IntRange(1, 999), gen.IntRange(0, 99), gen.IntRange(0, 99),
		gen.IntRange(1, 99), gen.IntRange(0, 5), gen.IntRange(0, 100),
	))

	properties.Property("well formed artifacts pass", prop.ForAll(
		func(project, a, b, seq int) bool {
			verdict, err := v.Validate(mutatedDocument(project, a, b, seq, 0, 0), propNow)
			return err == nil && verdict.Valid
		},
		gen.IntRange(1, 999), gen.IntRange(0, 99), gen.IntRange(0, 99),
		gen.IntRange(1, 99),
	))

	properties.Property("dropping a required block is always caught", prop.ForAll(
		func(project, a, b, seq, pick int) bool {
			// Fixture blocks 1..5 are required blocks 2..6 of the PAC layout.
			i := 1 + pick%5
			doc := mutatedDocument(project, a, b, seq, 1, i-1)
			verdict, err := v.Validate(doc, propNow)
			return err == nil && !verdict.Valid && verdict.Has(gate.MissingBlockCode(i+1))
		},
		gen.IntRange(1, 999), gen.IntRange(0, 99), gen.IntRange(0, 99),
		gen.IntRange(1, 99), gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
