package canonical

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// wireSchema is the shape of a full signed PDO document: the nine payload
// fields plus the signature envelope carried alongside (and excluded from the
// signed bytes). Nulls are explicit; extra top-level fields are rejected.
const wireSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": [
    "action", "agent_id", "decision_hash", "expires_at", "nonce",
    "outcome", "pdo_id", "policy_version", "timestamp"
  ],
  "properties": {
    "action":         {"type": ["string", "null"]},
    "agent_id":       {"type": ["string", "null"]},
    "decision_hash":  {"type": ["string", "null"]},
    "expires_at":     {"type": ["string", "null"]},
    "nonce":          {"type": ["string", "null"]},
    "outcome":        {"type": ["string", "null"]},
    "pdo_id":         {"type": ["string", "null"]},
    "policy_version": {"type": ["string", "null"]},
    "timestamp":      {"type": ["string", "null"]},
    "signature": {
      "type": "object",
      "additionalProperties": false,
      "required": ["alg", "key_id", "sig"],
      "properties": {
        "alg":    {"type": "string", "minLength": 1},
        "key_id": {"type": "string", "minLength": 1},
        "sig":    {"type": "string", "minLength": 1}
      }
    }
  }
}`

var compiledWire = mustCompileWire()

func mustCompileWire() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://chainbridge.schemas.local/pdo/wire.schema.json"
	if err := c.AddResource(url, strings.NewReader(wireSchema)); err != nil {
		panic(fmt.Sprintf("canonical: wire schema load: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("canonical: wire schema compile: %v", err))
	}
	return s
}

// ValidateWire checks that data is a well-formed signed PDO document before
// any field is interpreted. It returns a descriptive error on the first shape
// problem and nil when the document conforms.
func ValidateWire(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("canonical: wire document is not valid JSON: %w", err)
	}
	if err := compiledWire.Validate(doc); err != nil {
		return fmt.Errorf("canonical: wire document rejected: %w", err)
	}
	return nil
}
