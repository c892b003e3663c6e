// Package canonical implements the deterministic byte encoding of the PDO
// signed payload: exactly nine fields, alphabetical key order, compact UTF-8,
// explicit nulls (RFC 8785 / JCS form).
//
// The encoding is bijective over well-formed payloads: Serialize then Parse
// returns the identical payload, and Parse then Serialize returns the
// identical bytes for any canonical input. The signature envelope is never
// part of the encoded bytes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Fields is the closed, alphabetically ordered set of signed payload fields.
// No field is optional on the wire; an unset value is an explicit null.
var Fields = [9]string{
	"action",
	"agent_id",
	"decision_hash",
	"expires_at",
	"nonce",
	"outcome",
	"pdo_id",
	"policy_version",
	"timestamp",
}

// Payload is the nine-field signed payload. A nil field serializes as an
// explicit JSON null; it is never omitted.
type Payload struct {
	Action        *string `json:"action"`
	AgentID       *string `json:"agent_id"`
	DecisionHash  *string `json:"decision_hash"`
	ExpiresAt     *string `json:"expires_at"`
	Nonce         *string `json:"nonce"`
	Outcome       *string `json:"outcome"`
	PDOID         *string `json:"pdo_id"`
	PolicyVersion *string `json:"policy_version"`
	Timestamp     *string `json:"timestamp"`
}

// String returns a pointer to s, for building payload fields.
func String(s string) *string { return &s }

// NewNonce mints a fresh single-use nonce: a random UUID in compact hex
// form. Uniqueness is enforced downstream by the replay guard, not here.
func NewNonce() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Serialize encodes p into its canonical byte form.
// Every field value must be valid UTF-8; anything the encoding could not
// round-trip losslessly is rejected rather than silently transformed.
func Serialize(p Payload) ([]byte, error) {
	for _, f := range []struct {
		name  string
		value *string
	}{
		{"action", p.Action},
		{"agent_id", p.AgentID},
		{"decision_hash", p.DecisionHash},
		{"expires_at", p.ExpiresAt},
		{"nonce", p.Nonce},
		{"outcome", p.Outcome},
		{"pdo_id", p.PDOID},
		{"policy_version", p.PolicyVersion},
		{"timestamp", p.Timestamp},
	} {
		if f.value != nil && !utf8.ValidString(*f.value) {
			return nil, fmt.Errorf("canonical: field %s is not valid UTF-8", f.name)
		}
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform: %w", err)
	}
	return out, nil
}

// Parse decodes canonical (or any JSON object) bytes back into a Payload.
// The object must contain exactly the nine payload fields; every value must
// be a JSON string or null. Unknown or missing keys are errors.
func Parse(data []byte) (Payload, error) {
	var p Payload

	dec := json.NewDecoder(bytes.NewReader(data))
	var m map[string]*string
	if err := dec.Decode(&m); err != nil {
		return p, fmt.Errorf("canonical: parse: %w", err)
	}
	if dec.More() {
		return p, fmt.Errorf("canonical: parse: trailing data after payload object")
	}
	if len(m) != len(Fields) {
		return p, fmt.Errorf("canonical: parse: expected %d fields, got %d", len(Fields), len(m))
	}
	for _, f := range Fields {
		if _, ok := m[f]; !ok {
			return p, fmt.Errorf("canonical: parse: missing field %s", f)
		}
	}

	p.Action = m["action"]
	p.AgentID = m["agent_id"]
	p.DecisionHash = m["decision_hash"]
	p.ExpiresAt = m["expires_at"]
	p.Nonce = m["nonce"]
	p.Outcome = m["outcome"]
	p.PDOID = m["pdo_id"]
	p.PolicyVersion = m["policy_version"]
	p.Timestamp = m["timestamp"]
	return p, nil
}

// Hash returns the prefixed SHA-256 of the canonical form of p.
func Hash(p Payload) (string, error) {
	b, err := Serialize(p)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the prefixed SHA-256 of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
