package crypto

import (
	"fmt"

	"github.com/ChainBridge-Labs/chainbridge/core/pkg/canonical"
)

// Envelope is the detached signature carried alongside a settlement payload.
// The signed bytes are always the canonical serialization of the payload;
// the envelope itself is never part of what gets signed.
type Envelope struct {
	Alg   Algorithm `json:"alg"`
	KeyID string    `json:"key_id"`
	Sig   string    `json:"sig"`
}

// SignPayload canonicalizes p and signs the resulting bytes.
func SignPayload(s Signer, p canonical.Payload) (*Envelope, error) {
	data, err := canonical.Serialize(p)
	if err != nil {
		return nil, fmt.Errorf("canonicalize before sign: %w", err)
	}
	sig, err := s.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return &Envelope{Alg: s.Algorithm(), KeyID: s.KeyID(), Sig: sig}, nil
}
