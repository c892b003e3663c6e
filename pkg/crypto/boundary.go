package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/ChainBridge-Labs/chainbridge/core/pkg/canonical"
)

const kdfSalt = "chainbridge/settlement-keys/v1"

// TrustBoundary owns private key material. Signing happens only here;
// verification needs only a Directory and never touches the boundary.
//
// Per-agent keys are derived from a single master secret with
// HKDF-SHA256, so the same master, agent and generation always yield
// the same keypair. Rotation is bumping the generation and publishing
// the new verifying key.
type TrustBoundary struct {
	mu      sync.Mutex
	master  []byte
	signers map[string]*Ed25519Signer
}

// NewTrustBoundary wraps a master secret of at least 32 bytes.
func NewTrustBoundary(master []byte) (*TrustBoundary, error) {
	if len(master) < 32 {
		return nil, fmt.Errorf("master secret too short: %d bytes", len(master))
	}
	m := make([]byte, len(master))
	copy(m, master)
	return &TrustBoundary{master: m, signers: make(map[string]*Ed25519Signer)}, nil
}

// GenerateTrustBoundary creates a boundary with a random master secret.
func GenerateTrustBoundary() (*TrustBoundary, error) {
	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("generate master secret: %w", err)
	}
	return NewTrustBoundary(master)
}

// KeyIDFor names the generation-g key of an agent.
func KeyIDFor(agentID string, generation int) string {
	return fmt.Sprintf("%s-k%d", agentID, generation)
}

// SignerFor derives and caches the Ed25519 signer for one agent key.
func (tb *TrustBoundary) SignerFor(agentID string, generation int) (*Ed25519Signer, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id required")
	}
	if generation < 1 {
		return nil, fmt.Errorf("generation must be >= 1, got %d", generation)
	}
	keyID := KeyIDFor(agentID, generation)

	tb.mu.Lock()
	defer tb.mu.Unlock()
	if s, ok := tb.signers[keyID]; ok {
		return s, nil
	}
	seed := make([]byte, ed25519.SeedSize)
	r := hkdf.New(sha256.New, tb.master, []byte(kdfSalt), []byte("ed25519/"+keyID))
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("derive key %s: %w", keyID, err)
	}
	s, err := NewEd25519SignerFromSeed(seed, keyID)
	if err != nil {
		return nil, err
	}
	tb.signers[keyID] = s
	return s, nil
}

// DeriveSecret derives a 32-byte HMAC secret for a named purpose.
func (tb *TrustBoundary) DeriveSecret(purpose string) ([]byte, error) {
	if purpose == "" {
		return nil, fmt.Errorf("purpose required")
	}
	secret := make([]byte, 32)
	r := hkdf.New(sha256.New, tb.master, []byte(kdfSalt), []byte("hmac/"+purpose))
	if _, err := io.ReadFull(r, secret); err != nil {
		return nil, fmt.Errorf("derive secret %s: %w", purpose, err)
	}
	return secret, nil
}

// Sign canonicalizes p and signs it with the agent's key. This is the
// only signing entry point; nothing outside the boundary ever sees the
// private half.
func (tb *TrustBoundary) Sign(p canonical.Payload, agentID string, generation int) (*Envelope, error) {
	s, err := tb.SignerFor(agentID, generation)
	if err != nil {
		return nil, err
	}
	return SignPayload(s, p)
}

// Publish registers the verifying half of an agent key in a ring.
func (tb *TrustBoundary) Publish(ring *KeyRing, agentID string, generation int) error {
	s, err := tb.SignerFor(agentID, generation)
	if err != nil {
		return err
	}
	return ring.AddSigner(s, agentID)
}
