package crypto

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownKey means the key ID was never registered.
	ErrUnknownKey = errors.New("unknown key")
	// ErrUnavailable means the directory backend could not answer.
	// Callers must treat this as an infrastructure fault, not as proof
	// that a key does or does not exist.
	ErrUnavailable = errors.New("key directory unavailable")
)

// KeyInfo is the public half of a registered key: verification material,
// the agent the key is bound to, and its revocation state.
type KeyInfo struct {
	KeyID   string
	Alg     Algorithm
	AgentID string
	Revoked bool

	Ed25519 ed25519.PublicKey // set when Alg == AlgEd25519
	Secret  []byte            // set when Alg == AlgHMACSHA256
}

// VerifySig checks sigHex over data with this key's material.
func (k KeyInfo) VerifySig(sigHex string, data []byte) (bool, error) {
	switch k.Alg {
	case AlgEd25519:
		return VerifyEd25519(k.Ed25519, sigHex, data)
	case AlgHMACSHA256:
		return VerifyHMAC(k.Secret, sigHex, data)
	default:
		return false, fmt.Errorf("unsupported algorithm %q", k.Alg)
	}
}

// Directory resolves key IDs to verification material. Implementations
// return ErrUnknownKey for absent keys and ErrUnavailable when the
// backend cannot be reached.
type Directory interface {
	Lookup(ctx context.Context, keyID string) (KeyInfo, error)
}

// KeyRing is an in-memory Directory with rotation and hard revocation.
// Revoked keys stay in the ring as tombstones so a revoked key ID is
// distinguishable from one that never existed.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]KeyInfo
}

func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]KeyInfo)}
}

// AddEd25519 registers an Ed25519 verifying key bound to agentID.
func (r *KeyRing) AddEd25519(keyID string, pub ed25519.PublicKey, agentID string) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size %d", len(pub))
	}
	return r.add(KeyInfo{KeyID: keyID, Alg: AlgEd25519, AgentID: agentID, Ed25519: pub})
}

// AddHMAC registers a shared HMAC-SHA256 secret bound to agentID.
func (r *KeyRing) AddHMAC(keyID string, secret []byte, agentID string) error {
	if len(secret) < 16 {
		return fmt.Errorf("hmac secret too short: %d bytes", len(secret))
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return r.add(KeyInfo{KeyID: keyID, Alg: AlgHMACSHA256, AgentID: agentID, Secret: s})
}

// AddSigner registers the verification side of s bound to agentID.
func (r *KeyRing) AddSigner(s Signer, agentID string) error {
	switch v := s.(type) {
	case *Ed25519Signer:
		return r.AddEd25519(v.KeyID(), v.PublicKeyBytes(), agentID)
	case *HMACSigner:
		return r.AddHMAC(v.KeyID(), v.key, agentID)
	default:
		return fmt.Errorf("cannot extract verification material from %T", s)
	}
}

func (r *KeyRing) add(info KeyInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[info.KeyID]; ok {
		return fmt.Errorf("key %s already registered", info.KeyID)
	}
	r.keys[info.KeyID] = info
	return nil
}

// Revoke marks a key revoked. Revocation is immediate and permanent;
// there is no grace window and no un-revoke.
func (r *KeyRing) Revoke(keyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.keys[keyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	info.Revoked = true
	info.Ed25519 = nil
	info.Secret = nil
	r.keys[keyID] = info
	return nil
}

// Lookup implements Directory.
func (r *KeyRing) Lookup(_ context.Context, keyID string) (KeyInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.keys[keyID]
	if !ok {
		return KeyInfo{}, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	return info, nil
}

// KeyIDs returns all registered key IDs, revoked tombstones included.
func (r *KeyRing) KeyIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	return ids
}
