package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Algorithm identifies a supported signature scheme.
type Algorithm string

const (
	AlgEd25519    Algorithm = "ed25519"
	AlgHMACSHA256 Algorithm = "hmac-sha256"
)

// Supported reports whether alg names a scheme this package can verify.
func Supported(alg Algorithm) bool {
	return alg == AlgEd25519 || alg == AlgHMACSHA256
}

// Signer produces detached hex signatures over canonical bytes.
type Signer interface {
	Sign(data []byte) (string, error)
	KeyID() string
	Algorithm() Algorithm
}

// Ed25519Signer signs with an Ed25519 private key.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

// NewEd25519Signer generates a fresh keypair under the given key ID.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, keyID: keyID}, nil
}

// NewEd25519SignerFromSeed derives the keypair from a 32-byte seed.
// The same seed always yields the same keypair.
func NewEd25519SignerFromSeed(seed []byte, keyID string) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}, nil
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.privKey, data)), nil
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

func (s *Ed25519Signer) Algorithm() Algorithm { return AlgEd25519 }

// PublicKey returns the hex-encoded verifying key.
func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

// PublicKeyBytes returns the raw verifying key.
func (s *Ed25519Signer) PublicKeyBytes() ed25519.PublicKey {
	return s.pubKey
}

// HMACSigner signs with a shared HMAC-SHA256 secret. Used for lanes where
// both sides sit inside the same trust boundary.
type HMACSigner struct {
	key   []byte
	keyID string
}

// NewHMACSigner wraps a shared secret. The secret must be at least 16 bytes.
func NewHMACSigner(key []byte, keyID string) (*HMACSigner, error) {
	if len(key) < 16 {
		return nil, fmt.Errorf("hmac key too short: %d bytes", len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &HMACSigner{key: k, keyID: keyID}, nil
}

func (s *HMACSigner) Sign(data []byte) (string, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (s *HMACSigner) KeyID() string { return s.keyID }

func (s *HMACSigner) Algorithm() Algorithm { return AlgHMACSHA256 }

// VerifyEd25519 checks a hex signature against a raw Ed25519 public key.
func VerifyEd25519(pub ed25519.PublicKey, sigHex string, data []byte) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size %d", len(pub))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	return ed25519.Verify(pub, data, sig), nil
}

// VerifyHMAC recomputes the MAC and compares in constant time.
func VerifyHMAC(key []byte, sigHex string, data []byte) (bool, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), sig), nil
}
