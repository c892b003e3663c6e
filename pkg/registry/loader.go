package registry

import (
	"crypto/ed25519"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"
)

// wireEntry is the file/claim representation of an Entry.
type wireEntry struct {
	GID     string `yaml:"gid" json:"gid"`
	Name    string `yaml:"name" json:"name"`
	Role    string `yaml:"role" json:"role"`
	Color   string `yaml:"color" json:"color"`
	Lane    string `yaml:"lane" json:"lane"`
	Retired bool   `yaml:"retired,omitempty" json:"retired,omitempty"`
}

type registryFile struct {
	Version int         `yaml:"version"`
	Agents  []wireEntry `yaml:"agents"`
}

// LoadYAMLFile reads a registry file from disk.
func LoadYAMLFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	return LoadYAML(data)
}

// LoadYAML parses registry entries from YAML bytes.
func LoadYAML(data []byte) ([]Entry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("registry: parse yaml: %w", err)
	}
	if f.Version != 1 {
		return nil, fmt.Errorf("registry: unsupported file version %d", f.Version)
	}
	return convertEntries(f.Agents)
}

// SnapshotClaims is the JWT claim set the external identity authority signs
// over a registry snapshot.
type SnapshotClaims struct {
	jwt.RegisteredClaims
	Agents []wireEntry `json:"agents"`
}

// LoadSignedSnapshot verifies an Ed25519-signed (EdDSA) registry snapshot
// token and returns its entries. Any signature or format problem fails the
// whole load; a partially trusted registry does not exist.
func LoadSignedSnapshot(token string, authorityKey ed25519.PublicKey) ([]Entry, error) {
	parsed, err := jwt.ParseWithClaims(token, &SnapshotClaims{},
		func(t *jwt.Token) (interface{}, error) { return authorityKey, nil },
		jwt.WithValidMethods([]string{"EdDSA"}),
	)
	if err != nil {
		return nil, fmt.Errorf("registry: snapshot verify: %w", err)
	}
	claims, ok := parsed.Claims.(*SnapshotClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("registry: snapshot verify: %w", jwt.ErrTokenSignatureInvalid)
	}
	return convertEntries(claims.Agents)
}

// SignSnapshot issues a snapshot token. This belongs to the identity
// authority side and exists here for round-trip tests and local tooling.
func SignSnapshot(entries []Entry, issuer string, authorityKey ed25519.PrivateKey) (string, error) {
	wire := make([]wireEntry, 0, len(entries))
	for _, e := range entries {
		wire = append(wire, wireEntry{
			GID:     string(e.GID),
			Name:    e.Name,
			Role:    e.Role.String(),
			Color:   e.Color,
			Lane:    string(e.Lane),
			Retired: e.Retired,
		})
	}
	claims := SnapshotClaims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer},
		Agents:           wire,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(authorityKey)
	if err != nil {
		return "", fmt.Errorf("registry: snapshot sign: %w", err)
	}
	return signed, nil
}

func convertEntries(wire []wireEntry) ([]Entry, error) {
	entries := make([]Entry, 0, len(wire))
	for i, w := range wire {
		role, err := ParseRole(w.Role)
		if err != nil {
			return nil, fmt.Errorf("registry: agent %d (%s): %w", i, w.Name, err)
		}
		entries = append(entries, Entry{
			GID:     GID(w.GID),
			Name:    w.Name,
			Role:    role,
			Color:   w.Color,
			Lane:    Lane(w.Lane),
			Retired: w.Retired,
		})
	}
	return entries, nil
}
