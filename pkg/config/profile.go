package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Profile is an optional YAML overlay pinning validation policy for a
// deployment: which gate schema versions are admitted, how long PAC number
// reservations may be held, and which artifact types the admission surface
// accepts. A nil or zero Profile means built-in defaults everywhere.
type Profile struct {
	Name           string   `yaml:"name"`
	SchemaVersions string   `yaml:"schema_versions"` // semver constraint, e.g. "^1.0.0"
	ReservationTTL string   `yaml:"reservation_ttl"` // Go duration, e.g. "2h"
	ArtifactTypes  []string `yaml:"artifact_types"`  // empty: all registered types
}

// LoadProfile reads a profile overlay from path.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return &p, nil
}

// SchemaConstraint returns the pinned schema_version constraint, parsed.
// An unset pin falls back to def (the gate's compiled default).
func (p *Profile) SchemaConstraint(def string) (*semver.Constraints, error) {
	pin := def
	if p != nil && p.SchemaVersions != "" {
		pin = p.SchemaVersions
	}
	c, err := semver.NewConstraint(pin)
	if err != nil {
		return nil, fmt.Errorf("profile schema_versions %q: %w", pin, err)
	}
	return c, nil
}

// TTL returns the pinned reservation TTL, or 0 when unset so the ledger
// applies its own default.
func (p *Profile) TTL() (time.Duration, error) {
	if p == nil || p.ReservationTTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(p.ReservationTTL)
	if err != nil {
		return 0, fmt.Errorf("profile reservation_ttl %q: %w", p.ReservationTTL, err)
	}
	return d, nil
}

// Admits reports whether artifact type t is accepted under this profile.
// An empty artifact_types list admits every type the gate knows.
func (p *Profile) Admits(t string) bool {
	if p == nil || len(p.ArtifactTypes) == 0 {
		return true
	}
	for _, a := range p.ArtifactTypes {
		if a == t {
			return true
		}
	}
	return false
}
