package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
)

func mustVersion(t *testing.T, s string) *semver.Version {
	t.Helper()
	v, err := semver.NewVersion(s)
	if err != nil {
		t.Fatalf("parse version %q: %v", s, err)
	}
	return v
}

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return path
}

func TestLoadProfile(t *testing.T) {
	path := writeProfile(t, `
name: staging
schema_versions: ">=1.0.0 <2.0.0"
reservation_ttl: 2h
artifact_types:
  - PAC
`)
	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.Name != "staging" {
		t.Errorf("name = %q, want staging", p.Name)
	}

	c, err := p.SchemaConstraint("^1.0.0")
	if err != nil {
		t.Fatalf("SchemaConstraint: %v", err)
	}
	if v := mustVersion(t, "1.4.0"); !c.Check(v) {
		t.Error("1.4.0 should satisfy the pinned range")
	}
	if v := mustVersion(t, "2.0.0"); c.Check(v) {
		t.Error("2.0.0 should be outside the pinned range")
	}

	ttl, err := p.TTL()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl != 2*time.Hour {
		t.Errorf("ttl = %v, want 2h", ttl)
	}

	if !p.Admits("PAC") {
		t.Error("PAC should be admitted")
	}
	if p.Admits("WRAP") {
		t.Error("WRAP is not listed and should be refused")
	}
}

func TestLoadProfile_Missing(t *testing.T) {
	if _, err := LoadProfile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestProfile_Defaults(t *testing.T) {
	// A nil profile must behave identically to an empty one: gate default
	// constraint, zero TTL, everything admitted.
	var p *Profile

	c, err := p.SchemaConstraint("^1.0.0")
	if err != nil {
		t.Fatalf("SchemaConstraint: %v", err)
	}
	if v := mustVersion(t, "1.0.0"); !c.Check(v) {
		t.Error("default constraint should admit 1.0.0")
	}

	ttl, err := p.TTL()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl != 0 {
		t.Errorf("ttl = %v, want 0", ttl)
	}

	if !p.Admits("WRAP") {
		t.Error("empty profile admits every type")
	}
}

func TestProfile_BadValues(t *testing.T) {
	p := &Profile{SchemaVersions: "not-a-range", ReservationTTL: "soon"}

	if _, err := p.SchemaConstraint("^1.0.0"); err == nil {
		t.Error("expected error for malformed constraint")
	}
	if _, err := p.TTL(); err == nil {
		t.Error("expected error for malformed duration")
	}
}
