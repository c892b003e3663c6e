package registry

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const registryYAML = `
version: 1
agents:
  - gid: GID-00
    name: BENSON
    role: ORCHESTRATOR
    color: purple
    lane: GOVERNANCE
  - gid: GID-03
    name: ATLAS
    role: EXECUTOR
    color: blue
    lane: EXECUTION
  - gid: GID-09
    name: VEGA
    role: REVIEWER
    color: orange
    lane: GOVERNANCE
    retired: true
`

func TestLoadYAML(t *testing.T) {
	entries, err := LoadYAML([]byte(registryYAML))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, GID("GID-00"), entries[0].GID)
	assert.Equal(t, RoleOrchestrator, entries[0].Role)
	assert.Equal(t, LaneExecution, entries[1].Lane)
	assert.True(t, entries[2].Retired)
}

func TestLoadYAMLRejectsUnknownVersion(t *testing.T) {
	_, err := LoadYAML([]byte("version: 9\nagents: []\n"))
	assert.Error(t, err)
}

func TestLoadYAMLRejectsUnknownRole(t *testing.T) {
	bad := `
version: 1
agents:
  - gid: GID-01
    name: LOKI
    role: TRICKSTER
`
	_, err := LoadYAML([]byte(bad))
	assert.Error(t, err)
}

func TestSignedSnapshotRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	token, err := SignSnapshot(testEntries(), "identity.chainbridge.local", priv)
	require.NoError(t, err)

	entries, err := LoadSignedSnapshot(token, pub)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "BENSON", entries[0].Name)
	assert.Equal(t, RoleStrategist, entries[2].Role)
}

func TestSignedSnapshotRejectsWrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	token, err := SignSnapshot(testEntries(), "identity.chainbridge.local", priv)
	require.NoError(t, err)

	_, err = LoadSignedSnapshot(token, otherPub)
	assert.Error(t, err)
}

func TestSignedSnapshotRejectsTampering(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	token, err := SignSnapshot(testEntries(), "identity.chainbridge.local", priv)
	require.NoError(t, err)

	tampered := token[:len(token)-4] + "AAAA"
	_, err = LoadSignedSnapshot(tampered, pub)
	assert.Error(t, err)
}
