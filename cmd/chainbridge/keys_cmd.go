package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChainBridge-Labs/chainbridge/core/pkg/crypto"
)

const (
	masterKeyPath  = "data/master.key"
	revokedKeyPath = "data/revoked.keys"
)

// runKeysCmd implements `chainbridge keys <subcommand>`: the operator
// surface of the trust boundary. All private key material stays inside
// the boundary; these commands only ever print key IDs and verifying
// halves.
func runKeysCmd(args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "generate":
		return runKeysGenerate(args[1:], stdout, stderr)
	case "derive":
		return runKeysDerive(args[1:], stdout, stderr)
	case "revoke":
		return runKeysRevoke(args[1:], stdout, stderr)
	case "list":
		return runKeysList(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown keys subcommand: %s\n", args[0])
		return 2
	}
}

func runKeysGenerate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keys generate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var force bool
	cmd.BoolVar(&force, "force", false, "Overwrite an existing master secret")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if _, err := os.Stat(masterKeyPath); err == nil && !force {
		_, _ = fmt.Fprintf(stderr, "Error: %s already exists; pass --force to replace it\n", masterKeyPath)
		_, _ = fmt.Fprintln(stderr, "Replacing the master secret invalidates every derived key.")
		return 2
	}

	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: generate master secret: %v\n", err)
		return 2
	}
	if err := os.MkdirAll(filepath.Dir(masterKeyPath), 0750); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := os.WriteFile(masterKeyPath, []byte(hex.EncodeToString(master)), 0600); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: save master secret: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "%s⚠️  SECURITY WARNING: master secret written to %s.%s\n", ColorBold+ColorYellow, masterKeyPath, ColorReset)
	_, _ = fmt.Fprintln(stdout, "   In production, hold the master secret in an HSM or cloud KMS.")
	return 0
}

func runKeysDerive(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keys derive", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		gen        int
		jsonOutput bool
	)
	cmd.IntVar(&gen, "gen", 1, "Key generation to derive")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: chainbridge keys derive [--gen N] <agent-id>")
		return 2
	}
	agentID := cmd.Arg(0)

	tb, err := loadBoundary()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	signer, err := tb.SignerFor(agentID, gen)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{
			"agent_id":   agentID,
			"generation": gen,
			"key_id":     signer.KeyID(),
			"public_key": signer.PublicKey(),
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "key_id:     %s\n", signer.KeyID())
		_, _ = fmt.Fprintf(stdout, "public_key: %s\n", signer.PublicKey())
	}
	return 0
}

func runKeysRevoke(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		_, _ = fmt.Fprintln(stderr, "Usage: chainbridge keys revoke <key-id>")
		return 2
	}
	keyID := args[0]

	revoked, err := loadRevokedKeys()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	for _, id := range revoked {
		if id == keyID {
			_, _ = fmt.Fprintf(stdout, "Key %s is already revoked.\n", keyID)
			return 0
		}
	}

	if err := os.MkdirAll(filepath.Dir(revokedKeyPath), 0750); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	f, err := os.OpenFile(revokedKeyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if _, err := fmt.Fprintln(f, keyID); err != nil {
		_ = f.Close()
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := f.Close(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "%s✓ key %s revoked%s\n", ColorGreen, keyID, ColorReset)
	_, _ = fmt.Fprintln(stdout, "Signatures made with this key no longer verify; restart serve to apply.")
	return 0
}

func runKeysList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keys list", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	_, statErr := os.Stat(masterKeyPath)
	hasMaster := statErr == nil

	revoked, err := loadRevokedKeys()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{
			"master_present": hasMaster,
			"revoked":        revoked,
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	if hasMaster {
		_, _ = fmt.Fprintf(stdout, "master secret: present (%s)\n", masterKeyPath)
	} else {
		_, _ = fmt.Fprintln(stdout, "master secret: not generated")
	}
	if len(revoked) == 0 {
		_, _ = fmt.Fprintln(stdout, "revoked keys:  (none)")
	} else {
		_, _ = fmt.Fprintln(stdout, "revoked keys:")
		for _, id := range revoked {
			_, _ = fmt.Fprintf(stdout, "  %s\n", id)
		}
	}
	return 0
}

// loadBoundary reconstructs the trust boundary from the persisted master
// secret.
func loadBoundary() (*crypto.TrustBoundary, error) {
	keyHex, err := os.ReadFile(masterKeyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no master secret at %s; run `chainbridge keys generate` first", masterKeyPath)
		}
		return nil, fmt.Errorf("read %s: %w", masterKeyPath, err)
	}
	master, err := hex.DecodeString(strings.TrimSpace(string(keyHex)))
	if err != nil {
		return nil, fmt.Errorf("invalid master secret format: %w", err)
	}
	return crypto.NewTrustBoundary(master)
}

// loadRevokedKeys reads the revocation list, one key ID per line.
func loadRevokedKeys() ([]string, error) {
	f, err := os.Open(revokedKeyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", revokedKeyPath, err)
	}
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if id := strings.TrimSpace(sc.Text()); id != "" {
			ids = append(ids, id)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", revokedKeyPath, err)
	}
	return ids, nil
}
