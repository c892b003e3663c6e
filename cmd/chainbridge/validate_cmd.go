package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChainBridge-Labs/chainbridge/core/pkg/config"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/gate"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/registry"
)

// fileReport is the per-file outcome of a validate run.
type fileReport struct {
	Path       string   `json:"path"`
	Valid      bool     `json:"valid"`
	Type       string   `json:"artifact_type,omitempty"`
	ArtifactID string   `json:"artifact_id,omitempty"`
	AgentGID   string   `json:"agent_gid,omitempty"`
	Errors     []string `json:"errors,omitempty"`
	Advisories []string `json:"advisories,omitempty"`
}

// runValidateCmd implements `chainbridge validate [flags] <path>`.
//
// The path may be a single artifact file or a directory, in which case
// every .md file under it is validated. --mode selects the batch framing
// used by the pre-commit hook and the CI gate; the checks themselves are
// identical and always fail closed.
//
// Exit codes:
//
//	0 = all artifacts valid
//	1 = at least one artifact rejected
//	2 = I/O or configuration error
func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		mode         string
		registryPath string
		jsonOutput   bool
	)

	cmd.StringVar(&mode, "mode", "", `Batch framing: "precommit" or "ci"`)
	cmd.StringVar(&registryPath, "registry", "", "Registry file (default $CHAINBRIDGE_REGISTRY_PATH)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one path is required")
		cmd.Usage()
		return 2
	}
	if mode != "" && mode != "precommit" && mode != "ci" {
		_, _ = fmt.Fprintf(stderr, "Error: unknown mode %q\n", mode)
		return 2
	}
	path := cmd.Arg(0)

	cfg := config.Load()
	if registryPath == "" {
		registryPath = cfg.RegistryPath
	}

	validator, err := buildValidator(cfg, registryPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	files, err := collectArtifacts(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if len(files) == 0 {
		_, _ = fmt.Fprintln(stdout, "No artifact files to validate.")
		return 0
	}

	if mode != "" {
		printBatchHeader(stdout, mode)
	}

	now := time.Now()
	reports := make([]fileReport, 0, len(files))
	failed := 0
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: read %s: %v\n", f, err)
			return 2
		}
		verdict, err := validator.Validate(data, now)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: validating %s: %v\n", f, err)
			return 2
		}
		rep := fileReport{
			Path:       f,
			Valid:      verdict.Valid,
			Type:       string(verdict.Type),
			ArtifactID: verdict.ArtifactID,
			AgentGID:   string(verdict.Agent.GID),
		}
		for _, e := range verdict.Errors {
			rep.Errors = append(rep.Errors, fmt.Sprintf("[%s] %s", e.RejectCode(), e.Error()))
		}
		for _, a := range verdict.Advisories {
			rep.Advisories = append(rep.Advisories, a.String())
		}
		if !verdict.Valid {
			failed++
		}
		reports = append(reports, rep)

		if !jsonOutput {
			printFileReport(stdout, rep)
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(reports, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if mode != "" {
		printBatchFooter(stdout, mode, len(files), failed)
	}

	if failed > 0 {
		return 1
	}
	return 0
}

// buildValidator assembles a gate validator from the registry file and the
// optional deployment profile.
func buildValidator(cfg *config.Config, registryPath string) (*gate.Validator, error) {
	entries, err := registry.LoadYAMLFile(registryPath)
	if err != nil {
		return nil, err
	}
	reg, err := registry.NewInMemory(entries)
	if err != nil {
		return nil, err
	}
	v := gate.NewValidator(reg)
	if cfg.ProfilePath != "" {
		prof, err := config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			return nil, err
		}
		c, err := prof.SchemaConstraint(gate.DefaultSchemaVersions)
		if err != nil {
			return nil, err
		}
		v = v.WithSchemaVersions(c)
	}
	return v, nil
}

// collectArtifacts resolves path to the list of files to validate.
func collectArtifacts(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(p, ".md") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func printFileReport(w io.Writer, rep fileReport) {
	if rep.Valid {
		_, _ = fmt.Fprintf(w, "%s✓ VALID%s   %s", ColorGreen, ColorReset, rep.Path)
		if rep.ArtifactID != "" {
			_, _ = fmt.Fprintf(w, " (%s %s)", rep.Type, rep.ArtifactID)
		}
		_, _ = fmt.Fprintln(w, "")
	} else {
		_, _ = fmt.Fprintf(w, "%s✗ INVALID%s %s\n", ColorRed, ColorReset, rep.Path)
		for _, e := range rep.Errors {
			_, _ = fmt.Fprintf(w, "  %s\n", e)
		}
	}
	for _, a := range rep.Advisories {
		_, _ = fmt.Fprintf(w, "  %swarn: %s%s\n", ColorYellow, a, ColorReset)
	}
}

func printBatchHeader(w io.Writer, mode string) {
	title := "Pre-Commit Validation"
	if mode == "ci" {
		title = "CI Validation"
	}
	_, _ = fmt.Fprintf(w, "%sChainBridge Gate — %s%s\n", ColorBold, title, ColorReset)
	_, _ = fmt.Fprintln(w, "Mode: FAIL_CLOSED")
	_, _ = fmt.Fprintln(w, "")
}

func printBatchFooter(w io.Writer, mode string, total, failed int) {
	blocked := "COMMIT BLOCKED"
	allowed := "COMMIT ALLOWED"
	if mode == "ci" {
		blocked = "MERGE BLOCKED"
		allowed = "MERGE ALLOWED"
	}
	_, _ = fmt.Fprintln(w, "")
	if failed > 0 {
		_, _ = fmt.Fprintf(w, "%s✗ VALIDATION FAILED — %s%s (%d of %d rejected)\n",
			ColorRed+ColorBold, blocked, ColorReset, failed, total)
	} else {
		_, _ = fmt.Fprintf(w, "%s✓ Validated %d file(s) — %s%s\n",
			ColorGreen+ColorBold, total, allowed, ColorReset)
	}
}
