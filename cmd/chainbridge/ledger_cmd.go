package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/ChainBridge-Labs/chainbridge/core/pkg/config"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/ledger"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/violation"
)

// openStore opens the configured ledger backend.
func openStore(cfg *config.Config) (ledger.Store, func() error, error) {
	switch cfg.DatabaseDriver {
	case "sqlite", "":
		s, err := ledger.OpenSQLiteStore(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "postgres":
		s, err := ledger.OpenPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
}

// runVerifyChainCmd implements `chainbridge verify-chain`.
//
// Re-walks the whole hash chain and the sequence numbering. A clean chain
// is the precondition for settling anything, so this is the command an
// operator runs first after any incident.
//
// Exit codes:
//
//	0 = chain verified
//	1 = chain broken or sequence tampered
//	2 = backend error
func runVerifyChainCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-chain", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	store, closeStore, err := openStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = closeStore() }()

	ctx := context.Background()
	report, err := ledger.VerifyChain(ctx, store)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	reason := report.Reason
	if report.OK {
		var halt violation.Halting
		switch err := ledger.ValidateSequence(ctx, store); {
		case err == nil:
		case errors.As(err, &halt):
			report.OK = false
			reason = err.Error()
		default:
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	if jsonOutput {
		out := map[string]any{
			"valid":  report.OK,
			"length": report.Length,
		}
		if !report.OK {
			out["break_at"] = report.BreakAt
			out["reason"] = reason
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.OK {
		_, _ = fmt.Fprintf(stdout, "%s✓ chain verified%s (%d entries)\n", ColorGreen, ColorReset, report.Length)
	} else {
		_, _ = fmt.Fprintf(stdout, "%s✗ chain broken%s at sequence %d: %s\n", ColorRed, ColorReset, report.BreakAt, reason)
	}

	if !report.OK {
		return 1
	}
	return 0
}

// runNextPACCmd implements `chainbridge next-pac`: print the lowest
// sequence number a new PAC could be assigned, counting live reservations.
func runNextPACCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("next-pac", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	store, closeStore, err := openStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = closeStore() }()

	n, err := store.NextAvailable(context.Background())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.Marshal(map[string]uint64{"next": n})
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "%d\n", n)
	}
	return 0
}

// runReserveCmd implements `chainbridge reserve`: claim the lowest free
// sequence number for a holder under a granting authority.
//
// Exit codes:
//
//	0 = reservation granted
//	1 = reservation refused
//	2 = backend or usage error
func runReserveCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("reserve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		holder     string
		authority  string
		ttl        time.Duration
		jsonOutput bool
	)

	cmd.StringVar(&holder, "holder", "", "GID the reservation is held for (REQUIRED)")
	cmd.StringVar(&authority, "authority", "", "GID granting the reservation (REQUIRED)")
	cmd.DurationVar(&ttl, "ttl", 0, "Reservation lifetime (default profile TTL or 1h, max 24h)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if holder == "" || authority == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --holder and --authority are required")
		cmd.Usage()
		return 2
	}

	cfg := config.Load()
	if ttl == 0 && cfg.ProfilePath != "" {
		prof, err := config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		ttl, err = prof.TTL()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = closeStore() }()

	res, err := ledger.Allocate(context.Background(), store, holder, authority, ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Reservation refused: %v\n", err)
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "%s✓ reserved%s sequence %d for %s (authority %s, expires %s)\n",
			ColorGreen, ColorReset, res.Number, res.Holder, res.Authority,
			res.ExpiresAt.Format(time.RFC3339))
	}
	return 0
}
