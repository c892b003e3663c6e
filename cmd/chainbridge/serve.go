package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver (lite mode)

	"github.com/ChainBridge-Labs/chainbridge/core/pkg/api"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/artifacts"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/config"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/crypto"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/gate"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/ledger"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/observability"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/pdo"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/registry"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/replay"
	sig "github.com/ChainBridge-Labs/chainbridge/core/pkg/signal"
)

// runServer assembles the settlement core and runs the admission API
// until interrupted.
//
//nolint:gocognit,gocyclo
func runServer(stdout, stderr io.Writer) int {
	_, _ = fmt.Fprintf(stdout, "%sChainBridge settlement core starting...%s\n", ColorBold+ColorBlue, ColorReset)

	cfg := config.Load()
	log := observability.NewLogger(stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	obsCfg.Endpoint = cfg.OTLPEndpoint
	obs, err := observability.New(ctx, obsCfg, log)
	if err != nil {
		log.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	// Identity registry. Fail closed: no registry, no admission.
	entries, err := registry.LoadYAMLFile(cfg.RegistryPath)
	if err != nil {
		log.Error("registry load failed", "path", cfg.RegistryPath, "error", err)
		return 1
	}
	reg, err := registry.NewInMemory(entries)
	if err != nil {
		log.Error("registry rejected", "path", cfg.RegistryPath, "error", err)
		return 1
	}
	log.Info("registry loaded", "path", cfg.RegistryPath, "agents", len(entries))

	// Storage: ledger plus replay guard share one database in lite mode.
	var (
		store ledger.Store
		guard replay.Store
	)
	switch cfg.DatabaseDriver {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Error("postgres open failed", "error", err)
			return 1
		}
		defer func() { _ = db.Close() }()
		if err := db.PingContext(ctx); err != nil {
			log.Error("postgres ping failed", "error", err)
			return 1
		}
		ps, err := ledger.NewPostgresStore(db)
		if err != nil {
			log.Error("ledger init failed", "error", err)
			return 1
		}
		store = ps
		if cfg.RedisAddr != "" {
			guard = replay.NewRedisStore(cfg.RedisAddr, "", 0)
			log.Info("replay guard: redis", "addr", cfg.RedisAddr)
		} else {
			log.Warn("replay guard is in-memory; set CHAINBRIDGE_REDIS_ADDR for multi-node deployments")
			guard = replay.NewMemory()
		}
	case "sqlite", "":
		log.Info("lite mode: sqlite storage", "path", cfg.DatabaseURL)
		db, err := sql.Open("sqlite", cfg.DatabaseURL)
		if err != nil {
			log.Error("sqlite open failed", "error", err)
			return 1
		}
		// One connection serializes ledger appends and nonce claims.
		db.SetMaxOpenConns(1)
		defer func() { _ = db.Close() }()
		ls, err := ledger.NewSQLiteStore(db)
		if err != nil {
			log.Error("ledger init failed", "error", err)
			return 1
		}
		store = ls
		if cfg.RedisAddr != "" {
			guard = replay.NewRedisStore(cfg.RedisAddr, "", 0)
			log.Info("replay guard: redis", "addr", cfg.RedisAddr)
		} else {
			rs, err := replay.NewSQLiteStore(db)
			if err != nil {
				log.Error("replay guard init failed", "error", err)
				return 1
			}
			guard = rs
		}
	default:
		log.Error("unknown database driver", "driver", cfg.DatabaseDriver)
		return 1
	}

	// Key directory: publish the verifying half of every active agent's
	// current key, then apply the revocation list.
	ring := crypto.NewKeyRing()
	if tb, err := loadBoundary(); err == nil {
		published := 0
		for _, e := range entries {
			if e.Retired {
				continue
			}
			if err := tb.Publish(ring, string(e.GID), 1); err != nil {
				log.Error("key publish failed", "gid", e.GID, "error", err)
				return 1
			}
			published++
		}
		log.Info("trust boundary keys published", "count", published)
	} else {
		log.Warn("no trust boundary master; the key directory is empty", "error", err)
	}
	revoked, err := loadRevokedKeys()
	if err != nil {
		log.Error("revocation list load failed", "error", err)
		return 1
	}
	for _, id := range revoked {
		if err := ring.Revoke(id); err != nil {
			log.Warn("revocation skipped", "key_id", id, "error", err)
		}
	}
	if len(revoked) > 0 {
		log.Info("revocation list applied", "count", len(revoked))
	}

	// Deployment profile.
	var prof *config.Profile
	if cfg.ProfilePath != "" {
		prof, err = config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			log.Error("profile load failed", "path", cfg.ProfilePath, "error", err)
			return 1
		}
		log.Info("deployment profile loaded", "name", prof.Name)
	}

	// Gate validator.
	validator := gate.NewValidator(reg).WithLogger(observability.Component(log, "gate"))
	if prof != nil {
		c, err := prof.SchemaConstraint(gate.DefaultSchemaVersions)
		if err != nil {
			log.Error("profile schema constraint invalid", "error", err)
			return 1
		}
		validator = validator.WithSchemaVersions(c)
	}

	// Training-signal stream.
	var sink sig.Sink = sig.Discard
	if cfg.SignalPath != "" {
		fs, err := sig.NewFileSink(cfg.SignalPath)
		if err != nil {
			log.Error("signal sink init failed", "path", cfg.SignalPath, "error", err)
			return 1
		}
		sink = fs
		log.Info("training signals enabled", "path", cfg.SignalPath)
	}

	// Settlement engine.
	engine := pdo.NewEngine(crypto.NewProvider(ring, guard), reg, store).
		WithLogger(observability.Component(log, "engine")).
		WithSignals(sink).
		WithCounters(obs.SettlementCounters())

	// Artifact archive.
	archive, err := artifacts.New(ctx, artifacts.Config{
		Backend: artifacts.Backend(cfg.ArchiveBackend),
		Dir:     cfg.ArchiveDir,
		Bucket:  cfg.ArchiveBucket,
	})
	if err != nil {
		log.Error("archive init failed", "backend", cfg.ArchiveBackend, "error", err)
		return 1
	}

	// Admission API.
	server := api.NewServer(validator, engine, store).
		WithArchive(archive).
		WithObservability(obs).
		WithLogger(observability.Component(log, "api"))
	if prof != nil {
		server = server.WithProfile(prof)
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(api.NewGlobalRateLimiter(cfg.RateRPS, cfg.RateBurst)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	log.Info("admission api listening", "addr", cfg.ListenAddr)
	_, _ = fmt.Fprintf(stdout, "%s[chainbridge] ready:%s %s — ctrl+c to stop\n", ColorBold+ColorGreen, ColorReset, cfg.ListenAddr)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			log.Error("shutdown incomplete", "error", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			return 1
		}
		return 0
	}
}
