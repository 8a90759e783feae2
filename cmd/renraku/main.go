package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/renraku/internal/audit"
	"github.com/ashita-ai/renraku/internal/budget"
	"github.com/ashita-ai/renraku/internal/bus"
	"github.com/ashita-ai/renraku/internal/config"
	"github.com/ashita-ai/renraku/internal/idempotency"
	"github.com/ashita-ai/renraku/internal/model"
	"github.com/ashita-ai/renraku/internal/orchestrator"
	"github.com/ashita-ai/renraku/internal/provider"
	"github.com/ashita-ai/renraku/internal/server"
	"github.com/ashita-ai/renraku/internal/stage"
	"github.com/ashita-ai/renraku/internal/storage"
	"github.com/ashita-ai/renraku/internal/telemetry"
	"github.com/ashita-ai/renraku/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("RENRAKU_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("renraku starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	b := bus.NewMemoryBus(logger)

	quotas := map[model.Category]int64{
		model.CategoryDiscovery: cfg.QuotaDiscovery,
		model.CategoryProfile:   cfg.QuotaProfile,
		model.CategoryContact:   cfg.QuotaContact,
		model.CategoryDraft:     cfg.QuotaDraft,
	}
	ledger := budget.NewMemoryLedger(func(uuid.UUID) map[model.Category]int64 { return quotas })

	// Durable mode wires Postgres behind the narrow persistence seams;
	// empty DATABASE_URL runs the whole core in memory.
	var (
		runStore  orchestrator.RunStore = orchestrator.NoopRunStore{}
		idemStore idempotency.Store     = idempotency.NewMemoryStore()
		auditSink audit.Sink
		dossiers  dossierStore = provider.NewMemoryDossierStore()
		db        *storage.DB
	)
	if cfg.DatabaseURL != "" {
		db, err = storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer db.Close()

		// RunMigrations tracks applied files in schema_migrations and
		// skips duplicates, so errors here indicate real failures.
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}

		runStore = db
		idemStore = db.Idempotency()
		auditSink = db
		dossiers = db
		logger.Info("storage: postgres")
	} else {
		logger.Info("storage: memory (no DATABASE_URL; runs do not survive restarts)")
	}

	recorder := audit.NewRecorder(auditSink)
	b.Tap(recorder.ObserveEvent)
	ledger.SetObserver(recorder)

	if db != nil {
		// Mirror the journal into Postgres for offline inspection. The
		// stream tap drops under backpressure; the run snapshots saved by
		// the orchestrator are the durable record, not this mirror.
		go mirrorJournal(ctx, b, db, cfg.EventStreamBuffer, logger)
	}

	orch := orchestrator.New(b, ledger, recorder, runStore, orchestrator.Config{
		DefaultRetryCap: cfg.DefaultRetryCap,
		BackoffBase:     cfg.BackoffBase,
		BackoffMax:      cfg.BackoffMax,
		DiscoverLimit:   cfg.DiscoverLimit,
	}, logger)

	// Built-in providers stand in until external ones are configured.
	engine := stage.NewEngine(b, idemStore, ledger, orch, stage.Providers{
		Intake:    provider.MockIntake{},
		Gate:      provider.RuleGate{},
		Discovery: &provider.MockDiscovery{},
		Profiler:  provider.MockProfiler{},
		Drafter:   provider.MockDrafter{},
		Dossiers:  dossiers,
	}, cfg.DiscoverLimit, cfg.CallTimeout, logger)
	orch.SetEngine(engine)
	orch.Start(ctx)
	logger.Info("providers: built-in mock set")

	// Resume runs that were open when the previous process stopped.
	if err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	srv := server.New(server.ServerConfig{
		Orchestrator: orch,
		Bus:          b,
		Dossiers:     dossiers,
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		APIKeyHash:   cfg.APIKeyHash,
		DefaultPolicy: model.TenantPolicy{
			MaxConcurrentRuns: cfg.MaxConcurrent,
			QuotaPerCategory:  quotas,
		},
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		EventStreamBuffer:   cfg.EventStreamBuffer,
		Version:             version,
	})

	if cfg.APIKeyHash == "" {
		logger.Warn("auth: disabled (no RENRAKU_API_KEY_HASH)")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("renraku shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("renraku stopped")
	return nil
}

// dossierStore is the intersection the wiring needs: the finalize stage
// writes dossiers, the HTTP surface reads them.
type dossierStore interface {
	provider.DossierStore
	server.DossierSource
}

func mirrorJournal(ctx context.Context, b bus.Bus, db *storage.DB, buffer int, logger *slog.Logger) {
	events, stop := b.StreamTap(buffer)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := db.AppendEvent(ctx, e); err != nil {
				logger.Warn("journal mirror: append event", "run_id", e.RunID, "error", err)
			}
		}
	}
}
