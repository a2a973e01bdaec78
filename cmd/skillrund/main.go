// Command skillrund runs the skill execution orchestrator: it wires the
// stores, the budget ledger, the approval queue, and the background sweeps,
// then serves until interrupted.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/skillrun/pkg/approval"
	"github.com/Mindburn-Labs/skillrun/pkg/audit"
	"github.com/Mindburn-Labs/skillrun/pkg/budget"
	"github.com/Mindburn-Labs/skillrun/pkg/config"
	"github.com/Mindburn-Labs/skillrun/pkg/contracts"
	"github.com/Mindburn-Labs/skillrun/pkg/lifecycle"
	"github.com/Mindburn-Labs/skillrun/pkg/metering"
	"github.com/Mindburn-Labs/skillrun/pkg/observability"
	"github.com/Mindburn-Labs/skillrun/pkg/orchestrator"
	"github.com/Mindburn-Labs/skillrun/pkg/skills"
	"github.com/Mindburn-Labs/skillrun/pkg/statelog"
	"github.com/Mindburn-Labs/skillrun/pkg/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "skillrund",
		Environment:  os.Getenv("ENVIRONMENT"),
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     true,
	})
	if err != nil {
		logger.Error("failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	executions, approvals, stateLog, err := buildStores(cfg)
	if err != nil {
		logger.Error("failed to open execution store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}

	budgetStorage, meter, err := buildBudget(ctx, cfg)
	if err != nil {
		logger.Error("failed to open budget storage", "error", err)
		os.Exit(1)
	}

	ledger := budget.NewLedger(budgetStorage)
	machine := lifecycle.NewMachine(executions, stateLog)
	manager := approval.NewManager(approvals, machine)
	registry := skills.NewRegistry()
	registerBuiltins(registry, logger)

	sweepCfg := orchestrator.DefaultSweeperConfig()
	backoff := orchestrator.DefaultBackoff
	if cfg.Profile != "" {
		profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
		if err != nil {
			logger.Error("failed to load runtime profile", "profile", cfg.Profile, "error", err)
			os.Exit(1)
		}
		if w := profile.ApprovalWindow(); w > 0 {
			manager.WithWindow(w)
		}
		if profile.Ledger.MaxAttempts > 0 {
			ledger.WithMaxAttempts(profile.Ledger.MaxAttempts)
		}
		if profile.Sweep.ApprovalIntervalSeconds > 0 {
			sweepCfg.ApprovalInterval = time.Duration(profile.Sweep.ApprovalIntervalSeconds) * time.Second
		}
		if profile.Sweep.ReservationIntervalSeconds > 0 {
			sweepCfg.ReservationInterval = time.Duration(profile.Sweep.ReservationIntervalSeconds) * time.Second
		}
		if profile.Sweep.ReservationMaxAgeMinutes > 0 {
			sweepCfg.ReservationMaxAge = time.Duration(profile.Sweep.ReservationMaxAgeMinutes) * time.Minute
		}
		if profile.Retry.BaseMs > 0 {
			backoff = orchestrator.BackoffPolicy{
				BaseMs:      profile.Retry.BaseMs,
				MaxMs:       profile.Retry.MaxMs,
				MaxJitterMs: profile.Retry.MaxJitterMs,
			}
		}
		logger.Info("runtime profile loaded", "profile", profile.Code)
	}

	orch := orchestrator.New(registry, machine, executions, manager, ledger, meter, audit.NewLogger()).
		WithBackoff(backoff)

	sweeper := orchestrator.NewSweeper(orch, sweepCfg)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	logger.Info("skillrund started",
		"store_backend", cfg.StoreBackend,
		"skills", registry.Keys())

	<-ctx.Done()
	logger.Info("shutting down")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func buildStores(cfg *config.Config) (store.ExecutionStore, store.ApprovalStore, statelog.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		m := store.NewMemoryStore()
		return m, m, statelog.NewLog(), nil
	case "sqlite", "postgres":
		// The postgres backend moves budgets and metering to Postgres;
		// executions and the state log stay in SQLite either way.
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		s, err := store.NewSQLiteStore(db)
		if err != nil {
			return nil, nil, nil, err
		}
		log, err := statelog.NewSQLiteLog(db)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, log, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func buildBudget(ctx context.Context, cfg *config.Config) (budget.Storage, metering.Meter, error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return budget.NewRedisStorage(redis.NewClient(opts)), metering.NewMemoryMeter(), nil
	}
	if cfg.StoreBackend == "postgres" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		meter := metering.NewPostgresMeter(db)
		if err := meter.Init(ctx); err != nil {
			return nil, nil, err
		}
		return budget.NewPostgresStorage(db), meter, nil
	}
	return budget.NewMemoryStorage(), metering.NewMemoryMeter(), nil
}

// registerBuiltins installs the skills every deployment carries.
func registerBuiltins(registry *skills.Registry, logger *slog.Logger) {
	err := registry.Register(skills.Registration{
		Spec: contracts.SkillSpec{
			Key:      "echo",
			Version:  "1.0.0",
			Category: contracts.CategoryPublic,
			Safety:   contracts.Safety{TimeoutSeconds: 5},
		},
		Handler: skills.HandlerFunc(func(ctx context.Context, input map[string]any) (*skills.Result, error) {
			return &skills.Result{Summary: "echo", Output: input}, nil
		}),
	})
	if err != nil {
		logger.Error("failed to register builtin skill", "error", err)
		os.Exit(1)
	}
}
