// Package main is the entry point for the Finch strategy execution
// engine. It wires the databases, data providers, rule evaluator, ledger
// and orchestrator, then serves the HTTP API and background schedules.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/anshultibby/finch-sub002/internal/clients/llm"
	"github.com/anshultibby/finch-sub002/internal/clients/marketdata"
	"github.com/anshultibby/finch-sub002/internal/clients/sentiment"
	"github.com/anshultibby/finch-sub002/internal/config"
	"github.com/anshultibby/finch-sub002/internal/database"
	"github.com/anshultibby/finch-sub002/internal/events"
	"github.com/anshultibby/finch-sub002/internal/modules/candidates"
	"github.com/anshultibby/finch-sub002/internal/modules/execution"
	"github.com/anshultibby/finch-sub002/internal/modules/fetch"
	"github.com/anshultibby/finch-sub002/internal/modules/ledger"
	"github.com/anshultibby/finch-sub002/internal/modules/rules"
	"github.com/anshultibby/finch-sub002/internal/modules/strategy"
	"github.com/anshultibby/finch-sub002/internal/reliability"
	"github.com/anshultibby/finch-sub002/internal/scheduler"
	"github.com/anshultibby/finch-sub002/internal/server"
	"github.com/anshultibby/finch-sub002/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)
	log.Info().Str("data_dir", cfg.DataDir).Int("port", cfg.Port).Msg("Finch starting")

	// Databases: strategies (standard), ledger and audit (durable,
	// append-only profile), cache (throwaway)
	strategiesDB := mustOpen(log, cfg.DataDir, "strategies", database.ProfileStandard)
	defer strategiesDB.Close()
	ledgerDB := mustOpen(log, cfg.DataDir, "ledger", database.ProfileLedger)
	defer ledgerDB.Close()
	auditDB := mustOpen(log, cfg.DataDir, "audit", database.ProfileLedger)
	defer auditDB.Close()
	cacheDB := mustOpen(log, cfg.DataDir, "cache", database.ProfileCache)
	defer cacheDB.Close()
	databases := []*database.DB{strategiesDB, ledgerDB, auditDB, cacheDB}

	eventManager := events.NewManager(log)

	// Data providers
	marketClient := marketdata.NewClient(cfg.MarketDataURL, cfg.MarketDataAPIKey, cfg.ProviderTimeout, log)
	sentimentClient := sentiment.NewClient(cfg.SentimentURL, cfg.ProviderTimeout, log)

	// Repositories and services
	strategyRepo := strategy.NewRepository(strategiesDB.Conn(), log)
	ledgerRepo := ledger.NewRepository(ledgerDB.Conn(), log)
	ledgerService := ledger.NewService(ledgerDB, ledgerRepo, log)
	auditRepo := execution.NewRepository(auditDB.Conn(), log)

	cache := fetch.NewCache(cacheDB.Conn(), log)
	fetcher := fetch.NewFetcher(marketClient, sentimentClient, ledgerService, cache, fetch.Options{
		Concurrency:  cfg.FetchConcurrency,
		ProviderRate: cfg.ProviderRateLimit,
	}, log)

	// The LLM interpreter handles production runs; without credentials
	// every run falls back to deterministic interpretation
	var interpreter rules.Interpreter
	if cfg.LLMBaseURL != "" {
		llmClient := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.ProviderTimeout, log)
		interpreter = rules.NewLLMInterpreter(llmClient, log)
		log.Info().Str("model", cfg.LLMModel).Msg("Using LLM rule interpreter")
	} else {
		interpreter = rules.NewDeterministicInterpreter()
		log.Info().Msg("Using deterministic rule interpreter")
	}

	evaluator := rules.NewEvaluator(fetcher, interpreter, log)
	// Dry runs always interpret deterministically so previews are
	// reproducible regardless of the configured interpreter
	dryRunEvaluator := rules.NewEvaluator(fetcher, rules.NewDeterministicInterpreter(), log)
	resolver := candidates.NewResolver(fetcher, log)
	orchestrator := execution.NewOrchestrator(
		strategyRepo, resolver, evaluator, dryRunEvaluator, ledgerService, fetcher,
		auditRepo, eventManager, cfg.ExecutionTimeout, log,
	)

	// A previous process may have died mid-run; those rows must not
	// stay running forever
	if recovered, err := orchestrator.Recover(); err != nil {
		log.Error().Err(err).Msg("Stale execution recovery failed")
	} else if recovered > 0 {
		log.Warn().Int("recovered", recovered).Msg("Finalized stale executions from previous process")
	}

	// Background jobs
	sched := scheduler.New(log)
	mustAddJob(log, sched, cfg.StrategySchedule, scheduler.NewStrategyTickJob(strategyRepo, orchestrator, log))
	mustAddJob(log, sched, "@hourly", scheduler.NewCachePruneJob(cache, log))

	if cfg.BackupEnabled {
		storage, err := reliability.NewStorageClient(context.Background(), reliability.StorageConfig{
			Endpoint:  cfg.BackupEndpoint,
			Bucket:    cfg.BackupBucket,
			AccessKey: cfg.BackupAccessKey,
			SecretKey: cfg.BackupSecretKey,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize backup storage")
		}
		backupService := reliability.NewBackupService(storage, databases, cfg.DataDir, log)
		mustAddJob(log, sched, cfg.BackupSchedule, reliability.NewBackupJob(backupService, eventManager, log))
	}

	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Config{
		Port:         cfg.Port,
		Log:          log,
		StrategyRepo: strategyRepo,
		Orchestrator: orchestrator,
		AuditRepo:    auditRepo,
		LedgerRepo:   ledgerRepo,
		Events:       eventManager,
		Databases:    databases,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatal().Err(err).Msg("HTTP server failed")
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
}

func mustOpen(log zerolog.Logger, dataDir, name string, profile database.DatabaseProfile) *database.DB {
	db, err := database.New(database.Config{
		Path:    filepath.Join(dataDir, name+".db"),
		Name:    name,
		Profile: profile,
	})
	if err != nil {
		log.Fatal().Err(err).Str("database", name).Msg("Failed to open database")
	}
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Str("database", name).Msg("Failed to migrate database")
	}
	return db
}

func mustAddJob(log zerolog.Logger, sched *scheduler.Scheduler, schedule string, job scheduler.Job) {
	if err := sched.AddJob(schedule, job); err != nil {
		log.Fatal().Err(err).Str("job", job.Name()).Msg("Failed to register job")
	}
}
