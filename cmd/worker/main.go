package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"workitem-pipeline/internal/artifacts"
	"workitem-pipeline/internal/config"
	"workitem-pipeline/internal/history"
	"workitem-pipeline/internal/logging"
	"workitem-pipeline/internal/models"
	"workitem-pipeline/internal/pipeline"
	"workitem-pipeline/internal/queue"
	"workitem-pipeline/internal/secrets"
	"workitem-pipeline/internal/store"
	"workitem-pipeline/internal/telemetry"
	"workitem-pipeline/internal/workitems"
	workerproc "workitem-pipeline/internal/worker"
)

// usage: worker [stage [run-id]]; STAGE and RUN_ID are used when arguments are omitted.
func main() {
	cfg := config.Load()
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Service: "worker", Environment: cfg.Env})

	if len(os.Args) > 1 {
		cfg.Stage = os.Args[1]
	}
	if len(os.Args) > 2 {
		cfg.RunID = os.Args[2]
	}
	stage, ok := models.ParseStage(cfg.Stage)
	if !ok || cfg.RunID == "" {
		fmt.Fprintln(os.Stderr, "usage: worker <producer|consumer|reporter> <run-id>")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, stage, logger); err != nil {
		logger.Error("worker stopped", "stage", stage, "run_id", cfg.RunID, "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, stage string, logger *slog.Logger) error {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()

	source, err := artifacts.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init artifact source: %w", err)
	}
	vault := secrets.Chain{secrets.FileVault{Path: cfg.SecretsFile}, secrets.EnvVault{}}

	processor := workerproc.NewProcessor(workerproc.DurableOpener(st, q, logger), logger)
	processor.RegisterHandler(models.StageProducer, (&pipeline.Producer{Source: source, Strategy: cfg.ReportStrategy, Logger: logger}).Run)
	processor.RegisterHandler(models.StageConsumer, (&pipeline.Consumer{Strategy: cfg.ReportStrategy, Logger: logger}).Run)
	processor.RegisterHandler(models.StageReporter, func(ctx context.Context, s workitems.Store) error {
		// Credentials are resolved per invocation.
		provider, err := history.New(ctx, cfg, vault, logger)
		if err != nil {
			return err
		}
		reporter := &pipeline.Reporter{
			History:     provider,
			Strategy:    cfg.ReportStrategy,
			Out:         os.Stdout,
			PollInitial: cfg.PollBackoffInitial,
			PollMax:     cfg.PollBackoffMax,
			Logger:      logger,
		}
		return reporter.Run(ctx, s)
	})

	if cfg.WorkerPollInterval > 0 {
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
				logger.Warn("metrics server stopped", "err", err)
			}
		}()
	}

	logger.Info("worker started", "stage", stage, "run_id", cfg.RunID, "strategy", cfg.ReportStrategy, "managed", cfg.Managed)
	runErr := processor.Run(ctx, cfg.RunID, stage, cfg.WorkerPollInterval)

	if cfg.PushgatewayURL != "" {
		groupings := map[string]string{"stage": stage, "run_id": cfg.RunID}
		if err := telemetry.Push(context.Background(), cfg.PushgatewayURL, "workitem_pipeline", groupings); err != nil {
			logger.Warn("push metrics", "err", err)
		}
	}
	return runErr
}
