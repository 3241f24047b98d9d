package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"workitem-pipeline/internal/artifacts"
	"workitem-pipeline/internal/config"
	"workitem-pipeline/internal/history"
	"workitem-pipeline/internal/logging"
	"workitem-pipeline/internal/models"
	"workitem-pipeline/internal/pipeline"
	"workitem-pipeline/internal/workitems"
	workerproc "workitem-pipeline/internal/worker"
)

// usage: local <artifact>...
//
// Runs every stage in process, writes the Consumer history snapshot to
// HISTORY_SNAPSHOT_PATH and renders the report from it.
func main() {
	cfg := config.Load()
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Service: "local", Environment: cfg.Env})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, os.Args[1:], logger); err != nil {
		logger.Error("local run failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, files []string, logger *slog.Logger) error {
	source, err := artifacts.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init artifact source: %w", err)
	}

	backend := workitems.NewMemoryBackend()
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	backend.Seed(runID, models.StageProducer, models.Payload{models.FieldFiles: files})

	processor := workerproc.NewProcessor(workerproc.MemoryOpener(backend), logger)
	processor.RegisterHandler(models.StageProducer, (&pipeline.Producer{Source: source, Strategy: cfg.ReportStrategy, Logger: logger}).Run)
	processor.RegisterHandler(models.StageConsumer, (&pipeline.Consumer{Strategy: cfg.ReportStrategy, Logger: logger}).Run)
	processor.RegisterHandler(models.StageReporter, (&pipeline.Reporter{
		History:     history.Local{Path: cfg.HistorySnapshotPath},
		Strategy:    cfg.ReportStrategy,
		Out:         os.Stdout,
		PollInitial: cfg.PollBackoffInitial,
		PollMax:     cfg.PollBackoffMax,
		Logger:      logger,
	}).Run)

	for _, stage := range []string{models.StageProducer, models.StageConsumer} {
		if err := processor.RunOnce(ctx, runID, stage); err != nil {
			return err
		}
	}

	entries, err := backend.ListStageItems(ctx, models.StageConsumer, runID)
	if err != nil {
		return err
	}
	if err := history.WriteSnapshot(cfg.HistorySnapshotPath, entries); err != nil {
		return err
	}
	logger.Info("history snapshot written", "path", cfg.HistorySnapshotPath, "entries", len(entries))

	return processor.RunOnce(ctx, runID, models.StageReporter)
}
