// Package worker runs pipeline stage invocations against a work item store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"workitem-pipeline/internal/models"
	"workitem-pipeline/internal/queue"
	"workitem-pipeline/internal/workitems"
)

// Handler executes one invocation of a stage over its store session.
type Handler func(ctx context.Context, st workitems.Store) error

// Opener opens the store session of one invocation of stage within runID.
type Opener func(ctx context.Context, runID, stage string) (workitems.Store, error)

// Processor dispatches stage invocations to registered handlers.
type Processor struct {
	open     Opener
	handlers map[string]Handler
	logger   *slog.Logger
}

func NewProcessor(open Opener, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		open:     open,
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// RegisterHandler binds a handler to a stage name.
func (p *Processor) RegisterHandler(stage string, handler Handler) {
	if stage == "" || handler == nil {
		return
	}
	p.handlers[stage] = handler
}

// RunOnce executes a single invocation of stage and closes its session. Items
// the handler claimed but left unresolved are reported as an error.
func (p *Processor) RunOnce(ctx context.Context, runID, stage string) error {
	handler, ok := p.handlers[stage]
	if !ok {
		return fmt.Errorf("no handler registered for stage %q", stage)
	}
	st, err := p.open(ctx, runID, stage)
	if err != nil {
		return fmt.Errorf("open %s session: %w", stage, err)
	}
	logger := p.logger.With("run_id", runID, "stage", stage)
	start := time.Now()
	runErr := handler(ctx, st)
	closeErr := st.Close(ctx)
	err = errors.Join(runErr, closeErr)
	if err != nil {
		logger.Error("stage invocation failed", "duration", time.Since(start), "err", err)
		return err
	}
	logger.Info("stage invocation finished", "duration", time.Since(start))
	return nil
}

// Run re-invokes stage every interval until ctx is cancelled, which is how a
// polling Reporter is driven to completion. Failed invocations are logged and
// retried on the next tick; store contract violations stop the loop.
func (p *Processor) Run(ctx context.Context, runID, stage string, interval time.Duration) error {
	if interval <= 0 {
		return p.RunOnce(ctx, runID, stage)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := p.RunOnce(ctx, runID, stage)
		if errors.Is(err, workitems.ErrInvalidState) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Repository is the durable store surface a worker needs.
type Repository interface {
	workitems.Repository
	EnsureRun(ctx context.Context, runID string) error
	CreateStepRun(ctx context.Context, runID, stepName string) (models.StepRun, error)
}

// DurableOpener records a step run for every invocation and opens a durable session for it.
func DurableOpener(repo Repository, q *queue.RedisQueue, logger *slog.Logger) Opener {
	return func(ctx context.Context, runID, stage string) (workitems.Store, error) {
		if err := repo.EnsureRun(ctx, runID); err != nil {
			return nil, err
		}
		sr, err := repo.CreateStepRun(ctx, runID, stage)
		if err != nil {
			return nil, err
		}
		return workitems.NewDurable(repo, q, sr, logger), nil
	}
}

// MemoryOpener opens sessions on an in-process backend.
func MemoryOpener(b *workitems.MemoryBackend) Opener {
	return func(_ context.Context, runID, stage string) (workitems.Store, error) {
		return b.Session(runID, stage), nil
	}
}
