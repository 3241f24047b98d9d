package workitems

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"workitem-pipeline/internal/models"
	"workitem-pipeline/internal/queue"
	"workitem-pipeline/internal/store"
	"workitem-pipeline/internal/telemetry"
)

// Repository persists item rows and guards their state transitions.
// *store.Store implements it.
type Repository interface {
	CreateItem(ctx context.Context, runID, stage string, payload models.Payload) (models.WorkItem, error)
	ClaimItem(ctx context.Context, id, stepRunID string) (models.WorkItem, error)
	SavePayload(ctx context.Context, id, stepRunID string, payload models.Payload) error
	MarkDone(ctx context.Context, id, stepRunID string) error
	MarkFailed(ctx context.Context, id, stepRunID string, f models.Failure) error
}

// Durable is a Store session backed by Postgres rows and Redis inboxes.
type Durable struct {
	repo    Repository
	queue   *queue.RedisQueue
	stepRun models.StepRun
	next    string
	claims  *claims
	logger  *slog.Logger
}

// NewDurable opens a session for the step run's stage.
func NewDurable(repo Repository, q *queue.RedisQueue, stepRun models.StepRun, logger *slog.Logger) *Durable {
	if logger == nil {
		logger = slog.Default()
	}
	return &Durable{
		repo:    repo,
		queue:   q,
		stepRun: stepRun,
		next:    models.NextStage(stepRun.StepName),
		claims:  newClaims(),
		logger:  logger.With("run_id", stepRun.RunID, "stage", stepRun.StepName, "step_run_id", stepRun.ID),
	}
}

func (d *Durable) inbox() string {
	return queue.InboxKey(d.stepRun.RunID, d.stepRun.StepName)
}

func (d *Durable) Inputs(ctx context.Context) iter.Seq2[*models.WorkItem, error] {
	return func(yield func(*models.WorkItem, error) bool) {
		now := time.Now()
		if _, err := d.queue.PromoteScheduled(ctx, now, 1000); err != nil {
			d.logger.Warn("promote scheduled items", "err", err)
		}
		if reclaimed, err := d.queue.RequeueExpired(ctx, now, 1000); err != nil {
			d.logger.Warn("requeue expired leases", "err", err)
		} else if len(reclaimed) > 0 {
			d.logger.Info("reclaimed expired leases", "count", len(reclaimed))
		}
		if depth, err := d.queue.InboxDepth(ctx, d.inbox()); err == nil {
			telemetry.InboxDepthGauge.WithLabelValues(d.stepRun.StepName).Set(float64(depth))
		}

		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			id, err := d.queue.DequeueWithLease(ctx, d.inbox())
			if err != nil {
				yield(nil, fmt.Errorf("dequeue: %w", err))
				return
			}
			if id == "" {
				return
			}
			item, err := d.repo.ClaimItem(ctx, id, d.stepRun.ID)
			if errors.Is(err, store.ErrNotPending) {
				// Already resolved by an earlier lease holder.
				_ = d.queue.Ack(ctx, id)
				continue
			}
			if err != nil {
				yield(nil, err)
				return
			}
			d.claims.add(item.ID)
			if !yield(&item, nil) {
				return
			}
		}
	}
}

func (d *Durable) CreateOutput(ctx context.Context, payload models.Payload) (*models.WorkItem, error) {
	if d.next == "" {
		return nil, fmt.Errorf("%s: %w", d.stepRun.StepName, ErrNoNextStage)
	}
	item, err := d.repo.CreateItem(ctx, d.stepRun.RunID, d.next, payload)
	if err != nil {
		return nil, err
	}
	if err := d.queue.Enqueue(ctx, item.ID, queue.InboxKey(d.stepRun.RunID, d.next)); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", item.ID, err)
	}
	telemetry.ItemsCreated.WithLabelValues(d.next).Inc()
	return &item, nil
}

func (d *Durable) Save(ctx context.Context, item *models.WorkItem) error {
	if err := d.claims.open("save", item); err != nil {
		return err
	}
	return d.translate("save", item.ID, d.repo.SavePayload(ctx, item.ID, d.stepRun.ID, item.Payload))
}

func (d *Durable) Done(ctx context.Context, item *models.WorkItem) error {
	if err := d.claims.open("done", item); err != nil {
		return err
	}
	if err := d.translate("done", item.ID, d.repo.MarkDone(ctx, item.ID, d.stepRun.ID)); err != nil {
		return err
	}
	d.claims.set(item.ID, claimTerminal)
	item.State = models.StateDone
	if err := d.queue.Ack(ctx, item.ID); err != nil {
		d.logger.Warn("ack done item", "item_id", item.ID, "err", err)
	}
	telemetry.ItemsDone.WithLabelValues(d.stepRun.StepName).Inc()
	return nil
}

func (d *Durable) Fail(ctx context.Context, item *models.WorkItem, failure models.Failure) error {
	if err := d.claims.open("fail", item); err != nil {
		return err
	}
	if err := d.translate("fail", item.ID, d.repo.MarkFailed(ctx, item.ID, d.stepRun.ID, failure)); err != nil {
		return err
	}
	d.claims.set(item.ID, claimTerminal)
	f := failure
	item.State = models.StateFailed
	item.Failure = &f
	if err := d.queue.Ack(ctx, item.ID); err != nil {
		d.logger.Warn("ack failed item", "item_id", item.ID, "err", err)
	}
	if err := d.queue.DLQPush(ctx, item.ID); err != nil {
		d.logger.Warn("push to dead-letter list", "item_id", item.ID, "err", err)
	}
	telemetry.ItemsFailed.WithLabelValues(d.stepRun.StepName, string(f.Kind), f.Code).Inc()
	return nil
}

func (d *Durable) Release(ctx context.Context, item *models.WorkItem, after time.Duration) error {
	if err := d.claims.open("release", item); err != nil {
		return err
	}
	if err := d.queue.Schedule(ctx, item.ID, d.inbox(), time.Now().Add(after)); err != nil {
		return fmt.Errorf("schedule %s: %w", item.ID, err)
	}
	d.claims.set(item.ID, claimReleased)
	telemetry.ItemsReleased.WithLabelValues(d.stepRun.StepName).Inc()
	return nil
}

func (d *Durable) Close(_ context.Context) error {
	return d.claims.unfinished()
}

// translate maps the repository's guard failure onto the store contract error.
func (d *Durable) translate(op, id string, err error) error {
	if errors.Is(err, store.ErrNotPending) {
		return &InvalidStateError{ItemID: id, Op: op, Reason: err.Error()}
	}
	return err
}
