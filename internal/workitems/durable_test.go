package workitems

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workitem-pipeline/internal/config"
	"workitem-pipeline/internal/logging"
	"workitem-pipeline/internal/models"
	"workitem-pipeline/internal/queue"
	"workitem-pipeline/internal/store"
)

// fakeRepo mirrors the guarded UPDATEs of store.Store.
type fakeRepo struct {
	mu    sync.Mutex
	seq   int
	items map[string]*models.WorkItem
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{items: make(map[string]*models.WorkItem)}
}

func (r *fakeRepo) CreateItem(_ context.Context, runID, stage string, payload models.Payload) (models.WorkItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	it := &models.WorkItem{ID: fmt.Sprintf("item-%d", r.seq), RunID: runID, Stage: stage, Payload: payload.Clone(), State: models.StatePending}
	r.items[it.ID] = it
	return *it, nil
}

func (r *fakeRepo) ClaimItem(_ context.Context, id, stepRunID string) (models.WorkItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[id]
	if !ok || it.State != models.StatePending {
		return models.WorkItem{}, store.ErrNotPending
	}
	it.StepRunID = stepRunID
	cp := *it
	cp.Payload = it.Payload.Clone()
	return cp, nil
}

func (r *fakeRepo) guard(id, stepRunID string, fn func(*models.WorkItem)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[id]
	if !ok || it.StepRunID != stepRunID || it.State != models.StatePending {
		return fmt.Errorf("%s: %w", id, store.ErrNotPending)
	}
	fn(it)
	return nil
}

func (r *fakeRepo) SavePayload(_ context.Context, id, stepRunID string, payload models.Payload) error {
	return r.guard(id, stepRunID, func(it *models.WorkItem) { it.Payload = payload.Clone() })
}

func (r *fakeRepo) MarkDone(_ context.Context, id, stepRunID string) error {
	return r.guard(id, stepRunID, func(it *models.WorkItem) { it.State = models.StateDone })
}

func (r *fakeRepo) MarkFailed(_ context.Context, id, stepRunID string, f models.Failure) error {
	return r.guard(id, stepRunID, func(it *models.WorkItem) {
		it.State = models.StateFailed
		it.Failure = &f
	})
}

func newDurableFixture(t *testing.T) (*fakeRepo, *queue.RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return newFakeRepo(), queue.NewRedisQueueWithClient(client, config.Config{VisibilityTimeout: time.Minute})
}

func seed(t *testing.T, repo *fakeRepo, q *queue.RedisQueue, runID, stage string, payload models.Payload) models.WorkItem {
	t.Helper()
	ctx := context.Background()
	it, err := repo.CreateItem(ctx, runID, stage, payload)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, it.ID, queue.InboxKey(runID, stage)))
	return it
}

func stepRun(id, runID, stage string) models.StepRun {
	return models.StepRun{ID: id, RunID: runID, StepName: stage}
}

func TestDurableFanOutReachesNextStageInbox(t *testing.T) {
	ctx := context.Background()
	repo, q := newDurableFixture(t)
	seed(t, repo, q, "run", models.StageProducer, models.Payload{})

	producer := NewDurable(repo, q, stepRun("sr-1", "run", models.StageProducer), logging.Discard())
	inputs := drain(t, producer)
	require.Len(t, inputs, 1)
	for i := 0; i < 3; i++ {
		_, err := producer.CreateOutput(ctx, models.Payload{"i": i})
		require.NoError(t, err)
	}
	require.NoError(t, producer.Done(ctx, inputs[0]))
	require.NoError(t, producer.Close(ctx))

	depth, err := q.InboxDepth(ctx, queue.InboxKey("run", models.StageConsumer))
	require.NoError(t, err)
	assert.EqualValues(t, 3, depth)

	consumer := NewDurable(repo, q, stepRun("sr-2", "run", models.StageConsumer), logging.Discard())
	got := drain(t, consumer)
	require.Len(t, got, 3)
	for i, item := range got {
		assert.Equal(t, i, item.Payload["i"])
		assert.Equal(t, "sr-2", item.StepRunID)
	}
}

func TestDurableDoubleTerminalIsInvalidState(t *testing.T) {
	ctx := context.Background()
	repo, q := newDurableFixture(t)
	seed(t, repo, q, "run", models.StageConsumer, models.Payload{})

	s := NewDurable(repo, q, stepRun("sr", "run", models.StageConsumer), logging.Discard())
	item := drain(t, s)[0]
	require.NoError(t, s.Fail(ctx, item, models.Failure{Kind: models.KindBusiness, Code: "INVALID_ORDER", Message: "Invalid ZIP code"}))
	assert.ErrorIs(t, s.Done(ctx, item), ErrInvalidState)

	dlq, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{item.ID}, dlq)
}

func TestDurableRepositoryGuardIsInvalidState(t *testing.T) {
	ctx := context.Background()
	repo, q := newDurableFixture(t)
	seed(t, repo, q, "run", models.StageConsumer, models.Payload{})

	s := NewDurable(repo, q, stepRun("sr", "run", models.StageConsumer), logging.Discard())
	item := drain(t, s)[0]
	// Another invocation resolved the row behind this session's back.
	repo.items[item.ID].State = models.StateDone

	err := s.Done(ctx, item)
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "done", ise.Op)
}

func TestDurableSkipsAlreadyResolvedQueueEntries(t *testing.T) {
	repo, q := newDurableFixture(t)
	stale := seed(t, repo, q, "run", models.StageConsumer, models.Payload{})
	repo.items[stale.ID].State = models.StateDone
	fresh := seed(t, repo, q, "run", models.StageConsumer, models.Payload{})

	s := NewDurable(repo, q, stepRun("sr", "run", models.StageConsumer), logging.Discard())
	got := drain(t, s)
	require.Len(t, got, 1)
	assert.Equal(t, fresh.ID, got[0].ID)
}

func TestDurableReleaseAndCloseAccounting(t *testing.T) {
	ctx := context.Background()
	repo, q := newDurableFixture(t)
	seed(t, repo, q, "run", models.StageReporter, models.Payload{})
	seed(t, repo, q, "run", models.StageReporter, models.Payload{})

	s := NewDurable(repo, q, stepRun("sr-1", "run", models.StageReporter), logging.Discard())
	items := drain(t, s)
	require.Len(t, items, 2)
	require.NoError(t, s.Release(ctx, items[0], 0))
	err := s.Close(ctx)
	var unfinished *UnfinishedError
	require.ErrorAs(t, err, &unfinished)
	assert.Equal(t, []string{items[1].ID}, unfinished.ItemIDs)

	next := NewDurable(repo, q, stepRun("sr-2", "run", models.StageReporter), logging.Discard())
	again := drain(t, next)
	require.Len(t, again, 1)
	assert.Equal(t, items[0].ID, again[0].ID)
	require.NoError(t, next.Done(ctx, again[0]))
}
