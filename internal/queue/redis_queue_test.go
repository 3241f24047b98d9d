package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workitem-pipeline/internal/config"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueueWithClient(client, config.Config{VisibilityTimeout: time.Minute}), mr
}

func TestEnqueueDequeuePreservesOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	inbox := InboxKey("run-1", "Consumer")

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, id, inbox))
	}
	depth, err := q.InboxDepth(ctx, inbox)
	require.NoError(t, err)
	assert.EqualValues(t, 3, depth)

	var got []string
	for {
		id, err := q.DequeueWithLease(ctx, inbox)
		require.NoError(t, err)
		if id == "" {
			break
		}
		got = append(got, id)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestInboxesAreIsolatedPerRunAndStage(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "x", InboxKey("run-1", "Consumer")))
	id, err := q.DequeueWithLease(ctx, InboxKey("run-2", "Consumer"))
	require.NoError(t, err)
	assert.Empty(t, id)
	id, err = q.DequeueWithLease(ctx, InboxKey("run-1", "Reporter"))
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestRequeueExpiredReturnsLeaseToInbox(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	inbox := InboxKey("run-1", "Consumer")
	require.NoError(t, q.Enqueue(ctx, "a", inbox))

	id, err := q.DequeueWithLease(ctx, inbox)
	require.NoError(t, err)
	require.Equal(t, "a", id)

	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, reclaimed)

	id, err = q.DequeueWithLease(ctx, inbox)
	require.NoError(t, err)
	assert.Equal(t, "a", id)
}

func TestAckedItemIsNotReclaimed(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	inbox := InboxKey("run-1", "Consumer")
	require.NoError(t, q.Enqueue(ctx, "a", inbox))
	_, err := q.DequeueWithLease(ctx, inbox)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, "a"))

	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}

func TestScheduleAndPromote(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	inbox := InboxKey("run-1", "Reporter")
	require.NoError(t, q.Enqueue(ctx, "r", inbox))
	_, err := q.DequeueWithLease(ctx, inbox)
	require.NoError(t, err)

	runAt := time.Now().Add(30 * time.Second)
	require.NoError(t, q.Schedule(ctx, "r", inbox, runAt))

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id, err := q.DequeueWithLease(ctx, inbox)
	require.NoError(t, err)
	assert.Equal(t, "r", id)
}

func TestPromoteCountsOnlyRoutedItems(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	inbox := InboxKey("run-1", "Reporter")
	runAt := time.Now()
	require.NoError(t, q.Schedule(ctx, "r", inbox, runAt))
	require.NoError(t, q.Schedule(ctx, "stale", inbox, runAt))
	// Acking drops the meta record, so the scheduled entry has nowhere to go.
	require.NoError(t, q.Ack(ctx, "stale"))

	n, err := q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	depth, err := q.InboxDepth(ctx, inbox)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
	left, err := q.client.ZCard(ctx, q.scheduledKey).Result()
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestDLQ(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	require.NoError(t, q.DLQPush(ctx, "bad-1"))
	require.NoError(t, q.DLQPush(ctx, "bad-2"))

	items, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"bad-1", "bad-2"}, items)
}
