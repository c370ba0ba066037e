//go:build integration

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/models"
	"github.com/mongoclaw/mongoclaw/test/util"
)

func intTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.DefaultQueueConfig()
	cfg.ConsumeBlock = config.Duration(200 * time.Millisecond)
	rdb := redis.NewClient(&redis.Options{Addr: util.RedisAddr(t)})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewClientFromRedis(rdb, cfg)
}

func intTestItem(agentID string, attempt int) *models.WorkItem {
	item := models.NewWorkItem(&models.Agent{ID: agentID, Revision: 1},
		"doc-1", map[string]any{"status": "open"},
		models.OperationInsert, models.TriggerChange, "doc-1:"+agentID+":1")
	item.Attempt = attempt
	return item
}

func TestProduceConsumeAck(t *testing.T) {
	c := intTestClient(t)
	ctx := context.Background()
	agentID := "it-basic-" + t.Name()

	require.NoError(t, c.EnsureGroup(ctx, agentID))

	entryID, err := c.Produce(ctx, agentID, intTestItem(agentID, 1))
	require.NoError(t, err)
	require.NotEmpty(t, entryID)

	deliveries, err := c.Consume(ctx, agentID, "consumer-1", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, entryID, deliveries[0].EntryID)
	assert.Equal(t, agentID, deliveries[0].Item.AgentID)

	require.NoError(t, c.Ack(ctx, agentID, deliveries[0].EntryID))

	pending, err := c.PendingCount(ctx, agentID)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestNackDefersRedelivery(t *testing.T) {
	c := intTestClient(t)
	ctx := context.Background()
	agentID := "it-nack-" + t.Name()

	require.NoError(t, c.EnsureGroup(ctx, agentID))
	_, err := c.Produce(ctx, agentID, intTestItem(agentID, 1))
	require.NoError(t, err)

	deliveries, err := c.Consume(ctx, agentID, "consumer-1", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	item := deliveries[0].Item
	item.Attempt = 2
	require.NoError(t, c.Nack(ctx, agentID, deliveries[0].EntryID, item, 300*time.Millisecond))

	// Before the delay elapses the item is pushed back, not delivered.
	_, err = c.Consume(ctx, agentID, "consumer-1", 10)
	assert.True(t, errors.Is(err, ErrNoItemsAvailable))

	require.Eventually(t, func() bool {
		deliveries, err := c.Consume(ctx, agentID, "consumer-1", 10)
		if err != nil {
			return false
		}
		return len(deliveries) == 1 && deliveries[0].Item.Attempt == 2
	}, 5*time.Second, 100*time.Millisecond, "nacked item should redeliver after its delay")
}

func TestClaimPendingRecoversDeadConsumer(t *testing.T) {
	c := intTestClient(t)
	ctx := context.Background()
	agentID := "it-claim-" + t.Name()

	require.NoError(t, c.EnsureGroup(ctx, agentID))
	_, err := c.Produce(ctx, agentID, intTestItem(agentID, 1))
	require.NoError(t, err)

	// dead-consumer reads the item and never acks
	deliveries, err := c.Consume(ctx, agentID, "dead-consumer", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	time.Sleep(150 * time.Millisecond)

	claimed, err := c.ClaimPending(ctx, agentID, "live-consumer", 100*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Item.Attempt, "claim counts as a redelivery")

	// the claimer never re-claims its own pending items
	again, err := c.ClaimPending(ctx, agentID, "live-consumer", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestDLQPushListReplay(t *testing.T) {
	c := intTestClient(t)
	ctx := context.Background()
	agentID := "it-dlq-" + t.Name()

	require.NoError(t, c.EnsureGroup(ctx, agentID))
	item := intTestItem(agentID, 3)
	_, err := c.Produce(ctx, agentID, item)
	require.NoError(t, err)

	deliveries, err := c.Consume(ctx, agentID, "consumer-1", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	err = c.PushDLQ(ctx, agentID, deliveries[0].EntryID, deliveries[0].Item,
		string(models.TagModel5xx), "upstream exploded")
	require.NoError(t, err)

	depth, err := c.DLQLen(ctx, agentID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	entries, err := c.ListDLQ(ctx, agentID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(models.TagModel5xx), entries[0].ErrorTag)
	assert.Equal(t, c.Stream(agentID), entries[0].OriginStream)

	replayed, err := c.ReplayDLQ(ctx, agentID, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)

	deliveries, err = c.Consume(ctx, agentID, "consumer-1", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, 1, deliveries[0].Item.Attempt, "replay resets the attempt counter")
	assert.Equal(t, models.TriggerRetry, deliveries[0].Item.Trigger)

	depth, err = c.DLQLen(ctx, agentID)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestKVLockAndCache(t *testing.T) {
	c := intTestClient(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "lock:it:doc-1", "w1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "lock:it:doc-1", "w2", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "contended lock must not be granted")

	require.NoError(t, c.Del(ctx, "lock:it:doc-1"))

	require.NoError(t, c.SetWithTTL(ctx, "cache:it:k", "v", time.Minute))
	v, found, err := c.Get(ctx, "cache:it:k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", v)

	_, found, err = c.Get(ctx, "cache:it:absent")
	require.NoError(t, err)
	assert.False(t, found)
}
