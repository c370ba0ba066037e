package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// payloadField is the single stream entry field carrying the JSON work item.
const payloadField = "payload"

// Client is the shared stream client. Safe for concurrent produce, consume,
// and acknowledgement across workers and the dispatcher.
type Client struct {
	rdb *redis.Client
	cfg *config.QueueConfig
}

// NewClient connects to Redis and pings it. An unreachable queue at startup
// is fatal for the process, so the error propagates to main.
func NewClient(ctx context.Context, redisCfg *config.RedisConfig, queueCfg *config.QueueConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        redisCfg.Addr,
		Username:    redisCfg.Username,
		Password:    redisCfg.Password,
		DB:          redisCfg.DB,
		PoolSize:    redisCfg.PoolSize,
		DialTimeout: redisCfg.DialTimeout.Std(),
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return &Client{rdb: rdb, cfg: queueCfg}, nil
}

// NewClientFromRedis wraps an existing Redis client (useful for testing).
func NewClientFromRedis(rdb *redis.Client, queueCfg *config.QueueConfig) *Client {
	return &Client{rdb: rdb, cfg: queueCfg}
}

// Stream returns the work stream name for an agent.
func (c *Client) Stream(agentID string) string {
	return c.cfg.StreamPrefix + agentID
}

// DLQStream returns the dead-letter stream name for an agent.
func (c *Client) DLQStream(agentID string) string {
	return c.cfg.StreamPrefix + agentID + c.cfg.DLQSuffix
}

// AgentFromStream recovers the agent id from a work stream name.
func (c *Client) AgentFromStream(stream string) string {
	s := strings.TrimPrefix(stream, c.cfg.StreamPrefix)
	return strings.TrimSuffix(s, c.cfg.DLQSuffix)
}

// EnsureGroup creates the consumer group at start-of-stream, creating the
// stream if needed. An already-existing group is not an error.
func (c *Client) EnsureGroup(ctx context.Context, agentID string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.Stream(agentID), c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group for %s: %w", agentID, err)
	}
	return nil
}

// Produce appends a work item to the agent's stream and returns the assigned
// entry id. The stream is length-capped with an approximate trim.
func (c *Client) Produce(ctx context.Context, agentID string, item *models.WorkItem) (string, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("failed to encode work item: %w", err)
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.Stream(agentID),
		MaxLen: c.cfg.StreamMaxLen,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to produce to %s: %w", c.Stream(agentID), err)
	}
	return id, nil
}

// Consume reads up to count undelivered items for one consumer, blocking up
// to the configured consume block. Items whose schedule has not arrived yet
// are pushed back (re-produced and acked) and skipped; malformed entries are
// acked and dropped so they cannot wedge the group.
func (c *Client) Consume(ctx context.Context, agentID, consumer string, count int64) ([]Delivery, error) {
	stream := c.Stream(agentID)
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    c.cfg.ConsumeBlock.Std(),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoItemsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume from %s: %w", stream, err)
	}

	var deliveries []Delivery
	now := time.Now().UTC()
	for _, sr := range res {
		for _, msg := range sr.Messages {
			item, derr := decodeEntry(msg)
			if derr != nil {
				slog.Warn("Dropping malformed queue entry",
					"stream", stream, "entry_id", msg.ID, "error", derr)
				_ = c.rdb.XAck(ctx, stream, c.cfg.Group, msg.ID).Err()
				continue
			}
			if !item.ScheduledAt.IsZero() && item.ScheduledAt.After(now) {
				// Not due yet: hand the delay back to the stream tail.
				if err := c.requeue(ctx, stream, msg.ID, item); err != nil {
					slog.Warn("Failed to requeue deferred item",
						"stream", stream, "entry_id", msg.ID, "error", err)
				}
				continue
			}
			deliveries = append(deliveries, Delivery{EntryID: msg.ID, Item: item})
		}
	}
	if len(deliveries) == 0 {
		return nil, ErrNoItemsAvailable
	}
	return deliveries, nil
}

// Ack marks one delivery done; the entry becomes eligible for trimming.
func (c *Client) Ack(ctx context.Context, agentID, entryID string) error {
	if err := c.rdb.XAck(ctx, c.Stream(agentID), c.cfg.Group, entryID).Err(); err != nil {
		return fmt.Errorf("failed to ack %s on %s: %w", entryID, c.Stream(agentID), err)
	}
	return nil
}

// Nack schedules a redelivery of the item after delay. The current delivery
// is acked and the item re-produced with its schedule set; the caller decides
// whether the redelivery counts as a new attempt by adjusting item.Attempt
// before the call (admission rejections keep it unchanged).
func (c *Client) Nack(ctx context.Context, agentID, entryID string, item *models.WorkItem, delay time.Duration) error {
	stream := c.Stream(agentID)
	item.ScheduledAt = time.Now().UTC().Add(delay)
	if err := c.requeue(ctx, stream, entryID, item); err != nil {
		return fmt.Errorf("failed to nack %s on %s: %w", entryID, stream, err)
	}
	return nil
}

// requeue appends the item back onto the stream, then acks the old entry.
// Produce-then-ack: a crash between the two yields a duplicate delivery,
// which the idempotency layer absorbs; the reverse order could lose the item.
func (c *Client) requeue(ctx context.Context, stream, entryID string, item *models.WorkItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode work item: %w", err)
	}
	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: c.cfg.StreamMaxLen,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	}).Err(); err != nil {
		return err
	}
	return c.rdb.XAck(ctx, stream, c.cfg.Group, entryID).Err()
}

// ClaimPending reassigns items whose consumer has gone quiet for at least
// minIdle to the calling consumer. The claimer bumps the attempt counter:
// a claim is a redelivery of work that died mid-flight.
func (c *Client) ClaimPending(ctx context.Context, agentID, consumer string, minIdle time.Duration, count int64) ([]Delivery, error) {
	stream := c.Stream(agentID)
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  c.cfg.Group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending on %s: %w", stream, err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Consumer == consumer {
			continue
		}
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    c.cfg.Group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending on %s: %w", stream, err)
	}

	var deliveries []Delivery
	for _, msg := range msgs {
		item, derr := decodeEntry(msg)
		if derr != nil {
			slog.Warn("Dropping malformed claimed entry",
				"stream", stream, "entry_id", msg.ID, "error", derr)
			_ = c.rdb.XAck(ctx, stream, c.cfg.Group, msg.ID).Err()
			continue
		}
		item.Attempt++
		deliveries = append(deliveries, Delivery{EntryID: msg.ID, Item: item})
	}
	return deliveries, nil
}

// PushDLQ appends an exhausted or unretryable item to the agent's dead-letter
// stream with origin metadata, then acks the work stream entry.
func (c *Client) PushDLQ(ctx context.Context, agentID, entryID string, item *models.WorkItem, tag, msg string) error {
	entry := DLQEntry{
		Item:         item,
		OriginStream: c.Stream(agentID),
		ErrorTag:     tag,
		Error:        msg,
		DeadAt:       time.Now().UTC(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode DLQ entry: %w", err)
	}
	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.DLQStream(agentID),
		MaxLen: c.cfg.DLQMaxLen,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	}).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", c.DLQStream(agentID), err)
	}
	if entryID != "" {
		return c.Ack(ctx, agentID, entryID)
	}
	return nil
}

// ListDLQ returns the newest dead-lettered entries for inspection.
func (c *Client) ListDLQ(ctx context.Context, agentID string, limit int64) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := c.rdb.XRevRangeN(ctx, c.DLQStream(agentID), "+", "-", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", c.DLQStream(agentID), err)
	}
	entries := make([]DLQEntry, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values[payloadField].(string)
		if !ok {
			continue
		}
		var entry DLQEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entry.EntryID = msg.ID
		entries = append(entries, entry)
	}
	return entries, nil
}

// ReplayDLQ re-enqueues up to limit dead-lettered items onto the work stream
// with a reset attempt counter and the retry trigger, removing them from the
// DLQ. Returns the number replayed.
func (c *Client) ReplayDLQ(ctx context.Context, agentID string, limit int64) (int, error) {
	entries, err := c.ListDLQ(ctx, agentID, limit)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, entry := range entries {
		if entry.Item == nil {
			continue
		}
		item := entry.Item
		item.Attempt = 1
		item.Trigger = models.TriggerRetry
		item.ScheduledAt = time.Time{}
		if _, err := c.Produce(ctx, agentID, item); err != nil {
			return replayed, err
		}
		if err := c.rdb.XDel(ctx, c.DLQStream(agentID), entry.EntryID).Err(); err != nil {
			return replayed, fmt.Errorf("failed to remove replayed DLQ entry: %w", err)
		}
		replayed++
	}
	return replayed, nil
}

// Len returns the work stream depth for one agent.
func (c *Client) Len(ctx context.Context, agentID string) (int64, error) {
	n, err := c.rdb.XLen(ctx, c.Stream(agentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to measure %s: %w", c.Stream(agentID), err)
	}
	return n, nil
}

// DLQLen returns the dead-letter stream depth for one agent.
func (c *Client) DLQLen(ctx context.Context, agentID string) (int64, error) {
	n, err := c.rdb.XLen(ctx, c.DLQStream(agentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to measure %s: %w", c.DLQStream(agentID), err)
	}
	return n, nil
}

// PendingCount returns how many deliveries are in flight (claimed, unacked).
func (c *Client) PendingCount(ctx context.Context, agentID string) (int64, error) {
	p, err := c.rdb.XPending(ctx, c.Stream(agentID), c.cfg.Group).Result()
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read pending summary for %s: %w", c.Stream(agentID), err)
	}
	return p.Count, nil
}

// SetNX sets a TTL key when absent; used for the strong-mode advisory lock.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx %s: %w", key, err)
	}
	return ok, nil
}

// Del removes a key; used to release advisory locks early.
func (c *Client) Del(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// SetWithTTL writes a TTL key; used by the model response cache.
func (c *Client) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Get reads a TTL key. A missing key returns ("", false, nil).
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return v, true, nil
}

// Ping verifies queue connectivity for readiness checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// decodeEntry unpacks one stream message into a work item.
func decodeEntry(msg redis.XMessage) (*models.WorkItem, error) {
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		return nil, ErrMalformedPayload
	}
	var item models.WorkItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	item.ItemID = msg.ID
	return &item, nil
}
