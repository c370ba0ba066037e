package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/models"
)

func testClient() *Client {
	return NewClientFromRedis(nil, config.DefaultQueueConfig())
}

func TestStreamNaming(t *testing.T) {
	c := testClient()

	assert.Equal(t, "agent:classify", c.Stream("classify"))
	assert.Equal(t, "agent:classify:dlq", c.DLQStream("classify"))
	assert.Equal(t, "classify", c.AgentFromStream("agent:classify"))
	assert.Equal(t, "classify", c.AgentFromStream("agent:classify:dlq"))
}

func TestDecodeEntry(t *testing.T) {
	item := &models.WorkItem{
		ID:             "wi-1",
		AgentID:        "classify",
		AgentRevision:  3,
		DocumentID:     "t1",
		Operation:      models.OperationInsert,
		Trigger:        models.TriggerChange,
		Attempt:        2,
		IdempotencyKey: "t1:classify:3",
		EnqueuedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
	payload, err := json.Marshal(item)
	require.NoError(t, err)

	decoded, err := decodeEntry(redis.XMessage{
		ID:     "1700000000000-0",
		Values: map[string]any{payloadField: string(payload)},
	})
	require.NoError(t, err)

	assert.Equal(t, "1700000000000-0", decoded.ItemID)
	assert.Equal(t, item.ID, decoded.ID)
	assert.Equal(t, item.AgentID, decoded.AgentID)
	assert.Equal(t, item.Attempt, decoded.Attempt)
	assert.Equal(t, item.IdempotencyKey, decoded.IdempotencyKey)
}

func TestDecodeEntryMalformed(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
	}{
		{name: "missing payload field", values: map[string]any{"other": "x"}},
		{name: "payload not a string", values: map[string]any{payloadField: 42}},
		{name: "payload not JSON", values: map[string]any{payloadField: "{nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeEntry(redis.XMessage{ID: "1-0", Values: tt.values})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}
