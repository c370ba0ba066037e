package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// memStore is a tiny document store that understands exactly the filter
// shapes the engine emits: _id match plus either the dotted $ne key
// assertion or the $not/$elemMatch array assertion.
type memStore struct {
	mu   sync.Mutex
	docs map[string]map[string]any // id → document
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]map[string]any)}
}

func (m *memStore) put(id string, doc map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[id] = doc
}

func (m *memStore) get(id string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[id]
}

func (m *memStore) UpdateOne(_ context.Context, _, _ string, filter, update any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := filter.(bson.D)
	id := idString(f[0].Value)
	doc, ok := m.docs[id]
	if !ok || !m.matches(doc, f) {
		return 0, nil
	}

	u := update.(bson.D)
	for _, clause := range u {
		switch clause.Key {
		case "$set":
			for _, entry := range clause.Value.(bson.D) {
				setPath(doc, entry.Key, normalize(entry.Value))
			}
		case "$push":
			for _, entry := range clause.Value.(bson.D) {
				arr, _ := doc[entry.Key].([]any)
				doc[entry.Key] = append(arr, normalize(entry.Value))
			}
		}
	}
	return 1, nil
}

func (m *memStore) Exists(_ context.Context, _, _ string, filter any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := filter.(bson.D)
	_, ok := m.docs[idString(f[0].Value)]
	return ok, nil
}

func (m *memStore) matches(doc map[string]any, filter bson.D) bool {
	for _, cond := range filter[1:] {
		expr := cond.Value.(bson.D)
		switch expr[0].Key {
		case "$ne":
			if lookupPath(doc, cond.Key) == expr[0].Value {
				return false
			}
		case "$not":
			elem := expr[0].Value.(bson.D)[0].Value.(bson.D)
			arr, _ := doc[cond.Key].([]any)
			for _, item := range arr {
				entry, _ := item.(map[string]any)
				if lookupPath(entry, elem[0].Key) == elem[0].Value {
					return false
				}
			}
		}
	}
	return true
}

func idString(v any) string {
	if oid, ok := v.(primitive.ObjectID); ok {
		return oid.Hex()
	}
	return v.(string)
}

// normalize converts bson.D values into plain maps for path lookups.
func normalize(v any) any {
	d, ok := v.(bson.D)
	if !ok {
		if e, ok := v.(Envelope); ok {
			return map[string]any{
				"agent_id":        e.AgentID,
				"agent_revision":  e.AgentRevision,
				"idempotency_key": e.IdempotencyKey,
			}
		}
		return v
	}
	out := make(map[string]any, len(d))
	for _, entry := range d {
		out[entry.Key] = normalize(entry.Value)
	}
	return out
}

func setPath(doc map[string]any, path string, value any) {
	cur := doc
	for {
		i := indexDot(path)
		if i < 0 {
			cur[path] = value
			return
		}
		head, rest := path[:i], path[i+1:]
		next, ok := cur[head].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[head] = next
		}
		cur, path = next, rest
	}
}

func lookupPath(doc map[string]any, path string) any {
	cur := any(doc)
	for path != "" {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		i := indexDot(path)
		if i < 0 {
			return m[path]
		}
		cur, path = m[path[:i]], path[i+1:]
	}
	return cur
}

func indexDot(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

func mergeRequest(key string) *Request {
	return &Request{
		Database:        "support",
		Collection:      "tickets",
		DocumentID:      "t1",
		TargetField:     "ai_triage",
		Value:           map[string]any{"category": "billing"},
		Strategy:        models.StrategyMerge,
		IdempotencyKey:  key,
		IncludeMetadata: true,
		Envelope: Envelope{
			AgentID:        "classify",
			AgentRevision:  1,
			ExecutedAt:     time.Now().UTC(),
			IdempotencyKey: key,
		},
	}
}

func TestApplyMergeWritesOnce(t *testing.T) {
	store := newMemStore()
	store.put("t1", map[string]any{"_id": "t1", "status": "open"})
	engine := NewEngine(store)

	res, err := engine.Apply(context.Background(), mergeRequest("k1"))
	require.NoError(t, err)
	assert.True(t, res.Written)

	doc := store.get("t1")
	assert.Equal(t, "open", doc["status"], "merge preserves siblings")
	assert.Equal(t, "k1", lookupPath(doc, "ai_triage.meta.idempotency_key"))

	// same key again: conflict, no write
	res, err = engine.Apply(context.Background(), mergeRequest("k1"))
	require.NoError(t, err)
	assert.False(t, res.Written)
	assert.True(t, res.Conflict)

	// a new key (agent revision bumped) re-opens the write
	res, err = engine.Apply(context.Background(), mergeRequest("k2"))
	require.NoError(t, err)
	assert.True(t, res.Written)
	assert.Equal(t, "k2", lookupPath(store.get("t1"), "ai_triage.meta.idempotency_key"))
}

func TestApplyMissingDocument(t *testing.T) {
	engine := NewEngine(newMemStore())

	res, err := engine.Apply(context.Background(), mergeRequest("k1"))
	require.NoError(t, err)
	assert.False(t, res.Written)
	assert.False(t, res.Conflict, "a vanished document is not a conflict")
}

func TestApplyAppendDedups(t *testing.T) {
	store := newMemStore()
	store.put("t1", map[string]any{"_id": "t1"})
	engine := NewEngine(store)

	req := mergeRequest("k1")
	req.Strategy = models.StrategyAppend

	res, err := engine.Apply(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Written)

	// duplicate key does not grow the array
	res, err = engine.Apply(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Written)
	assert.True(t, res.Conflict)

	req2 := mergeRequest("k2")
	req2.Strategy = models.StrategyAppend
	res, err = engine.Apply(context.Background(), req2)
	require.NoError(t, err)
	assert.True(t, res.Written)

	arr := store.get("t1")["ai_triage"].([]any)
	assert.Len(t, arr, 2)
}

func TestBuildWriteShapes(t *testing.T) {
	t.Run("replace swaps the whole field", func(t *testing.T) {
		req := mergeRequest("k1")
		req.Strategy = models.StrategyReplace
		filter, update, err := buildWrite(req)
		require.NoError(t, err)

		assert.Equal(t, "ai_triage.meta.idempotency_key", filter[1].Key)
		assert.Equal(t, "$set", update[0].Key)
		set := update[0].Value.(bson.D)
		require.Len(t, set, 1)
		assert.Equal(t, "ai_triage", set[0].Key)
	})

	t.Run("merge sets value and meta separately", func(t *testing.T) {
		filter, update, err := buildWrite(mergeRequest("k1"))
		require.NoError(t, err)

		assert.Equal(t, "_id", filter[0].Key)
		set := update[0].Value.(bson.D)
		require.Len(t, set, 2)
		assert.Equal(t, "ai_triage.value", set[0].Key)
		assert.Equal(t, "ai_triage.meta", set[1].Key)
	})

	t.Run("append pushes with elemMatch guard", func(t *testing.T) {
		req := mergeRequest("k1")
		req.Strategy = models.StrategyAppend
		filter, update, err := buildWrite(req)
		require.NoError(t, err)

		assert.Equal(t, "ai_triage", filter[1].Key)
		assert.Equal(t, "$push", update[0].Key)
	})

	t.Run("metadata disabled writes the bare value", func(t *testing.T) {
		req := mergeRequest("k1")
		req.IncludeMetadata = false
		_, update, err := buildWrite(req)
		require.NoError(t, err)

		set := update[0].Value.(bson.D)
		require.Len(t, set, 1)
		assert.Equal(t, "ai_triage", set[0].Key)
	})

	t.Run("unknown strategy rejected", func(t *testing.T) {
		req := mergeRequest("k1")
		req.Strategy = "upsert"
		_, _, err := buildWrite(req)
		require.Error(t, err)
	})
}

func TestDocumentIDConversion(t *testing.T) {
	oid := primitive.NewObjectID()
	converted := documentID(oid.Hex())
	assert.Equal(t, oid, converted, "24-hex strings convert to ObjectID")

	assert.Equal(t, "t1", documentID("t1"))
	assert.Equal(t, 42, documentID(42))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("not authorized on shop")))
	assert.True(t, IsTransient(fmt.Errorf("update tickets: %w", context.DeadlineExceeded)))
}

// Property: a write lands exactly when its idempotency key differs from the
// key currently embedded in the document. Consecutive replays of the embedded
// key report a conflict instead of writing; a new key (even one embedded
// earlier and since replaced) writes again. Global replay suppression across
// interleavings is the idempotency key store's job, not the conditional
// update's.
func TestWriteSuppressesConsecutiveReplays(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100

	properties := gopter.NewProperties(params)
	properties.Property("write iff key differs from embedded key", prop.ForAll(
		func(keyPicks []int) bool {
			store := newMemStore()
			store.put("t1", map[string]any{"_id": "t1"})
			engine := NewEngine(store)

			current := ""
			for _, pick := range keyPicks {
				key := fmt.Sprintf("key-%d", pick)
				res, err := engine.Apply(context.Background(), mergeRequest(key))
				if err != nil {
					return false
				}
				if res.Written != (key != current) {
					return false
				}
				if !res.Written && !res.Conflict {
					return false
				}
				if res.Written {
					current = key
				}
				embedded := lookupPath(store.get("t1"), "ai_triage.meta.idempotency_key")
				if embedded != current {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 5)),
	))
	properties.TestingRun(t)
}
