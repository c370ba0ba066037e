package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/models"
)

type fakeStream struct {
	docs []bson.M
	idx  int
	err  error
}

func (s *fakeStream) Next(_ context.Context) bool {
	if s.idx >= len(s.docs) {
		return false
	}
	s.idx++
	return true
}

func (s *fakeStream) Decode(val any) error {
	raw, err := bson.Marshal(s.docs[s.idx-1])
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}

func (s *fakeStream) ResumeToken() bson.Raw {
	raw, _ := bson.Marshal(bson.M{"_data": s.docs[s.idx-1]["_token"]})
	return raw
}

func (s *fakeStream) Err() error                    { return s.err }
func (s *fakeStream) Close(_ context.Context) error { return nil }

type fakeTokenStore struct {
	mu      sync.Mutex
	saved   map[string]models.ResumeTokenData
	cleared []string
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{saved: make(map[string]models.ResumeTokenData)}
}

func (s *fakeTokenStore) Load(_ context.Context, watcherID string) (models.ResumeTokenData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[watcherID], nil
}

func (s *fakeTokenStore) Save(_ context.Context, watcherID string, token models.ResumeTokenData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[watcherID] = token
	return nil
}

func (s *fakeTokenStore) Clear(_ context.Context, watcherID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saved, watcherID)
	s.cleared = append(s.cleared, watcherID)
	return nil
}

type fakeRecorder struct {
	mu    sync.Mutex
	execs []*models.Execution
}

func (r *fakeRecorder) Record(_ context.Context, exec *models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs = append(r.execs, exec)
	return nil
}

func changeDoc(op, tok string, id any, doc bson.M) bson.M {
	out := bson.M{
		"operationType": op,
		"documentKey":   bson.M{"_id": id},
		"clusterTime":   primitive.Timestamp{T: 1700000000},
		"_token":        tok,
	}
	if doc != nil {
		out["fullDocument"] = doc
	}
	return out
}

func testWatcher(open OpenFunc, store *fakeTokenStore, rec *fakeRecorder) *Watcher {
	return New(config.DefaultWatcherConfig(), open, store, rec, nil)
}

func ticketsNS() models.WatchSpec {
	return models.WatchSpec{Database: "support", Collection: "tickets"}
}

func TestConsumeEmitsNormalizedEvents(t *testing.T) {
	stream := &fakeStream{docs: []bson.M{
		changeDoc("insert", "t1", "doc-1", bson.M{"_id": "doc-1", "status": "open"}),
		changeDoc("delete", "t2", "doc-2", nil),
	}}
	open := func(_ context.Context, _ models.WatchSpec, resume models.ResumeTokenData) (Stream, error) {
		assert.Nil(t, resume)
		return stream, nil
	}

	w := testWatcher(open, newFakeTokenStore(), &fakeRecorder{})
	sub := &subscription{ns: ticketsNS(), id: "support.tickets", tracker: NewSeqTracker(nil)}

	require.NoError(t, w.consume(context.Background(), sub, nil))

	first := <-w.Events()
	assert.Equal(t, models.OperationInsert, first.Operation)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, "support.tickets", first.WatcherID)
	assert.Equal(t, "doc-1", first.DocumentID)
	assert.Equal(t, "open", first.FullDocument["status"])
	assert.Equal(t, "t1", first.ResumeToken["_data"])

	second := <-w.Events()
	assert.Equal(t, models.OperationDelete, second.Operation)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Nil(t, second.FullDocument)
}

func TestConsumeSkipsUndecodableOperations(t *testing.T) {
	stream := &fakeStream{docs: []bson.M{
		changeDoc("invalidate", "t1", "x", nil),
		changeDoc("insert", "t2", "doc-1", bson.M{"_id": "doc-1"}),
	}}
	open := func(_ context.Context, _ models.WatchSpec, _ models.ResumeTokenData) (Stream, error) {
		return stream, nil
	}

	w := testWatcher(open, newFakeTokenStore(), &fakeRecorder{})
	sub := &subscription{ns: ticketsNS(), id: "support.tickets", tracker: NewSeqTracker(nil)}
	require.NoError(t, w.consume(context.Background(), sub, nil))

	event := <-w.Events()
	assert.Equal(t, models.OperationInsert, event.Operation)
	assert.Equal(t, uint64(1), event.Seq, "dropped events consume no sequence")
	select {
	case extra := <-w.Events():
		t.Fatalf("unexpected extra event %+v", extra)
	default:
	}
}

func TestAckAdvancesAndFlushPersists(t *testing.T) {
	store := newFakeTokenStore()
	w := testWatcher(nil, store, &fakeRecorder{})
	sub := &subscription{ns: ticketsNS(), id: "support.tickets", tracker: NewSeqTracker(nil)}
	w.subs[sub.id] = sub

	sub.tracker.Issue(token("t1"))
	sub.tracker.Issue(token("t2"))
	w.Ack(models.EventAck{WatcherID: "support.tickets", Seq: 1})
	w.Ack(models.EventAck{WatcherID: "unknown", Seq: 1}) // absorbed

	w.flushAll(context.Background())
	assert.Equal(t, token("t1"), store.saved["support.tickets"])

	// nothing new acked: flush is a no-op
	store.saved["support.tickets"] = token("sentinel")
	w.flushAll(context.Background())
	assert.Equal(t, token("sentinel"), store.saved["support.tickets"])
}

func TestHandleFeedReset(t *testing.T) {
	store := newFakeTokenStore()
	store.saved["support.tickets"] = token("stale")
	rec := &fakeRecorder{}
	w := testWatcher(nil, store, rec)
	sub := &subscription{ns: ticketsNS(), id: "support.tickets", tracker: NewSeqTracker(token("stale"))}

	sub.tracker.Issue(token("t1"))
	w.handleFeedReset(context.Background(), sub)

	require.Len(t, rec.execs, 1)
	assert.Equal(t, models.LifecycleFeedReset, rec.execs[0].LifecycleState)
	assert.Equal(t, models.StatusSkipped, rec.execs[0].Status)
	assert.Equal(t, []string{"support.tickets"}, store.cleared)

	durable, dirty := sub.tracker.Durable()
	assert.Nil(t, durable)
	assert.False(t, dirty)
}

func TestIsHistoryLost(t *testing.T) {
	assert.True(t, isHistoryLost(mongo.CommandError{Code: 286}))
	assert.True(t, isHistoryLost(mongo.CommandError{Code: 136}))
	assert.False(t, isHistoryLost(mongo.CommandError{Code: 11601}))
	assert.False(t, isHistoryLost(errors.New("plain")))
	assert.False(t, isHistoryLost(nil))
}

func TestReconcileStartsAndStopsSubscriptions(t *testing.T) {
	opened := make(chan string, 4)
	open := func(ctx context.Context, ns models.WatchSpec, _ models.ResumeTokenData) (Stream, error) {
		opened <- ns.Namespace()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	w := testWatcher(open, newFakeTokenStore(), &fakeRecorder{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.reconcile(ctx, []models.WatchSpec{ticketsNS()})
	select {
	case ns := <-opened:
		assert.Equal(t, "support.tickets", ns)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never opened")
	}
	assert.Len(t, w.subs, 1)

	// same desired set: no duplicate subscription
	w.reconcile(ctx, []models.WatchSpec{ticketsNS()})
	assert.Len(t, w.subs, 1)

	// namespace no longer desired: subscription stops
	w.reconcile(ctx, nil)
	assert.Empty(t, w.subs)
	cancel()
	w.wg.Wait()
}
