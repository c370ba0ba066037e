package e2e

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/dispatcher"
	"github.com/mongoclaw/mongoclaw/pkg/models"
	"github.com/mongoclaw/mongoclaw/pkg/watcher"
)

// fakeFeed is a channel-backed change stream.
type fakeFeed struct {
	events  chan bson.M
	mu      sync.Mutex
	current bson.M
}

func newFakeFeed(buffer int) *fakeFeed {
	return &fakeFeed{events: make(chan bson.M, buffer)}
}

func (f *fakeFeed) push(docID, token string) {
	f.events <- bson.M{
		"operationType": "insert",
		"fullDocument":  bson.M{"_id": docID, "subject": "billing dispute"},
		"documentKey":   bson.M{"_id": docID},
		"clusterTime":   primitive.Timestamp{T: uint32(time.Now().Unix())},
		"_token":        token,
	}
}

func (f *fakeFeed) Next(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case doc, ok := <-f.events:
		if !ok {
			return false
		}
		f.mu.Lock()
		f.current = doc
		f.mu.Unlock()
		return true
	}
}

func (f *fakeFeed) Decode(val any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := bson.Marshal(f.current)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}

func (f *fakeFeed) ResumeToken() bson.Raw {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok, _ := f.current["_token"].(string)
	raw, err := bson.Marshal(bson.M{"_data": tok})
	if err != nil {
		return nil
	}
	return raw
}

func (f *fakeFeed) Err() error { return nil }

func (f *fakeFeed) Close(context.Context) error { return nil }

// memTokens is an in-memory resume-position store shared across "restarts".
type memTokens struct {
	mu    sync.Mutex
	saved map[string]models.ResumeTokenData
}

func newMemTokens() *memTokens { return &memTokens{saved: map[string]models.ResumeTokenData{}} }

func (s *memTokens) Load(_ context.Context, watcherID string) (models.ResumeTokenData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[watcherID], nil
}

func (s *memTokens) Save(_ context.Context, watcherID string, token models.ResumeTokenData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[watcherID] = token
	return nil
}

func (s *memTokens) Clear(_ context.Context, watcherID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saved, watcherID)
	return nil
}

func (s *memTokens) get(watcherID string) models.ResumeTokenData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[watcherID]
}

func fastWatcherConfig() *config.WatcherConfig {
	cfg := config.DefaultWatcherConfig()
	cfg.TokenPersistInterval = config.Duration(10 * time.Millisecond)
	cfg.ReconcileInterval = config.Duration(50 * time.Millisecond)
	return cfg
}

// TestResumeAfterRestart drives two events through watcher → dispatcher →
// queue, then restarts the watcher against the same token store and verifies
// the new subscription resumes after the last fully fanned-out event.
func TestResumeAfterRestart(t *testing.T) {
	p := newPipeline(t, triageAgent("classify"))
	tokens := newMemTokens()
	feed := newFakeFeed(8)

	var openMu sync.Mutex
	var resumes []models.ResumeTokenData
	open := func(_ context.Context, _ models.WatchSpec, resumeAfter models.ResumeTokenData) (watcher.Stream, error) {
		openMu.Lock()
		resumes = append(resumes, resumeAfter)
		openMu.Unlock()
		return feed, nil
	}

	w := watcher.New(fastWatcherConfig(), open, tokens, p.ledger, nil)
	d := dispatcher.New(config.DefaultDispatcherConfig(), p.cache, p.queue, w,
		p.quarantine, p.ledger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	desired := func() []models.WatchSpec {
		return []models.WatchSpec{{Database: "support", Collection: "tickets"}}
	}
	go func() {
		defer wg.Done()
		w.Run(ctx, desired)
	}()
	go func() {
		defer wg.Done()
		d.Run(context.Background(), w.Events())
	}()

	feed.push("doc-1", "tok-1")
	feed.push("doc-2", "tok-2")

	require.Eventually(t, func() bool {
		tok := tokens.get("support.tickets")
		return tok != nil && tok["_data"] == "tok-2"
	}, 5*time.Second, 10*time.Millisecond, "durable token advances to the last acked event")

	cancel()
	wg.Wait()

	// Both events were enqueued exactly once.
	assert.Equal(t, 2, p.queue.depth("classify"))
	p.drain(t)
	assert.Equal(t, 1, p.engine.writes("doc-1", "doc-1:classify:1"))
	assert.Equal(t, 1, p.engine.writes("doc-2", "doc-2:classify:1"))

	// Restart: a new watcher over the same token store resumes after tok-2.
	restarted := watcher.New(fastWatcherConfig(), open, tokens, p.ledger, nil)
	rctx, rcancel := context.WithCancel(context.Background())
	var rwg sync.WaitGroup
	rwg.Add(1)
	go func() {
		defer rwg.Done()
		restarted.Run(rctx, desired)
	}()

	require.Eventually(t, func() bool {
		openMu.Lock()
		defer openMu.Unlock()
		if len(resumes) < 2 {
			return false
		}
		last := resumes[len(resumes)-1]
		return last != nil && last["_data"] == "tok-2"
	}, 5*time.Second, 10*time.Millisecond, "restart opens the stream after the durable token")

	rcancel()
	rwg.Wait()
}
