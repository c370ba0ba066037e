// Package watcher owns the change feed subscriptions: one per watched
// (database, collection) namespace, each emitting normalized events into the
// dispatcher handoff channel and tracking its durable resume position.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/database"
	"github.com/mongoclaw/mongoclaw/pkg/metrics"
	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// Stream abstracts the driver change stream so subscriptions can be fed from
// fakes in tests.
type Stream interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	ResumeToken() bson.Raw
	Err() error
	Close(ctx context.Context) error
}

// OpenFunc opens a change stream on a namespace, resuming after the given
// token when non-nil.
type OpenFunc func(ctx context.Context, ns models.WatchSpec, resumeAfter models.ResumeTokenData) (Stream, error)

// MongoOpen returns an OpenFunc over the real driver: operation-type match
// pipeline, post-image lookup, and a bounded server-side await.
func MongoOpen(db *database.Client, cfg *config.WatcherConfig) OpenFunc {
	return func(ctx context.Context, ns models.WatchSpec, resumeAfter models.ResumeTokenData) (Stream, error) {
		pipeline := mongo.Pipeline{
			{{Key: "$match", Value: bson.D{
				{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{
					"insert", "update", "replace", "delete",
				}}}},
			}}},
		}
		opts := options.ChangeStream().
			SetFullDocument(options.UpdateLookup).
			SetMaxAwaitTime(cfg.MaxAwaitTime.Std())
		if resumeAfter != nil {
			opts = opts.SetResumeAfter(resumeAfter)
		}
		stream, err := db.WatchedCollection(ns.Database, ns.Collection).Watch(ctx, pipeline, opts)
		if err != nil {
			return nil, err
		}
		return stream, nil
	}
}

// executionRecorder is the ledger subset the watcher writes feed resets to.
type executionRecorder interface {
	Record(ctx context.Context, exec *models.Execution) error
}

// TokenPersistence is the durable-position store interface; *TokenStore is
// the Mongo-backed implementation.
type TokenPersistence interface {
	Load(ctx context.Context, watcherID string) (models.ResumeTokenData, error)
	Save(ctx context.Context, watcherID string, token models.ResumeTokenData) error
	Clear(ctx context.Context, watcherID string) error
}

type subscription struct {
	ns      models.WatchSpec
	id      string
	tracker *SeqTracker
	cancel  context.CancelFunc
}

// Watcher reconciles running subscriptions against the desired namespace set
// and multiplexes their events into one handoff channel.
type Watcher struct {
	cfg        *config.WatcherConfig
	open       OpenFunc
	tokens     TokenPersistence
	executions executionRecorder
	sink       *metrics.Sink
	out        chan *models.ChangeEvent

	mu   sync.Mutex
	subs map[string]*subscription
	wg   sync.WaitGroup
}

// New builds a watcher. The metrics sink may be nil.
func New(cfg *config.WatcherConfig, open OpenFunc, tokens TokenPersistence, executions executionRecorder, sink *metrics.Sink) *Watcher {
	return &Watcher{
		cfg:        cfg,
		open:       open,
		tokens:     tokens,
		executions: executions,
		sink:       sink,
		out:        make(chan *models.ChangeEvent, cfg.HandoffBuffer),
		subs:       make(map[string]*subscription),
	}
}

// Events is the handoff channel the dispatcher consumes. It closes after Run
// returns.
func (w *Watcher) Events() <-chan *models.ChangeEvent {
	return w.out
}

// Ack reports that every work item derived from the event was durably
// enqueued (or the event was deliberately dropped). Acks for subscriptions
// that have since stopped are absorbed.
func (w *Watcher) Ack(ack models.EventAck) {
	w.mu.Lock()
	sub, ok := w.subs[ack.WatcherID]
	w.mu.Unlock()
	if ok {
		sub.tracker.Ack(ack.Seq)
	}
}

// Run reconciles subscriptions against desired() until the context ends,
// then stops every subscription, flushes tokens, and closes the handoff
// channel.
func (w *Watcher) Run(ctx context.Context, desired func() []models.WatchSpec) {
	w.reconcile(ctx, desired())

	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		w.runFlusher(ctx)
	}()

	ticker := time.NewTicker(w.cfg.ReconcileInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			for _, sub := range w.subs {
				sub.cancel()
			}
			w.mu.Unlock()
			w.wg.Wait()
			<-flushDone
			w.flushAll(context.Background())
			close(w.out)
			return
		case <-ticker.C:
			w.reconcile(ctx, desired())
		}
	}
}

// reconcile diffs the desired namespaces against running subscriptions.
func (w *Watcher) reconcile(ctx context.Context, desired []models.WatchSpec) {
	want := make(map[string]models.WatchSpec, len(desired))
	for _, ns := range desired {
		want[ns.Namespace()] = ns
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for id, sub := range w.subs {
		if _, ok := want[id]; !ok {
			slog.Info("Stopping change feed subscription", "namespace", id)
			sub.cancel()
			delete(w.subs, id)
		}
	}
	for id, ns := range want {
		if _, ok := w.subs[id]; ok {
			continue
		}
		w.start(ctx, id, ns)
	}
}

// start spins up one subscription goroutine; callers hold the lock.
func (w *Watcher) start(ctx context.Context, id string, ns models.WatchSpec) {
	resume, err := w.tokens.Load(ctx, id)
	if err != nil {
		// Start from "now" rather than hold the namespace hostage; at worst
		// this re-executes recent events, which idempotency absorbs.
		slog.Error("Failed to load resume token, starting from now", "namespace", id, "error", err)
		resume = nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{ns: ns, id: id, tracker: NewSeqTracker(resume), cancel: cancel}
	w.subs[id] = sub

	slog.Info("Starting change feed subscription", "namespace", id, "resuming", resume != nil)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runSubscription(subCtx, sub, resume)
	}()
}

// runSubscription keeps one namespace's feed open, reconnecting with
// exponential backoff and restarting from "now" when the server reports the
// saved position unrecoverable.
func (w *Watcher) runSubscription(ctx context.Context, sub *subscription, resume models.ResumeTokenData) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.ReconnectBackoffBase.Std()
	bo.MaxInterval = w.cfg.ReconnectBackoffMax.Std()
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		if durable, _ := sub.tracker.Durable(); durable != nil {
			resume = durable
		}

		err := w.consume(ctx, sub, resume)
		if ctx.Err() != nil {
			break
		}
		if isHistoryLost(err) {
			w.handleFeedReset(ctx, sub)
			resume = nil
			bo.Reset()
			continue
		}

		wait := bo.NextBackOff()
		slog.Warn("Change feed error, reconnecting",
			"namespace", sub.id, "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}

	w.flushSub(context.Background(), sub)
}

// consume reads one stream until it errors or the context ends.
func (w *Watcher) consume(ctx context.Context, sub *subscription, resume models.ResumeTokenData) error {
	stream, err := w.open(ctx, sub.ns, resume)
	if err != nil {
		return fmt.Errorf("failed to open change stream on %s: %w", sub.id, err)
	}
	defer func() { _ = stream.Close(context.Background()) }()

	for stream.Next(ctx) {
		event, err := w.decode(stream, sub)
		if err != nil {
			slog.Warn("Dropping undecodable change event", "namespace", sub.id, "error", err)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w.out <- event:
		}
		if w.sink != nil {
			w.sink.ObserveChangeEvent(event.Database, event.Collection, string(event.Operation))
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

// decode normalizes one raw stream document and issues its sequence number.
func (w *Watcher) decode(stream Stream, sub *subscription) (*models.ChangeEvent, error) {
	var raw struct {
		OperationType string              `bson:"operationType"`
		FullDocument  map[string]any      `bson:"fullDocument,omitempty"`
		DocumentKey   bson.M              `bson:"documentKey"`
		ClusterTime   primitive.Timestamp `bson:"clusterTime"`
	}
	if err := stream.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode change event: %w", err)
	}

	op := models.ChangeOperation(raw.OperationType)
	if !op.IsValid() {
		return nil, fmt.Errorf("unexpected operation type %q", raw.OperationType)
	}

	var token models.ResumeTokenData
	if rt := stream.ResumeToken(); rt != nil {
		if err := bson.Unmarshal(rt, &token); err != nil {
			return nil, fmt.Errorf("failed to decode resume token: %w", err)
		}
	}

	return &models.ChangeEvent{
		WatcherID:    sub.id,
		Seq:          sub.tracker.Issue(token),
		ResumeToken:  token,
		Operation:    op,
		Database:     sub.ns.Database,
		Collection:   sub.ns.Collection,
		DocumentID:   raw.DocumentKey["_id"],
		FullDocument: raw.FullDocument,
		ClusterTime:  time.Unix(int64(raw.ClusterTime.T), 0).UTC(),
	}, nil
}

// handleFeedReset records exactly one ledger entry for the lost position,
// clears the stored token, and abandons outstanding sequences. The next
// connect starts from "now": events in the lost gap are gone and the ledger
// entry is the operator's signal to reconcile manually.
func (w *Watcher) handleFeedReset(ctx context.Context, sub *subscription) {
	slog.Error("Change feed history lost, restarting from now", "namespace", sub.id)

	now := time.Now().UTC()
	exec := &models.Execution{
		ID:             uuid.NewString(),
		AgentID:        "system",
		DocumentID:     sub.id,
		Status:         models.StatusSkipped,
		LifecycleState: models.LifecycleFeedReset,
		Attempt:        1,
		StartedAt:      now,
		CompletedAt:    &now,
		SkipReason:     "resume position no longer available in the oplog",
		CreatedAt:      now,
	}
	if err := w.executions.Record(ctx, exec); err != nil {
		slog.Error("Failed to record feed reset", "namespace", sub.id, "error", err)
	}
	if err := w.tokens.Clear(ctx, sub.id); err != nil {
		slog.Error("Failed to clear resume token", "namespace", sub.id, "error", err)
	}
	sub.tracker.Reset()
}

// runFlusher persists dirty durable tokens on the configured interval.
func (w *Watcher) runFlusher(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.TokenPersistInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flushAll(ctx)
		}
	}
}

func (w *Watcher) flushAll(ctx context.Context) {
	w.mu.Lock()
	subs := make([]*subscription, 0, len(w.subs))
	for _, sub := range w.subs {
		subs = append(subs, sub)
	}
	w.mu.Unlock()

	for _, sub := range subs {
		w.flushSub(ctx, sub)
	}
}

func (w *Watcher) flushSub(ctx context.Context, sub *subscription) {
	token, dirty := sub.tracker.Durable()
	if !dirty {
		return
	}
	if err := w.tokens.Save(ctx, sub.id, token); err != nil {
		slog.Warn("Failed to persist resume token", "namespace", sub.id, "error", err)
		return
	}
	sub.tracker.MarkFlushed()
}

// isHistoryLost matches the server errors that invalidate a resume position:
// ChangeStreamHistoryLost (286) and CappedPositionLost (136).
func isHistoryLost(err error) bool {
	var se mongo.ServerError
	if errors.As(err, &se) {
		return se.HasErrorCode(286) || se.HasErrorCode(136)
	}
	return false
}
