package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// DefaultRefreshInterval is the fallback poll period. It bounds how stale a
// snapshot can get when the change-stream pump is down, and it is the window
// within which a disabled agent stops matching.
const DefaultRefreshInterval = 2 * time.Second

// Lister is the store subset the cache reads from.
type Lister interface {
	List(ctx context.Context, enabledOnly bool) ([]*models.Agent, error)
}

// Snapshot is an immutable view of all agent definitions. Readers hold one
// snapshot pointer for the duration of a decision; a concurrent refresh
// publishes a new snapshot without touching old ones.
type Snapshot struct {
	byID        map[string]*models.Agent
	byNamespace map[string][]*models.Agent
	enabled     []*models.Agent
	LoadedAt    time.Time
}

// Get returns the agent by id, enabled or not. A missing id means the agent
// was deleted: in-flight work referencing it is skipped as agent_gone.
func (s *Snapshot) Get(id string) (*models.Agent, bool) {
	a, ok := s.byID[id]
	return a, ok
}

// Enabled returns all enabled agents.
func (s *Snapshot) Enabled() []*models.Agent {
	return s.enabled
}

// ByNamespace returns the enabled agents watching one database.collection.
func (s *Snapshot) ByNamespace(database, collection string) []*models.Agent {
	return s.byNamespace[database+"."+collection]
}

// Namespaces returns the distinct (database, collection) pairs any enabled
// agent watches; this is the watcher's desired subscription set.
func (s *Snapshot) Namespaces() []models.WatchSpec {
	seen := make(map[string]bool, len(s.byNamespace))
	var out []models.WatchSpec
	for _, agents := range s.byNamespace {
		for _, a := range agents {
			key := a.Watch.Namespace()
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, models.WatchSpec{Database: a.Watch.Database, Collection: a.Watch.Collection})
		}
	}
	return out
}

// Cache holds the current snapshot behind an atomic pointer. Refreshes come
// from the poll loop and from the agents-collection change stream pump.
type Cache struct {
	store    Lister
	snapshot atomic.Pointer[Snapshot]
}

// NewCache returns a cache with an empty snapshot. Call Refresh before
// serving reads.
func NewCache(store Lister) *Cache {
	c := &Cache{store: store}
	c.snapshot.Store(emptySnapshot())
	return c
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		byID:        map[string]*models.Agent{},
		byNamespace: map[string][]*models.Agent{},
		LoadedAt:    time.Time{},
	}
}

// Snapshot returns the current immutable view.
func (c *Cache) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// Refresh rebuilds the snapshot from the store and publishes it.
func (c *Cache) Refresh(ctx context.Context) error {
	agents, err := c.store.List(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to refresh agent cache: %w", err)
	}

	snap := &Snapshot{
		byID:        make(map[string]*models.Agent, len(agents)),
		byNamespace: make(map[string][]*models.Agent),
		LoadedAt:    time.Now().UTC(),
	}
	for _, a := range agents {
		snap.byID[a.ID] = a
		if !a.Enabled {
			continue
		}
		snap.enabled = append(snap.enabled, a)
		key := a.Watch.Namespace()
		snap.byNamespace[key] = append(snap.byNamespace[key], a)
	}
	c.snapshot.Store(snap)
	return nil
}

// Run polls the store on the given interval until the context ends. This is
// the fallback path; the change-stream pump usually refreshes first.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				slog.Warn("Agent cache refresh failed", "error", err)
			}
		}
	}
}

// Stream abstracts the driver change stream for the hot-reload pump.
type Stream interface {
	Next(ctx context.Context) bool
	Err() error
	Close(ctx context.Context) error
}

// RunChangeStream keeps a change stream open on the agents collection and
// refreshes the cache on every mutation, reconnecting with backoff. This is
// what makes enable/disable take effect well inside the refresh window.
func (c *Cache) RunChangeStream(ctx context.Context, watch func(context.Context) (Stream, error)) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		stream, err := watch(ctx)
		if err != nil {
			wait := bo.NextBackOff()
			slog.Warn("Agent change stream unavailable, falling back to polling",
				"error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		for stream.Next(ctx) {
			if err := c.Refresh(ctx); err != nil {
				slog.Warn("Agent cache refresh failed after change event", "error", err)
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			slog.Warn("Agent change stream closed", "error", err)
		}
		_ = stream.Close(context.Background())
	}
}
