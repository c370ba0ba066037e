// Package agents provides the agent definition store and the in-memory
// snapshot cache the dispatcher and workers read from.
package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// ErrAgentNotFound indicates a lookup for an agent id with no definition.
var ErrAgentNotFound = errors.New("agent not found")

// Store persists agent definitions in the control-plane database.
type Store struct {
	col *mongo.Collection
}

// NewStore builds an agent store over the given collection.
func NewStore(col *mongo.Collection) *Store {
	return &Store{col: col}
}

// EnsureIndexes creates the unique id index and the namespace lookup index.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "watch.database", Value: 1}, {Key: "watch.collection", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create agent indexes: %w", err)
	}
	return nil
}

// Get returns one agent by id.
func (s *Store) Get(ctx context.Context, id string) (*models.Agent, error) {
	var agent models.Agent
	err := s.col.FindOne(ctx, bson.D{{Key: "id", Value: id}}).Decode(&agent)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %s: %w", id, err)
	}
	return &agent, nil
}

// List returns all agents, optionally restricted to enabled ones.
func (s *Store) List(ctx context.Context, enabledOnly bool) ([]*models.Agent, error) {
	filter := bson.D{}
	if enabledOnly {
		filter = bson.D{{Key: "enabled", Value: true}}
	}
	cursor, err := s.col.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	var agents []*models.Agent
	if err := cursor.All(ctx, &agents); err != nil {
		return nil, fmt.Errorf("failed to decode agents: %w", err)
	}
	return agents, nil
}

// Upsert validates and persists an agent definition, bumping the revision.
// The revision bump invalidates idempotency keys derived from the default
// template, so semantic changes re-open writes.
func (s *Store) Upsert(ctx context.Context, agent *models.Agent) (*models.Agent, error) {
	if err := Validate(agent); err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	existing, err := s.Get(ctx, agent.ID)
	switch {
	case errors.Is(err, ErrAgentNotFound):
		agent.Revision = 1
		agent.CreatedAt = now
	case err != nil:
		return nil, err
	default:
		agent.Revision = existing.Revision + 1
		agent.CreatedAt = existing.CreatedAt
	}
	agent.UpdatedAt = now

	_, err = s.col.ReplaceOne(ctx,
		bson.D{{Key: "id", Value: agent.ID}},
		agent,
		options.Replace().SetUpsert(true))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert agent %s: %w", agent.ID, err)
	}
	return agent, nil
}

// SetEnabled flips the enabled flag. Disabling does not drain in-flight
// work; the flag takes effect at the next cache refresh.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.col.UpdateOne(ctx,
		bson.D{{Key: "id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "enabled", Value: enabled},
			{Key: "updated_at", Value: time.Now().UTC()},
		}}})
	if err != nil {
		return fmt.Errorf("failed to update agent %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// Delete removes an agent definition. In-flight work referencing the dead
// revision is skipped by the worker revision check.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.col.DeleteOne(ctx, bson.D{{Key: "id", Value: id}})
	if err != nil {
		return fmt.Errorf("failed to delete agent %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// WatchChanges opens a change stream on the agents collection so the cache
// can refresh immediately on mutation. Callers close the stream on shutdown.
func (s *Store) WatchChanges(ctx context.Context) (*mongo.ChangeStream, error) {
	stream, err := s.col.Watch(ctx, mongo.Pipeline{})
	if err != nil {
		return nil, fmt.Errorf("failed to watch agents collection: %w", err)
	}
	return stream, nil
}
