// Package executions persists the execution ledger: one entry per delivery
// attempt, written once at a terminal state.
package executions

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

// Retention is how long ledger entries survive before the TTL monitor
// removes them.
const Retention = 7 * 24 * time.Hour

// Store persists executions in the control-plane database
type Store struct {
	col *mongo.Collection
}

// NewStore builds a ledger store over the given collection
func NewStore(col *mongo.Collection) *Store {
	return &Store{col: col}
}

// EnsureIndexes creates the ledger indexes: unique id, agent browse order,
// and the retention TTL.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(Retention.Seconds())),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create execution indexes: %w", err)
	}
	return nil
}

// RecordRunning inserts the initial running entry for a claimed item
func (s *Store) RecordRunning(ctx context.Context, exec *models.Execution) error {
	if _, err := s.col.InsertOne(ctx, exec); err != nil {
		return fmt.Errorf("failed to record running execution: %w", err)
	}
	return nil
}

// Finalize replaces the running entry with the terminal one. Upsert covers
// skip paths that never recorded a running entry.
func (s *Store) Finalize(ctx context.Context, exec *models.Execution) error {
	filter := bson.D{{Key: "id", Value: exec.ID}}
	_, err := s.col.ReplaceOne(ctx, filter, exec, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to finalize execution: %w", err)
	}
	return nil
}

// Record inserts a standalone terminal entry (dispatcher skips, feed resets)
func (s *Store) Record(ctx context.Context, exec *models.Execution) error {
	if _, err := s.col.InsertOne(ctx, exec); err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// ListByAgent returns the most recent executions for one agent
func (s *Store) ListByAgent(ctx context.Context, agentID string, limit int64) ([]*models.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(limit)

	cursor, err := s.col.Find(ctx, bson.D{{Key: "agent_id", Value: agentID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	var execs []*models.Execution
	if err := cursor.All(ctx, &execs); err != nil {
		return nil, fmt.Errorf("failed to decode executions: %w", err)
	}
	return execs, nil
}

// LastExecutionAt returns the creation time of the agent's newest ledger
// entry, or nil when none exists.
func (s *Store) LastExecutionAt(ctx context.Context, agentID string) (*time.Time, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetProjection(bson.D{{Key: "created_at", Value: 1}})

	var entry struct {
		CreatedAt time.Time `bson:"created_at"`
	}
	err := s.col.FindOne(ctx, bson.D{{Key: "agent_id", Value: agentID}}, opts).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last execution: %w", err)
	}
	return &entry.CreatedAt, nil
}

// StatsByAgent aggregates terminal status counts for the status surface
func (s *Store) StatsByAgent(ctx context.Context, agentID string) (*models.AgentStats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "agent_id", Value: agentID}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}

	cursor, err := s.col.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate execution stats: %w", err)
	}

	var rows []struct {
		Status models.ExecutionStatus `bson:"_id"`
		Count  int64                  `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode execution stats: %w", err)
	}

	stats := &models.AgentStats{}
	for _, row := range rows {
		switch row.Status {
		case models.StatusCompleted:
			stats.Completed = row.Count
		case models.StatusFailed:
			stats.Failed = row.Count
		case models.StatusSkipped:
			stats.Skipped = row.Count
		case models.StatusDLQ:
			stats.DLQ = row.Count
		}
	}
	return stats, nil
}
