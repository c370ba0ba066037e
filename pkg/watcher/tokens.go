package watcher

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

type tokenDoc struct {
	WatcherID string                 `bson:"watcher_id"`
	Token     models.ResumeTokenData `bson:"token"`
	UpdatedAt time.Time              `bson:"updated_at"`
}

// TokenStore persists the durable feed position per watcher in the
// resume_tokens collection.
type TokenStore struct {
	col *mongo.Collection
}

// NewTokenStore builds a store over the given collection.
func NewTokenStore(col *mongo.Collection) *TokenStore {
	return &TokenStore{col: col}
}

// EnsureIndexes creates the unique watcher_id index.
func (s *TokenStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "watcher_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create resume token index: %w", err)
	}
	return nil
}

// Load returns the stored token for a watcher, or nil when none exists.
func (s *TokenStore) Load(ctx context.Context, watcherID string) (models.ResumeTokenData, error) {
	var doc tokenDoc
	err := s.col.FindOne(ctx, bson.D{{Key: "watcher_id", Value: watcherID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load resume token for %s: %w", watcherID, err)
	}
	return doc.Token, nil
}

// Save upserts the watcher's durable token.
func (s *TokenStore) Save(ctx context.Context, watcherID string, token models.ResumeTokenData) error {
	_, err := s.col.UpdateOne(ctx,
		bson.D{{Key: "watcher_id", Value: watcherID}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "token", Value: token},
			{Key: "updated_at", Value: time.Now().UTC()},
		}}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save resume token for %s: %w", watcherID, err)
	}
	return nil
}

// Clear drops the watcher's token, forcing the next subscription to start
// from "now". Used after the server reports the position unrecoverable.
func (s *TokenStore) Clear(ctx context.Context, watcherID string) error {
	_, err := s.col.DeleteOne(ctx, bson.D{{Key: "watcher_id", Value: watcherID}})
	if err != nil {
		return fmt.Errorf("failed to clear resume token for %s: %w", watcherID, err)
	}
	return nil
}
