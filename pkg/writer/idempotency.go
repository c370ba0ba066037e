// Package writer applies model results to documents: the three write
// strategies as single conditional updates, plus the idempotency key store
// that makes replays no-ops.
package writer

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// KeyTTL is how long idempotency records live. A replay older than this
// re-executes; the conditional write still keeps the document single-valued.
const KeyTTL = 24 * time.Hour

// KeyRecord is one executed idempotency key.
type KeyRecord struct {
	Key               string    `bson:"key"`
	ExecutionID       string    `bson:"execution_id"`
	ResultFingerprint string    `bson:"result_fingerprint"`
	ExecutedAt        time.Time `bson:"executed_at"`
}

// KeyStore persists idempotency records in the control-plane database.
type KeyStore struct {
	col *mongo.Collection
}

// NewKeyStore builds a key store over the given collection.
func NewKeyStore(col *mongo.Collection) *KeyStore {
	return &KeyStore{col: col}
}

// EnsureIndexes creates the unique key index and the TTL index.
func (s *KeyStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "executed_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(KeyTTL.Seconds())),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create idempotency indexes: %w", err)
	}
	return nil
}

// Check returns the record for a key, or nil when the key has not executed
// (or its record expired).
func (s *KeyStore) Check(ctx context.Context, key string) (*KeyRecord, error) {
	var rec KeyRecord
	err := s.col.FindOne(ctx, bson.D{{Key: "key", Value: key}}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return &rec, nil
}

// Record stores an executed key. A duplicate-key race with a concurrent
// worker is benign: both performed the same write and the conditional
// update let only one through.
func (s *KeyStore) Record(ctx context.Context, key, executionID, fingerprint string) error {
	_, err := s.col.InsertOne(ctx, KeyRecord{
		Key:               key,
		ExecutionID:       executionID,
		ResultFingerprint: fingerprint,
		ExecutedAt:        time.Now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record idempotency key: %w", err)
	}
	return nil
}
