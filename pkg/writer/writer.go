package writer

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// Envelope is the metadata stored alongside every written value. The
// dispatcher's loop-guard and the conditional dedup both read it, so its
// field names are part of the document contract.
type Envelope struct {
	AgentID        string    `bson:"agent_id" json:"agent_id"`
	AgentRevision  int64     `bson:"agent_revision" json:"agent_revision"`
	ExecutedAt     time.Time `bson:"executed_at" json:"executed_at"`
	IdempotencyKey string    `bson:"idempotency_key" json:"idempotency_key"`
	Provider       string    `bson:"provider,omitempty" json:"provider,omitempty"`
	Model          string    `bson:"model,omitempty" json:"model,omitempty"`
	TokensUsed     int       `bson:"tokens_used,omitempty" json:"tokens_used,omitempty"`
	CostUSD        float64   `bson:"cost_usd,omitempty" json:"cost_usd,omitempty"`
}

// Request is one write-back of a model result.
type Request struct {
	Database        string
	Collection      string
	DocumentID      any
	TargetField     string
	Value           any
	Strategy        models.WriteStrategy
	IdempotencyKey  string
	IncludeMetadata bool
	Envelope        Envelope
}

// Result reports what the conditional update did.
type Result struct {
	// Written is false when the dedup precondition suppressed the update or
	// the document no longer exists.
	Written bool
	// Conflict is true when the document exists but already carries this
	// idempotency key.
	Conflict bool
}

// Updater is the document store subset the engine writes through; satisfied
// by the database client's WatchedCollection handles.
type Updater interface {
	UpdateOne(ctx context.Context, database, collection string, filter, update any) (matched int64, err error)
	Exists(ctx context.Context, database, collection string, filter any) (bool, error)
}

// Engine applies results to watched documents.
type Engine struct {
	store Updater
}

// NewEngine builds a write engine over the document store.
func NewEngine(store Updater) *Engine {
	return &Engine{store: store}
}

// Apply performs one conditional write. Every strategy compiles to a single
// UpdateOne whose filter asserts the embedded idempotency key differs, so a
// duplicate delivery can never double-write.
func (e *Engine) Apply(ctx context.Context, req *Request) (*Result, error) {
	filter, update, err := buildWrite(req)
	if err != nil {
		return nil, err
	}

	matched, err := e.store.UpdateOne(ctx, req.Database, req.Collection, filter, update)
	if err != nil {
		return nil, fmt.Errorf("failed to write %s.%s/%v: %w",
			req.Database, req.Collection, req.DocumentID, err)
	}
	if matched > 0 {
		return &Result{Written: true}, nil
	}

	// No match: either the dedup precondition held the write back or the
	// document is gone. Only the probe can tell them apart.
	exists, err := e.store.Exists(ctx, req.Database, req.Collection,
		bson.D{{Key: "_id", Value: documentID(req.DocumentID)}})
	if err != nil {
		return nil, fmt.Errorf("failed to probe %s.%s/%v: %w",
			req.Database, req.Collection, req.DocumentID, err)
	}
	return &Result{Written: false, Conflict: exists}, nil
}

// buildWrite compiles a request into the conditional filter and update.
func buildWrite(req *Request) (bson.D, bson.D, error) {
	if req.TargetField == "" {
		return nil, nil, fmt.Errorf("target field is empty")
	}
	value := wrapValue(req)
	id := documentID(req.DocumentID)

	switch req.Strategy {
	case models.StrategyMerge, models.StrategyReplace:
		// merge and replace differ only in siblings under target_field:
		// merge sets each wrapped entry individually, replace swaps the
		// whole field. Both assert the embedded key differs.
		keyPath := req.TargetField + ".meta.idempotency_key"
		filter := bson.D{
			{Key: "_id", Value: id},
			{Key: keyPath, Value: bson.D{{Key: "$ne", Value: req.IdempotencyKey}}},
		}
		if req.Strategy == models.StrategyReplace {
			return filter, bson.D{{Key: "$set", Value: bson.D{{Key: req.TargetField, Value: value}}}}, nil
		}
		set := bson.D{}
		if m, ok := value.(bson.D); ok {
			for _, entry := range m {
				set = append(set, bson.E{Key: req.TargetField + "." + entry.Key, Value: entry.Value})
			}
		} else {
			set = bson.D{{Key: req.TargetField, Value: value}}
		}
		return filter, bson.D{{Key: "$set", Value: set}}, nil

	case models.StrategyAppend:
		// Dedup within the array: no element may already carry this key.
		filter := bson.D{
			{Key: "_id", Value: id},
			{Key: req.TargetField, Value: bson.D{
				{Key: "$not", Value: bson.D{
					{Key: "$elemMatch", Value: bson.D{
						{Key: "meta.idempotency_key", Value: req.IdempotencyKey},
					}},
				}},
			}},
		}
		return filter, bson.D{{Key: "$push", Value: bson.D{{Key: req.TargetField, Value: value}}}}, nil

	default:
		return nil, nil, fmt.Errorf("unknown write strategy %q", req.Strategy)
	}
}

// wrapValue nests the result under "value" with its metadata envelope. With
// metadata disabled the raw value is written and dedup relies solely on the
// key store.
func wrapValue(req *Request) any {
	if !req.IncludeMetadata {
		return req.Value
	}
	return bson.D{
		{Key: "value", Value: req.Value},
		{Key: "meta", Value: req.Envelope},
	}
}

// documentID converts 24-hex string ids back to ObjectID so filters match
// documents keyed the Mongo-native way; every other id passes through.
func documentID(id any) any {
	s, ok := id.(string)
	if !ok {
		return id
	}
	if oid, err := primitive.ObjectIDFromHex(s); err == nil {
		return oid
	}
	return s
}

// IsTransient classifies store errors that should retry rather than
// dead-letter: timeouts, network failures, and server selection (which
// covers not-primary during elections).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return mongo.IsTimeout(err) || mongo.IsNetworkError(err)
}
