// Package database provides the MongoDB client and control-plane collection
// access.
package database

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/mongoclaw/mongoclaw/pkg/config"
)

// Client wraps the driver client with the control-plane database handle.
// Watched data lives in arbitrary databases reached through the same client.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
	cfg    *config.MongoConfig
}

// NewClient connects, pings, and returns a ready client
func NewClient(ctx context.Context, cfg *config.MongoConfig) (*Client, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout.Std()).
		SetServerSelectionTimeout(cfg.ServerSelectionTimeout.Std()).
		SetAppName("mongoclaw")

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Client{
		client: client,
		db:     client.Database(cfg.Database),
		cfg:    cfg,
	}, nil
}

// NewClientFromMongo wraps an existing driver client (useful for testing)
func NewClientFromMongo(client *mongo.Client, cfg *config.MongoConfig) *Client {
	return &Client{
		client: client,
		db:     client.Database(cfg.Database),
		cfg:    cfg,
	}
}

// Mongo returns the underlying driver client
func (c *Client) Mongo() *mongo.Client {
	return c.client
}

// Database returns the control-plane database handle
func (c *Client) Database() *mongo.Database {
	return c.db
}

// Agents returns the agent definitions collection
func (c *Client) Agents() *mongo.Collection {
	return c.db.Collection(c.cfg.AgentsCollection)
}

// Executions returns the execution ledger collection
func (c *Client) Executions() *mongo.Collection {
	return c.db.Collection(c.cfg.ExecutionsCollection)
}

// ResumeTokens returns the watcher resume token collection
func (c *Client) ResumeTokens() *mongo.Collection {
	return c.db.Collection(c.cfg.ResumeTokensCollection)
}

// IdempotencyKeys returns the idempotency record collection
func (c *Client) IdempotencyKeys() *mongo.Collection {
	return c.db.Collection(c.cfg.IdempotencyCollection)
}

// WatchedCollection returns a handle into the data plane, where watched
// documents live and results are written back.
func (c *Client) WatchedCollection(database, collection string) *mongo.Collection {
	return c.client.Database(database).Collection(collection)
}

// Ping verifies connectivity against the primary
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the driver client
func (c *Client) Close(ctx context.Context) error {
	if err := c.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	return nil
}
