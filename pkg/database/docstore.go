package database

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
)

// UpdateOne runs a point update against a data-plane collection and returns
// the matched count. The write engine builds the filter so its idempotency
// precondition rides inside the match.
func (c *Client) UpdateOne(ctx context.Context, database, collection string, filter, update any) (int64, error) {
	res, err := c.WatchedCollection(database, collection).UpdateOne(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("failed to update %s.%s: %w", database, collection, err)
	}
	return res.MatchedCount, nil
}

// Exists reports whether any document matches the filter.
func (c *Client) Exists(ctx context.Context, database, collection string, filter any) (bool, error) {
	err := c.WatchedCollection(database, collection).FindOne(ctx, filter).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query %s.%s: %w", database, collection, err)
	}
	return true, nil
}
