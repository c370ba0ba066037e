// Package util provides shared test infrastructure: MongoDB and Redis
// containers started once per package run.
package util

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	tcmongodb "github.com/testcontainers/testcontainers-go/modules/mongodb"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	mongoOnce sync.Once
	mongoURI  string
	mongoErr  error

	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// MongoURI returns the connection string of a shared single-node replica set
// container. Change streams require a replica set, so the plain image is not
// enough. CI can point tests at an external instance via MONGOCLAW_TEST_MONGO_URI.
func MongoURI(t *testing.T) string {
	t.Helper()
	if uri := os.Getenv("MONGOCLAW_TEST_MONGO_URI"); uri != "" {
		return uri
	}
	mongoOnce.Do(func() {
		ctx := context.Background()
		container, err := tcmongodb.Run(ctx, "mongo:7", tcmongodb.WithReplicaSet("rs0"))
		if err != nil {
			mongoErr = err
			return
		}
		mongoURI, mongoErr = container.ConnectionString(ctx)
	})
	require.NoError(t, mongoErr, "failed to start MongoDB test container")
	return mongoURI
}

// RedisAddr returns the host:port of a shared Redis container, or the value
// of MONGOCLAW_TEST_REDIS_ADDR when set.
func RedisAddr(t *testing.T) string {
	t.Helper()
	if addr := os.Getenv("MONGOCLAW_TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	redisOnce.Do(func() {
		ctx := context.Background()
		container, err := tcredis.Run(ctx, "redis:7")
		if err != nil {
			redisErr = err
			return
		}
		endpoint, err := container.Endpoint(ctx, "")
		if err != nil {
			redisErr = err
			return
		}
		redisAddr = endpoint
	})
	require.NoError(t, redisErr, "failed to start Redis test container")
	return redisAddr
}
