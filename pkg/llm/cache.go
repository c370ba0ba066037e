package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mongoclaw/mongoclaw/pkg/config"
)

// cacheKV is the TTL key surface the cache needs; satisfied by the queue
// client's Redis connection.
type cacheKV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
}

// ResponseCache memoizes model responses keyed by the full request shape.
// Only useful for deterministic agents; disabled by default. Cache failures
// degrade to a provider call, never to an execution failure.
type ResponseCache struct {
	kv  cacheKV
	ttl time.Duration
}

// NewResponseCache returns a cache, or nil when disabled in configuration.
func NewResponseCache(kv cacheKV, cfg *config.ResponseCacheConfig) *ResponseCache {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return &ResponseCache{kv: kv, ttl: cfg.TTL.Std()}
}

// Lookup returns a cached response for the request, if fresh. Hits report
// zero cost: the spend happened on the original call.
func (c *ResponseCache) Lookup(ctx context.Context, req *Request) (*Response, bool) {
	raw, found, err := c.kv.Get(ctx, c.key(req))
	if err != nil {
		slog.Warn("Response cache lookup failed", "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, false
	}
	resp.CostUSD = 0
	resp.Cached = true
	return &resp, true
}

// Store writes a response under the request key.
func (c *ResponseCache) Store(ctx context.Context, req *Request, resp *Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := c.kv.SetWithTTL(ctx, c.key(req), string(raw), c.ttl); err != nil {
		slog.Warn("Response cache store failed", "error", err)
	}
}

// key hashes every request field that changes the model output.
func (c *ResponseCache) key(req *Request) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s|%g|%d",
		req.Provider, req.Model, req.System, req.Prompt, req.Temperature, req.MaxTokens))
	return "modelcache:" + hex.EncodeToString(sum[:])
}
