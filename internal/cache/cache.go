// Package cache is the query-result cache behind the query service (C6):
// QIDO-RS C-FIND responses are memoized per PACS node so repeated viewer
// searches don't re-open associations. Redis is the production backend,
// with an in-memory fallback when Redis is unreachable at boot.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrCacheMiss is returned when a key is not found in the cache.
var ErrCacheMiss = errors.New("cache miss")

// Cache is the memoization contract shared by the Redis and in-memory
// backends.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context, pattern string) error
}

// CacheKey joins the non-empty parts into a colon-delimited key. Query
// keys follow the shape qido:<node>:<level>:<scope>:<version>.
func CacheKey(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ":")
}

// InvalidateNode drops every memoized query result for one PACS node,
// called when the node's registry record changes: results from the old
// endpoint must not be served as if they came from the new one.
func InvalidateNode(ctx context.Context, c Cache, nodeName string) error {
	return c.Clear(ctx, CacheKey("qido", nodeName, "*"))
}
