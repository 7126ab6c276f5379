// Package idempotency caches responses of mutating requests keyed by
// the Idempotency-Key header, so an exact retry replays the stored
// outcome instead of re-executing.
package idempotency

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/AngelP17/YieldOps/internal/clock"
)

// DefaultTTL bounds how long a completed response stays replayable.
const DefaultTTL = time.Hour

// Response is the replayable outcome of a completed request.
type Response struct {
	StatusCode int         `json:"status_code"`
	Body       []byte      `json:"body"`
	Header     http.Header `json:"header"`
}

// Cache stores and replays responses by idempotency key.
type Cache interface {
	Get(ctx context.Context, key string) (*Response, bool, error)
	Set(ctx context.Context, key string, resp *Response) error
}

// MemoryCache is a process-local Cache with TTL eviction on read.
type MemoryCache struct {
	entries sync.Map
	ttl     time.Duration
	clock   clock.Clock
}

type entry struct {
	resp     Response
	storedAt time.Time
}

func NewMemoryCache(clk clock.Clock, ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{ttl: ttl, clock: clk}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (*Response, bool, error) {
	val, ok := c.entries.Load(key)
	if !ok {
		return nil, false, nil
	}
	e := val.(entry)
	if c.clock.Now().Sub(e.storedAt) > c.ttl {
		c.entries.Delete(key)
		return nil, false, nil
	}
	resp := e.resp
	return &resp, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, resp *Response) error {
	c.entries.Store(key, entry{resp: *resp, storedAt: c.clock.Now()})
	return nil
}
