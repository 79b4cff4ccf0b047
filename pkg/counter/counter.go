// Package counter implements per-key fixed-window rate limit counters.
//
// Every call for the same routing key ("identity:ruleKey") is serialized through
// a sharded lock table, so the read-modify-write of a bucket never interleaves
// with another call for that key. Keys in different shards run in parallel.
package counter

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const defaultShards = 256

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Decision is the outcome of a single Check.
type Decision struct {
	Allowed bool
	Count   int
	Limit   int
	ResetAt time.Time
}

// RetryAfter is the time left in the current window.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.ResetAt.Before(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

// Stats are cumulative totals since the counter was created.
type Stats struct {
	Allowed uint64 `json:"allowed"`
	Denied  uint64 `json:"denied"`
	Errors  uint64 `json:"errors"`
	Swept   uint64 `json:"swept"`
}

// Options configures a Counter.
type Options struct {
	Shards int
	Now    func() time.Time
}

// Counter owns the single-writer discipline over a Store.
type Counter struct {
	store Store
	locks []sync.Mutex
	now   func() time.Time

	allowed atomic.Uint64
	denied  atomic.Uint64
	errors  atomic.Uint64
	swept   atomic.Uint64
}

func New(store Store, opts Options) *Counter {
	if opts.Shards <= 0 {
		opts.Shards = defaultShards
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Counter{
		store: store,
		locks: make([]sync.Mutex, opts.Shards),
		now:   opts.Now,
	}
}

// RoutingKey combines identity and rule key into the key that selects a bucket.
func RoutingKey(identity, ruleKey string) string {
	return identity + ":" + ruleKey
}

// Check counts one request against the bucket for identity and ruleKey. Denied
// requests still consume the window. The bucket is persisted before Check returns.
func (c *Counter) Check(ctx context.Context, identity, ruleKey string, limit int, window time.Duration) (Decision, error) {
	if limit < 1 || window < time.Second {
		return Decision{}, fmt.Errorf("%w: limit=%d window=%v", ErrInvalidArgument, limit, window)
	}

	key := RoutingKey(identity, ruleKey)
	mu := &c.locks[shardIndex(key, len(c.locks))]
	mu.Lock()
	b, err := c.store.Increment(ctx, key, c.now(), window)
	mu.Unlock()
	if err != nil {
		c.errors.Add(1)
		return Decision{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	d := Decision{Allowed: b.Count <= limit, Count: b.Count, Limit: limit, ResetAt: b.ResetAt}
	if d.Allowed {
		c.allowed.Add(1)
	} else {
		c.denied.Add(1)
	}
	return d, nil
}

// Sweep removes buckets idle for longer than idleTTL.
func (c *Counter) Sweep(ctx context.Context, idleTTL time.Duration) (int, error) {
	n, err := c.store.Sweep(ctx, c.now().Add(-idleTTL))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	c.swept.Add(uint64(n))
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (c *Counter) RunSweeper(ctx context.Context, interval, idleTTL time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.Sweep(ctx, idleTTL)
			if err != nil {
				logger.Warn().Err(err).Msg("bucket sweep failed")
				continue
			}
			if n > 0 {
				logger.Debug().Int("removed", n).Msg("swept idle buckets")
			}
		}
	}
}

func (c *Counter) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

func (c *Counter) Close() error {
	return c.store.Close()
}

func (c *Counter) Stats() Stats {
	return Stats{
		Allowed: c.allowed.Load(),
		Denied:  c.denied.Load(),
		Errors:  c.errors.Load(),
		Swept:   c.swept.Load(),
	}
}
