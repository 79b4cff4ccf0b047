package counter

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T) Store

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore(8)
		},
		"sqlite": func(t *testing.T) Store {
			t.Helper()
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "buckets.db"))
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
		"redis": func(t *testing.T) Store {
			t.Helper()
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			s := NewRedisStore(client, "test:", 2*time.Hour)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestCounterDeniesAfterLimit(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			c := New(factory(t), Options{Now: clock.Now})
			ctx := context.Background()

			for i := 1; i <= 10; i++ {
				d, err := c.Check(ctx, "1.2.3.4", "login", 10, time.Minute)
				if err != nil {
					t.Fatalf("request %d: unexpected error: %v", i, err)
				}
				if !d.Allowed {
					t.Fatalf("request %d: expected allowed, count=%d", i, d.Count)
				}
				clock.Advance(500 * time.Millisecond)
			}

			d, err := c.Check(ctx, "1.2.3.4", "login", 10, time.Minute)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Allowed {
				t.Fatal("expected 11th request to be denied")
			}
			if d.Count != 11 {
				t.Fatalf("denied calls still count, got count=%d", d.Count)
			}

			stats := c.Stats()
			if stats.Allowed != 10 || stats.Denied != 1 {
				t.Fatalf("unexpected stats: %+v", stats)
			}
		})
	}
}

func TestCounterWindowRollover(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			c := New(factory(t), Options{Now: clock.Now})
			ctx := context.Background()

			first, err := c.Check(ctx, "ip", "k", 2, time.Minute)
			if err != nil {
				t.Fatal(err)
			}
			wantReset := clock.Now().Add(time.Minute)
			if !first.ResetAt.Equal(wantReset) {
				t.Fatalf("ResetAt = %v, want %v", first.ResetAt, wantReset)
			}
			c.Check(ctx, "ip", "k", 2, time.Minute)
			if d, _ := c.Check(ctx, "ip", "k", 2, time.Minute); d.Allowed {
				t.Fatal("expected denial inside the window")
			}

			// At exactly resetAt the window is still current.
			clock.Advance(time.Minute)
			if d, _ := c.Check(ctx, "ip", "k", 2, time.Minute); d.Allowed {
				t.Fatal("expected denial at the reset instant")
			}

			clock.Advance(time.Millisecond)
			d, err := c.Check(ctx, "ip", "k", 2, time.Minute)
			if err != nil {
				t.Fatal(err)
			}
			if !d.Allowed || d.Count != 1 {
				t.Fatalf("expected fresh window starting at 1, got %+v", d)
			}
		})
	}
}

func TestCounterIsolatesKeys(t *testing.T) {
	c := New(NewMemoryStore(4), Options{})
	ctx := context.Background()

	if d, _ := c.Check(ctx, "a", "login", 1, time.Minute); !d.Allowed {
		t.Fatal("first call for a should pass")
	}
	if d, _ := c.Check(ctx, "a", "login", 1, time.Minute); d.Allowed {
		t.Fatal("second call for a should be denied")
	}
	if d, _ := c.Check(ctx, "b", "login", 1, time.Minute); !d.Allowed {
		t.Fatal("identity b must have its own bucket")
	}
	if d, _ := c.Check(ctx, "a", "inventory", 1, time.Minute); !d.Allowed {
		t.Fatal("rule inventory must have its own bucket")
	}
}

func TestCounterConcurrentAdmitsAtMostLimit(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			const limit = 25
			c := New(factory(t), Options{Shards: 4})
			ctx := context.Background()

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				allowed int
				errs    int
			)
			start := make(chan struct{})
			for i := 0; i < 2*limit; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					d, err := c.Check(ctx, "9.9.9.9", "burst", limit, time.Hour)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						errs++
						return
					}
					if d.Allowed {
						allowed++
					}
				}()
			}
			close(start)
			wg.Wait()

			if errs != 0 {
				t.Fatalf("unexpected errors: %d", errs)
			}
			if allowed != limit {
				t.Fatalf("admitted %d requests, want exactly %d", allowed, limit)
			}
		})
	}
}

func TestCounterRejectsInvalidArguments(t *testing.T) {
	c := New(NewMemoryStore(1), Options{})
	if _, err := c.Check(context.Background(), "ip", "k", 0, time.Minute); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for zero limit, got %v", err)
	}
	if _, err := c.Check(context.Background(), "ip", "k", 1, 500*time.Millisecond); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for sub-second window, got %v", err)
	}
}

type failingStore struct{ MemoryStore }

func (failingStore) Increment(context.Context, string, time.Time, time.Duration) (Bucket, error) {
	return Bucket{}, errors.New("connection refused")
}

func TestCounterWrapsStoreErrors(t *testing.T) {
	c := New(&failingStore{}, Options{})
	_, err := c.Check(context.Background(), "ip", "k", 1, time.Minute)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if c.Stats().Errors != 1 {
		t.Fatalf("expected error to be counted, got %+v", c.Stats())
	}
}

func TestCounterSweepRemovesIdleBuckets(t *testing.T) {
	for _, name := range []string{"memory", "sqlite"} {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			c := New(stores()[name](t), Options{Now: clock.Now})
			ctx := context.Background()

			c.Check(ctx, "old", "k", 5, time.Minute)
			clock.Advance(3 * time.Hour)
			c.Check(ctx, "fresh", "k", 5, time.Minute)

			n, err := c.Sweep(ctx, 2*time.Hour)
			if err != nil {
				t.Fatalf("Sweep() error = %v", err)
			}
			if n != 1 {
				t.Fatalf("Sweep() removed %d, want 1", n)
			}

			// The fresh bucket kept its count.
			d, _ := c.Check(ctx, "fresh", "k", 5, time.Minute)
			if d.Count != 2 {
				t.Fatalf("fresh bucket count = %d, want 2", d.Count)
			}
		})
	}
}

func TestSQLStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buckets.db")
	clock := newFakeClock()

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	c := New(s, Options{Now: clock.Now})
	for i := 0; i < 3; i++ {
		c.Check(context.Background(), "ip", "k", 3, time.Minute)
	}
	s.Close()

	s2, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	d, err := New(s2, Options{Now: clock.Now}).Check(context.Background(), "ip", "k", 3, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatalf("expected persisted count to deny, got %+v", d)
	}
}

func TestRedisStoreSetsIdleTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, "rl:", 90*time.Minute)
	defer store.Close()

	if _, err := store.Increment(context.Background(), "ip:k", time.Now(), time.Minute); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL("rl:ip:k"); ttl != 90*time.Minute {
		t.Fatalf("TTL = %v, want 90m", ttl)
	}
	mr.FastForward(91 * time.Minute)
	if mr.Exists("rl:ip:k") {
		t.Fatal("expected idle bucket to expire")
	}
}

func TestDecisionRetryAfter(t *testing.T) {
	now := time.Now()
	d := Decision{ResetAt: now.Add(30 * time.Second)}
	if got := d.RetryAfter(now); got != 30*time.Second {
		t.Fatalf("RetryAfter() = %v", got)
	}
	if got := d.RetryAfter(now.Add(time.Minute)); got != 0 {
		t.Fatalf("RetryAfter() after reset = %v", got)
	}
}
