package counter

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidArgument is returned for a limit below 1 or a window under a second.
	ErrInvalidArgument = errors.New("invalid rate limit argument")
	// ErrStoreUnavailable wraps any failure reaching the bucket store.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
)

// Bucket is the fixed-window state for one routing key.
type Bucket struct {
	Count   int
	ResetAt time.Time
}

// advance applies a reset-on-read fixed window followed by one increment.
// A bucket whose reset time has passed starts a new window at now.
func advance(b Bucket, found bool, now time.Time, window time.Duration) Bucket {
	if !found || now.After(b.ResetAt) {
		b = Bucket{Count: 0, ResetAt: now.Add(window)}
	}
	b.Count++
	return b
}

// Store persists buckets. Increment must load, advance and persist the bucket
// before returning; callers serialize calls for the same key.
type Store interface {
	Increment(ctx context.Context, key string, now time.Time, window time.Duration) (Bucket, error)
	// Sweep deletes buckets last touched before idleBefore and reports how many.
	Sweep(ctx context.Context, idleBefore time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}
