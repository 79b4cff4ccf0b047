package counter

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	bucket    Bucket
	touchedAt time.Time
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]memoryRecord
}

// MemoryStore keeps buckets in process memory, split across shards so that
// unrelated keys do not contend on one map lock. Counts do not survive a restart.
type MemoryStore struct {
	shards []memoryShard
}

func NewMemoryStore(shards int) *MemoryStore {
	if shards <= 0 {
		shards = defaultShards
	}
	s := &MemoryStore{shards: make([]memoryShard, shards)}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]memoryRecord)
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	return &s.shards[shardIndex(key, len(s.shards))]
}

func (s *MemoryStore) Increment(_ context.Context, key string, now time.Time, window time.Duration) (Bucket, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, found := sh.entries[key]
	b := advance(rec.bucket, found, now, window)
	sh.entries[key] = memoryRecord{bucket: b, touchedAt: now}
	return b, nil
}

func (s *MemoryStore) Sweep(_ context.Context, idleBefore time.Time) (int, error) {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, rec := range sh.entries {
			if rec.touchedAt.Before(idleBefore) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of live buckets.
func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
