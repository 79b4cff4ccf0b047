package counter

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// fixedWindowScript runs the whole read-modify-write inside Redis, which
// executes scripts one at a time, so edge nodes sharing the instance agree.
var fixedWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local idle = tonumber(ARGV[3])
local vals = redis.call('HMGET', KEYS[1], 'count', 'reset_at')
local count = tonumber(vals[1])
local reset = tonumber(vals[2])
if count == nil or reset == nil or now > reset then
  count = 0
  reset = now + window
end
count = count + 1
redis.call('HSET', KEYS[1], 'count', count, 'reset_at', reset)
redis.call('PEXPIRE', KEYS[1], idle)
return {count, reset}
`)

// RedisStore keeps buckets in Redis hashes. Idle buckets expire through key TTLs.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	idleTTL time.Duration
}

// NewRedisStore builds a store on an existing client. idleTTL must exceed the
// longest rule window.
func NewRedisStore(client redis.UniversalClient, prefix string, idleTTL time.Duration) *RedisStore {
	if idleTTL <= 0 {
		idleTTL = 2 * time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, idleTTL: idleTTL}
}

func (s *RedisStore) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (Bucket, error) {
	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMilli(), window.Milliseconds(), s.idleTTL.Milliseconds()).Int64Slice()
	if err != nil {
		return Bucket{}, err
	}
	if len(res) != 2 {
		return Bucket{}, fmt.Errorf("unexpected script reply length %d", len(res))
	}
	return Bucket{Count: int(res[0]), ResetAt: time.UnixMilli(res[1])}, nil
}

// Sweep is a no-op; Redis expires idle buckets on its own.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) { return 0, nil }

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
