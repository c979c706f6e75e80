package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// gcraScript runs the admission check atomically inside Redis. Times are
// microseconds so they stay exact as Lua numbers; a rejection's retry delay
// is one tick past the exclusive boundary.
//
// KEYS[1] bucket key
// ARGV[1] now, ARGV[2] emission, ARGV[3] window, ARGV[4] ttl in milliseconds
var gcraScript = redis.NewScript(`
local tat = tonumber(redis.call('GET', KEYS[1]) or '0')
local now = tonumber(ARGV[1])
local emission = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
if tat > 0 then
	local allow_at = tat - window
	if now <= allow_at then
		return {0, allow_at - now + 1, tat}
	end
end
if tat < now then
	tat = now
end
tat = tat + emission
redis.call('SET', KEYS[1], tat, 'PX', ARGV[4])
return {1, 0, tat}
`)

// RedisStore keeps TATs in Redis so every instance shares one gate.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore creates a store over rdb.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: "gcra"}
}

func (s *RedisStore) key(k BucketKey) string {
	return fmt.Sprintf("%s:%d:%d:%s", s.prefix, k.UserID, k.ConversationID, k.Bucket)
}

// Admit implements Store.
func (s *RedisStore) Admit(ctx context.Context, key BucketKey, now time.Time, limit Limit) (Decision, error) {
	emission := limit.Emission()
	window := limit.Window()
	ttl := (window + emission).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}

	res, err := gcraScript.Run(ctx, s.rdb, []string{s.key(key)},
		now.UnixMicro(), emission.Microseconds(), window.Microseconds(), ttl,
	).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("unexpected gcra script reply: %v", res)
	}

	return Decision{
		Allowed:    res[0] == 1,
		RetryAfter: time.Duration(res[1]) * time.Microsecond,
		TAT:        time.UnixMicro(res[2]),
	}, nil
}
