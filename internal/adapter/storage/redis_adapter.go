package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sequenceKeyPrefix = "seq:"
	idempotencyKeyTTL = 24 * time.Hour
)

var seedSequenceScript = redis.NewScript(`
local key = KEYS[1]
local floor = tonumber(ARGV[1])

local current = tonumber(redis.call('GET', key) or '0')
if current < floor then
	redis.call('SET', key, ARGV[1])
	return 1
end

return 0
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// NextValue relies on INCR being atomic on the server; a missing key starts at 1.
func (r *RedisAdapter) NextValue(ctx context.Context, prefix string) (uint64, error) {
	n, err := r.client.Incr(ctx, sequenceKeyPrefix+prefix).Result()
	if err != nil {
		return 0, fmt.Errorf("incr sequence %s: %w", prefix, err)
	}
	return uint64(n), nil
}

// Seed raises the counter to floor unless it is already there.
// Redis counters are signed 64-bit, so floors above that range are rejected.
func (r *RedisAdapter) Seed(ctx context.Context, prefix string, floor uint64) error {
	if floor > 1<<63-1 {
		return fmt.Errorf("seed %d exceeds redis counter range", floor)
	}
	key := sequenceKeyPrefix + prefix
	if err := seedSequenceScript.Run(ctx, r.client, []string{key}, strconv.FormatUint(floor, 10)).Err(); err != nil {
		return fmt.Errorf("seed sequence %s: %w", prefix, err)
	}
	return nil
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) DeleteIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
