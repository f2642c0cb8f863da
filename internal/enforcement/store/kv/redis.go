package kv

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	dErrors "bastion/pkg/domain-errors"
)

// incrWithExpiry sets the counter to 1 with a TTL when absent, otherwise
// increments without touching the TTL. Single round trip, atomic on the
// server, so no two concurrent requests observe the same count.
var incrWithExpiry = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 and tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// RedisStore implements Store on a shared Redis instance. All primitives are
// single commands or server-side scripts, so they are atomic across
// processes and server instances.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, dErrors.Wrap(err, dErrors.CodeUnavailable, "redis get failed")
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "redis set failed")
	}
	return nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	claimed, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeUnavailable, "redis setnx failed")
	}
	return claimed, nil
}

func (s *RedisStore) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	result, err := incrWithExpiry.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeUnavailable, "redis increment failed")
	}
	return result, nil
}

func (s *RedisStore) ExpiresIn(ctx context.Context, key string) (time.Duration, bool, error) {
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, dErrors.Wrap(err, dErrors.CodeUnavailable, "redis pttl failed")
	}
	// PTTL returns -2 for a missing key and -1 for a key without expiry.
	if ttl < 0 {
		return 0, false, nil
	}
	return ttl, true, nil
}

func (s *RedisStore) AppendTimestamped(ctx context.Context, key string, at time.Time, member string, retention time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: member})
	pipe.PExpire(ctx, key, retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "redis zadd failed")
	}
	return nil
}

func (s *RedisStore) CountSince(ctx context.Context, key string, since, pruneBefore time.Time) (int64, error) {
	cutoff := strconv.FormatInt(since.UnixMilli(), 10)
	prune := strconv.FormatInt(pruneBefore.UnixMilli(), 10)
	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+prune)
	count := pipe.ZCount(ctx, key, cutoff, "+inf")
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeUnavailable, "redis zcount failed")
	}
	return count.Val(), nil
}

func (s *RedisStore) AddToSet(ctx context.Context, key, member string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, member)
	if ttl > 0 {
		pipe.PExpire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "redis sadd failed")
	}
	return nil
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "redis smembers failed")
	}
	return members, nil
}

func (s *RedisStore) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, key, args...).Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "redis srem failed")
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "redis del failed")
	}
	return nil
}
