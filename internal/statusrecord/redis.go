package statusrecord

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs Store with a Redis hash per repository label, using
// HINCRBY for atomic counters and a Lua script for the bounded
// error-log append (HSET lacks a native list-append primitive, so this
// follows §5's fallback: "a compare-and-set loop bounded to a small
// number of retries" — implemented here as a single atomic script instead
// of a CAS loop, since Redis scripts run atomically server-side).
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) SetMany(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	vals := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		vals[k] = v
	}
	pipe.HSet(ctx, key, vals)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) IncrementField(ctx context.Context, key, field string, delta int64, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, field, delta)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

var appendErrorLogScript = redis.NewScript(`
local key = KEYS[1]
local field = ARGV[1]
local entry = ARGV[2]
local maxEntries = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local existing = redis.call('HGET', key, field)
local log
if existing then
  log = cjson.decode(existing)
else
  log = {}
end
table.insert(log, entry)
while #log > maxEntries do
  table.remove(log, 1)
end
redis.call('HSET', key, field, cjson.encode(log))
if ttl > 0 then
  redis.call('EXPIRE', key, ttl)
end
return 1
`)

func (s *RedisStore) AppendErrorLog(ctx context.Context, key, entry string, ttl time.Duration) error {
	return appendErrorLogScript.Run(ctx, s.client, []string{key},
		FieldErrorLog, entry, MaxErrorLogEntries, int64(ttl.Seconds())).Err()
}

func (s *RedisStore) GetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }
