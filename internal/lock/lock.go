// Package lock implements the repository-label lock that resolves the
// spec's first open question: a Redis SET NX PX key acquired before a
// Status Record is initialized, and released on terminal state.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned by Acquire when another holder already owns the
// lock key.
var ErrHeld = errors.New("lock: already held")

// KeyForRepository returns the lock key conventions this package uses,
// following the "indexing:lock:<repository>" name the spec's design note
// suggests.
func KeyForRepository(repository string) string {
	return "indexing:lock:" + repository
}

// Locker acquires and releases repository-label locks.
type Locker interface {
	// Acquire attempts to take key for ttl, tagged with token (used to
	// verify ownership on Release). Returns ErrHeld if another holder
	// already owns it.
	Acquire(ctx context.Context, key, token string, ttl time.Duration) error
	// Release releases key only if token still matches the current
	// holder, so a stale caller can never release someone else's lock.
	Release(ctx context.Context, key, token string) error
}

// RedisLocker implements Locker with SET key token NX PX ttl for Acquire,
// and a compare-and-delete Lua script for Release.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key, token string, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrHeld
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
}
