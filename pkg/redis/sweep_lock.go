package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// luaReleaseSweepLockIfMatch deletes the lock only when the token still
// matches, so a slow holder cannot free a lock a newer run re-acquired.
const luaReleaseSweepLockIfMatch = `
local lockKey = KEYS[1]
local token = ARGV[1]
if redis.call('GET', lockKey) == token then
  return redis.call('DEL', lockKey)
end
return 0
`

// AcquireSweepLock takes the single-flight lock for a named sweep.
// Returns the release token on success, "" when another run holds it.
// The TTL is the backstop for a crashed holder.
func AcquireSweepLock(ctx context.Context, rdb *rd.Client, name string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	ok, err := rdb.SetNX(ctx, SweepLockKey(name), token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// ReleaseSweepLock frees the lock if this holder still owns it.
func ReleaseSweepLock(ctx context.Context, rdb *rd.Client, name, token string) error {
	_, err := rdb.Eval(ctx, luaReleaseSweepLockIfMatch, []string{SweepLockKey(name)}, token).Int()
	return err
}
