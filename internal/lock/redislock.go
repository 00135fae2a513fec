package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another holder owns the key.
var ErrLocked = errors.New("lock: already held")

// Locker provides a Redis-backed lock shared by every terminal working on the
// same sale. It never waits: a held key is reported as ErrLocked so the caller
// can reject the operation instead of queueing it.
type Locker struct {
	R      *redis.Client
	Prefix string
}

// TryLock acquires key for at most ttl. The returned release function deletes
// the key only if this holder still owns it and is safe to call more than once.
func (l Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l.R == nil {
		return nil, errors.New("lock: redis client not configured")
	}
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("lock: key is required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	fullKey := l.key(key)
	token := uuid.NewString()
	ok, err := l.R.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		l.release(context.Background(), fullKey, token)
	}, nil
}

func (l Locker) key(key string) string {
	prefix := strings.TrimSpace(l.Prefix)
	if prefix == "" {
		prefix = "settlement:lock"
	}
	return prefix + ":" + key
}

func (l Locker) release(ctx context.Context, key, token string) {
	const script = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`
	if err := l.R.Eval(ctx, script, []string{key}, token).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
			if current, getErr := l.R.Get(ctx, key).Result(); getErr == nil && current == token {
				_ = l.R.Del(ctx, key).Err()
			}
		}
	}
}
