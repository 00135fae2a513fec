package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisIdem tracks idempotency keys of payment submissions in Redis. A key is
// claimed while its request is in flight and, once the server confirmed it,
// the result is remembered so that a retry with the same key is answered
// without a second network call.
type RedisIdem struct {
	R   *redis.Client
	TTL time.Duration
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "idem:" + hex.EncodeToString(sum[:])
}

func (i RedisIdem) ttl() time.Duration {
	if i.TTL <= 0 {
		return 24 * time.Hour
	}
	return i.TTL
}

// Claim marks the key as in flight. It returns false when another caller holds it.
func (i RedisIdem) Claim(ctx context.Context, key string) (bool, error) {
	if i.R == nil {
		return false, errors.New("idempotency: redis client not configured")
	}
	return i.R.SetNX(ctx, hashKey(key)+":lock", "locked", i.ttl()).Result()
}

// Release drops the in-flight marker for key.
func (i RedisIdem) Release(ctx context.Context, key string) error {
	if i.R == nil {
		return nil
	}
	return i.R.Del(ctx, hashKey(key)+":lock").Err()
}

// Remember stores the confirmed result payload for key.
func (i RedisIdem) Remember(ctx context.Context, key string, payload []byte) error {
	if i.R == nil {
		return errors.New("idempotency: redis client not configured")
	}
	return i.R.Set(ctx, hashKey(key)+":result", payload, i.ttl()).Err()
}

// Recall returns the remembered payload for key, if any.
func (i RedisIdem) Recall(ctx context.Context, key string) ([]byte, bool, error) {
	if i.R == nil {
		return nil, false, nil
	}
	raw, err := i.R.Get(ctx, hashKey(key)+":result").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// MemoryIdem is the in-process counterpart of RedisIdem, used when no Redis
// is configured.
type MemoryIdem struct {
	mu      sync.Mutex
	claimed map[string]struct{}
	results map[string][]byte
}

// Claim implements the idempotency store contract.
func (m *MemoryIdem) Claim(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimed == nil {
		m.claimed = make(map[string]struct{})
	}
	if _, ok := m.claimed[key]; ok {
		return false, nil
	}
	m.claimed[key] = struct{}{}
	return true, nil
}

// Release implements the idempotency store contract.
func (m *MemoryIdem) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claimed, key)
	return nil
}

// Remember implements the idempotency store contract.
func (m *MemoryIdem) Remember(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = make(map[string][]byte)
	}
	m.results[key] = append([]byte(nil), payload...)
	return nil
}

// Recall implements the idempotency store contract.
func (m *MemoryIdem) Recall(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.results[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), raw...), true, nil
}
