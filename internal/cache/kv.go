package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the narrow key-value surface the engine needs from Redis: TTL'd blob
// storage plus SETNX-style locks. Payloads are msgpack blobs encoded by the
// callers.
type KV interface {
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)
	SetBytes(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// SetNX acquires key when absent and reports whether it was taken.
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// RedisKV adapts a go-redis client to the KV surface.
type RedisKV struct {
	client redis.UniversalClient
}

// NewRedisKV wraps an existing client.
func NewRedisKV(client redis.UniversalClient) *RedisKV {
	return &RedisKV{client: client}
}

// GetBytes returns the value and whether the key exists.
func (r *RedisKV) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// SetBytes stores the value with a TTL.
func (r *RedisKV) SetBytes(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, val, ttl).Err()
}

// SetNX stores the value only when the key is absent.
func (r *RedisKV) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, val, ttl).Result()
}

// Del removes the key.
func (r *RedisKV) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

var _ KV = (*RedisKV)(nil)

// MemoryKV is an in-process KV used by tests and by dry-run mode when no
// Redis is configured. TTLs are honoured against the injected clock.
type MemoryKV struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	val       []byte
	expiresAt time.Time
}

// NewMemoryKV returns an empty in-process KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: make(map[string]memoryItem), now: time.Now}
}

// SetClock overrides the clock, for tests.
func (m *MemoryKV) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// GetBytes returns the value and whether the key exists and is unexpired.
func (m *MemoryKV) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok || (!item.expiresAt.IsZero() && m.now().After(item.expiresAt)) {
		delete(m.items, key)
		return nil, false, nil
	}
	return item.val, true, nil
}

// SetBytes stores the value with a TTL.
func (m *MemoryKV) SetBytes(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memoryItem{val: val, expiresAt: m.expiry(ttl)}
	return nil
}

// SetNX stores the value only when the key is absent or expired.
func (m *MemoryKV) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[key]; ok && (item.expiresAt.IsZero() || m.now().Before(item.expiresAt)) {
		return false, nil
	}
	m.items[key] = memoryItem{val: val, expiresAt: m.expiry(ttl)}
	return true, nil
}

// Del removes the key.
func (m *MemoryKV) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryKV) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

var _ KV = (*MemoryKV)(nil)
