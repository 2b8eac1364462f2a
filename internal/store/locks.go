package store

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"pms-api/internal/cache"
)

// lockID maps a lock key to the 64-bit integer namespace Postgres advisory
// locks use. 64 bits keeps the collision probability negligible.
func lockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// RedisLocker implements AdvisoryLocker over SETNX with a TTL, for
// deployments coordinating through Redis instead of Postgres. The TTL bounds
// how long a crashed holder can block other processes.
type RedisLocker struct {
	kv  cache.KV
	ttl time.Duration
}

// NewRedisLocker builds a SETNX-based locker.
func NewRedisLocker(kv cache.KV, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = cache.ReconcileLockTTL
	}
	return &RedisLocker{kv: kv, ttl: ttl}
}

// TryLock acquires lock:reconcile:<key> when free.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	redisKey := cache.ReconcileLockKey(key)
	ok, err := l.kv.SetNX(ctx, redisKey, []byte("1"), l.ttl)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.kv.Del(ctx, redisKey)
	}
	return release, true, nil
}

var _ AdvisoryLocker = (*RedisLocker)(nil)

// MemoryLocker is an in-process AdvisoryLocker for tests and dry-run mode.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemoryLocker returns an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]bool)}
}

// TryLock acquires the named lock when free.
func (l *MemoryLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}
	return release, true, nil
}

var _ AdvisoryLocker = (*MemoryLocker)(nil)
