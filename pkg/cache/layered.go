package cache

import (
	"context"
	"errors"
	"time"
)

// LayeredCache fronts a shared cache (L2, normally Redis) with a short-lived
// in-process copy (L1). Writes go through L2 first; L1 entries expire after
// L1TTL so replicas converge on what L2 holds.
type LayeredCache struct {
	l1    *MemoryCache
	l2    Service
	l1TTL time.Duration
}

func NewLayeredCache(l2 Service, opts ...LayeredOption) *LayeredCache {
	cfg := &LayeredConfig{
		L1Size: 1000,
		L1TTL:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &LayeredCache{
		l1:    NewMemoryCache(WithMemoryMaxSize(cfg.L1Size), WithMemoryCleanup(time.Minute)),
		l2:    l2,
		l1TTL: cfg.L1TTL,
	}
}

func (lc *LayeredCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := lc.l2.Set(ctx, key, value, expiration); err != nil {
		_ = lc.l1.Delete(ctx, key)
		return err
	}
	_ = lc.l1.Set(ctx, key, value, lc.boundTTL(expiration))
	return nil
}

func (lc *LayeredCache) Get(ctx context.Context, key string, dest interface{}) error {
	if err := lc.l1.Get(ctx, key, dest); err == nil {
		return nil
	}
	if err := lc.l2.Get(ctx, key, dest); err != nil {
		return err
	}
	_ = lc.l1.Set(ctx, key, dest, lc.l1TTL)
	return nil
}

// GetFresh reads L2 and refreshes L1, for values another replica may have written.
func (lc *LayeredCache) GetFresh(ctx context.Context, key string, dest interface{}) error {
	if err := lc.l2.Get(ctx, key, dest); err != nil {
		if errors.Is(err, ErrCacheMiss) {
			_ = lc.l1.Delete(ctx, key)
		}
		return err
	}
	_ = lc.l1.Set(ctx, key, dest, lc.l1TTL)
	return nil
}

func (lc *LayeredCache) Delete(ctx context.Context, keys ...string) error {
	_ = lc.l1.Delete(ctx, keys...)
	return lc.l2.Delete(ctx, keys...)
}

// Keys, MGet and the lock always go to L2: L1 holds only what this replica touched.
func (lc *LayeredCache) Keys(ctx context.Context, prefix string) ([]string, error) {
	return lc.l2.Keys(ctx, prefix)
}

func (lc *LayeredCache) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	return lc.l2.MGet(ctx, keys...)
}

func (lc *LayeredCache) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return lc.l2.TryLock(ctx, key, owner, ttl)
}

func (lc *LayeredCache) Unlock(ctx context.Context, key, owner string) error {
	return lc.l2.Unlock(ctx, key, owner)
}

// Ping checks L2 when it supports health checks.
func (lc *LayeredCache) Ping(ctx context.Context) error {
	if p, ok := lc.l2.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (lc *LayeredCache) Close() error {
	_ = lc.l1.Close()
	return lc.l2.Close()
}

func (lc *LayeredCache) boundTTL(expiration time.Duration) time.Duration {
	if expiration > 0 && expiration < lc.l1TTL {
		return expiration
	}
	return lc.l1TTL
}
