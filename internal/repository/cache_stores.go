package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"CoordScope/internal/domain/models"
	"CoordScope/internal/domain/repository"
	"CoordScope/pkg/cache"
)

var (
	_ repository.StateStore     = (*CacheStateStore)(nil)
	_ repository.RiskBoard      = (*CacheRiskBoard)(nil)
	_ repository.PartitionLease = (*CacheLease)(nil)
)

const (
	statePrefix = "vmm"
	riskPrefix  = "risk"
	leasePrefix = "lease"
)

type freshReader interface {
	GetFresh(ctx context.Context, key string, dest interface{}) error
}

// CacheStateStore snapshots VMM state per partition.
type CacheStateStore struct {
	c   cache.Service
	ttl time.Duration
}

func NewCacheStateStore(c cache.Service, ttl time.Duration) *CacheStateStore {
	return &CacheStateStore{c: c, ttl: ttl}
}

func (s *CacheStateStore) Save(ctx context.Context, key models.PartitionKey, st models.VMMState) error {
	return s.c.Set(ctx, cache.Key(statePrefix, key.String()), st, s.ttl)
}

// Load bypasses any in-process layer so a replica taking over a partition sees the
// previous owner's last snapshot.
func (s *CacheStateStore) Load(ctx context.Context, key models.PartitionKey) (models.VMMState, bool, error) {
	var st models.VMMState
	get := s.c.Get
	if f, ok := s.c.(freshReader); ok {
		get = f.GetFresh
	}
	err := get(ctx, cache.Key(statePrefix, key.String()), &st)
	if errors.Is(err, cache.ErrCacheMiss) {
		return st, false, nil
	}
	if err != nil {
		return st, false, fmt.Errorf("load state %s: %w", key, err)
	}
	return st, true, nil
}

// CacheRiskBoard keeps the latest RiskOutput per partition.
type CacheRiskBoard struct {
	c   cache.Service
	ttl time.Duration
}

func NewCacheRiskBoard(c cache.Service, ttl time.Duration) *CacheRiskBoard {
	return &CacheRiskBoard{c: c, ttl: ttl}
}

func (b *CacheRiskBoard) Put(ctx context.Context, out models.RiskOutput) error {
	return b.c.Set(ctx, cache.Key(riskPrefix, out.Partition.String()), out, b.ttl)
}

func (b *CacheRiskBoard) Get(ctx context.Context, key models.PartitionKey) (models.RiskOutput, bool, error) {
	var out models.RiskOutput
	err := b.c.Get(ctx, cache.Key(riskPrefix, key.String()), &out)
	if errors.Is(err, cache.ErrCacheMiss) {
		return out, false, nil
	}
	if err != nil {
		return out, false, fmt.Errorf("risk board %s: %w", key, err)
	}
	return out, true, nil
}

// List returns every live entry ordered by partition.
func (b *CacheRiskBoard) List(ctx context.Context) ([]models.RiskOutput, error) {
	keys, err := b.c.Keys(ctx, cache.Namespace(riskPrefix))
	if err != nil {
		return nil, fmt.Errorf("risk board keys: %w", err)
	}
	entries, err := cache.MGetTyped[models.RiskOutput](ctx, b.c, keys...)
	if err != nil {
		return nil, fmt.Errorf("risk board mget: %w", err)
	}
	out := make([]models.RiskOutput, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition.String() < out[j].Partition.String() })
	return out, nil
}

// CacheLease holds per-partition ownership for one engine replica.
type CacheLease struct {
	c     cache.Service
	owner string
}

func NewCacheLease(c cache.Service, owner string) *CacheLease {
	return &CacheLease{c: c, owner: owner}
}

// Owner returns the token this replica locks with.
func (l *CacheLease) Owner() string { return l.owner }

func (l *CacheLease) Acquire(ctx context.Context, key models.PartitionKey, ttl time.Duration) (bool, error) {
	return l.c.TryLock(ctx, cache.Key(leasePrefix, key.String()), l.owner, ttl)
}

func (l *CacheLease) Release(ctx context.Context, key models.PartitionKey) error {
	return l.c.Unlock(ctx, cache.Key(leasePrefix, key.String()), l.owner)
}
