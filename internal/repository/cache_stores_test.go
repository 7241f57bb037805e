package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoordScope/internal/domain/models"
	"CoordScope/pkg/cache"
)

func newMemoryCache(t *testing.T) *cache.MemoryCache {
	t.Helper()
	c := cache.NewMemoryCache()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestStateStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewCacheStateStore(newMemoryCache(t), time.Hour)

	_, ok, err := s.Load(ctx, partA)
	require.NoError(t, err)
	assert.False(t, ok)

	st := models.VMMState{
		Posterior:  models.ThetaPosterior{Mean: models.Theta{0.1, 0.8, 0}, Var: models.Theta{1, 1, 1}},
		Cycle:      4,
		LastUpdate: base,
		Status:     models.VMMOK,
	}
	require.NoError(t, s.Save(ctx, partA, st))

	got, ok, err := s.Load(ctx, partA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, st.Posterior, got.Posterior)
	assert.Equal(t, int64(4), got.Cycle)
	assert.True(t, got.LastUpdate.Equal(base))

	_, ok, _ = s.Load(ctx, partB)
	assert.False(t, ok)
}

func TestStateStoreSeesOtherReplicaSnapshot(t *testing.T) {
	ctx := context.Background()
	shared := newMemoryCache(t)
	mine := cache.NewLayeredCache(shared, cache.WithL1TTL(time.Hour))
	t.Cleanup(func() { _ = mine.Close() })
	s := NewCacheStateStore(mine, time.Hour)
	require.NoError(t, s.Save(ctx, partA, models.VMMState{Cycle: 1, LastUpdate: base}))

	theirs := NewCacheStateStore(shared, time.Hour)
	require.NoError(t, theirs.Save(ctx, partA, models.VMMState{Cycle: 2, LastUpdate: base.Add(time.Hour)}))

	got, ok, err := s.Load(ctx, partA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Cycle)
}

func TestRiskBoardListsByPartition(t *testing.T) {
	ctx := context.Background()
	b := NewCacheRiskBoard(newMemoryCache(t), time.Hour)

	require.NoError(t, b.Put(ctx, models.RiskOutput{Partition: partB, Score: 70, Band: models.BandRed}))
	require.NoError(t, b.Put(ctx, models.RiskOutput{Partition: partA, Score: 10, Band: models.BandLow}))
	require.NoError(t, b.Put(ctx, models.RiskOutput{Partition: partA, Score: 20, Band: models.BandLow}))

	got, ok, err := b.Get(ctx, partA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 20, got.Score)

	list, err := b.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, partA, list[0].Partition)
	assert.Equal(t, partB, list[1].Partition)

	_, ok, err = b.Get(ctx, models.PartitionKey{Market: "x"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRiskBoardIgnoresOtherPrefixes(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)
	require.NoError(t, NewCacheStateStore(c, time.Hour).Save(ctx, partA, models.VMMState{}))
	list, err := NewCacheRiskBoard(c, time.Hour).List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestLeaseExclusive(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)
	one, two := NewCacheLease(c, "one"), NewCacheLease(c, "two")
	assert.Equal(t, "one", one.Owner())

	ok, err := one.Acquire(ctx, partA, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = two.Acquire(ctx, partA, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = two.Acquire(ctx, partB, time.Minute)
	assert.True(t, ok, "leases are per partition")

	require.NoError(t, one.Release(ctx, partA))
	ok, _ = two.Acquire(ctx, partA, time.Minute)
	assert.True(t, ok)
}
