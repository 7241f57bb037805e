package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoordScope/internal/domain/models"
	domrepo "CoordScope/internal/domain/repository"
	"CoordScope/internal/repository"
	"CoordScope/internal/services/golden"
)

func newScheduler(h *harness, store *memStore, lease *repository.CacheLease) *Scheduler {
	cfg := SchedulerConfig{
		Interval:  time.Hour,
		Lookback:  30 * 24 * time.Hour,
		Workers:   2,
		QueueSize: 4,
		LeaseTTL:  time.Minute,
		Pinned:    []models.PartitionKey{goldenKey()},
	}
	var l domrepo.PartitionLease
	if lease != nil {
		l = lease
	}
	return NewScheduler(cfg, h.cycle, store, h.states, l, newMetrics(), nil)
}

func drain(ch chan models.CycleResult) []models.CycleResult {
	var out []models.CycleResult
	for {
		select {
		case r := <-ch:
			out = append(out, r)
		default:
			return out
		}
	}
}

func TestSchedulerRunsCyclesInOrder(t *testing.T) {
	h := newHarness(t)
	store := goldenStore()
	s := newScheduler(h, store, repository.NewCacheLease(h.cache, "me"))
	results := make(chan models.CycleResult, 8)
	s.Results(results)

	end := golden.Generate(golden.Coordinated()).Window().To
	require.True(t, s.Enqueue(context.Background(), goldenKey(), end))
	require.True(t, s.Enqueue(context.Background(), goldenKey(), end), "queued, skipped when processed")
	require.NoError(t, s.Stop(context.Background()))

	got := drain(results)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].VMM.Cycle)
	assert.NotNil(t, got[0].Bundle)

	st, ok, err := h.states.Load(context.Background(), goldenKey())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), st.Cycle)

	assert.False(t, s.Enqueue(context.Background(), goldenKey(), end.Add(time.Hour)), "stopped scheduler refuses work")

	ok, err = repository.NewCacheLease(h.cache, "other").Acquire(context.Background(), goldenKey(), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lease released on stop")
}

func TestSchedulerRespectsForeignLease(t *testing.T) {
	h := newHarness(t)
	store := goldenStore()
	ok, err := repository.NewCacheLease(h.cache, "other").Acquire(context.Background(), goldenKey(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	s := newScheduler(h, store, repository.NewCacheLease(h.cache, "me"))
	results := make(chan models.CycleResult, 8)
	s.Results(results)

	end := golden.Generate(golden.Coordinated()).Window().To
	s.Enqueue(context.Background(), goldenKey(), end)
	require.NoError(t, s.Stop(context.Background()))

	assert.Empty(t, drain(results))
	assert.Zero(t, store.windowCalls())
}

func TestSchedulerRestoresState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	window := golden.Generate(golden.Coordinated()).Window()
	prev := h.analyzer.NewState()
	prev.Cycle = 7
	prev.LastUpdate = window.To
	require.NoError(t, h.states.Save(ctx, goldenKey(), prev))

	s := newScheduler(h, goldenStore(), nil)
	results := make(chan models.CycleResult, 8)
	s.Results(results)

	s.Enqueue(ctx, goldenKey(), window.To)
	s.Enqueue(ctx, goldenKey(), window.To.Add(time.Hour))
	require.NoError(t, s.Stop(ctx))

	got := drain(results)
	require.Len(t, got, 1, "cycles at or before the restored state are stale")
	assert.Equal(t, int64(8), got[0].VMM.Cycle)
}

func TestSchedulerContinuesFromPreviousOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	other := repository.NewCacheLease(h.cache, "other")
	ok, err := other.Acquire(ctx, goldenKey(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	s := newScheduler(h, goldenStore(), repository.NewCacheLease(h.cache, "me"))
	results := make(chan models.CycleResult, 8)
	s.Results(results)

	window := golden.Generate(golden.Coordinated()).Window()
	handoff := window.To.Add(-time.Hour)
	s.Enqueue(ctx, goldenKey(), handoff)

	theirs := h.analyzer.NewState()
	theirs.Cycle = 1
	theirs.LastUpdate = handoff
	require.NoError(t, h.states.Save(ctx, goldenKey(), theirs))
	require.NoError(t, other.Release(ctx, goldenKey()))

	s.Enqueue(ctx, goldenKey(), window.To)
	require.NoError(t, s.Stop(ctx))

	got := drain(results)
	require.Len(t, got, 1, "the handoff cycle belongs to the previous owner")
	assert.Equal(t, int64(2), got[0].VMM.Cycle)

	st, ok, err := h.states.Load(ctx, goldenKey())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), st.Cycle)
	assert.Equal(t, window.To, st.LastUpdate)
}

func TestSchedulerTickUsesPinnedPartitions(t *testing.T) {
	h := newHarness(t)
	store := goldenStore()
	s := newScheduler(h, store, nil)
	results := make(chan models.CycleResult, 8)
	s.Results(results)

	s.Tick(context.Background(), golden.Generate(golden.Coordinated()).Window().To)
	require.NoError(t, s.Stop(context.Background()))

	got := drain(results)
	require.Len(t, got, 1)
	assert.Equal(t, goldenKey(), got[0].Partition)
	assert.Equal(t, 1, store.windowCalls())
}

func TestSchedulerWindowFailureSkipsCycle(t *testing.T) {
	h := newHarness(t)
	store := goldenStore()
	store.err = assert.AnError
	s := newScheduler(h, store, nil)
	results := make(chan models.CycleResult, 8)
	s.Results(results)

	s.Enqueue(context.Background(), goldenKey(), time.Now())
	require.NoError(t, s.Stop(context.Background()))
	assert.Empty(t, drain(results))
}
