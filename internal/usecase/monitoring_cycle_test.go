package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoordScope/internal/services/evidence"
	"CoordScope/internal/services/golden"
)

func TestExecutePersistsEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	batch := golden.Generate(golden.Coordinated())

	res, err := h.cycle.Execute(ctx, CycleInput{Batch: batch, Prev: h.analyzer.NewState()})
	require.NoError(t, err)
	require.NotNil(t, res.Bundle)
	assert.NoError(t, evidence.Verify(res.Bundle))

	stored, err := h.evidence.Get(ctx, res.Bundle.BundleID)
	require.NoError(t, err)
	assert.Equal(t, res.Bundle.Checksum, stored.Checksum)
	assert.NoError(t, evidence.Verify(stored))

	risk, ok, err := h.board.Get(ctx, goldenKey())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.Risk.Score, risk.Score)

	st, ok, err := h.states.Load(ctx, goldenKey())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.VMM.Cycle, st.Cycle)

	assert.Equal(t, []string{res.Bundle.BundleID}, h.publisher.published())
	pending, err := h.evidence.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReplayDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	batch := golden.Generate(golden.Competitive())

	first, err := h.cycle.Execute(ctx, CycleInput{Batch: batch, Prev: h.analyzer.NewState()})
	require.NoError(t, err)
	second, err := h.cycle.Execute(ctx, CycleInput{Batch: batch, Prev: h.analyzer.NewState()})
	require.NoError(t, err)

	assert.Equal(t, first.Bundle.BundleID, second.Bundle.BundleID)
	assert.Len(t, h.publisher.published(), 1, "existing bundles are not re-exported")
	list, err := h.evidence.List(ctx, goldenKey(), 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFailedExportIsQueued(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.publisher.fail = true

	res, err := h.cycle.Execute(ctx, CycleInput{Batch: golden.Generate(golden.Insufficient()), Prev: h.analyzer.NewState()})
	require.NoError(t, err, "export failures do not fail the cycle")

	pending, err := h.evidence.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{res.Bundle.BundleID}, pending)
}

func TestExecuteWithoutPublisher(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := NewMonitoringCycle(h.analyzer, h.cycle.recorder, h.evidence, nil, h.board, h.states, newMetrics(), nil)

	res, err := c.Execute(ctx, CycleInput{Batch: golden.Generate(golden.Insufficient()), Prev: h.analyzer.NewState()})
	require.NoError(t, err)
	pending, err := h.evidence.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.NotEmpty(t, res.Bundle.BundleID)
}
