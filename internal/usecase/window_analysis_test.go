package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoordScope/internal/domain/models"
	"CoordScope/internal/services/golden"
)

func goldenStore() *memStore {
	return &memStore{obs: golden.Generate(golden.Coordinated()).Observations}
}

func TestWindowAnalysis(t *testing.T) {
	store := goldenStore()
	w := NewWindowAnalysis(NewAnalyzer(engineConfig(), nil), store, 30*24*time.Hour)
	window := golden.Generate(golden.Coordinated()).Window()

	res, err := w.Analyze(context.Background(), goldenKey(), window.From, window.To)
	require.NoError(t, err)
	assert.Equal(t, goldenKey(), res.Partition)
	assert.Equal(t, models.BandRed, res.Risk.Band)
	assert.Nil(t, res.Bundle)
}

func TestWindowAnalysisRejectsBadWindows(t *testing.T) {
	store := goldenStore()
	w := NewWindowAnalysis(NewAnalyzer(engineConfig(), nil), store, 24*time.Hour)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := w.Analyze(context.Background(), goldenKey(), now, now)
	assert.Error(t, err)
	_, err = w.Analyze(context.Background(), goldenKey(), now, now.Add(48*time.Hour))
	assert.Error(t, err)
	assert.Zero(t, store.windowCalls())

	_, err = w.Analyze(context.Background(), goldenKey(), now.Add(-2*time.Hour), now.Add(-time.Hour))
	assert.ErrorIs(t, err, models.ErrInsufficientData)

	store.err = errors.New("clickhouse down")
	_, err = w.Analyze(context.Background(), goldenKey(), now, now.Add(time.Hour))
	assert.EqualError(t, err, "clickhouse down")
}
