package usecase

import (
	"context"
	"fmt"
	"time"

	"CoordScope/internal/domain/models"
	domrepo "CoordScope/internal/domain/repository"
)

// WindowAnalysis runs a stateless cycle over a stored window on request. It
// never touches the scheduler-owned state or the evidence store.
type WindowAnalysis struct {
	analyzer *Analyzer
	store    domrepo.ObservationStore
	maxSpan  time.Duration
}

func NewWindowAnalysis(analyzer *Analyzer, store domrepo.ObservationStore, maxSpan time.Duration) *WindowAnalysis {
	return &WindowAnalysis{analyzer: analyzer, store: store, maxSpan: maxSpan}
}

func (w *WindowAnalysis) Analyze(ctx context.Context, key models.PartitionKey, from, to time.Time) (models.CycleResult, error) {
	if !to.After(from) {
		return models.CycleResult{}, fmt.Errorf("window: to must be after from")
	}
	if w.maxSpan > 0 && to.Sub(from) > w.maxSpan {
		return models.CycleResult{}, fmt.Errorf("window: span exceeds %s", w.maxSpan)
	}
	batch, err := w.store.Window(ctx, key, from, to)
	if err != nil {
		return models.CycleResult{}, err
	}
	if batch.Len() == 0 {
		return models.CycleResult{}, fmt.Errorf("window %s: %w", key, models.ErrInsufficientData)
	}
	return w.analyzer.Analyze(ctx, batch), nil
}
