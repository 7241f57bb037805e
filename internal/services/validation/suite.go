package validation

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"CoordScope/internal/domain/models"
	"CoordScope/internal/domain/service"
	"CoordScope/pkg/config"
	"CoordScope/pkg/logger"
)

// Suite runs the registered validation layers concurrently. A failing layer
// yields an ERROR result and never blocks the others.
type Suite struct {
	layers []service.ValidationLayer
	log    *logger.Logger
}

// NewSuite registers the four layers in their fixed order.
func NewSuite(cfg config.ValidationConfig, log *logger.Logger) *Suite {
	return NewSuiteWith(log,
		NewLeadLag(cfg),
		NewMirroring(cfg),
		NewRegime(cfg),
		NewInfoFlow(cfg),
	)
}

// NewSuiteWith builds a suite over custom layers.
func NewSuiteWith(log *logger.Logger, layers ...service.ValidationLayer) *Suite {
	if log == nil {
		log = logger.Nop()
	}
	return &Suite{layers: layers, log: log.With(logger.String("component", "validation"))}
}

// Layers returns the registered layer names in order.
func (s *Suite) Layers() []string {
	out := make([]string, len(s.layers))
	for i, l := range s.layers {
		out[i] = l.Name()
	}
	return out
}

// Run analyzes window with every layer; results keep registration order.
func (s *Suite) Run(ctx context.Context, window models.DataBatch) []models.LayerResult {
	results := make([]models.LayerResult, len(s.layers))
	var g errgroup.Group
	for i, layer := range s.layers {
		i, layer := i, layer
		g.Go(func() error {
			results[i] = s.safeAnalyze(ctx, layer, window)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Suite) safeAnalyze(ctx context.Context, layer service.ValidationLayer, window models.DataBatch) (res models.LayerResult) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("validation layer panicked",
				logger.String("layer", layer.Name()),
				logger.Any("panic", r),
				logger.String("stack", string(debug.Stack())))
			res = errorResult(layer.Name(), fmt.Errorf("panic: %v", r))
		}
	}()
	if err := ctx.Err(); err != nil {
		return errorResult(layer.Name(), err)
	}
	res = layer.Analyze(ctx, window)
	res.Layer = layer.Name()
	res.Score = clamp01(res.Score)
	if res.Status == models.LayerError {
		s.log.Warn("validation layer failed", logger.String("layer", layer.Name()), logger.String("error", res.Error))
	}
	return res
}

func errorResult(layer string, err error) models.LayerResult {
	return models.LayerResult{Layer: layer, Status: models.LayerError, Error: err.Error()}
}

func insufficient(layer string, have, need int) models.LayerResult {
	return models.LayerResult{
		Layer:       layer,
		Status:      models.LayerInsufficientData,
		Diagnostics: map[string]any{"observations": have, "required": need},
	}
}

func clamp01(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// pairs returns all unordered entity pairs in sorted order.
func pairs(entities []string) [][2]string {
	var out [][2]string
	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			out = append(out, [2]string{entities[i], entities[j]})
		}
	}
	return out
}
