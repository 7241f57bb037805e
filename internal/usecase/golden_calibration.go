package usecase

import (
	"context"

	"CoordScope/internal/domain/models"
	domrepo "CoordScope/internal/domain/repository"
	"CoordScope/internal/services/evidence"
	"CoordScope/internal/services/golden"
	"CoordScope/pkg/config"
	"CoordScope/pkg/logger"
)

// GoldenCalibration replays the synthetic scenarios on a dedicated analyzer and
// attaches the outcome to every bundle recorded afterwards.
type GoldenCalibration struct {
	calibrator *golden.Calibrator
	recorder   *evidence.Recorder
	metrics    domrepo.Metrics
	log        *logger.Logger
}

// GoldenEngineConfig adapts cfg to the scenarios: they vary the funding level per
// environment and are analyzed as full batches.
func GoldenEngineConfig(cfg config.EngineConfig) config.EngineConfig {
	cfg.Labeler.PrimaryDimension = models.DimFunding
	cfg.VMM.Mode = "full"
	cfg.Cycle.Partitions = nil
	return cfg
}

func NewGoldenCalibration(cfg config.EngineConfig, recorder *evidence.Recorder, metrics domrepo.Metrics, log *logger.Logger) *GoldenCalibration {
	if log == nil {
		log = logger.Nop()
	}
	gcfg := GoldenEngineConfig(cfg)
	analyzer := NewAnalyzer(gcfg, log)
	return &GoldenCalibration{
		calibrator: golden.NewCalibrator(analyzer.Analyze, gcfg.VMM, log),
		recorder:   recorder,
		metrics:    metrics,
		log:        log.With(logger.String("component", "golden_calibration")),
	}
}

// Run evaluates every scenario and returns the metrics it attached.
func (g *GoldenCalibration) Run(ctx context.Context) ([]models.GoldenMetrics, error) {
	res, err := g.calibrator.Run(ctx)
	if err != nil {
		return nil, err
	}
	g.recorder.SetGolden(res)
	passed := 0
	for _, m := range res {
		if m.Passed {
			passed++
			continue
		}
		g.metrics.RecordError("golden_" + m.Scenario)
	}
	g.log.Info("golden calibration finished",
		logger.Int("scenarios", len(res)),
		logger.Int("passed", passed))
	return res, nil
}
