package golden

import (
	"context"
	"fmt"

	"CoordScope/internal/domain/models"
	"CoordScope/pkg/config"
	"CoordScope/pkg/logger"
)

// AnalyzeFunc runs one stateless cycle over a batch.
type AnalyzeFunc func(ctx context.Context, batch models.DataBatch) models.CycleResult

// Calibrator replays the synthetic scenarios and checks the engine recovers their ground truth.
type Calibrator struct {
	analyze    AnalyzeFunc
	monitor    float64
	coordinate float64
	log        *logger.Logger
}

func NewCalibrator(analyze AnalyzeFunc, cfg config.VMMConfig, log *logger.Logger) *Calibrator {
	if log == nil {
		log = logger.Nop()
	}
	return &Calibrator{
		analyze:    analyze,
		monitor:    cfg.CIMonitor,
		coordinate: cfg.CICoordination,
		log:        log.With(logger.String("component", "golden")),
	}
}

// Run evaluates every scenario. A failed scenario is reported, not returned as an error.
func (c *Calibrator) Run(ctx context.Context) ([]models.GoldenMetrics, error) {
	var out []models.GoldenMetrics
	for _, s := range Scenarios() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out = append(out, c.Evaluate(ctx, s))
	}
	return out, nil
}

// Evaluate runs one scenario and scores it against its expectation.
func (c *Calibrator) Evaluate(ctx context.Context, s Scenario) models.GoldenMetrics {
	res := c.analyze(ctx, Generate(s))
	m := models.GoldenMetrics{
		Scenario: s.Name,
		Reject:   res.ICP.Reject,
		PValue:   res.ICP.PValue,
		CI:       res.VMM.CoordinationIndex(),
		Band:     res.Risk.Band,
		Expected: s.Expect,
	}
	if err := c.check(s.Expect, res, m); err != nil {
		c.log.Warn("golden scenario failed",
			logger.String("scenario", s.Name),
			logger.Error(err),
			logger.Float64("p_value", m.PValue),
			logger.Float64("ci", m.CI))
		return m
	}
	m.Passed = true
	return m
}

func (c *Calibrator) check(expect string, res models.CycleResult, m models.GoldenMetrics) error {
	switch expect {
	case ExpectCompetitive:
		if !m.Reject {
			return fmt.Errorf("invariance not rejected")
		}
		if m.CI >= c.monitor {
			return fmt.Errorf("ci %.3f not below %.3f", m.CI, c.monitor)
		}
		if m.Band != models.BandLow {
			return fmt.Errorf("band %s", m.Band)
		}
	case ExpectCoordinated:
		if res.ICP.Status != models.ICPNotRejected {
			return fmt.Errorf("icp status %s", res.ICP.Status)
		}
		if m.CI < c.coordinate {
			return fmt.Errorf("ci %.3f below %.3f", m.CI, c.coordinate)
		}
		if m.Band != models.BandRed {
			return fmt.Errorf("band %s", m.Band)
		}
	case ExpectNotTestable:
		if res.ICP.Status != models.ICPNotTestable {
			return fmt.Errorf("icp status %s", res.ICP.Status)
		}
	default:
		return fmt.Errorf("unknown expectation %q", expect)
	}
	return nil
}
