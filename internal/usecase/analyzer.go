package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"CoordScope/internal/domain/models"
	"CoordScope/internal/domain/service"
	"CoordScope/internal/services/environment"
	"CoordScope/internal/services/features"
	"CoordScope/internal/services/icp"
	"CoordScope/internal/services/moments"
	"CoordScope/internal/services/risk"
	"CoordScope/internal/services/validation"
	"CoordScope/internal/services/vmm"
	"CoordScope/pkg/config"
	"CoordScope/pkg/logger"
)

// CycleInput is everything one partition cycle consumes. Prev and Degraded are
// owned by the caller's partition worker.
type CycleInput struct {
	Batch    models.DataBatch
	Prev     models.VMMState
	Degraded *risk.DegradedController
	Extend   service.WindowExtender
}

// Analyzer runs the detection pipeline over one batch: labeling, invariance
// test, variational update, validation layers and risk aggregation.
type Analyzer struct {
	cfg       config.EngineConfig
	labeler   service.EnvironmentLabeler
	lib       *moments.Library
	tester    service.InvarianceTester
	estimator *vmm.Estimator
	suite     *validation.Suite
	agg       *risk.Aggregator
	log       *logger.Logger
}

func NewAnalyzer(cfg config.EngineConfig, log *logger.Logger) *Analyzer {
	if log == nil {
		log = logger.Nop()
	}
	labeler := environment.NewLabeler(cfg.Labeler)
	lib := moments.NewLibrary(cfg.Moments)
	return &Analyzer{
		cfg:       cfg,
		labeler:   labeler,
		lib:       lib,
		tester:    icp.NewTester(cfg.ICP, log),
		estimator: vmm.NewEstimator(cfg.VMM, lib, labeler, cfg.Labeler.PrimaryDimension, log),
		suite:     validation.NewSuite(cfg.Validation, log),
		agg:       risk.NewAggregator(cfg.Risk, cfg.VMM),
		log:       log.With(logger.String("component", "analyzer")),
	}
}

// WithSuite swaps the validation suite.
func (a *Analyzer) WithSuite(s *validation.Suite) *Analyzer {
	c := *a
	c.suite = s
	return &c
}

// NewState returns the initial VMM state of a partition.
func (a *Analyzer) NewState() models.VMMState { return a.estimator.NewState() }

// NewDegradedController returns a fresh per-partition controller.
func (a *Analyzer) NewDegradedController() *risk.DegradedController {
	return risk.NewDegradedController(a.cfg.Risk.Degraded)
}

// Analyze runs a stateless cycle from a fresh state with degraded mode off.
func (a *Analyzer) Analyze(ctx context.Context, batch models.DataBatch) models.CycleResult {
	return a.Run(ctx, CycleInput{Batch: batch, Prev: a.NewState()})
}

// Run executes one cycle under the configured wall-clock budget. It never fails:
// component problems are reported through statuses, Errors and the confidence.
func (a *Analyzer) Run(ctx context.Context, in CycleInput) models.CycleResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Cycle.Budget)
	defer cancel()

	batch := in.Batch.Sorted()
	res := models.CycleResult{
		Partition: batch.Key(),
		Errors:    map[string]string{},
	}

	dim := a.cfg.Labeler.PrimaryDimension
	res.Labeling = a.labeler.Label(batch.Observations)
	design := features.BuildDesign(batch, res.Labeling, dim)

	type item struct {
		name string
		val  interface{}
		err  error
	}
	ch := make(chan item, 3)
	var wg sync.WaitGroup
	spawn := func(name string, fn func() interface{}) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					a.log.Error("cycle component panicked",
						logger.String("component", name),
						logger.Any("panic", r),
						logger.String("stack", string(debug.Stack())))
					ch <- item{name: name, err: fmt.Errorf("panic: %v", r)}
				}
			}()
			ch <- item{name: name, val: fn()}
		}()
	}

	spawn("icp", func() interface{} {
		return a.tester.Test(ctx, design.Partition(), a.cfg.ICP.Alpha)
	})
	spawn("vmm", func() interface{} {
		return a.estimator.Update(ctx, batch, in.Prev, in.Extend)
	})
	spawn("validation", func() interface{} {
		return a.suite.Run(ctx, batch)
	})
	go func() { wg.Wait(); close(ch) }()

	res.ICP = models.ICPResult{Status: models.ICPNotTestable, Alpha: a.cfg.ICP.Alpha}
	res.VMM = in.Prev
	for it := range ch {
		if it.err != nil {
			res.Errors[it.name] = it.err.Error()
			continue
		}
		switch it.name {
		case "icp":
			res.ICP = it.val.(models.ICPResult)
		case "vmm":
			res.VMM = it.val.(models.VMMState)
		case "validation":
			res.Layers = it.val.([]models.LayerResult)
		}
	}
	if _, failed := res.Errors["vmm"]; failed {
		res.VMM.Status = models.VMMEstimationUnstable
		res.VMM.LowConfidence = true
	}
	for _, l := range res.Layers {
		if l.Status == models.LayerError && l.Error != "" {
			res.Errors["layer."+l.Layer] = l.Error
		}
	}

	res.Moments = a.lib.Compute(design, res.VMM.Posterior.Mean)

	window := batch.Window()
	at := window.To
	if at.IsZero() {
		at = time.Now().UTC()
	}
	mode := models.DegradedMode{Factor: 1}
	if in.Degraded != nil {
		mode = in.Degraded.Observe(a.health(at, res, design, dim))
	}

	// moment quality feeds confidence only; the carried state is left as estimated
	scored := res.VMM
	if res.Moments.LowConfidence {
		scored.LowConfidence = true
	}
	res.Risk = a.agg.Aggregate(res.ICP, scored, res.Layers, mode)
	res.Risk.Partition = res.Partition
	res.Risk.Window = window

	res.Status = a.status(ctx, res)
	res.Duration = time.Since(start)
	if res.Status == models.CycleTimeout {
		res.Errors["cycle"] = fmt.Errorf("%w after %s", models.ErrTimeout, res.Duration.Round(time.Millisecond)).Error()
	}
	if len(res.Errors) == 0 {
		res.Errors = nil
	}

	a.log.Debug("cycle analyzed",
		logger.String("partition", res.Partition.String()),
		logger.String("status", string(res.Status)),
		logger.String("icp", string(res.ICP.Status)),
		logger.String("vmm", string(res.VMM.Status)),
		logger.Int("score", res.Risk.Score),
		logger.Duration("duration", res.Duration))
	return res
}

func (a *Analyzer) health(at time.Time, res models.CycleResult, d models.Design, dim string) models.Health {
	h := models.Health{
		At:                at,
		ConvergenceFailed: res.VMM.Status == models.VMMEstimationUnstable,
		MissingRatio:      d.MissingRatio,
		ExplainedVariance: math.NaN(),
	}
	if res.Labeling.Usable(dim) {
		h.ExplainedVariance = res.Labeling.Dimensions[dim].ExplainedVariance
	}
	return h
}

func (a *Analyzer) status(ctx context.Context, res models.CycleResult) models.CycleStatus {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		res.ICP.Status == models.ICPTimeout || res.VMM.Status == models.VMMTimeout {
		return models.CycleTimeout
	}
	if len(res.Errors) > 0 || !res.ICP.Testable() || res.VMM.Status != models.VMMOK {
		return models.CyclePartial
	}
	for _, l := range res.Layers {
		if l.Status != models.LayerOK {
			return models.CyclePartial
		}
	}
	return models.CycleOK
}
