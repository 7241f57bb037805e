package vmm

import (
	"context"
	"math"
	"time"

	"github.com/montanaflynn/stats"

	"CoordScope/internal/domain/models"
	"CoordScope/internal/domain/service"
	"CoordScope/internal/services/features"
	"CoordScope/internal/services/moments"
	"CoordScope/pkg/config"
	"CoordScope/pkg/logger"
)

var _ service.Estimator = (*Estimator)(nil)

// Estimator fits a mean-field Gaussian over theta by variational moment matching.
type Estimator struct {
	cfg       config.VMMConfig
	lib       *moments.Library
	labeler   service.EnvironmentLabeler
	dimension string
	log       *logger.Logger
}

func NewEstimator(cfg config.VMMConfig, lib *moments.Library, labeler service.EnvironmentLabeler, dimension string, log *logger.Logger) *Estimator {
	if log == nil {
		log = logger.Nop()
	}
	return &Estimator{
		cfg:       cfg,
		lib:       lib,
		labeler:   labeler,
		dimension: dimension,
		log:       log.With(logger.String("component", "vmm")),
	}
}

// BasePrior returns the configured weakly-informative prior.
func (e *Estimator) BasePrior() models.ThetaPosterior {
	var p models.ThetaPosterior
	for j := 0; j < models.ThetaDim; j++ {
		p.Mean[j] = e.cfg.PriorMean[j]
		p.Var[j] = e.cfg.PriorVar[j]
	}
	return p
}

// NewState returns an uninitialised state centred on the base prior.
func (e *Estimator) NewState() models.VMMState {
	p := e.BasePrior()
	return models.VMMState{Posterior: p, Prior: p, PriorScale: 1, Status: models.VMMInsufficientData}
}

// Update consumes one batch and returns the next state. It never returns an error:
// non-convergence, timeouts and missing data are reported through Status.
func (e *Estimator) Update(ctx context.Context, batch models.DataBatch, prev models.VMMState, extend service.WindowExtender) models.VMMState {
	base := e.BasePrior()
	next := prev
	next.Cycle = prev.Cycle + 1
	next.Reset = false
	next.Retries = 0
	next.Iterations = 0
	next.Converged = false
	next.Criterion = ""

	end := batch.Window().To
	if batch.Len() == 0 || end.Before(prev.LastUpdate) {
		end = prev.LastUpdate
	}
	carried := base
	if prev.Initialized() {
		carried = e.decay(prev.Posterior, base, end.Sub(prev.LastUpdate))
	}
	next.Posterior = carried
	next.LastUpdate = end

	d := e.design(batch, end)
	fresh := newer(d, prev.LastUpdate)
	if d.Len() < 2 || fresh == 0 {
		next.Status = models.VMMInsufficientData
		next.LowConfidence = true
		e.log.Debug("vmm skipped update", logger.Int("rows", d.Len()), logger.Int("fresh", fresh))
		return next
	}
	scaled, betaFactor := scaleDesign(d)

	if prev.Status == models.VMMOK && e.structuralBreak(scaled, toScaled(carried, betaFactor), prev.Objective) {
		carried = base
		next.Reset = true
		e.log.Info("vmm posterior reset on structural break", logger.Int64("cycle", next.Cycle))
	}
	// The weighted window already holds the rows behind the carried posterior, so only
	// its mean is carried into the prior. Reusing its precision would count them twice.
	centre := base
	centre.Mean = carried.Mean

	limits := e.cfg.ModeLimits()
	ladder := NewLadder(e.cfg.MaxRetries)
	window := batch.Window()
	var res outcome
	var used models.ThetaPosterior
	total := 0
	for {
		step := ladder.Step()
		used = centre
		for j := range used.Var {
			used.Var[j] *= step.PriorVarScale
		}
		res = optimize(ctx, e.lib, scaled, toScaled(used, betaFactor), settings{
			lambda:  e.cfg.Lambda,
			lr0:     e.cfg.LearningRate * step.LRScale,
			lrDecay: e.cfg.LRDecay,
			maxIter: limits.MaxIterations,
			window:  limits.ElboWindow,
			gradTol: limits.GradTol * step.TolScale,
			elboTol: limits.ElboTol * step.TolScale,
		})
		total += res.iterations
		if res.converged || res.criterion == criterionTimeout {
			break
		}
		if !ladder.Advance() {
			break
		}
		e.log.Warn("vmm did not converge, relaxing",
			logger.Int("retry", ladder.Retries()),
			logger.Int("iterations", res.iterations))
		if extend != nil && !window.From.IsZero() {
			ext := ladder.Step().Extend
			more, err := extend(ctx, models.TimeWindow{From: window.From.Add(-ext), To: window.From})
			if err != nil {
				e.log.Warn("vmm window extension failed", logger.Error(err))
				continue
			}
			if more.Len() > 0 {
				d = e.design(batch.Merge(more), end)
				scaled, betaFactor = scaleDesign(d)
			}
		}
	}

	next.Posterior = fromScaled(res.q, betaFactor)
	next.Prior = used
	next.Elbo = res.elbo
	next.Objective = res.objective
	next.Converged = res.converged
	next.Criterion = res.criterion
	next.Iterations = total
	next.Retries = ladder.Retries()
	next.PriorScale = ladder.Step().PriorVarScale
	next.LowConfidence = res.lowConf

	switch {
	case res.criterion == criterionTimeout:
		next.Status = models.VMMTimeout
		next.LowConfidence = true
	case res.converged:
		next.Status = models.VMMOK
	default:
		next.Status = models.VMMEstimationUnstable
		next.LowConfidence = true
		e.log.Warn("vmm estimation unstable",
			logger.Int("retries", next.Retries),
			logger.Int("iterations", total))
	}
	e.log.Debug("vmm updated",
		logger.String("status", string(next.Status)),
		logger.Floats("theta", next.Posterior.Mean[:]),
		logger.Float64("ci", next.CoordinationIndex()),
		logger.Int("iterations", total))
	return next
}

// design builds the regression rows of batch. With a non-zero end every row is
// weighted by DecayPerDay^age, age being its distance to end in days.
func (e *Estimator) design(batch models.DataBatch, end time.Time) models.Design {
	d := features.BuildDesign(batch, e.labeler.Label(batch.Observations), e.dimension)
	if end.IsZero() {
		return d
	}
	for i := range d.Samples {
		age := end.Sub(d.Samples[i].Timestamp).Hours() / 24
		d.Samples[i].Weight = math.Pow(e.cfg.DecayPerDay, math.Max(age, 0))
	}
	return d
}

func newer(d models.Design, since time.Time) int {
	n := 0
	for _, s := range d.Samples {
		if s.Timestamp.After(since) {
			n++
		}
	}
	return n
}

// decay inflates the carried posterior variance by decay^-days, never beyond the base prior.
func (e *Estimator) decay(p, base models.ThetaPosterior, elapsed time.Duration) models.ThetaPosterior {
	if elapsed <= 0 {
		return p
	}
	factor := math.Pow(e.cfg.DecayPerDay, elapsed.Hours()/24)
	out := p
	for j := range out.Var {
		v := p.Var[j] / factor
		if v > base.Var[j] {
			v = math.Max(base.Var[j], p.Var[j])
		}
		out.Var[j] = v
	}
	return out
}

func (e *Estimator) structuralBreak(d models.Design, mean models.ThetaPosterior, prevObjective float64) bool {
	q := e.lib.Objective(d, mean.Mean)
	return q > e.cfg.BreakThreshold*math.Max(prevObjective, 1e-6)
}

// scaleDesign divides leader/follower changes by sd(x) and cost changes by sd(cost) so the
// moments are unit-free. kappa and w are unchanged; beta_raw = beta_scaled * factor.
func scaleDesign(d models.Design) (models.Design, float64) {
	xs := make([]float64, d.Len())
	cs := make([]float64, d.Len())
	for i, s := range d.Samples {
		xs[i] = s.X
		cs[i] = s.Cost
	}
	sx, err := stats.StandardDeviationPopulation(xs)
	if err != nil || sx <= 1e-15 {
		sx = 1
	}
	sc, err := stats.StandardDeviationPopulation(cs)
	if err != nil || sc <= 1e-15 {
		sc = sx
	}
	out := models.Design{Dimension: d.Dimension, MissingRatio: d.MissingRatio, Samples: make([]models.Sample, d.Len())}
	for i, s := range d.Samples {
		s.X /= sx
		s.Y /= sx
		s.Cost /= sc
		out.Samples[i] = s
	}
	return out, sx / sc
}

func toScaled(p models.ThetaPosterior, betaFactor float64) models.ThetaPosterior {
	p.Mean[models.ThetaBeta] /= betaFactor
	p.Var[models.ThetaBeta] /= betaFactor * betaFactor
	return p
}

func fromScaled(p models.ThetaPosterior, betaFactor float64) models.ThetaPosterior {
	p.Mean[models.ThetaBeta] *= betaFactor
	p.Var[models.ThetaBeta] *= betaFactor * betaFactor
	return p
}
