package vmm

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoordScope/internal/domain/models"
	"CoordScope/internal/services/environment"
	"CoordScope/internal/services/golden"
	"CoordScope/internal/services/moments"
	"CoordScope/pkg/config"
)

func newEstimator(mode string) *Estimator {
	cfg := config.Default().Engine
	cfg.VMM.Mode = mode
	return NewEstimator(cfg.VMM, moments.NewLibrary(cfg.Moments), environment.NewLabeler(cfg.Labeler), models.DimFunding, nil)
}

func TestFullBatchRecoversStableSlope(t *testing.T) {
	e := newEstimator("full")
	st := e.Update(context.Background(), golden.Generate(golden.Coordinated()), e.NewState(), nil)

	require.Equal(t, models.VMMOK, st.Status)
	assert.True(t, st.Converged)
	assert.Contains(t, []string{criterionGradient, criterionElbo}, st.Criterion)
	assert.Equal(t, int64(1), st.Cycle)
	assert.True(t, st.Initialized())
	assert.InDelta(t, 0.8, st.Posterior.Mean.Kappa(), 0.1)
	assert.InDelta(t, 0.0, st.Posterior.Mean.W(), 0.1)
	assert.Greater(t, st.CoordinationIndex(), 0.5)
	for j := 0; j < models.ThetaDim; j++ {
		assert.Greater(t, st.Posterior.Var[j], 0.0)
		assert.Less(t, st.Posterior.Var[j], st.Prior.Var[j])
	}
}

func TestVaryingSlopeLowersCoordinationIndex(t *testing.T) {
	e := newEstimator("full")
	coord := e.Update(context.Background(), golden.Generate(golden.Coordinated()), e.NewState(), nil)
	comp := e.Update(context.Background(), golden.Generate(golden.Competitive()), e.NewState(), nil)

	assert.Greater(t, abs(comp.Posterior.Mean.W()), abs(coord.Posterior.Mean.W()))
	assert.Less(t, comp.CoordinationIndex(), coord.CoordinationIndex())
}

func TestEmptyBatchIsInsufficient(t *testing.T) {
	e := newEstimator("streaming")
	prev := e.NewState()
	st := e.Update(context.Background(), models.DataBatch{}, prev, nil)

	assert.Equal(t, models.VMMInsufficientData, st.Status)
	assert.True(t, st.LowConfidence)
	assert.Equal(t, int64(1), st.Cycle)
	assert.Equal(t, e.BasePrior(), st.Posterior)
}

func TestAlreadyConsumedRowsAreSkipped(t *testing.T) {
	e := newEstimator("full")
	batch := golden.Generate(golden.Coordinated())
	first := e.Update(context.Background(), batch, e.NewState(), nil)
	require.Equal(t, models.VMMOK, first.Status)

	again := e.Update(context.Background(), batch, first, nil)
	assert.Equal(t, models.VMMInsufficientData, again.Status)
	assert.Equal(t, first.Posterior.Mean, again.Posterior.Mean)
	assert.Equal(t, int64(2), again.Cycle)
}

func TestCancelledContextTimesOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := newEstimator("full")
	st := e.Update(ctx, golden.Generate(golden.Coordinated()), e.NewState(), nil)

	assert.Equal(t, models.VMMTimeout, st.Status)
	assert.True(t, st.LowConfidence)
	assert.False(t, st.Converged)
	assert.Zero(t, st.Retries)
	assert.False(t, math.IsInf(st.Elbo, 0) || math.IsNaN(st.Elbo))

	raw, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"elbo"`)
}

func TestGrowingWindowTracksFullBatch(t *testing.T) {
	sc := golden.Coordinated()
	sc.Orthogonal = false
	sc.Seed = 23
	batch := golden.Generate(sc)

	full := newEstimator("full").Update(context.Background(), batch, newEstimator("full").NewState(), nil)
	require.Equal(t, models.VMMOK, full.Status)

	e := newEstimator("streaming")
	st := e.NewState()
	rows := len(batch.Observations) / 2
	covered := 2 * (sc.Sizes[0] + sc.Sizes[1] + 1)
	for m := 60; ; m += 30 {
		if m > rows {
			m = rows
		}
		prefix := batch
		prefix.Observations = batch.Observations[:2*m]
		st = e.Update(context.Background(), prefix, st, nil)
		if 2*m > covered+60 {
			assert.False(t, st.Reset, "reset at %d rows", m)
		}
		if m == rows {
			break
		}
	}

	assert.Greater(t, st.CoordinationIndex(), 0.5)
	assert.InDelta(t, full.CoordinationIndex(), st.CoordinationIndex(), 0.15)
	assert.InDelta(t, full.Posterior.Mean.Kappa(), st.Posterior.Mean.Kappa(), 0.15)
}

func TestDesignWeightsDecayWithAge(t *testing.T) {
	e := newEstimator("streaming")
	batch := golden.Generate(golden.Coordinated())
	end := batch.Window().To

	d := e.design(batch, end.Add(24*time.Hour))
	require.NotZero(t, d.Len())
	last := d.Samples[d.Len()-1]
	assert.InDelta(t, 0.98, last.W(), 1e-3)
	assert.Less(t, d.Samples[0].W(), last.W())

	plain := e.design(batch, time.Time{})
	assert.Equal(t, 1.0, plain.Samples[0].W())
}

func TestLadderExhaustsThroughUpdate(t *testing.T) {
	cfg := config.Default().Engine
	cfg.VMM.Streaming.MaxIterations = 1
	cfg.VMM.Streaming.ElboWindow = 5
	e := NewEstimator(cfg.VMM, moments.NewLibrary(cfg.Moments), environment.NewLabeler(cfg.Labeler), models.DimFunding, nil)
	batch := golden.Generate(golden.Coordinated())
	from := batch.Window().From

	var asked []models.TimeWindow
	extend := func(_ context.Context, w models.TimeWindow) (models.DataBatch, error) {
		asked = append(asked, w)
		return models.DataBatch{}, nil
	}
	st := e.Update(context.Background(), batch, e.NewState(), extend)

	assert.Equal(t, models.VMMEstimationUnstable, st.Status)
	assert.True(t, st.LowConfidence)
	assert.Equal(t, 2, st.Retries)
	assert.InDelta(t, 4.95, st.PriorScale, 1e-12)
	assert.InDelta(t, 4.95*e.BasePrior().Var[0], st.Prior.Var[0], 1e-9)
	assert.Equal(t, criterionMaxIter, st.Criterion)
	require.Len(t, asked, 2)
	assert.Equal(t, models.TimeWindow{From: from.Add(-720 * time.Hour), To: from}, asked[0])
	assert.Equal(t, models.TimeWindow{From: from.Add(-1440 * time.Hour), To: from}, asked[1])
}

func TestDecayInflatesVarianceUpToBase(t *testing.T) {
	e := newEstimator("streaming")
	base := e.BasePrior()
	p := base
	p.Var = models.Theta{1, 1, 1}

	assert.Equal(t, p, e.decay(p, base, 0))

	d := e.decay(p, base, 24*time.Hour)
	for j := range d.Var {
		assert.InDelta(t, 1/0.98, d.Var[j], 1e-12)
	}

	far := e.decay(p, base, 10000*24*time.Hour)
	assert.Equal(t, base.Var, far.Var)
}

func TestStructuralBreak(t *testing.T) {
	e := newEstimator("full")
	coord := e.Update(context.Background(), golden.Generate(golden.Coordinated()), e.NewState(), nil)
	require.Equal(t, models.VMMOK, coord.Status)

	own, factor := scaleDesign(e.design(golden.Generate(golden.Coordinated()), time.Time{}))
	fitted := toScaled(coord.Posterior, factor)
	assert.False(t, e.structuralBreak(own, fitted, e.lib.Objective(own, fitted.Mean)))

	other, factor := scaleDesign(e.design(golden.Generate(golden.Competitive()), time.Time{}))
	assert.True(t, e.structuralBreak(other, toScaled(coord.Posterior, factor), 1e-9))
}

func TestScaleRoundTrip(t *testing.T) {
	p := models.ThetaPosterior{Mean: models.Theta{2, 0.5, 0.1}, Var: models.Theta{4, 1, 1}}
	back := fromScaled(toScaled(p, 2), 2)
	assert.InDeltaSlice(t, p.Mean[:], back.Mean[:], 1e-12)
	assert.InDeltaSlice(t, p.Var[:], back.Var[:], 1e-12)
}

func TestLadder(t *testing.T) {
	l := NewLadder(2)
	assert.Equal(t, 0, l.Retries())
	assert.Equal(t, 1.0, l.Step().PriorVarScale)
	assert.Zero(t, l.Step().Extend)

	require.True(t, l.Advance())
	assert.Equal(t, 2.25, l.Step().PriorVarScale)
	assert.Equal(t, 0.5, l.Step().LRScale)
	assert.Equal(t, 30*day, l.Step().Extend)

	require.True(t, l.Advance())
	assert.InDelta(t, 4.95, l.Step().PriorVarScale, 1e-12)
	assert.Equal(t, 60*day, l.Step().Extend)
	assert.False(t, l.Advance())
	assert.Equal(t, 2, l.Retries())

	assert.False(t, NewLadder(0).Advance())
	assert.False(t, NewLadder(-1).Advance())
	capped := NewLadder(9)
	capped.Advance()
	capped.Advance()
	assert.False(t, capped.Advance())
}

func TestKLIsZeroAtPrior(t *testing.T) {
	prior := models.ThetaPosterior{Mean: models.Theta{0.1, 0.2, 0.3}, Var: models.Theta{2, 3, 4}}
	prec := []float64{0.5, 1.0 / 3, 0.25}
	assert.InDelta(t, 0, kl(prior.Mean, prec, prior), 1e-12)
	assert.Greater(t, kl(models.Theta{1, 1, 1}, prec, prior), 0.0)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
