package moments

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoordScope/internal/domain/models"
	"CoordScope/pkg/config"
)

func momentsConfig() config.MomentsConfig {
	return config.Default().Engine.Moments
}

// exactDesign builds rows that satisfy the structural equation at th without noise.
func exactDesign(th models.Theta, n int) models.Design {
	rng := rand.New(rand.NewSource(3))
	d := models.Design{Dimension: models.DimFunding}
	for i := 0; i < n; i++ {
		env, lvl, z := "low", 0, -1.0
		if i%2 == 1 {
			env, lvl, z = "high", 1, 1.0
		}
		x := 0.01 * rng.NormFloat64()
		c := 0.005 * rng.NormFloat64()
		d.Samples = append(d.Samples, models.Sample{
			X:     x,
			Cost:  c,
			Y:     th.Beta()*c + (th.Kappa()+th.W()*z)*x,
			Env:   env,
			Level: lvl,
			Z:     z,
		})
	}
	return d
}

func TestLen(t *testing.T) {
	assert.Equal(t, 5, Len(0))
	assert.Equal(t, 5, Len(1))
	assert.Equal(t, 9, Len(3))
}

func TestComputeDegenerateInputIsZeroNotNaN(t *testing.T) {
	lib := NewLibrary(momentsConfig())
	mv := lib.Compute(models.Design{}, models.Theta{})
	assert.True(t, mv.LowConfidence)
	assert.Len(t, mv.Values, 5)
	for _, v := range mv.Values {
		assert.Equal(t, 0.0, v)
	}

	flat := models.Design{Samples: []models.Sample{{X: 0.1, Y: 1}, {X: 0.1, Y: 2}, {X: 0.1, Y: 3}}}
	mv = lib.Compute(flat, models.Theta{})
	assert.True(t, mv.LowConfidence)
	require.NotEmpty(t, mv.Reasons)
	assert.Contains(t, mv.Reasons[0], "zero variance")
}

func TestComputeVanishesAtTrueTheta(t *testing.T) {
	cfg := momentsConfig()
	cfg.Weights.LeadLag = 0
	lib := NewLibrary(cfg)
	truth := models.Theta{0.1, 0.6, 0.3}
	d := exactDesign(truth, 400)

	mv := lib.Compute(d, truth)
	assert.False(t, mv.LowConfidence)
	assert.Equal(t, []string{"low", "high"}, mv.Environments)
	assert.Equal(t, 400, mv.N)
	assert.InDelta(t, 0, mv.SquaredNorm(), 1e-20)

	off := lib.Objective(d, models.Theta{0.1, 0.2, 0})
	assert.Greater(t, off, 1e-10)
}

func TestComputeBlockLayout(t *testing.T) {
	mv := NewLibrary(momentsConfig()).Compute(exactDesign(models.Theta{0, 0.5, 0}, 50), models.Theta{})
	require.Len(t, mv.Values, 7)
	assert.Equal(t, []models.MomentRange{
		{Name: models.MomentOrthogonality, Start: 0, End: 2},
		{Name: models.MomentComovement, Start: 2, End: 4},
		{Name: models.MomentVariance, Start: 4, End: 6},
		{Name: models.MomentLeadLag, Start: 6, End: 7},
	}, mv.Blocks)
	for _, v := range mv.Values {
		assert.False(t, math.IsNaN(v))
	}
}

func TestComputeFlagsThinEnvironment(t *testing.T) {
	d := exactDesign(models.Theta{0, 0.5, 0}, 40)
	d.Samples = append(d.Samples, models.Sample{X: 0.02, Y: 0.01, Env: "spike", Level: 2, Z: 2})
	mv := NewLibrary(momentsConfig()).Compute(d, models.Theta{0, 0.5, 0})
	assert.True(t, mv.LowConfidence)
	assert.Contains(t, mv.Reasons, `environment "spike" has 1 rows`)
}

func TestConstantComovementBaselineIgnoresEnvironment(t *testing.T) {
	cfg := momentsConfig()
	cfg.Weights.LeadLag = 0
	truth := models.Theta{0.1, 0.6, 0.3}
	d := exactDesign(truth, 200)

	linear := NewLibrary(cfg)
	cfg.Comovement = "constant"
	constant := NewLibrary(cfg)

	assert.InDelta(t, 0, linear.Objective(d, truth), 1e-20)
	// the data carries an environment slope the constant baseline cannot express
	assert.Greater(t, constant.Objective(d, truth), 1e-10)

	custom := linear.WithBaselines(Baselines{
		G: func(th models.Theta, z float64) float64 { return th.Kappa() + th.W()*z },
		H: func(models.Theta, float64) float64 { return 0 },
		R: func(models.Theta) float64 { return 0 },
	})
	assert.InDelta(t, 0, custom.Objective(d, truth), 1e-20)
}

func TestComputeWeightsScaleInvariant(t *testing.T) {
	lib := NewLibrary(momentsConfig())
	d := exactDesign(models.Theta{0.1, 0.6, 0.3}, 200)
	at := models.Theta{0.1, 0.4, 0}
	plain := lib.Compute(d, at).Values

	uniform := models.Design{Dimension: d.Dimension, Samples: append([]models.Sample(nil), d.Samples...)}
	for i := range uniform.Samples {
		uniform.Samples[i].Weight = 0.5
	}
	assert.InDeltaSlice(t, plain, lib.Compute(uniform, at).Values, 1e-12)

	// down-weighting half the rows moves the averages toward the other half
	tilted := models.Design{Dimension: d.Dimension, Samples: append([]models.Sample(nil), d.Samples...)}
	for i := range tilted.Samples {
		if i < 100 {
			tilted.Samples[i].Weight = 0.01
		}
	}
	late := models.Design{Dimension: d.Dimension, Samples: d.Samples[100:]}
	assert.InDelta(t, lib.Compute(late, at).Values[2], lib.Compute(tilted, at).Values[2], 0.05*math.Abs(plain[2])+1e-6)
}
