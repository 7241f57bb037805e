package environment

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoordScope/internal/domain/models"
	"CoordScope/internal/services/golden"
	"CoordScope/pkg/config"
)

func labelerConfig() config.LabelerConfig {
	return config.Default().Engine.Labeler
}

func TestFundingTercilesOnGoldenBatch(t *testing.T) {
	batch := golden.Generate(golden.Competitive())
	lab := NewLabeler(labelerConfig()).Label(batch.Observations)

	st := lab.Dimensions[models.DimFunding]
	require.Equal(t, models.DimensionOK, st.Status)
	assert.Equal(t, 1003, st.Count)
	require.Len(t, st.Cuts, 2)
	assert.InDelta(t, -1, st.Cuts[0], 1e-12)
	assert.InDelta(t, 0, st.Cuts[1], 1e-12)
	assert.InDelta(t, 1, st.ExplainedVariance, 1e-9)

	first := lab.Labels[0].Buckets[models.DimFunding]
	last := lab.Labels[len(lab.Labels)-1].Buckets[models.DimFunding]
	assert.Equal(t, "low", first.Name)
	assert.Equal(t, "high", last.Name)
	assert.True(t, lab.Usable(models.DimFunding))
	assert.True(t, lab.Usable(models.DimVolatility))
}

func TestShortBatchIsInsufficientNotDefaulted(t *testing.T) {
	var obs []models.Observation
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		obs = append(obs, models.Observation{
			Timestamp:  t0.Add(time.Duration(i) * time.Minute),
			Market:     "spot",
			EntityID:   "A",
			Price:      100 + float64(i%7),
			Volume:     1,
			Covariates: map[string]float64{models.CovariateFunding: float64(i)},
		})
	}
	lab := NewLabeler(labelerConfig()).Label(obs)
	for _, dim := range []string{models.DimVolatility, models.DimFunding, models.DimFundingShock, models.DimLiquidity} {
		assert.Equal(t, models.DimensionInsufficientData, lab.Dimensions[dim].Status, dim)
		assert.False(t, lab.Usable(dim))
	}
	for _, l := range lab.Labels {
		assert.Empty(t, l.Buckets)
	}
}

func TestFundingShockDetection(t *testing.T) {
	var obs []models.Observation
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 200; i++ {
		f := 0.01 + 0.0001*math.Sin(float64(i))
		if i == 150 {
			f = 0.05
		}
		obs = append(obs, models.Observation{
			Timestamp:  t0.Add(time.Duration(i) * time.Minute),
			Market:     "perp",
			EntityID:   "A",
			Price:      100,
			Volume:     1,
			Covariates: map[string]float64{models.CovariateFunding: f},
		})
	}
	lab := NewLabeler(labelerConfig()).Label(obs)
	require.True(t, lab.Usable(models.DimFundingShock))
	assert.Equal(t, "shock", lab.Labels[150].Buckets[models.DimFundingShock].Name)
	assert.Equal(t, "normal", lab.Labels[100].Buckets[models.DimFundingShock].Name)
	assert.Equal(t, "normal", lab.Labels[10].Buckets[models.DimFundingShock].Name)
}

func TestTrailingWindowLimitsCutHistory(t *testing.T) {
	cfg := labelerConfig()
	cfg.TrailingWindow = 50
	batch := golden.Generate(golden.Competitive())
	lab := NewLabeler(cfg).Label(batch.Observations)
	assert.Equal(t, models.DimensionInsufficientData, lab.Dimensions[models.DimFunding].Status)
}

func TestSplitLeaderCredit(t *testing.T) {
	assert.Empty(t, SplitLeaderCredit(nil))
	assert.Equal(t, map[string]float64{"a": 1}, SplitLeaderCredit(map[string]float64{"a": 3, "b": 1}))

	got := SplitLeaderCredit(map[string]float64{"a": 2, "b": 2, "c": 2, "d": 0})
	assert.InDelta(t, 1.0/3, got["a"], 1e-12)
	assert.InDelta(t, 1.0/3, got["c"], 1e-12)
	assert.Zero(t, got["d"])
}
