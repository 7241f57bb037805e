package features

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoordScope/internal/domain/models"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func obs(min int, entity string, price, funding float64) models.Observation {
	return models.Observation{
		Timestamp:  t0.Add(time.Duration(min) * time.Minute),
		Market:     "spot",
		EntityID:   entity,
		Price:      price,
		Volume:     10,
		Covariates: map[string]float64{models.CovariateFunding: funding, "depth_1": 2, "depth_2": 3},
	}
}

func TestLogReturns(t *testing.T) {
	assert.Nil(t, LogReturns([]float64{100}))
	r := LogReturns([]float64{100, 110, 0, 50})
	require.Len(t, r, 3)
	assert.InDelta(t, math.Log(1.1), r[0], 1e-12)
	assert.Equal(t, 0.0, r[1])
	assert.Equal(t, 0.0, r[2])
}

func TestRollingStd(t *testing.T) {
	out := RollingStd([]float64{1, 2, 3, 4}, 3)
	assert.True(t, math.IsNaN(out[0]))
	assert.True(t, math.IsNaN(out[1]))
	assert.InDelta(t, 1.0, out[2], 1e-12)
	assert.InDelta(t, 1.0, out[3], 1e-12)

	for _, v := range RollingStd([]float64{1, 2}, 1) {
		assert.True(t, math.IsNaN(v))
	}
}

func TestRollingZ(t *testing.T) {
	vals := []float64{1, 2, 3, 10}
	z := RollingZ(vals, 3)
	assert.Equal(t, []float64{0, 0, 0}, z[:3])
	// mean 2, sd 1 over the three preceding values
	assert.InDelta(t, 8.0, z[3], 1e-12)

	flat := RollingZ([]float64{5, 5, 5, 9}, 3)
	assert.Equal(t, 0.0, flat[3])
}

func TestBucketsAggregatesAcrossEntities(t *testing.T) {
	b := Buckets([]models.Observation{
		obs(1, "B", 200, 0.03),
		obs(0, "A", 100, 0.01),
		obs(0, "B", 200, 0.03),
		obs(1, "A", 110, 0.01),
	})
	require.Len(t, b, 2)
	assert.False(t, b[0].HasReturn)
	assert.Equal(t, 2, b[0].Entities)
	assert.InDelta(t, 0.02, b[0].Funding, 1e-12)
	assert.InDelta(t, 20.0, b[0].Volume, 1e-12)
	assert.InDelta(t, 10.0, b[0].Depth, 1e-12)

	require.True(t, b[1].HasReturn)
	assert.InDelta(t, math.Log(1.1)/2, b[1].MeanReturn, 1e-12)
}

func TestAlignedPricesAndUnion(t *testing.T) {
	batch := models.DataBatch{
		Market: "spot",
		Pair:   models.EntityPair{Leader: "A", Follower: "B"},
		Observations: []models.Observation{
			obs(0, "A", 100, 0), obs(0, "B", 50, 0),
			obs(1, "A", 101, 0),
			obs(2, "A", 102, 0), obs(2, "B", 51, 0),
			obs(3, "B", 52, 0),
		},
	}
	ts, pa, pb := AlignedPrices(batch, "A", "B")
	require.Len(t, ts, 2)
	assert.Equal(t, []float64{100, 102}, pa)
	assert.Equal(t, []float64{50, 51}, pb)
	assert.Equal(t, 4, UnionTimestamps(batch, "A", "B"))
	assert.Equal(t, 3, UnionTimestamps(batch, "A"))
}

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(map[string]int{"c": 1, "a": 2, "b": 3}))
}
