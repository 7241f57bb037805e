package validation

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoordScope/internal/domain/models"
)

type stubLayer struct {
	name string
	fn   func() models.LayerResult
}

func (s stubLayer) Name() string { return s.name }

func (s stubLayer) Analyze(context.Context, models.DataBatch) models.LayerResult { return s.fn() }

func TestSuiteRegistersLayersInOrder(t *testing.T) {
	s := NewSuite(validationConfig(), nil)
	assert.Equal(t, []string{models.LayerLeadLag, models.LayerMirroring, models.LayerRegime, models.LayerInfoFlow}, s.Layers())
}

func TestSuiteIsolatesFailures(t *testing.T) {
	s := NewSuiteWith(nil,
		stubLayer{"boom", func() models.LayerResult { panic("bad input") }},
		stubLayer{"loud", func() models.LayerResult { return models.LayerResult{Score: 3, Status: models.LayerOK} }},
		stubLayer{"negative", func() models.LayerResult { return models.LayerResult{Score: -1, Status: models.LayerOK} }},
	)
	res := s.Run(context.Background(), models.DataBatch{})

	require.Len(t, res, 3)
	assert.Equal(t, "boom", res[0].Layer)
	assert.Equal(t, models.LayerError, res[0].Status)
	assert.Contains(t, res[0].Error, "bad input")
	assert.Equal(t, "loud", res[1].Layer)
	assert.Equal(t, 1.0, res[1].Score)
	assert.Equal(t, 0.0, res[2].Score)
}

func TestSuiteCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	s := NewSuiteWith(nil, stubLayer{"x", func() models.LayerResult { called = true; return models.LayerResult{} }})

	res := s.Run(ctx, models.DataBatch{})
	assert.False(t, called)
	assert.Equal(t, models.LayerError, res[0].Status)
}

func TestSuiteOverLaggedPair(t *testing.T) {
	res := NewSuite(validationConfig(), nil).Run(context.Background(), laggedBatch(200, 8))
	require.Len(t, res, 4)
	for _, r := range res {
		assert.NotEqual(t, models.LayerError, r.Status, r.Layer)
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, clamp01(math.NaN()))
	assert.Equal(t, 0.5, clamp01(0.5))
}

func TestPairs(t *testing.T) {
	assert.Equal(t, [][2]string{{"a", "b"}, {"a", "c"}, {"b", "c"}}, pairs([]string{"a", "b", "c"}))
	assert.Empty(t, pairs([]string{"a"}))
}
