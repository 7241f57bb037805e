package evidence

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoordScope/internal/domain/models"
	"CoordScope/internal/services/golden"
	"CoordScope/pkg/config"
)

func newRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := NewRecorder(config.Default().Engine, "test")
	require.NoError(t, err)
	r.now = func() time.Time { return time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

func cycleResult(batch models.DataBatch) models.CycleResult {
	return models.CycleResult{
		Partition: batch.Key(),
		Status:    models.CycleOK,
		ICP:       models.ICPResult{Status: models.ICPNotRejected, PValue: 0.4, NEnvironments: 3},
		VMM: models.VMMState{
			Posterior: models.ThetaPosterior{Mean: models.Theta{0.1, 0.8, 0.02}, Var: models.Theta{0.01, 0.01, 0.01}},
			Status:    models.VMMOK,
			Converged: true,
			Elbo:      -12.5,
		},
		Layers: []models.LayerResult{
			{Layer: models.LayerRegime, Score: 0.7, Status: models.LayerOK, Diagnostics: map[string]any{
				"log_likelihood": math.Inf(-1),
				"state_means":    []float64{0.1, math.NaN()},
			}},
			{Layer: models.LayerLeadLag, Status: models.LayerError, Error: "boom"},
		},
		Risk: models.RiskOutput{Score: 90, Band: models.BandRed, Confidence: 0.9},
	}
}

func TestRecordBuildsVerifiableBundle(t *testing.T) {
	r := newRecorder(t)
	batch := golden.Generate(golden.Coordinated())
	b, err := r.Record(cycleResult(batch), batch)
	require.NoError(t, err)

	_, err = uuid.Parse(b.BundleID)
	require.NoError(t, err)
	assert.NoError(t, Verify(b))
	assert.Equal(t, batch.Window(), b.AnalysisWindow)
	assert.Equal(t, r.ConfigHash(), b.Provenance.ConfigHash)
	assert.Equal(t, "test", b.Provenance.EngineVersion)
	assert.Equal(t, batch.Len(), b.Provenance.Observations)
	assert.Equal(t, config.Default().Engine.ICP.Seed, b.Provenance.Seed)
	assert.InDelta(t, 0.78, b.VMMOutputs.ThetaPosteriorSummary.CI, 1e-12)
	assert.Equal(t, 0.8, b.VMMOutputs.ThetaPosteriorSummary.Mean["kappa"])

	diag := b.ValidationLayerOutputs[0].Diagnostics
	assert.Nil(t, diag["log_likelihood"])
	assert.Equal(t, []any{0.1, nil}, diag["state_means"])

	v, err := NewSchemaValidator()
	require.NoError(t, err)
	assert.NoError(t, v.Validate(b))
}

func TestBundleIDIsDeterministic(t *testing.T) {
	r := newRecorder(t)
	batch := golden.Generate(golden.Competitive())
	a, err := r.Record(cycleResult(batch), batch)
	require.NoError(t, err)

	r.now = func() time.Time { return time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC) }
	b, err := r.Record(cycleResult(batch), batch)
	require.NoError(t, err)
	assert.Equal(t, a.BundleID, b.BundleID)
	assert.Equal(t, a.Checksum, b.Checksum)
	assert.NotEqual(t, a.CreationTimestamp, b.CreationTimestamp)

	other := golden.Generate(golden.Coordinated())
	c, err := r.Record(cycleResult(other), other)
	require.NoError(t, err)
	assert.NotEqual(t, a.BundleID, c.BundleID)
}

func TestConfigChangesHash(t *testing.T) {
	a := newRecorder(t)
	cfg := config.Default().Engine
	cfg.ICP.Seed++
	b, err := NewRecorder(cfg, "test")
	require.NoError(t, err)
	assert.NotEqual(t, a.ConfigHash(), b.ConfigHash())
	assert.Len(t, a.ConfigHash(), 64)
}

func TestVerifyDetectsTampering(t *testing.T) {
	r := newRecorder(t)
	batch := golden.Generate(golden.Insufficient())
	b, err := r.Record(cycleResult(batch), batch)
	require.NoError(t, err)

	b.RiskScore = 5
	assert.Error(t, Verify(b))
}

func TestDataChecksumIgnoresOrder(t *testing.T) {
	batch := golden.Generate(golden.Insufficient())
	a, err := DataChecksum(batch)
	require.NoError(t, err)

	rev := batch
	rev.Observations = make([]models.Observation, batch.Len())
	for i, o := range batch.Observations {
		rev.Observations[batch.Len()-1-i] = o
	}
	b, err := DataChecksum(rev)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	rev.Observations[0].Price++
	c, err := DataChecksum(rev)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestGoldenMetricsAttach(t *testing.T) {
	r := newRecorder(t)
	r.SetGolden([]models.GoldenMetrics{{Scenario: "competitive", Passed: true}})
	batch := golden.Generate(golden.Insufficient())
	b, err := r.Record(cycleResult(batch), batch)
	require.NoError(t, err)
	require.Len(t, b.Provenance.Golden, 1)
	assert.True(t, b.Provenance.Golden[0].Passed)
}

func TestSchemaRejectsBrokenBundle(t *testing.T) {
	v, err := NewSchemaValidator()
	require.NoError(t, err)

	r := newRecorder(t)
	batch := golden.Generate(golden.Insufficient())
	b, err := r.Record(cycleResult(batch), batch)
	require.NoError(t, err)

	bad := *b
	bad.RiskScore = 140
	assert.Error(t, v.Validate(&bad))

	bad = *b
	bad.Checksum = "nope"
	assert.Error(t, v.Validate(&bad))

	assert.Error(t, v.ValidateJSON([]byte(`{"bundle_id": 1}`)))
	assert.Error(t, v.ValidateJSON([]byte(`not json`)))
}
