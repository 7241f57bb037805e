package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoordScope/internal/domain/models"
	"CoordScope/pkg/config"
)

func newAggregator() *Aggregator {
	cfg := config.Default().Engine
	a := NewAggregator(cfg.Risk, cfg.VMM)
	a.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return a
}

func vmmState(kappa, w float64, status models.VMMStatus) models.VMMState {
	return models.VMMState{Posterior: models.ThetaPosterior{Mean: models.Theta{0, kappa, w}}, Status: status}
}

func layers(scores ...float64) []models.LayerResult {
	out := make([]models.LayerResult, len(scores))
	for i, s := range scores {
		out[i] = models.LayerResult{Layer: "l", Score: s, Status: models.LayerOK}
	}
	return out
}

func TestCoordinatedInputsScoreRed(t *testing.T) {
	out := newAggregator().Aggregate(
		models.ICPResult{Status: models.ICPNotRejected},
		vmmState(0.8, 0, models.VMMOK),
		layers(1, 1, 1, 1),
		models.DegradedMode{Factor: 1},
	)
	assert.Equal(t, 100, out.Score)
	assert.Equal(t, models.BandRed, out.Band)
	assert.Equal(t, 1.0, out.Confidence)
	assert.Empty(t, out.ConfidenceNotes)
	assert.InDelta(t, 0.8, out.CoordinationIdx, 1e-12)
	assert.Equal(t, models.CIBandCoordination, out.CIBand)
	assert.Equal(t, models.RiskComponents{Invariance: 1, CI: 1, Layers: 1}, out.Components)
	assert.False(t, out.Degraded)
	assert.Equal(t, 0.5, out.EffectiveDelta)
}

func TestCompetitiveInputsScoreLow(t *testing.T) {
	out := newAggregator().Aggregate(
		models.ICPResult{Status: models.ICPRejected},
		vmmState(0.3, 0.5, models.VMMOK),
		layers(0, 0),
		models.DegradedMode{Factor: 1},
	)
	assert.Equal(t, 0, out.Score)
	assert.Equal(t, models.BandLow, out.Band)
	assert.InDelta(t, -0.2, out.CoordinationIdx, 1e-12)
	assert.Equal(t, models.CIBandCompetitive, out.CIBand)
	assert.Equal(t, 0.0, out.Components.CI)
}

func TestDegradedModeWidensDelta(t *testing.T) {
	out := newAggregator().Aggregate(
		models.ICPResult{Status: models.ICPNotRejected},
		vmmState(0.8, 0, models.VMMOK),
		layers(1),
		models.DegradedMode{Active: true, Factor: 2},
	)
	assert.True(t, out.Degraded)
	assert.Equal(t, 2.0, out.DegradedFactor)
	assert.Equal(t, 1.0, out.EffectiveDelta)
	assert.InDelta(t, 0.8, out.Components.CI, 1e-12)
	assert.Equal(t, 92, out.Score)
	assert.InDelta(t, 0.8, out.Confidence, 1e-12)
	assert.Equal(t, []string{"degraded mode"}, out.ConfidenceNotes)
}

func TestPartialResultsLowerConfidence(t *testing.T) {
	ls := append(layers(0.5), models.LayerResult{Layer: models.LayerRegime, Status: models.LayerError})
	out := newAggregator().Aggregate(
		models.ICPResult{Status: models.ICPNotTestable},
		vmmState(0.2, 0, models.VMMEstimationUnstable),
		ls,
		models.DegradedMode{},
	)
	assert.InDelta(t, 0.7*0.5*0.9, out.Confidence, 1e-12)
	require.Len(t, out.ConfidenceNotes, 3)
	assert.Equal(t, "layer regime ERROR", out.ConfidenceNotes[2])
	assert.Equal(t, 0.5, out.Components.Layers)
	assert.Equal(t, 1.0, out.DegradedFactor)
	// 0.4*0 + 0.4*0.4 + 0.2*0.5
	assert.Equal(t, 26, out.Score)
}

func TestConfidenceMultipliers(t *testing.T) {
	a := newAggregator()
	cases := []struct {
		icp  models.ICPStatus
		vmm  models.VMMStatus
		low  bool
		want float64
	}{
		{models.ICPTimeout, models.VMMOK, false, confICPTimeout},
		{models.ICPRejected, models.VMMTimeout, false, confVMMTimeout},
		{models.ICPRejected, models.VMMInsufficientData, false, confVMMInsufficient},
		{models.ICPRejected, models.VMMOK, true, confLowMoments},
		{models.ICPRejected, models.VMMTimeout, true, confVMMTimeout},
	}
	for _, tc := range cases {
		st := vmmState(0, 0, tc.vmm)
		st.LowConfidence = tc.low
		out := a.Aggregate(models.ICPResult{Status: tc.icp}, st, nil, models.DegradedMode{Factor: 1})
		assert.InDelta(t, tc.want, out.Confidence, 1e-12, "%s/%s", tc.icp, tc.vmm)
	}
}

func TestBands(t *testing.T) {
	a := newAggregator()
	assert.Equal(t, models.BandLow, a.Band(0))
	assert.Equal(t, models.BandLow, a.Band(33))
	assert.Equal(t, models.BandAmber, a.Band(34))
	assert.Equal(t, models.BandAmber, a.Band(66))
	assert.Equal(t, models.BandRed, a.Band(67))

	assert.Equal(t, models.CIBandCompetitive, a.CIBand(0.05))
	assert.Equal(t, models.CIBandMonitoring, a.CIBand(0.1))
	assert.Equal(t, models.CIBandMonitoring, a.CIBand(0.49))
	assert.Equal(t, models.CIBandCoordination, a.CIBand(0.5))
}
