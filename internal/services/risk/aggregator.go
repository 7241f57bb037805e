package risk

import (
	"math"
	"time"

	"CoordScope/internal/domain/models"
	"CoordScope/internal/domain/service"
	"CoordScope/pkg/config"
)

var _ service.RiskAggregator = (*Aggregator)(nil)

// Confidence multipliers applied when a subsystem reports a partial result.
const (
	confICPNotTestable  = 0.7
	confICPTimeout      = 0.8
	confVMMUnstable     = 0.5
	confVMMTimeout      = 0.7
	confVMMInsufficient = 0.6
	confLayerDegraded   = 0.9
	confLowMoments      = 0.8
	confDegradedMode    = 0.8
)

// Aggregator combines invariance, coordination index and validation layers into a risk score.
type Aggregator struct {
	cfg     config.RiskConfig
	ciMon   float64
	ciCoord float64
	now     func() time.Time
}

func NewAggregator(cfg config.RiskConfig, vmm config.VMMConfig) *Aggregator {
	return &Aggregator{cfg: cfg, ciMon: vmm.CIMonitor, ciCoord: vmm.CICoordination, now: time.Now}
}

// Aggregate never fails; missing inputs lower the confidence instead.
func (a *Aggregator) Aggregate(icp models.ICPResult, vmm models.VMMState, layers []models.LayerResult, mode models.DegradedMode) models.RiskOutput {
	conf := 1.0
	var notes []string
	degrade := func(f float64, note string) {
		conf *= f
		notes = append(notes, note)
	}

	// non-rejection of invariance is the coordination-consistent outcome
	invariance := 0.0
	switch icp.Status {
	case models.ICPNotRejected:
		invariance = 1
	case models.ICPRejected:
	case models.ICPTimeout:
		degrade(confICPTimeout, "icp timed out")
	default:
		degrade(confICPNotTestable, "icp not testable")
	}

	factor := mode.Factor
	if factor < 1 {
		factor = 1
	}
	delta := a.cfg.Delta * factor
	ci := vmm.CoordinationIndex()
	ciNorm := math.Min(1, math.Max(0, ci)/delta)
	switch vmm.Status {
	case models.VMMEstimationUnstable:
		degrade(confVMMUnstable, "vmm estimation unstable")
	case models.VMMTimeout:
		degrade(confVMMTimeout, "vmm timed out")
	case models.VMMInsufficientData:
		degrade(confVMMInsufficient, "vmm had insufficient data")
	}
	if vmm.LowConfidence && vmm.Status == models.VMMOK {
		degrade(confLowMoments, "moments low confidence")
	}

	var layerSum float64
	var ok int
	for _, l := range layers {
		if l.Status != models.LayerOK {
			degrade(confLayerDegraded, "layer "+l.Layer+" "+string(l.Status))
			continue
		}
		layerSum += l.Score
		ok++
	}
	layerScore := 0.0
	if ok > 0 {
		layerScore = layerSum / float64(ok)
	}
	if mode.Active {
		degrade(confDegradedMode, "degraded mode")
	}

	w := a.cfg.Weights
	raw := w.ICP*invariance + w.CI*ciNorm + w.Layers*layerScore
	score := int(math.Round(100 * raw))
	score = max(0, min(100, score))

	return models.RiskOutput{
		Score:           score,
		Band:            a.Band(score),
		Confidence:      conf,
		CoordinationIdx: ci,
		CIBand:          a.CIBand(ci),
		Components:      models.RiskComponents{Invariance: invariance, CI: ciNorm, Layers: layerScore},
		Degraded:        mode.Active,
		DegradedFactor:  factor,
		EffectiveDelta:  delta,
		ConfidenceNotes: notes,
		ComputedAt:      a.now().UTC(),
	}
}

// Band maps a score onto LOW/AMBER/RED.
func (a *Aggregator) Band(score int) models.Band {
	switch {
	case score <= a.cfg.Bands.LowMax:
		return models.BandLow
	case score <= a.cfg.Bands.AmberMax:
		return models.BandAmber
	default:
		return models.BandRed
	}
}

// CIBand classifies the coordination index.
func (a *Aggregator) CIBand(ci float64) string {
	switch {
	case ci < a.ciMon:
		return models.CIBandCompetitive
	case ci < a.ciCoord:
		return models.CIBandMonitoring
	default:
		return models.CIBandCoordination
	}
}
