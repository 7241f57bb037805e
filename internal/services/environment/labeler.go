package environment

import (
	"math"

	"github.com/montanaflynn/stats"

	"CoordScope/internal/domain/models"
	"CoordScope/internal/domain/service"
	"CoordScope/internal/services/features"
	"CoordScope/pkg/config"
)

var _ service.EnvironmentLabeler = (*Labeler)(nil)

var tercileNames = [3]string{"low", "mid", "high"}

// Labeler derives environment buckets from rolling market statistics.
// Cuts are recomputed on every call from the trailing window.
type Labeler struct {
	cfg config.LabelerConfig
}

func NewLabeler(cfg config.LabelerConfig) *Labeler {
	return &Labeler{cfg: cfg}
}

// Label assigns one bucket per usable dimension to every time bucket of obs.
func (l *Labeler) Label(obs []models.Observation) models.Labeling {
	buckets := features.Buckets(obs)
	out := models.Labeling{
		Labels:     make([]models.EnvironmentLabel, len(buckets)),
		Dimensions: make(map[string]models.DimensionStatus, 4),
	}
	for i, b := range buckets {
		out.Labels[i] = models.EnvironmentLabel{Timestamp: b.Timestamp, Buckets: make(map[string]models.Bucket, 4)}
	}

	l.tercileDimension(&out, models.DimVolatility, l.volatilitySignal(buckets))
	l.tercileDimension(&out, models.DimFunding, fundingSignal(buckets))
	l.shockDimension(&out, fundingSignal(buckets))
	l.tercileDimension(&out, models.DimLiquidity, liquiditySignal(buckets))
	return out
}

func (l *Labeler) volatilitySignal(buckets []features.TimeBucket) []float64 {
	rets := make([]float64, len(buckets))
	for i, b := range buckets {
		rets[i] = b.MeanReturn
	}
	vol := features.RollingStd(rets, l.cfg.VolatilityWindow)
	// the first bucket has no return, so its window is incomplete
	for i := 0; i < len(vol) && i < l.cfg.VolatilityWindow; i++ {
		vol[i] = math.NaN()
	}
	return vol
}

func fundingSignal(buckets []features.TimeBucket) []float64 {
	out := make([]float64, len(buckets))
	for i, b := range buckets {
		if b.HasFunding {
			out[i] = b.Funding
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// liquiditySignal is the sum of volume and depth z-scores across the batch.
func liquiditySignal(buckets []features.TimeBucket) []float64 {
	vol := make([]float64, len(buckets))
	depth := make([]float64, len(buckets))
	for i, b := range buckets {
		vol[i] = b.Volume
		depth[i] = b.Depth
	}
	zv, zd := zscores(vol), zscores(depth)
	out := make([]float64, len(buckets))
	for i := range out {
		out[i] = zv[i] + zd[i]
	}
	return out
}

func zscores(v []float64) []float64 {
	out := make([]float64, len(v))
	mean, err := stats.Mean(v)
	if err != nil {
		return out
	}
	sd, err := stats.StandardDeviationPopulation(v)
	if err != nil || sd <= 1e-12 {
		return out
	}
	for i, x := range v {
		out[i] = (x - mean) / sd
	}
	return out
}

// window returns the finite signal values inside the trailing window.
func (l *Labeler) window(signal []float64) []float64 {
	start := 0
	if l.cfg.TrailingWindow > 0 && len(signal) > l.cfg.TrailingWindow {
		start = len(signal) - l.cfg.TrailingWindow
	}
	vals := make([]float64, 0, len(signal)-start)
	for _, v := range signal[start:] {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			vals = append(vals, v)
		}
	}
	return vals
}

func (l *Labeler) tercileDimension(out *models.Labeling, dim string, signal []float64) {
	vals := l.window(signal)
	if len(vals) < l.cfg.MinObservations {
		out.Dimensions[dim] = models.DimensionStatus{Status: models.DimensionInsufficientData, Count: len(vals)}
		return
	}
	q1, err1 := stats.PercentileNearestRank(vals, 100.0/3)
	q2, err2 := stats.PercentileNearestRank(vals, 200.0/3)
	if err1 != nil || err2 != nil {
		out.Dimensions[dim] = models.DimensionStatus{Status: models.DimensionInsufficientData, Count: len(vals)}
		return
	}

	var labelled, levels []float64
	for i, v := range signal {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lvl := 2
		switch {
		case v <= q1:
			lvl = 0
		case v <= q2:
			lvl = 1
		}
		out.Labels[i].Buckets[dim] = models.Bucket{Name: tercileNames[lvl], Level: lvl}
		labelled = append(labelled, v)
		levels = append(levels, float64(lvl))
	}
	out.Dimensions[dim] = models.DimensionStatus{
		Status:            models.DimensionOK,
		Count:             len(vals),
		Cuts:              []float64{q1, q2},
		ExplainedVariance: explainedVariance(labelled, levels),
	}
}

func (l *Labeler) shockDimension(out *models.Labeling, funding []float64) {
	vals := l.window(funding)
	if len(vals) < l.cfg.MinObservations {
		out.Dimensions[models.DimFundingShock] = models.DimensionStatus{Status: models.DimensionInsufficientData, Count: len(vals)}
		return
	}
	// gaps break the rolling window, so compute z on the finite subsequence
	idx := make([]int, 0, len(funding))
	series := make([]float64, 0, len(funding))
	for i, v := range funding {
		if !math.IsNaN(v) {
			idx = append(idx, i)
			series = append(series, v)
		}
	}
	z := features.RollingZ(series, l.cfg.ShockWindow)
	var labelled, levels []float64
	for j, i := range idx {
		b := models.Bucket{Name: "normal", Level: 0}
		if math.Abs(z[j]) > l.cfg.ShockZ {
			b = models.Bucket{Name: "shock", Level: 1}
		}
		out.Labels[i].Buckets[models.DimFundingShock] = b
		labelled = append(labelled, math.Abs(z[j]))
		levels = append(levels, float64(b.Level))
	}
	out.Dimensions[models.DimFundingShock] = models.DimensionStatus{
		Status:            models.DimensionOK,
		Count:             len(vals),
		Cuts:              []float64{l.cfg.ShockZ},
		ExplainedVariance: explainedVariance(labelled, levels),
	}
}

// explainedVariance is the between-bucket share of the signal's total sum of squares.
func explainedVariance(values, levels []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean, _ := stats.Mean(values)
	groups := make(map[float64][]float64)
	var total float64
	for i, v := range values {
		groups[levels[i]] = append(groups[levels[i]], v)
		total += (v - mean) * (v - mean)
	}
	if total <= 1e-18 {
		return 0
	}
	var between float64
	for _, g := range groups {
		gm, _ := stats.Mean(g)
		between += float64(len(g)) * (gm - mean) * (gm - mean)
	}
	return between / total
}

// SplitLeaderCredit gives each entity tied at the maximum value an equal share of one unit.
func SplitLeaderCredit(values map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(values))
	if len(values) == 0 {
		return out
	}
	best := math.Inf(-1)
	for _, v := range values {
		if v > best {
			best = v
		}
	}
	var tied []string
	for _, k := range features.SortedKeys(values) {
		if math.Abs(values[k]-best) <= 1e-12*math.Max(1, math.Abs(best)) {
			tied = append(tied, k)
		}
	}
	for _, k := range tied {
		out[k] = 1 / float64(len(tied))
	}
	return out
}
