package validation

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"CoordScope/internal/domain/models"
	"CoordScope/internal/services/environment"
	"CoordScope/internal/services/features"
	"CoordScope/pkg/config"
)

// LeadLag runs rolling lag-1 Granger tests in both directions for every entity pair.
type LeadLag struct {
	window int
	step   int
	alpha  float64
}

func NewLeadLag(cfg config.ValidationConfig) *LeadLag {
	return &LeadLag{window: cfg.LeadLag.Window, step: cfg.LeadLag.Step, alpha: cfg.LeadLag.Alpha}
}

func (l *LeadLag) Name() string { return models.LayerLeadLag }

func (l *LeadLag) Analyze(ctx context.Context, w models.DataBatch) models.LayerResult {
	entities := w.Entities()
	if len(entities) < 2 {
		return insufficient(l.Name(), len(entities), 2)
	}

	credit := make(map[string]float64, len(entities))
	var windows, significant, switches, transitions int
	var pSum float64
	maxLen := 0
	for _, pr := range pairs(entities) {
		_, pa, pb := features.AlignedPrices(w, pr[0], pr[1])
		ra, rb := features.LogReturns(pa), features.LogReturns(pb)
		if len(ra) > maxLen {
			maxLen = len(ra)
		}
		prev := ""
		for start := 0; start+l.window <= len(ra); start += l.step {
			if ctx.Err() != nil {
				return errorResult(l.Name(), ctx.Err())
			}
			xa, xb := ra[start:start+l.window], rb[start:start+l.window]
			pAB := granger(xa, xb)
			pBA := granger(xb, xa)
			windows++
			pMin := math.Min(pAB, pBA)
			pSum += pMin
			if pMin >= l.alpha {
				continue
			}
			significant++
			// larger value = stronger lead; ties split the credit
			share := environment.SplitLeaderCredit(map[string]float64{pr[0]: -pAB, pr[1]: -pBA})
			leader := ""
			for e, c := range share {
				credit[e] += c
				if c == 1 {
					leader = e
				}
			}
			if prev != "" {
				transitions++
				if leader != prev {
					switches++
				}
			}
			prev = leader
		}
	}
	if windows == 0 {
		return insufficient(l.Name(), maxLen, l.window)
	}

	switchRate := 0.0
	if transitions > 0 {
		switchRate = float64(switches) / float64(transitions)
	}
	entropy := 1.0
	if significant > 0 {
		entropy = switchingEntropy(switchRate)
	}
	sigFrac := float64(significant) / float64(windows)
	score := 0.0
	if significant > 0 {
		score = (1 - entropy) * sigFrac
	}
	return models.LayerResult{
		Score:  score,
		Status: models.LayerOK,
		Diagnostics: map[string]any{
			"windows":             windows,
			"significant_windows": significant,
			"avg_p_value":         pSum / float64(windows),
			"switching_entropy":   entropy,
			"switch_rate":         switchRate,
			"leader_credit":       credit,
		},
	}
}

// switchingEntropy is the binary entropy of the stay/switch process of the
// leader, in bits. Rates above one half are as uninformative as a coin flip.
func switchingEntropy(rate float64) float64 {
	r := math.Min(math.Max(rate, 0), 0.5)
	if r == 0 {
		return 0
	}
	return -(r*math.Log2(r) + (1-r)*math.Log2(1-r))
}

// granger returns the p-value of "x Granger-causes y" at lag 1.
func granger(x, y []float64) float64 {
	m := len(y) - 1
	if m < 5 {
		return 1
	}
	restricted := mat.NewDense(m, 2, nil)
	full := mat.NewDense(m, 3, nil)
	target := mat.NewVecDense(m, nil)
	for t := 1; t <= m; t++ {
		restricted.SetRow(t-1, []float64{1, y[t-1]})
		full.SetRow(t-1, []float64{1, y[t-1], x[t-1]})
		target.SetVec(t-1, y[t])
	}
	rssR, okR := rss(restricted, target)
	rssU, okU := rss(full, target)
	if !okR || !okU || rssU <= 1e-300 {
		return 1
	}
	df2 := float64(m - 3)
	f := (rssR - rssU) / (rssU / df2)
	if f <= 0 || math.IsNaN(f) {
		return 1
	}
	return 1 - distuv.F{D1: 1, D2: df2}.CDF(f)
}

func rss(x *mat.Dense, y *mat.VecDense) (float64, bool) {
	var beta mat.VecDense
	if err := beta.SolveVec(x, y); err != nil {
		return 0, false
	}
	var fit mat.VecDense
	fit.MulVec(x, &beta)
	fit.SubVec(y, &fit)
	return mat.Dot(&fit, &fit), true
}
