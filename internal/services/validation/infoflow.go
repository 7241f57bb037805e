package validation

import (
	"context"
	"math"

	"github.com/montanaflynn/stats"

	"CoordScope/internal/domain/models"
	"CoordScope/internal/services/features"
	"CoordScope/pkg/config"
)

// InfoFlow estimates lag-1 transfer entropy between entity return series
// and summarises the directed network it induces.
type InfoFlow struct {
	bins      int
	threshold float64
	minObs    int
}

func NewInfoFlow(cfg config.ValidationConfig) *InfoFlow {
	return &InfoFlow{bins: cfg.InfoFlow.Bins, threshold: cfg.InfoFlow.Threshold, minObs: cfg.InfoFlow.MinObservations}
}

func (f *InfoFlow) Name() string { return models.LayerInfoFlow }

func (f *InfoFlow) Analyze(ctx context.Context, w models.DataBatch) models.LayerResult {
	entities := w.Entities()
	n := len(entities)
	if n < 2 {
		return insufficient(f.Name(), n, 2)
	}

	outStrength := make(map[string]float64, n)
	te := make(map[string]map[string]float64, n)
	edges, tested := 0, 0
	for _, pr := range pairs(entities) {
		if ctx.Err() != nil {
			return errorResult(f.Name(), ctx.Err())
		}
		_, pa, pb := features.AlignedPrices(w, pr[0], pr[1])
		ra, rb := features.LogReturns(pa), features.LogReturns(pb)
		if len(ra) < f.minObs {
			continue
		}
		tested++
		ba, bb := f.discretize(ra), f.discretize(rb)
		for _, dir := range [][2]int{{0, 1}, {1, 0}} {
			src, dst := pr[dir[0]], pr[dir[1]]
			xs, ys := ba, bb
			if dir[0] == 1 {
				xs, ys = bb, ba
			}
			v := transferEntropy(xs, ys)
			if te[src] == nil {
				te[src] = make(map[string]float64)
			}
			te[src][dst] = v
			if v >= f.threshold {
				edges++
				outStrength[src] += v
			}
		}
	}
	if tested == 0 {
		return insufficient(f.Name(), 0, f.minObs)
	}

	density := float64(edges) / float64(n*(n-1))
	conc := concentration(outStrength, n)
	return models.LayerResult{
		Score:  conc,
		Status: models.LayerOK,
		Diagnostics: map[string]any{
			"transfer_entropy":         te,
			"network_density":          density,
			"out_degree_concentration": conc,
			"edges":                    edges,
		},
	}
}

// discretize maps values to equal-frequency bins.
func (f *InfoFlow) discretize(v []float64) []int {
	cuts := make([]float64, f.bins-1)
	for i := range cuts {
		c, err := stats.Percentile(v, 100*float64(i+1)/float64(f.bins))
		if err != nil {
			return make([]int, len(v))
		}
		cuts[i] = c
	}
	out := make([]int, len(v))
	for i, x := range v {
		b := 0
		for b < len(cuts) && x > cuts[b] {
			b++
		}
		out[i] = b
	}
	return out
}

// transferEntropy returns TE_{x->y} in bits at lag 1.
func transferEntropy(x, y []int) float64 {
	n := len(y) - 1
	if n < 1 {
		return 0
	}
	joint := make(map[[3]int]float64)
	yy := make(map[[2]int]float64)
	yx := make(map[[2]int]float64)
	y0 := make(map[int]float64)
	for t := 0; t < n; t++ {
		joint[[3]int{y[t+1], y[t], x[t]}]++
		yy[[2]int{y[t+1], y[t]}]++
		yx[[2]int{y[t], x[t]}]++
		y0[y[t]]++
	}
	var te float64
	for k, c := range joint {
		pJoint := c / float64(n)
		pCondFull := c / yx[[2]int{k[1], k[2]}]
		pCondSelf := yy[[2]int{k[0], k[1]}] / y0[k[1]]
		te += pJoint * math.Log2(pCondFull/pCondSelf)
	}
	if te < 0 {
		return 0
	}
	return te
}

// concentration is the Herfindahl index of out-strength rescaled so 0 = even, 1 = single source.
func concentration(strength map[string]float64, n int) float64 {
	var total float64
	for _, s := range strength {
		total += s
	}
	if total <= 0 || n < 2 {
		return 0
	}
	var hhi float64
	for _, s := range strength {
		p := s / total
		hhi += p * p
	}
	return (hhi - 1/float64(n)) / (1 - 1/float64(n))
}
