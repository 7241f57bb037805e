package validation

import (
	"context"
	"math"

	"github.com/montanaflynn/stats"

	"CoordScope/internal/domain/models"
	"CoordScope/pkg/config"
)

// Regime fits a Gaussian hidden-Markov model to the pair's spread.
type Regime struct {
	states  int
	maxIter int
	tol     float64
	minObs  int
}

func NewRegime(cfg config.ValidationConfig) *Regime {
	return &Regime{
		states:  cfg.Regime.States,
		maxIter: cfg.Regime.MaxIterations,
		tol:     cfg.Regime.Tolerance,
		minObs:  cfg.Regime.MinObservations,
	}
}

func (r *Regime) Name() string { return models.LayerRegime }

func (r *Regime) Analyze(ctx context.Context, w models.DataBatch) models.LayerResult {
	obs := spreadSeries(w)
	if len(obs) < r.minObs {
		return insufficient(r.Name(), len(obs), r.minObs)
	}

	h, err := fitHMM(ctx, obs, r.states, r.maxIter, r.tol)
	if err != nil {
		return errorResult(r.Name(), err)
	}

	occupancy := h.occupancy()
	var score float64
	dwell := make([]float64, r.states)
	for k := 0; k < r.states; k++ {
		score += occupancy[k] * h.a[k][k]
		if h.a[k][k] >= 1 {
			dwell[k] = float64(len(obs))
		} else {
			dwell[k] = math.Min(1/(1-h.a[k][k]), float64(len(obs)))
		}
	}
	return models.LayerResult{
		Score:  score,
		Status: models.LayerOK,
		Diagnostics: map[string]any{
			"transition_matrix": h.a,
			"dwell_times":       dwell,
			"state_means":       h.mean,
			"state_variances":   h.vari,
			"occupancy":         occupancy,
			"log_likelihood":    h.loglik,
			"iterations":        h.iterations,
		},
	}
}

// spreadSeries uses the follower's spread covariate when reported, else the relative price gap.
func spreadSeries(w models.DataBatch) []float64 {
	a, b := w.Pair.Leader, w.Pair.Follower
	if a == "" || b == "" {
		ents := w.Entities()
		if len(ents) < 2 {
			return nil
		}
		a, b = ents[0], ents[1]
	}
	lead := make(map[int64]float64)
	for _, o := range w.Series(a) {
		lead[o.Timestamp.UnixNano()] = o.Price
	}
	var out []float64
	for _, o := range w.Series(b) {
		if s, ok := o.Covariate(models.CovariateSpread); ok {
			out = append(out, s)
			continue
		}
		pa, ok := lead[o.Timestamp.UnixNano()]
		if !ok || pa+o.Price <= 0 {
			continue
		}
		out = append(out, math.Abs(pa-o.Price)/((pa+o.Price)/2))
	}
	return out
}

type hmm struct {
	k          int
	pi         []float64
	a          [][]float64
	mean       []float64
	vari       []float64
	gamma      [][]float64
	loglik     float64
	iterations int
}

func (h *hmm) occupancy() []float64 {
	occ := make([]float64, h.k)
	for _, g := range h.gamma {
		for k, v := range g {
			occ[k] += v
		}
	}
	for k := range occ {
		occ[k] /= float64(len(h.gamma))
	}
	return occ
}

func fitHMM(ctx context.Context, x []float64, k, maxIter int, tol float64) (*hmm, error) {
	n := len(x)
	total, _ := stats.PopulationVariance(x)
	floor := math.Max(total*1e-4, 1e-12)

	h := &hmm{k: k, pi: make([]float64, k), a: make([][]float64, k), mean: make([]float64, k), vari: make([]float64, k)}
	for i := 0; i < k; i++ {
		h.pi[i] = 1 / float64(k)
		h.a[i] = make([]float64, k)
		for j := 0; j < k; j++ {
			if i == j {
				h.a[i][j] = 0.9
			} else {
				h.a[i][j] = 0.1 / float64(k-1)
			}
		}
		q, err := stats.Percentile(x, 100*(float64(i)+0.5)/float64(k))
		if err != nil {
			return nil, err
		}
		h.mean[i] = q
		h.vari[i] = math.Max(total/float64(k), floor)
	}

	alpha := matrix(n, k)
	beta := matrix(n, k)
	emit := matrix(n, k)
	scale := make([]float64, n)
	h.gamma = matrix(n, k)
	prevLL := math.Inf(-1)

	for it := 0; it < maxIter; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h.iterations = it + 1
		for t := 0; t < n; t++ {
			for i := 0; i < k; i++ {
				emit[t][i] = gaussian(x[t], h.mean[i], h.vari[i])
			}
		}

		// forward
		for t := 0; t < n; t++ {
			var s float64
			for j := 0; j < k; j++ {
				var v float64
				if t == 0 {
					v = h.pi[j]
				} else {
					for i := 0; i < k; i++ {
						v += alpha[t-1][i] * h.a[i][j]
					}
				}
				alpha[t][j] = v * emit[t][j]
				s += alpha[t][j]
			}
			if s <= 0 {
				s = 1e-300
			}
			scale[t] = s
			for j := 0; j < k; j++ {
				alpha[t][j] /= s
			}
		}
		// backward
		for j := 0; j < k; j++ {
			beta[n-1][j] = 1
		}
		for t := n - 2; t >= 0; t-- {
			for i := 0; i < k; i++ {
				var v float64
				for j := 0; j < k; j++ {
					v += h.a[i][j] * emit[t+1][j] * beta[t+1][j]
				}
				beta[t][i] = v / scale[t+1]
			}
		}

		var ll float64
		for _, s := range scale {
			ll += math.Log(s)
		}
		h.loglik = ll

		// re-estimate
		xiSum := matrix(k, k)
		gammaSum := make([]float64, k)
		for t := 0; t < n; t++ {
			var norm float64
			for i := 0; i < k; i++ {
				h.gamma[t][i] = alpha[t][i] * beta[t][i]
				norm += h.gamma[t][i]
			}
			for i := 0; i < k; i++ {
				h.gamma[t][i] /= norm
			}
			if t == n-1 {
				continue
			}
			var xnorm float64
			for i := 0; i < k; i++ {
				for j := 0; j < k; j++ {
					xnorm += alpha[t][i] * h.a[i][j] * emit[t+1][j] * beta[t+1][j]
				}
			}
			for i := 0; i < k; i++ {
				gammaSum[i] += h.gamma[t][i]
				for j := 0; j < k; j++ {
					xiSum[i][j] += alpha[t][i] * h.a[i][j] * emit[t+1][j] * beta[t+1][j] / xnorm
				}
			}
		}
		for i := 0; i < k; i++ {
			h.pi[i] = h.gamma[0][i]
			for j := 0; j < k; j++ {
				if gammaSum[i] > 0 {
					h.a[i][j] = xiSum[i][j] / gammaSum[i]
				}
			}
			var w, m, v float64
			for t := 0; t < n; t++ {
				w += h.gamma[t][i]
				m += h.gamma[t][i] * x[t]
			}
			if w <= 1e-12 {
				continue
			}
			m /= w
			for t := 0; t < n; t++ {
				d := x[t] - m
				v += h.gamma[t][i] * d * d
			}
			h.mean[i] = m
			h.vari[i] = math.Max(v/w, floor)
		}

		if math.Abs(ll-prevLL) < tol*math.Max(1, math.Abs(ll)) {
			break
		}
		prevLL = ll
	}
	return h, nil
}

func gaussian(x, mean, variance float64) float64 {
	d := x - mean
	v := math.Exp(-d*d/(2*variance)) / math.Sqrt(2*math.Pi*variance)
	if v < 1e-300 {
		return 1e-300
	}
	return v
}

func matrix(r, c int) [][]float64 {
	m := make([][]float64, r)
	for i := range m {
		m[i] = make([]float64, c)
	}
	return m
}
