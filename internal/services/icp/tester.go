package icp

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"CoordScope/internal/domain/models"
	"CoordScope/internal/domain/service"
	"CoordScope/pkg/config"
	"CoordScope/pkg/logger"

	"gonum.org/v1/gonum/mat"
)

var _ service.InvarianceTester = (*Tester)(nil)

// minReplicates is the fewest bootstrap replicates a timed-out test may report from.
const minReplicates = 20

// Tester runs invariant causal prediction over environment partitions.
type Tester struct {
	cfg config.ICPConfig
	log *logger.Logger
}

func NewTester(cfg config.ICPConfig, log *logger.Logger) *Tester {
	if log == nil {
		log = logger.Nop()
	}
	return &Tester{cfg: cfg, log: log.With(logger.String("component", "icp"))}
}

type run struct {
	res models.ICPResult
}

func (r *run) to(s models.ICPStatus) {
	r.res.Status = s
	r.res.Transitions = append(r.res.Transitions, s)
}

type row struct {
	env int
	s   models.Sample
}

// Test fits per-environment and pooled response models and bootstraps the
// sup-norm deviation statistic under the invariance hypothesis.
// Rejection is the competitive signal; non-rejection is coordination-consistent.
func (t *Tester) Test(ctx context.Context, parts map[string]models.Design, alpha float64) models.ICPResult {
	if alpha <= 0 || alpha >= 1 {
		alpha = t.cfg.Alpha
	}
	r := &run{res: models.ICPResult{Alpha: alpha}}
	r.to(models.ICPReady)

	names := make([]string, 0, len(parts))
	for name := range parts {
		names = append(names, name)
	}
	sort.Strings(names)

	var valid []string
	for _, name := range names {
		if parts[name].Len() >= t.cfg.MinSamples {
			valid = append(valid, name)
		} else {
			r.res.Excluded = append(r.res.Excluded, name)
		}
	}
	r.res.NEnvironments = len(valid)
	if len(valid) < 2 {
		r.to(models.ICPNotTestable)
		t.log.Debug("icp not testable",
			logger.Int("valid_environments", len(valid)),
			logger.Strings("excluded", r.res.Excluded))
		return r.res
	}

	r.to(models.ICPFitting)
	var rows []row
	for i, name := range valid {
		for _, s := range parts[name].Samples {
			rows = append(rows, row{env: i, s: s})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].s.Timestamp.Before(rows[j].s.Timestamp) })

	d, y := buildDesign(rows)
	pooled, err := newSystem(d, seq(len(rows)))
	if err != nil {
		t.log.Warn("icp pooled fit failed", logger.Error(err))
		r.to(models.ICPNotTestable)
		return r.res
	}
	envRows := make([][]int, len(valid))
	for i, rw := range rows {
		envRows[rw.env] = append(envRows[rw.env], i)
	}
	envSys := make([]*system, len(valid))
	for e := range valid {
		if envSys[e], err = newSystem(d, envRows[e]); err != nil {
			t.log.Warn("icp environment fit failed", logger.String("environment", valid[e]), logger.Error(err))
			r.to(models.ICPNotTestable)
			return r.res
		}
	}

	stat := func(y []float64) (float64, []float64, [][]float64, []float64) {
		bp := pooled.solve(y)
		var rss float64
		for i := range y {
			e := y[i] - d.predict(i, bp)
			rss += e * e
		}
		dof := float64(len(y) - d.p)
		sigma := math.Sqrt(rss / math.Max(dof, 1))
		if sigma <= 1e-15 {
			sigma = 1e-15
		}
		betas := make([][]float64, len(envSys))
		devs := make([]float64, len(envSys))
		var sup float64
		for e, sys := range envSys {
			be := sys.solve(y)
			betas[e] = be
			var ss float64
			for _, i := range sys.rows {
				diff := d.predict(i, be) - d.predict(i, bp)
				ss += diff * diff
			}
			ne := float64(len(sys.rows))
			devs[e] = math.Sqrt(ne) * math.Sqrt(ss/ne) / sigma
			if devs[e] > sup {
				sup = devs[e]
			}
		}
		return sup, bp, betas, devs
	}

	T, bp, betas, devs := stat(y)
	r.res.TestStatistic = T
	r.res.Pooled = bp
	for e, name := range valid {
		r.res.Fits = append(r.res.Fits, models.EnvironmentFit{
			Environment:  name,
			N:            len(envRows[e]),
			Coefficients: betas[e],
			Deviation:    devs[e],
		})
	}
	r.to(models.ICPTested)

	fitted := make([]float64, len(y))
	resid := make([]float64, len(y))
	for i := range y {
		fitted[i] = d.predict(i, bp)
		resid[i] = y[i] - fitted[i]
	}

	block := t.cfg.BlockLength
	if block <= 0 {
		block = int(math.Ceil(math.Cbrt(float64(len(y)))))
	}
	rng := rand.New(rand.NewSource(t.cfg.Seed))
	B := t.cfg.BootstrapSamples
	reps := make([]float64, 0, B)
	ystar := make([]float64, len(y))
	timedOut := false
	for b := 0; b < B; b++ {
		if b%16 == 0 && ctx.Err() != nil {
			timedOut = true
			break
		}
		estar := blockResample(rng, resid, block)
		for i := range ystar {
			ystar[i] = fitted[i] + estar[i]
		}
		ts, _, _, _ := stat(ystar)
		reps = append(reps, ts)
	}
	r.res.BootstrapSamples = len(reps)

	if len(reps) == 0 {
		r.to(models.ICPTimeout)
		return r.res
	}
	r.res.CriticalValue = quantile(reps, 1-alpha)
	exceed := 0
	for _, v := range reps {
		if v >= T {
			exceed++
		}
	}
	r.res.PValue = float64(1+exceed) / float64(len(reps)+1)
	r.res.Reject = T > r.res.CriticalValue

	if timedOut {
		if len(reps) < minReplicates {
			r.res.Reject = false
		}
		r.to(models.ICPTimeout)
		t.log.Warn("icp bootstrap cut short",
			logger.Int("replicates", len(reps)),
			logger.Int("requested", B))
		return r.res
	}

	if r.res.Reject {
		r.to(models.ICPRejected)
	} else {
		r.to(models.ICPNotRejected)
	}
	t.log.Debug("icp tested",
		logger.Float64("statistic", T),
		logger.Float64("critical_value", r.res.CriticalValue),
		logger.Float64("p_value", r.res.PValue),
		logger.Bool("reject", r.res.Reject))
	return r.res
}

// buildDesign lays out [1, cost, x]; cost is dropped when it never varies.
func buildDesign(rows []row) (*design, []float64) {
	useCost := false
	for _, rw := range rows[1:] {
		if rw.s.Cost != rows[0].s.Cost {
			useCost = true
			break
		}
	}
	cols := []string{"intercept", "x"}
	if useCost {
		cols = []string{"intercept", "cost", "x"}
	}
	p := len(cols)
	x := mat.NewDense(len(rows), p, nil)
	y := make([]float64, len(rows))
	for i, rw := range rows {
		x.Set(i, 0, 1)
		if useCost {
			x.Set(i, 1, rw.s.Cost)
		}
		x.Set(i, p-1, rw.s.X)
		y[i] = rw.s.Y
	}
	return &design{x: x, p: p, cols: cols}, y
}

// blockResample draws circular moving blocks of resid until n values are filled.
func blockResample(rng *rand.Rand, resid []float64, block int) []float64 {
	n := len(resid)
	out := make([]float64, 0, n)
	for len(out) < n {
		start := rng.Intn(n)
		for j := 0; j < block && len(out) < n; j++ {
			out = append(out, resid[(start+j)%n])
		}
	}
	return out
}

func quantile(vals []float64, q float64) float64 {
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	idx := int(math.Ceil(q*float64(len(s)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s) {
		idx = len(s) - 1
	}
	return s[idx]
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
