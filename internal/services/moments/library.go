package moments

import (
	"fmt"
	"math"

	"CoordScope/internal/domain/models"
	"CoordScope/pkg/config"
)

// Baselines are the environment-conditioned reference functions of the moment conditions.
type Baselines struct {
	// G is the expected co-movement slope in an environment with standardized level z.
	G func(th models.Theta, z float64) float64
	// H is the expected residual variance given the pooled residual variance.
	H func(th models.Theta, pooled float64) float64
	// R is the expected follower response to the previous leader move.
	R func(th models.Theta) float64
}

// NewBaselines builds the baseline functions selected by cfg.
func NewBaselines(cfg config.MomentsConfig) Baselines {
	b := Baselines{
		G: func(th models.Theta, z float64) float64 { return th.Kappa() + th.W()*z },
		H: func(_ models.Theta, pooled float64) float64 { return pooled },
		R: func(th models.Theta) float64 { return cfg.LagRatio * th.Kappa() },
	}
	if cfg.Comovement == "constant" {
		b.G = func(th models.Theta, _ float64) float64 { return th.Kappa() }
	}
	if cfg.Variance == "constant" {
		sigma2 := cfg.Sigma2
		b.H = func(models.Theta, float64) float64 { return sigma2 }
	}
	return b
}

// Library computes the stacked moment vector. It holds no mutable state.
type Library struct {
	cfg  config.MomentsConfig
	base Baselines
}

func NewLibrary(cfg config.MomentsConfig) *Library {
	return &Library{cfg: cfg, base: NewBaselines(cfg)}
}

// WithBaselines returns a library using custom baseline functions.
func (l *Library) WithBaselines(b Baselines) *Library {
	return &Library{cfg: l.cfg, base: b}
}

// Len returns the stacked vector length for k environments.
func Len(k int) int {
	if k < 1 {
		k = 1
	}
	return 2 + 2*k + 1
}

// Compute evaluates all moment conditions for d at th. Every average is weighted by
// Sample.W, so unweighted designs give plain means. Degenerate input yields zero entries with LowConfidence set, never NaN.
func (l *Library) Compute(d models.Design, th models.Theta) models.MomentVector {
	envs := d.Environments()
	k := len(envs)
	if k == 0 {
		envs = []string{""}
		k = 1
	}
	mv := models.MomentVector{
		Values:       make([]float64, Len(k)),
		Environments: envs,
		N:            d.Len(),
		Blocks: []models.MomentRange{
			{Name: models.MomentOrthogonality, Start: 0, End: 2},
			{Name: models.MomentComovement, Start: 2, End: 2 + k},
			{Name: models.MomentVariance, Start: 2 + k, End: 2 + 2*k},
			{Name: models.MomentLeadLag, Start: 2 + 2*k, End: 3 + 2*k},
		},
	}

	n := d.Len()
	if n < 2 {
		return lowConfidence(mv, fmt.Sprintf("%v: %d rows", models.ErrDegenerateInput, n))
	}
	s := d.Samples
	var sw, sx, sxx float64
	for _, r := range s {
		wt := r.W()
		sw += wt
		sx += wt * r.X
		sxx += wt * r.X * r.X
	}
	varX := sxx/sw - (sx/sw)*(sx/sw)
	if varX <= 1e-18 {
		return lowConfidence(mv, fmt.Sprintf("%v: zero variance in leader changes", models.ErrDegenerateInput))
	}

	resid := make([]float64, n)
	var m1c, m1x, rsum, rsum2 float64
	for i, r := range s {
		e := r.Y - th.Beta()*r.Cost - (th.Kappa()+th.W()*r.Z)*r.X
		resid[i] = e
		wt := r.W()
		m1c += wt * e * r.Cost
		m1x += wt * e * r.X
		rsum += wt * e
		rsum2 += wt * e * e
	}
	w := l.cfg.Weights
	mv.Values[0] = w.Orthogonality * m1c / sw
	mv.Values[1] = w.Orthogonality * m1x / sw
	pooledVar := rsum2/sw - (rsum/sw)*(rsum/sw)
	h := l.base.H(th, pooledVar)

	type acc struct {
		n                       int
		sw, xy, xx, z, esum, ee float64
	}
	byEnv := make(map[string]*acc, k)
	for _, e := range envs {
		byEnv[e] = &acc{}
	}
	for i, r := range s {
		a := byEnv[r.Env]
		if a == nil {
			continue
		}
		wt := r.W()
		a.n++
		a.sw += wt
		a.xy += wt * r.X * (r.Y - th.Beta()*r.Cost)
		a.xx += wt * r.X * r.X
		a.z += wt * r.Z
		a.esum += wt * resid[i]
		a.ee += wt * resid[i] * resid[i]
	}
	for j, e := range envs {
		a := byEnv[e]
		if a.n < 2 {
			mv.LowConfidence = true
			mv.Reasons = append(mv.Reasons, fmt.Sprintf("environment %q has %d rows", e, a.n))
			continue
		}
		mean := a.esum / a.sw
		mv.Values[2+j] = w.Comovement * (a.xy/a.sw - l.base.G(th, a.z/a.sw)*a.xx/a.sw)
		mv.Values[2+k+j] = w.Variance * (a.ee/a.sw - mean*mean - h)
	}

	tau := l.cfg.LeadLagScale * math.Sqrt(varX)
	r := l.base.R(th)
	var ll, lw float64
	for i := 0; i+1 < n; i++ {
		if math.Abs(s[i].X) <= tau {
			continue
		}
		sign := 1.0
		if s[i].X < 0 {
			sign = -1
		}
		wt := s[i].W()
		ll += wt * sign * (s[i+1].Y - r*s[i].X)
		lw += wt
	}
	if lw > 0 {
		mv.Values[2+2*k] = w.LeadLag * ll / lw
	}

	for i, v := range mv.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			mv.Values[i] = 0
			mv.LowConfidence = true
			mv.Reasons = append(mv.Reasons, fmt.Sprintf("non-finite moment at %d", i))
		}
	}
	return mv
}

func lowConfidence(mv models.MomentVector, reason string) models.MomentVector {
	mv.LowConfidence = true
	mv.Reasons = append(mv.Reasons, reason)
	return mv
}

// Objective returns the squared L2 norm of the stacked moments.
func (l *Library) Objective(d models.Design, th models.Theta) float64 {
	return l.Compute(d, th).SquaredNorm()
}
