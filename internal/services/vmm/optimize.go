package vmm

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"CoordScope/internal/domain/models"
	"CoordScope/internal/services/moments"
)

const (
	criterionGradient = "gradient_norm"
	criterionElbo     = "elbo_plateau"
	criterionMaxIter  = "max_iterations"
	criterionTimeout  = "timeout"
)

type settings struct {
	lambda  float64
	lr0     float64
	lrDecay float64
	maxIter int
	window  int
	gradTol float64
	elboTol float64
}

type outcome struct {
	q          models.ThetaPosterior
	elbo       float64
	objective  float64
	iterations int
	converged  bool
	criterion  string
	lowConf    bool
}

// optimize runs damped natural-gradient steps on
// F(q) = E_q[Q]/lambda + KL(q || prior), with E_q[Q] ~ Q(mu) + tr(H diag(v))/2.
func optimize(ctx context.Context, lib *moments.Library, d models.Design, prior models.ThetaPosterior, s settings) outcome {
	mu := prior.Mean
	pp := make([]float64, models.ThetaDim)
	prec := make([]float64, models.ThetaDim)
	for j := range pp {
		pp[j] = 1 / prior.Var[j]
		prec[j] = pp[j]
	}

	best := outcome{elbo: math.Inf(-1)}
	history := make([]float64, 0, s.maxIter)
	out := outcome{criterion: criterionMaxIter}

	for t := 0; t < s.maxIter; t++ {
		if ctx.Err() != nil {
			best.criterion = criterionTimeout
			best.iterations = t
			if math.IsInf(best.elbo, -1) {
				best.q = posterior(mu, prec)
				best.elbo, best.objective, best.lowConf = evaluate(lib, d, prior, mu, prec, s.lambda)
			}
			return best
		}
		eta := s.lr0 / (1 + s.lrDecay*float64(t))

		m, J := jacobian(lib, d, mu)
		var H mat.SymDense
		H.SymOuterK(2, J.T())
		var gQ mat.VecDense
		gQ.MulVec(J.T(), m)
		gQ.ScaleVec(2, &gQ)

		A := mat.NewSymDense(models.ThetaDim, nil)
		gF := make([]float64, models.ThetaDim)
		for i := 0; i < models.ThetaDim; i++ {
			for j := i; j < models.ThetaDim; j++ {
				A.SetSym(i, j, H.At(i, j)/s.lambda)
			}
			A.SetSym(i, i, A.At(i, i)+pp[i])
			gF[i] = gQ.AtVec(i)/s.lambda + pp[i]*(mu[i]-prior.Mean[i])
		}
		var chol mat.Cholesky
		step := mat.NewVecDense(models.ThetaDim, nil)
		if chol.Factorize(A) {
			if err := chol.SolveVecTo(step, mat.NewVecDense(models.ThetaDim, gF)); err != nil {
				step = scaledGradient(gF, prec)
			}
		} else {
			step = scaledGradient(gF, prec)
		}
		stepNorm := floats.Norm(step.RawVector().Data, 2)

		if stepNorm < s.gradTol {
			out.converged = true
			out.criterion = criterionGradient
			out.iterations = t
			out.q = posterior(mu, prec)
			out.elbo, out.objective, out.lowConf = evaluate(lib, d, prior, mu, prec, s.lambda)
			return out
		}

		for j := 0; j < models.ThetaDim; j++ {
			mu[j] -= eta * step.AtVec(j)
			prec[j] = (1-eta)*prec[j] + eta*(H.At(j, j)/s.lambda+pp[j])
		}

		elbo, obj, low := evaluate(lib, d, prior, mu, prec, s.lambda)
		if math.IsNaN(elbo) || math.IsInf(elbo, 0) {
			out.iterations = t + 1
			break
		}
		if elbo > best.elbo {
			best = outcome{q: posterior(mu, prec), elbo: elbo, objective: obj, lowConf: low}
		}
		history = append(history, elbo)
		if len(history) > s.window {
			prev := history[len(history)-1-s.window]
			rel := math.Abs(elbo-prev) / math.Max(math.Abs(prev), 1e-12)
			if rel < s.elboTol {
				out.converged = true
				out.criterion = criterionElbo
				out.iterations = t + 1
				out.q = posterior(mu, prec)
				out.elbo, out.objective, out.lowConf = elbo, obj, low
				return out
			}
		}
		out.iterations = t + 1
	}

	// not converged: report the best iterate
	best.converged = false
	best.criterion = criterionMaxIter
	best.iterations = out.iterations
	if math.IsInf(best.elbo, -1) {
		best.q = posterior(mu, prec)
		best.elbo, best.objective, best.lowConf = evaluate(lib, d, prior, mu, prec, s.lambda)
	}
	return best
}

func scaledGradient(g, prec []float64) *mat.VecDense {
	v := mat.NewVecDense(len(g), nil)
	for i := range g {
		v.SetVec(i, g[i]/prec[i])
	}
	return v
}

func posterior(mu models.Theta, prec []float64) models.ThetaPosterior {
	var p models.ThetaPosterior
	p.Mean = mu
	for j := range prec {
		p.Var[j] = 1 / prec[j]
	}
	return p
}

// evaluate returns the ELBO (negated F), the moment objective at mu and its low-confidence flag.
func evaluate(lib *moments.Library, d models.Design, prior models.ThetaPosterior, mu models.Theta, prec []float64, lambda float64) (float64, float64, bool) {
	mv := lib.Compute(d, mu)
	q := mv.SquaredNorm()
	_, J := jacobian(lib, d, mu)
	var trace float64
	for j := 0; j < models.ThetaDim; j++ {
		col := mat.Col(nil, j, J)
		trace += 2 * floats.Dot(col, col) / prec[j]
	}
	expQ := q + 0.5*trace
	return -(expQ/lambda + kl(mu, prec, prior)), q, mv.LowConfidence
}

// kl is KL(N(mu, 1/prec) || prior) for diagonal Gaussians.
func kl(mu models.Theta, prec []float64, prior models.ThetaPosterior) float64 {
	var s float64
	for j := range prec {
		vq := 1 / prec[j]
		vp := prior.Var[j]
		dm := prior.Mean[j] - mu[j]
		s += vq/vp + dm*dm/vp - 1 + math.Log(vp/vq)
	}
	return 0.5 * s
}

// jacobian returns m(mu) and dm/dtheta by central differences.
func jacobian(lib *moments.Library, d models.Design, mu models.Theta) (*mat.VecDense, *mat.Dense) {
	base := lib.Compute(d, mu).Values
	J := mat.NewDense(len(base), models.ThetaDim, nil)
	for j := 0; j < models.ThetaDim; j++ {
		h := 1e-6 * math.Max(1, math.Abs(mu[j]))
		up, dn := mu, mu
		up[j] += h
		dn[j] -= h
		vu := lib.Compute(d, up).Values
		vd := lib.Compute(d, dn).Values
		for i := range base {
			J.Set(i, j, (vu[i]-vd[i])/(2*h))
		}
	}
	return mat.NewVecDense(len(base), base), J
}
