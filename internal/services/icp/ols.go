package icp

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// design is the pooled regressor matrix with rows in time order.
type design struct {
	x    *mat.Dense
	p    int
	cols []string
}

// system caches the factorization of X'X for a subset of rows so repeated
// fits against resampled responses only need X'y and a triangular solve.
type system struct {
	rows []int
	chol mat.Cholesky
	xt   *mat.Dense // p x len(rows)
}

func newSystem(d *design, rows []int) (*system, error) {
	sub := mat.NewDense(len(rows), d.p, nil)
	for i, r := range rows {
		sub.SetRow(i, d.x.RawRowView(r))
	}
	var xtx mat.SymDense
	xtx.SymOuterK(1, sub.T())

	// tiny ridge keeps locally constant regressors solvable
	ridge := 1e-10 * mat.Trace(&xtx) / float64(d.p)
	if ridge == 0 {
		ridge = 1e-12
	}
	for i := 0; i < d.p; i++ {
		xtx.SetSym(i, i, xtx.At(i, i)+ridge)
	}

	s := &system{rows: rows}
	if ok := s.chol.Factorize(&xtx); !ok {
		return nil, fmt.Errorf("regressors are not positive definite (%d rows)", len(rows))
	}
	s.xt = mat.DenseCopyOf(sub.T())
	return s, nil
}

// solve returns coefficients for the response y (indexed like the pooled rows).
func (s *system) solve(y []float64) []float64 {
	sub := make([]float64, len(s.rows))
	for i, r := range s.rows {
		sub[i] = y[r]
	}
	var xty, beta mat.VecDense
	xty.MulVec(s.xt, mat.NewVecDense(len(sub), sub))
	if err := s.chol.SolveVecTo(&beta, &xty); err != nil {
		return make([]float64, s.xt.RawMatrix().Rows)
	}
	return beta.RawVector().Data
}

// predict returns x_r . beta for row r.
func (d *design) predict(r int, beta []float64) float64 {
	row := d.x.RawRowView(r)
	var v float64
	for j, b := range beta {
		v += row[j] * b
	}
	return v
}
