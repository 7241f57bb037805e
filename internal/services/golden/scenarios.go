package golden

import (
	"math"
	"math/rand"
	"strconv"
	"time"

	"gonum.org/v1/gonum/mat"

	"CoordScope/internal/domain/models"
)

// Expected outcomes of a scenario.
const (
	ExpectCompetitive = "competitive"
	ExpectCoordinated = "coordinated"
	ExpectNotTestable = "not_testable"
)

const (
	Market   = "golden"
	Leader   = "leader"
	Follower = "follower"

	leaderSD = 0.01
	costSD   = 0.005
	depth    = 3
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Scenario describes a synthetic pair with known ground truth. Each environment
// is a contiguous block of rows with a constant funding level.
type Scenario struct {
	Name   string
	Expect string
	// Sizes holds the number of return rows per environment.
	Sizes []int
	// Slopes holds the follower response to the leader per environment.
	Slopes []float64
	Beta   float64
	// Noise is the follower noise sd as a fraction of the leader return sd.
	Noise float64
	// Orthogonal removes in-sample correlation between noise and regressors per environment.
	Orthogonal bool
	// Mirrored makes the follower copy the leader's depth profile.
	Mirrored bool
	Seed     int64
}

// Competitive: the response varies with the funding environment.
func Competitive() Scenario {
	return Scenario{
		Name:   "competitive",
		Expect: ExpectCompetitive,
		Sizes:  []int{334, 334, 334},
		Slopes: []float64{-0.2, 0.3, 0.8},
		Beta:   0.1,
		Noise:  0.5,
		Seed:   7,
	}
}

// Coordinated: a strong response that is identical across environments.
func Coordinated() Scenario {
	return Scenario{
		Name:       "coordinated",
		Expect:     ExpectCoordinated,
		Sizes:      []int{334, 334, 334},
		Slopes:     []float64{0.8, 0.8, 0.8},
		Beta:       0.1,
		Noise:      0.5,
		Orthogonal: true,
		Mirrored:   true,
		Seed:       11,
	}
}

// Insufficient: one environment is too small to be tested.
func Insufficient() Scenario {
	return Scenario{
		Name:   "insufficient",
		Expect: ExpectNotTestable,
		Sizes:  []int{334, 40},
		Slopes: []float64{0.5, 0.5},
		Beta:   0.1,
		Noise:  0.5,
		Seed:   13,
	}
}

// Scenarios returns the calibration set.
func Scenarios() []Scenario {
	return []Scenario{Competitive(), Coordinated(), Insufficient()}
}

// Pair returns the entity pair every scenario is generated for.
func Pair() models.EntityPair { return models.EntityPair{Leader: Leader, Follower: Follower} }

// Generate renders the scenario as a batch of minute observations.
func Generate(s Scenario) models.DataBatch {
	rng := rand.New(rand.NewSource(s.Seed))
	k := len(s.Sizes)
	fund := func(e int) float64 { return float64(e) - float64(k-1)/2 }

	batch := models.DataBatch{Market: Market, Pair: Pair()}
	pL, pF, cL, cF := 100.0, 100.0, 1.0, 1.0
	ts := epoch
	emit := func(f float64) {
		lp := profile(rng)
		fp := lp
		if !s.Mirrored {
			fp = profile(rng)
		}
		batch.Observations = append(batch.Observations,
			observation(ts, Leader, pL, 1000+200*rng.Float64(), f, cL, lp),
			observation(ts, Follower, pF, 1000+200*rng.Float64(), f, cF, fp),
		)
		ts = ts.Add(time.Minute)
	}
	emit(fund(0))

	for e, n := range s.Sizes {
		x, c, eps := make([]float64, n), make([]float64, n), make([]float64, n)
		for i := 0; i < n; i++ {
			x[i] = leaderSD * rng.NormFloat64()
			c[i] = costSD * rng.NormFloat64()
			eps[i] = s.Noise * leaderSD * rng.NormFloat64()
		}
		if s.Orthogonal {
			eps = residualize(eps, c, x)
		}
		for i := 0; i < n; i++ {
			y := s.Beta*c[i] + s.Slopes[e]*x[i] + eps[i]
			pL *= math.Exp(x[i])
			pF *= math.Exp(y)
			cF += c[i]
			cL += costSD * rng.NormFloat64()
			emit(fund(e))
		}
	}
	return batch
}

func observation(ts time.Time, entity string, price, volume, funding, cost float64, prof []float64) models.Observation {
	cov := map[string]float64{
		models.CovariateFunding: funding,
		models.CovariateCost:    cost,
	}
	for i, v := range prof {
		cov[models.CovariateDepthPrefix+strconv.Itoa(i+1)] = v
	}
	return models.Observation{
		Timestamp:  ts,
		Market:     Market,
		EntityID:   entity,
		Price:      price,
		Volume:     volume,
		Covariates: cov,
	}
}

func profile(rng *rand.Rand) []float64 {
	out := make([]float64, depth)
	for i := range out {
		out[i] = 100 * (0.2 + rng.Float64())
	}
	return out
}

// residualize returns the OLS residual of y on [1, a, b].
func residualize(y, a, b []float64) []float64 {
	n := len(y)
	x := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		x.Set(i, 0, 1)
		x.Set(i, 1, a[i])
		x.Set(i, 2, b[i])
	}
	var coef mat.VecDense
	if err := coef.SolveVec(x, mat.NewVecDense(n, y)); err != nil {
		return y
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = y[i] - coef.AtVec(0) - coef.AtVec(1)*a[i] - coef.AtVec(2)*b[i]
	}
	return out
}
