package models

import (
	"math"
	"time"
)

// Parameter indexes inside a theta vector.
const (
	ThetaBeta  = 0
	ThetaKappa = 1
	ThetaW     = 2
	ThetaDim   = 3
)

// ThetaNames labels theta components in diagnostics and bundles.
var ThetaNames = [ThetaDim]string{"beta", "kappa", "w"}

// Theta is a point value of (beta, kappa, w).
type Theta [ThetaDim]float64

func (t Theta) Beta() float64  { return t[ThetaBeta] }
func (t Theta) Kappa() float64 { return t[ThetaKappa] }
func (t Theta) W() float64     { return t[ThetaW] }

// ThetaPosterior is the mean-field Gaussian over theta.
type ThetaPosterior struct {
	Mean Theta `json:"mean"`
	Var  Theta `json:"var"`
}

// CoordinationIndex returns E[kappa] - |E[w]|.
func (p ThetaPosterior) CoordinationIndex() float64 {
	return CoordinationIndex(p.Mean)
}

// CoordinationIndex computes the index from a posterior mean.
func CoordinationIndex(mean Theta) float64 {
	return mean.Kappa() - math.Abs(mean.W())
}

// CI band names.
const (
	CIBandCompetitive  = "competitive"
	CIBandMonitoring   = "monitoring"
	CIBandCoordination = "coordination_evidence"
)

// MomentBlock names.
const (
	MomentOrthogonality = "orthogonality"
	MomentComovement    = "comovement"
	MomentVariance      = "variance"
	MomentLeadLag       = "lead_lag"
)

// MomentRange locates a block inside the stacked vector.
type MomentRange struct {
	Name  string `json:"name"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// MomentVector is the stacked moment output for one batch and theta.
type MomentVector struct {
	Values        []float64     `json:"values"`
	Blocks        []MomentRange `json:"blocks"`
	Environments  []string      `json:"environments"`
	N             int           `json:"n"`
	LowConfidence bool          `json:"low_confidence"`
	Reasons       []string      `json:"reasons,omitempty"`
}

// SquaredNorm returns the squared L2 norm of the stacked vector.
func (m MomentVector) SquaredNorm() float64 {
	var s float64
	for _, v := range m.Values {
		s += v * v
	}
	return s
}

// ICPStatus tracks the invariance tester state machine and its terminal outcome.
type ICPStatus string

const (
	ICPReady       ICPStatus = "READY"
	ICPFitting     ICPStatus = "FITTING"
	ICPTested      ICPStatus = "TESTED"
	ICPRejected    ICPStatus = "REJECTED"
	ICPNotRejected ICPStatus = "NOT_REJECTED"
	ICPNotTestable ICPStatus = "NOT_TESTABLE"
	ICPTimeout     ICPStatus = "TIMEOUT"
)

// EnvironmentFit is the per-environment regression summary.
type EnvironmentFit struct {
	Environment  string    `json:"environment"`
	N            int       `json:"n"`
	Coefficients []float64 `json:"coefficients"`
	Deviation    float64   `json:"deviation"`
}

// ICPResult is the outcome of one invariance test.
type ICPResult struct {
	Status           ICPStatus        `json:"status"`
	Reject           bool             `json:"reject"`
	TestStatistic    float64          `json:"test_statistic"`
	CriticalValue    float64          `json:"critical_value"`
	PValue           float64          `json:"p_value"`
	Alpha            float64          `json:"alpha"`
	NEnvironments    int              `json:"n_environments"`
	Excluded         []string         `json:"excluded,omitempty"`
	BootstrapSamples int              `json:"bootstrap_samples"`
	Pooled           []float64        `json:"pooled,omitempty"`
	Fits             []EnvironmentFit `json:"fits,omitempty"`
	Transitions      []ICPStatus      `json:"transitions,omitempty"`
}

// Testable reports whether a reject/not-reject decision was reached.
func (r ICPResult) Testable() bool {
	return r.Status == ICPRejected || r.Status == ICPNotRejected
}

// VMMStatus is the terminal status of an update.
type VMMStatus string

const (
	VMMOK                 VMMStatus = "OK"
	VMMEstimationUnstable VMMStatus = "ESTIMATION_UNSTABLE"
	VMMTimeout            VMMStatus = "TIMEOUT"
	VMMInsufficientData   VMMStatus = "INSUFFICIENT_DATA"
)

// VMMState is the per-partition variational estimator state carried across cycles.
type VMMState struct {
	Posterior     ThetaPosterior `json:"posterior"`
	Prior         ThetaPosterior `json:"prior"`
	Elbo          float64        `json:"elbo"`
	Objective     float64        `json:"objective"`
	Converged     bool           `json:"converged"`
	Criterion     string         `json:"criterion,omitempty"`
	Iterations    int            `json:"iterations"`
	Retries       int            `json:"retries"`
	PriorScale    float64        `json:"prior_scale"`
	Status        VMMStatus      `json:"status"`
	Cycle         int64          `json:"cycle"`
	Reset         bool           `json:"reset"`
	LowConfidence bool           `json:"low_confidence"`
	LastUpdate    time.Time      `json:"last_update"`
}

// CoordinationIndex returns the index from the current posterior.
func (s VMMState) CoordinationIndex() float64 { return s.Posterior.CoordinationIndex() }

// Initialized reports whether the state has been through at least one update.
func (s VMMState) Initialized() bool { return !s.LastUpdate.IsZero() }
