package models

import "time"

// ThetaSummary is the exported view of the posterior.
type ThetaSummary struct {
	Mean map[string]float64 `json:"mean"`
	Var  map[string]float64 `json:"var"`
	CI   float64            `json:"coordination_index"`
}

// VMMOutputs is the estimator section of a bundle.
type VMMOutputs struct {
	ThetaPosteriorSummary ThetaSummary `json:"theta_posterior_summary"`
	Elbo                  float64      `json:"elbo"`
	Converged             bool         `json:"converged"`
	Status                VMMStatus    `json:"status"`
	Iterations            int          `json:"iterations"`
	Retries               int          `json:"retries"`
}

// ICPOutputs is the invariance section of a bundle.
type ICPOutputs struct {
	Reject        bool      `json:"reject"`
	PValue        float64   `json:"p_value"`
	Status        ICPStatus `json:"status"`
	TestStatistic float64   `json:"test_statistic"`
	CriticalValue float64   `json:"critical_value"`
	NEnvironments int       `json:"n_environments"`
}

// GoldenMetrics summarises a calibration run on synthetic datasets with known ground truth.
type GoldenMetrics struct {
	Scenario string  `json:"scenario"`
	Reject   bool    `json:"reject"`
	PValue   float64 `json:"p_value"`
	CI       float64 `json:"coordination_index"`
	Band     Band    `json:"band"`
	Expected string  `json:"expected"`
	Passed   bool    `json:"passed"`
}

// Provenance records what is needed to reproduce a bundle.
type Provenance struct {
	ConfigHash    string          `json:"config_hash"`
	Config        map[string]any  `json:"config"`
	DataChecksum  string          `json:"data_checksum"`
	Observations  int             `json:"observations"`
	Seed          int64           `json:"seed"`
	EngineVersion string          `json:"engine_version"`
	Golden        []GoldenMetrics `json:"golden,omitempty"`
}

// EvidenceBundle binds one risk output to its provenance. Immutable once built.
type EvidenceBundle struct {
	BundleID               string        `json:"bundle_id"`
	CreationTimestamp      time.Time     `json:"creation_timestamp"`
	Partition              PartitionKey  `json:"partition"`
	AnalysisWindow         TimeWindow    `json:"analysis_window"`
	VMMOutputs             VMMOutputs    `json:"vmm_outputs"`
	ICPOutputs             ICPOutputs    `json:"icp_outputs"`
	ValidationLayerOutputs []LayerResult `json:"validation_layer_outputs"`
	RiskScore              int           `json:"risk_score"`
	RiskBand               Band          `json:"risk_band"`
	Confidence             float64       `json:"confidence"`
	CycleStatus            CycleStatus   `json:"cycle_status"`
	Provenance             Provenance    `json:"provenance"`
	Checksum               string        `json:"checksum"`
}
