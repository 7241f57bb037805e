package models

import "time"

// LayerStatus is the status reported by a validation layer.
type LayerStatus string

const (
	LayerOK               LayerStatus = "OK"
	LayerInsufficientData LayerStatus = "INSUFFICIENT_DATA"
	LayerError            LayerStatus = "ERROR"
)

// Validation layer names.
const (
	LayerLeadLag   = "lead_lag"
	LayerMirroring = "mirroring"
	LayerRegime    = "regime"
	LayerInfoFlow  = "information_flow"
)

// LayerResult is the shared output of every validation layer.
type LayerResult struct {
	Layer       string         `json:"layer"`
	Score       float64        `json:"score"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
	Status      LayerStatus    `json:"status"`
	Error       string         `json:"error,omitempty"`
}

// Band is the risk band.
type Band string

const (
	BandLow   Band = "LOW"
	BandAmber Band = "AMBER"
	BandRed   Band = "RED"
)

// RiskComponents breaks the score into its weighted inputs (each in [0,1]).
type RiskComponents struct {
	Invariance float64 `json:"invariance"`
	CI         float64 `json:"ci"`
	Layers     float64 `json:"layers"`
}

// RiskOutput is the per-cycle aggregated risk.
type RiskOutput struct {
	Partition       PartitionKey   `json:"partition"`
	Window          TimeWindow     `json:"window"`
	Score           int            `json:"score"`
	Band            Band           `json:"band"`
	Confidence      float64        `json:"confidence"`
	CoordinationIdx float64        `json:"coordination_index"`
	CIBand          string         `json:"ci_band"`
	Components      RiskComponents `json:"components"`
	Degraded        bool           `json:"degraded"`
	DegradedFactor  float64        `json:"degraded_factor"`
	EffectiveDelta  float64        `json:"effective_delta"`
	ConfidenceNotes []string       `json:"confidence_notes,omitempty"`
	ComputedAt      time.Time      `json:"computed_at"`
}

// CycleStatus is the status of one monitoring cycle.
type CycleStatus string

const (
	CycleOK      CycleStatus = "OK"
	CyclePartial CycleStatus = "PARTIAL"
	CycleTimeout CycleStatus = "TIMEOUT"
)

// CycleResult carries everything one cycle produced.
type CycleResult struct {
	Partition PartitionKey      `json:"partition"`
	Status    CycleStatus       `json:"status"`
	Labeling  Labeling          `json:"-"`
	Moments   MomentVector      `json:"moments"`
	ICP       ICPResult         `json:"icp"`
	VMM       VMMState          `json:"vmm"`
	Layers    []LayerResult     `json:"layers"`
	Risk      RiskOutput        `json:"risk"`
	Bundle    *EvidenceBundle   `json:"bundle,omitempty"`
	Errors    map[string]string `json:"errors,omitempty"`
	Duration  time.Duration     `json:"duration"`
}

// Health carries data-quality signals consumed by the degraded-mode controller.
type Health struct {
	At                time.Time `json:"at"`
	ConvergenceFailed bool      `json:"convergence_failed"`
	MissingRatio      float64   `json:"missing_ratio"`
	ExplainedVariance float64   `json:"explained_variance"`
}

// DegradedMode is the threshold adjustment currently in force for a partition.
type DegradedMode struct {
	Active   bool     `json:"active"`
	Factor   float64  `json:"factor"`
	Triggers []string `json:"triggers,omitempty"`
}
