package models

import (
	"sort"
	"time"
)

// Partitioning dimensions produced by the environment labeler.
const (
	DimVolatility   = "volatility"
	DimFunding      = "funding"
	DimFundingShock = "funding_shock"
	DimLiquidity    = "liquidity"
)

// DimensionStatus values.
const (
	DimensionOK               = "ok"
	DimensionInsufficientData = "insufficient_data"
)

// Bucket is one environment value along a dimension. Level orders buckets (low < mid < high).
type Bucket struct {
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// EnvironmentLabel attaches one bucket per usable dimension to a time bucket.
type EnvironmentLabel struct {
	Timestamp time.Time         `json:"timestamp"`
	Buckets   map[string]Bucket `json:"buckets"`
}

// DimensionStatus summarises one labeling dimension for a call.
type DimensionStatus struct {
	Status            string    `json:"status"`
	Count             int       `json:"count"`
	Cuts              []float64 `json:"cuts,omitempty"`
	ExplainedVariance float64   `json:"explained_variance"`
}

// Labeling is the output of a labeler call. Labels are ordered by timestamp.
type Labeling struct {
	Labels     []EnvironmentLabel         `json:"labels"`
	Dimensions map[string]DimensionStatus `json:"dimensions"`
}

// Usable reports whether dim has labels for this call.
func (l Labeling) Usable(dim string) bool {
	st, ok := l.Dimensions[dim]
	return ok && st.Status == DimensionOK
}

// At returns the label for ts.
func (l Labeling) At(ts time.Time) (EnvironmentLabel, bool) {
	i := sort.Search(len(l.Labels), func(i int) bool { return !l.Labels[i].Timestamp.Before(ts) })
	if i < len(l.Labels) && l.Labels[i].Timestamp.Equal(ts) {
		return l.Labels[i], true
	}
	return EnvironmentLabel{}, false
}

// Sample is one aligned row of the leader/follower response regression.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Cost      float64   `json:"cost"`
	Env       string    `json:"env"`
	Level     int       `json:"level"`
	Z         float64   `json:"z"`
	// Weight scales the row in every moment average. Zero counts as 1.
	Weight float64 `json:"weight,omitempty"`
}

// W returns the effective row weight.
func (s Sample) W() float64 {
	if s.Weight <= 0 {
		return 1
	}
	return s.Weight
}

// Design is the regression view of a batch along one dimension.
type Design struct {
	Dimension    string   `json:"dimension"`
	Samples      []Sample `json:"samples"`
	MissingRatio float64  `json:"missing_ratio"`
}

// Len returns the number of rows.
func (d Design) Len() int { return len(d.Samples) }

// Environments returns distinct env names ordered by level then name.
func (d Design) Environments() []string {
	level := make(map[string]int)
	for _, s := range d.Samples {
		level[s.Env] = s.Level
	}
	out := make([]string, 0, len(level))
	for e := range level {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if level[out[i]] != level[out[j]] {
			return level[out[i]] < level[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// Partition splits rows by environment, preserving time order within each part.
func (d Design) Partition() map[string]Design {
	out := make(map[string]Design)
	for _, s := range d.Samples {
		p := out[s.Env]
		p.Dimension = d.Dimension
		p.Samples = append(p.Samples, s)
		out[s.Env] = p
	}
	return out
}
