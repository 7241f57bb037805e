package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Well-known covariate keys carried by an Observation.
const (
	CovariateCost    = "cost"
	CovariateFunding = "funding"
	CovariateSpread  = "spread"
	// CovariateDepthPrefix marks order-book depth levels, e.g. "depth_1".
	CovariateDepthPrefix = "depth_"
)

// Observation is one timestamped record per (entity, time).
// Produced by ingestion; never mutated inside the engine.
type Observation struct {
	Timestamp  time.Time          `json:"timestamp" validate:"required"`
	Market     string             `json:"market" validate:"required"`
	EntityID   string             `json:"entity_id" validate:"required"`
	Price      float64            `json:"price" validate:"gt=0"`
	Volume     float64            `json:"volume" validate:"gte=0"`
	Covariates map[string]float64 `json:"covariates,omitempty"`
}

// Covariate returns the named covariate and whether it is present.
func (o Observation) Covariate(name string) (float64, bool) {
	v, ok := o.Covariates[name]
	return v, ok
}

// DepthVector returns depth covariates ordered by level name.
func (o Observation) DepthVector() []float64 {
	keys := make([]string, 0, len(o.Covariates))
	for k := range o.Covariates {
		if strings.HasPrefix(k, CovariateDepthPrefix) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) < len(keys[j])
		}
		return keys[i] < keys[j]
	})
	out := make([]float64, len(keys))
	for i, k := range keys {
		out[i] = o.Covariates[k]
	}
	return out
}

// EntityPair identifies the leader/follower entities analysed together.
type EntityPair struct {
	Leader   string `json:"leader"`
	Follower string `json:"follower"`
}

func (p EntityPair) String() string { return p.Leader + ":" + p.Follower }

// PartitionKey scopes VMM state and cycle ordering.
type PartitionKey struct {
	Market string     `json:"market"`
	Pair   EntityPair `json:"pair"`
}

func (k PartitionKey) String() string { return fmt.Sprintf("%s/%s", k.Market, k.Pair) }

// TimeWindow is a closed analysis interval.
type TimeWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Days returns the window length in days.
func (w TimeWindow) Days() float64 { return w.To.Sub(w.From).Hours() / 24 }

// DataBatch is an ordered window of observations for one partition.
type DataBatch struct {
	Market       string        `json:"market"`
	Pair         EntityPair    `json:"pair"`
	Observations []Observation `json:"observations"`
}

// Key returns the partition the batch belongs to.
func (b DataBatch) Key() PartitionKey { return PartitionKey{Market: b.Market, Pair: b.Pair} }

// Len returns the number of observations.
func (b DataBatch) Len() int { return len(b.Observations) }

// Window returns the time span covered by the batch. Zero when empty.
func (b DataBatch) Window() TimeWindow {
	if len(b.Observations) == 0 {
		return TimeWindow{}
	}
	w := TimeWindow{From: b.Observations[0].Timestamp, To: b.Observations[0].Timestamp}
	for _, o := range b.Observations[1:] {
		if o.Timestamp.Before(w.From) {
			w.From = o.Timestamp
		}
		if o.Timestamp.After(w.To) {
			w.To = o.Timestamp
		}
	}
	return w
}

// Entities returns the distinct entity ids, sorted.
func (b DataBatch) Entities() []string {
	seen := make(map[string]struct{})
	for _, o := range b.Observations {
		seen[o.EntityID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Sorted returns a copy ordered by (timestamp, entity).
func (b DataBatch) Sorted() DataBatch {
	obs := make([]Observation, len(b.Observations))
	copy(obs, b.Observations)
	sort.SliceStable(obs, func(i, j int) bool {
		if !obs[i].Timestamp.Equal(obs[j].Timestamp) {
			return obs[i].Timestamp.Before(obs[j].Timestamp)
		}
		return obs[i].EntityID < obs[j].EntityID
	})
	return DataBatch{Market: b.Market, Pair: b.Pair, Observations: obs}
}

// Merge returns a batch holding b's observations followed by older ones from prev.
// Duplicate (entity, timestamp) records keep b's version.
func (b DataBatch) Merge(prev DataBatch) DataBatch {
	type k struct {
		e string
		t int64
	}
	seen := make(map[k]struct{}, len(b.Observations))
	obs := make([]Observation, 0, len(b.Observations)+len(prev.Observations))
	for _, o := range b.Observations {
		seen[k{o.EntityID, o.Timestamp.UnixNano()}] = struct{}{}
		obs = append(obs, o)
	}
	for _, o := range prev.Observations {
		if _, dup := seen[k{o.EntityID, o.Timestamp.UnixNano()}]; dup {
			continue
		}
		obs = append(obs, o)
	}
	return DataBatch{Market: b.Market, Pair: b.Pair, Observations: obs}.Sorted()
}

// Series returns the observations of one entity in time order.
func (b DataBatch) Series(entity string) []Observation {
	out := make([]Observation, 0, len(b.Observations)/2+1)
	for _, o := range b.Observations {
		if o.EntityID == entity {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
