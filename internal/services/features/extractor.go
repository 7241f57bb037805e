package features

import (
	"math"
	"sort"
	"time"

	"CoordScope/internal/domain/models"
)

// LogReturns computes r_t = ln(p_t / p_{t-1}); non-positive prices yield 0.
// It returns a slice of length len(prices)-1, or nil if insufficient data.
func LogReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev, cur := prices[i-1], prices[i]
		if prev <= 0 || cur <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Log(cur/prev))
	}
	return out
}

// RollingStd returns the sample standard deviation over a trailing window for every index.
// Entries before the first full window are NaN.
func RollingStd(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	if window < 2 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	var sum, sum2 float64
	for i, v := range values {
		sum += v
		sum2 += v * v
		if i >= window {
			old := values[i-window]
			sum -= old
			sum2 -= old * old
		}
		if i < window-1 {
			out[i] = math.NaN()
			continue
		}
		n := float64(window)
		mean := sum / n
		variance := (sum2 - n*mean*mean) / (n - 1)
		if variance < 0 {
			variance = 0
		}
		out[i] = math.Sqrt(variance)
	}
	return out
}

// RollingZ returns (v - mean)/std of the trailing window preceding each index (exclusive).
// Entries without a full window, or with zero spread, are 0.
func RollingZ(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	if window < 2 {
		return out
	}
	for i := window; i < len(values); i++ {
		var sum, sum2 float64
		for _, v := range values[i-window : i] {
			sum += v
			sum2 += v * v
		}
		n := float64(window)
		mean := sum / n
		variance := (sum2 - n*mean*mean) / (n - 1)
		if variance <= 1e-18 {
			continue
		}
		out[i] = (values[i] - mean) / math.Sqrt(variance)
	}
	return out
}

// TimeBucket aggregates all entities' observations at one timestamp.
type TimeBucket struct {
	Timestamp  time.Time
	MeanReturn float64
	HasReturn  bool
	Funding    float64
	HasFunding bool
	Volume     float64
	Depth      float64
	Entities   int
}

// Buckets groups observations by timestamp and derives cross-entity aggregates.
// Returns use each entity's previous observation.
func Buckets(obs []models.Observation) []TimeBucket {
	sorted := models.DataBatch{Observations: obs}.Sorted().Observations
	lastPrice := make(map[string]float64)
	var out []TimeBucket
	var retSum float64
	var retN, fundN int

	flush := func() {
		if len(out) == 0 {
			return
		}
		b := &out[len(out)-1]
		if retN > 0 {
			b.MeanReturn = retSum / float64(retN)
			b.HasReturn = true
		}
		if fundN > 0 {
			b.Funding /= float64(fundN)
			b.HasFunding = true
		}
	}

	for _, o := range sorted {
		if len(out) == 0 || !out[len(out)-1].Timestamp.Equal(o.Timestamp) {
			flush()
			out = append(out, TimeBucket{Timestamp: o.Timestamp})
			retSum, retN, fundN = 0, 0, 0
		}
		b := &out[len(out)-1]
		b.Entities++
		b.Volume += o.Volume
		for _, d := range o.DepthVector() {
			b.Depth += d
		}
		if f, ok := o.Covariate(models.CovariateFunding); ok {
			b.Funding += f
			fundN++
		}
		if prev, ok := lastPrice[o.EntityID]; ok && prev > 0 && o.Price > 0 {
			retSum += math.Log(o.Price / prev)
			retN++
		}
		lastPrice[o.EntityID] = o.Price
	}
	flush()
	return out
}

// AlignedPrices returns the timestamps where both entities report, with their prices.
func AlignedPrices(batch models.DataBatch, a, b string) (ts []time.Time, pa, pb []float64) {
	sa := indexByTime(batch.Series(a))
	for _, o := range batch.Series(b) {
		if oa, ok := sa[o.Timestamp.UnixNano()]; ok {
			ts = append(ts, o.Timestamp)
			pa = append(pa, oa.Price)
			pb = append(pb, o.Price)
		}
	}
	return ts, pa, pb
}

func indexByTime(series []models.Observation) map[int64]models.Observation {
	m := make(map[int64]models.Observation, len(series))
	for _, o := range series {
		m[o.Timestamp.UnixNano()] = o
	}
	return m
}

// UnionTimestamps counts distinct timestamps across the given entities.
func UnionTimestamps(batch models.DataBatch, entities ...string) int {
	want := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		want[e] = struct{}{}
	}
	seen := make(map[int64]struct{})
	for _, o := range batch.Observations {
		if _, ok := want[o.EntityID]; ok {
			seen[o.Timestamp.UnixNano()] = struct{}{}
		}
	}
	return len(seen)
}

// SortedKeys returns map keys in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
