package features

import (
	"math"

	"CoordScope/internal/domain/models"
)

// PooledEnv names the single environment used when a dimension cannot partition the data.
const PooledEnv = "pooled"

// BuildDesign aligns leader and follower changes into regression rows labeled along dim.
// Rows whose timestamp carries no label for dim are dropped; when dim is unusable every row
// falls into PooledEnv.
func BuildDesign(batch models.DataBatch, labeling models.Labeling, dim string) models.Design {
	d := models.Design{Dimension: dim}
	leader, follower := batch.Pair.Leader, batch.Pair.Follower
	ls := indexByTime(batch.Series(leader))
	fs := batch.Series(follower)

	union := UnionTimestamps(batch, leader, follower)
	usable := labeling.Usable(dim)

	var prevL, prevF *models.Observation
	aligned := 0
	for i := range fs {
		f := fs[i]
		l, ok := ls[f.Timestamp.UnixNano()]
		if !ok {
			continue
		}
		aligned++
		if prevL != nil && prevL.Price > 0 && prevF.Price > 0 && l.Price > 0 && f.Price > 0 {
			s := models.Sample{
				Timestamp: f.Timestamp,
				X:         math.Log(l.Price / prevL.Price),
				Y:         math.Log(f.Price / prevF.Price),
				Env:       PooledEnv,
			}
			if c, ok := f.Covariate(models.CovariateCost); ok {
				if pc, ok := prevF.Covariate(models.CovariateCost); ok {
					s.Cost = c - pc
				}
			}
			keep := true
			if usable {
				keep = false
				if lab, ok := labeling.At(f.Timestamp); ok {
					if b, ok := lab.Buckets[dim]; ok {
						s.Env, s.Level = b.Name, b.Level
						keep = true
					}
				}
			}
			if keep {
				d.Samples = append(d.Samples, s)
			}
		}
		lc, fc := l, f
		prevL, prevF = &lc, &fc
	}

	if union > 0 {
		d.MissingRatio = 1 - float64(aligned)/float64(union)
	}
	standardizeLevels(d.Samples)
	return d
}

func standardizeLevels(samples []models.Sample) {
	n := float64(len(samples))
	if n < 2 {
		return
	}
	var sum, sum2 float64
	for _, s := range samples {
		v := float64(s.Level)
		sum += v
		sum2 += v * v
	}
	mean := sum / n
	variance := sum2/n - mean*mean
	if variance <= 1e-12 {
		return
	}
	sd := math.Sqrt(variance)
	for i := range samples {
		samples[i].Z = (float64(samples[i].Level) - mean) / sd
	}
}
