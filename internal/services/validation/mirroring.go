package validation

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"

	"CoordScope/internal/domain/models"
	"CoordScope/pkg/config"
)

// Mirroring measures how closely entities' order-book depth profiles match.
type Mirroring struct {
	minObs    int
	threshold float64
}

func NewMirroring(cfg config.ValidationConfig) *Mirroring {
	return &Mirroring{minObs: cfg.Mirroring.MinObservations, threshold: cfg.Mirroring.Threshold}
}

func (m *Mirroring) Name() string { return models.LayerMirroring }

func (m *Mirroring) Analyze(ctx context.Context, w models.DataBatch) models.LayerResult {
	entities := w.Entities()
	if len(entities) < 2 {
		return insufficient(m.Name(), 0, m.minObs)
	}

	var simSum, weightSum float64
	var aligned, mirrored int
	fallback := false
	for _, pr := range pairs(entities) {
		sa, sb := w.Series(pr[0]), w.Series(pr[1])
		byTime := make(map[int64]int, len(sa))
		for i, o := range sa {
			byTime[o.Timestamp.UnixNano()] = i
		}
		for j, ob := range sb {
			i, ok := byTime[ob.Timestamp.UnixNano()]
			if !ok {
				continue
			}
			if ctx.Err() != nil {
				return errorResult(m.Name(), ctx.Err())
			}
			va, vb := sa[i].DepthVector(), ob.DepthVector()
			if len(va) == 0 || len(vb) == 0 {
				if i == 0 || j == 0 {
					continue
				}
				va = activityVector(sa[i-1], sa[i])
				vb = activityVector(sb[j-1], ob)
				fallback = true
			}
			k := min(len(va), len(vb))
			va, vb = va[:k], vb[:k]
			weight := floats.Sum(va) + floats.Sum(vb)
			na, nb := normalizeL1(va), normalizeL1(vb)
			den := floats.Norm(na, 2) * floats.Norm(nb, 2)
			if den == 0 || weight <= 0 {
				continue
			}
			sim := floats.Dot(na, nb) / den
			aligned++
			simSum += sim * weight
			weightSum += weight
			if sim >= m.threshold {
				mirrored++
			}
		}
	}
	if aligned < m.minObs {
		return insufficient(m.Name(), aligned, m.minObs)
	}

	mean := simSum / weightSum
	ratio := float64(mirrored) / float64(aligned)
	return models.LayerResult{
		Score:  0.5*ratio + 0.5*math.Max(0, mean),
		Status: models.LayerOK,
		Diagnostics: map[string]any{
			"aligned":           aligned,
			"mirroring_ratio":   ratio,
			"mean_similarity":   mean,
			"activity_fallback": fallback,
		},
	}
}

// activityVector stands in for depth when none is reported: volume and absolute move.
func activityVector(prev, cur models.Observation) []float64 {
	move := 0.0
	if prev.Price > 0 && cur.Price > 0 {
		move = math.Abs(math.Log(cur.Price / prev.Price))
	}
	return []float64{cur.Volume, move}
}

func normalizeL1(v []float64) []float64 {
	out := make([]float64, len(v))
	var s float64
	for _, x := range v {
		s += math.Abs(x)
	}
	if s == 0 {
		return out
	}
	for i, x := range v {
		out[i] = x / s
	}
	return out
}
