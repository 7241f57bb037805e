package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoordinationIndexMonotonicity(t *testing.T) {
	for _, w := range []float64{-0.4, 0, 0.3} {
		prev := CoordinationIndex(Theta{0.1, -1, w})
		for k := -0.9; k <= 1.5; k += 0.1 {
			ci := CoordinationIndex(Theta{0.1, k, w})
			assert.GreaterOrEqual(t, ci, prev, "kappa=%.1f w=%.1f", k, w)
			prev = ci
		}
	}

	for _, k := range []float64{0.2, 0.8} {
		prev := CoordinationIndex(Theta{0, k, 0})
		for w := 0.05; w <= 1; w += 0.05 {
			pos := CoordinationIndex(Theta{0, k, w})
			neg := CoordinationIndex(Theta{0, k, -w})
			assert.LessOrEqual(t, pos, prev)
			assert.Equal(t, pos, neg, "only |w| matters")
			prev = pos
		}
	}
}
