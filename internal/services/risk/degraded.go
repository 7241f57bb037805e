package risk

import (
	"math"
	"time"

	"CoordScope/internal/domain/models"
	"CoordScope/pkg/config"
)

// Degraded-mode trigger names.
const (
	TriggerConvergence       = "convergence_failure_rate"
	TriggerMissingData       = "missing_data"
	TriggerExplainedVariance = "explained_variance"
)

type convergenceOutcome struct {
	at     time.Time
	failed bool
}

// DegradedController tracks data-quality triggers for one partition. It is owned by
// the worker processing that partition and is not safe for concurrent use.
type DegradedController struct {
	cfg config.DegradedConfig

	outcomes   []convergenceOutcome
	firstTrue  map[string]time.Time
	factor     float64
	clearSince time.Time
	// level the current restoration started from; 0 when not restoring
	restoreFrom float64
}

func NewDegradedController(cfg config.DegradedConfig) *DegradedController {
	return &DegradedController{cfg: cfg, firstTrue: make(map[string]time.Time, 3), factor: 1}
}

// Observe records one cycle's health and returns the mode in force for that cycle.
func (c *DegradedController) Observe(h models.Health) models.DegradedMode {
	now := h.At
	c.outcomes = append(c.outcomes, convergenceOutcome{at: now, failed: h.ConvergenceFailed})
	cutoff := now.Add(-c.cfg.ConvergenceWindow)
	i := 0
	for i < len(c.outcomes) && c.outcomes[i].at.Before(cutoff) {
		i++
	}
	c.outcomes = c.outcomes[i:]

	raw := map[string]bool{
		TriggerConvergence:       c.failureRate() > c.cfg.ConvergenceFailureRate,
		TriggerMissingData:       h.MissingRatio > c.cfg.MissingRatio,
		TriggerExplainedVariance: !math.IsNaN(h.ExplainedVariance) && h.ExplainedVariance < c.cfg.ExplainedVariance,
	}
	hold := map[string]time.Duration{
		TriggerConvergence:       c.cfg.ConvergenceSustain,
		TriggerMissingData:       c.cfg.TriggerHold,
		TriggerExplainedVariance: c.cfg.TriggerHold,
	}

	var armed []string
	anyRaw := false
	for _, name := range []string{TriggerConvergence, TriggerMissingData, TriggerExplainedVariance} {
		if !raw[name] {
			delete(c.firstTrue, name)
			continue
		}
		anyRaw = true
		first, ok := c.firstTrue[name]
		if !ok {
			first = now
			c.firstTrue[name] = now
		}
		if now.Sub(first) >= hold[name] {
			armed = append(armed, name)
		}
	}

	switch {
	case len(armed) > 0:
		c.factor = c.cfg.Factor
		c.clearSince = time.Time{}
		c.restoreFrom = 0
	case c.factor > 1 && anyRaw:
		// pending triggers hold the current level and restart the clear period
		c.clearSince = time.Time{}
		c.restoreFrom = 0
	case c.factor > 1:
		if c.clearSince.IsZero() {
			c.clearSince = now
		}
		start := c.clearSince.Add(c.cfg.ClearSustain)
		if now.Before(start) {
			break
		}
		if c.restoreFrom == 0 {
			c.restoreFrom = c.factor
		}
		progress := float64(now.Sub(start)) / float64(c.cfg.RestoreDuration)
		if progress >= 1 {
			c.factor = 1
			c.clearSince = time.Time{}
			c.restoreFrom = 0
		} else {
			c.factor = c.restoreFrom - (c.restoreFrom-1)*progress
		}
	}

	return models.DegradedMode{Active: c.factor > 1, Factor: c.factor, Triggers: armed}
}

// Factor returns the current threshold multiplier.
func (c *DegradedController) Factor() float64 { return c.factor }

func (c *DegradedController) failureRate() float64 {
	if len(c.outcomes) == 0 {
		return 0
	}
	failed := 0
	for _, o := range c.outcomes {
		if o.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(c.outcomes))
}
