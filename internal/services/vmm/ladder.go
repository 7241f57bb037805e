package vmm

import "time"

const day = 24 * time.Hour

// RetryStep is the parameter relaxation applied for one optimisation attempt.
// Scales are cumulative relative to the configured values.
type RetryStep struct {
	PriorVarScale float64
	LRScale       float64
	TolScale      float64
	Extend        time.Duration
}

// retryTable lists attempt 0 (as configured) followed by the two relaxations.
var retryTable = []RetryStep{
	{PriorVarScale: 1, LRScale: 1, TolScale: 1},
	{PriorVarScale: 2.25, LRScale: 0.5, TolScale: 10, Extend: 30 * day},
	{PriorVarScale: 2.25 * 2.2, LRScale: 0.25, TolScale: 100, Extend: 60 * day},
}

// Ladder is the bounded retry state machine driving non-convergence handling.
type Ladder struct {
	attempt int
	max     int
}

// NewLadder allows up to maxRetries relaxations after the first attempt.
func NewLadder(maxRetries int) *Ladder {
	if maxRetries > len(retryTable)-1 {
		maxRetries = len(retryTable) - 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Ladder{max: maxRetries}
}

// Step returns the relaxation for the current attempt.
func (l *Ladder) Step() RetryStep { return retryTable[l.attempt] }

// Retries returns how many relaxations have been applied.
func (l *Ladder) Retries() int { return l.attempt }

// Advance moves to the next relaxation. It returns false once retries are exhausted.
func (l *Ladder) Advance() bool {
	if l.attempt >= l.max {
		return false
	}
	l.attempt++
	return true
}
