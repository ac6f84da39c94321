// Package backoff computes full-jitter exponential reconnect delays.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy is the parameterization of a full-jitter exponential backoff
// sequence: starting delay, ceiling, and growth rate per attempt.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// Delay returns a uniformly random duration in [0, min(MaxDelay,
// InitialDelay * Multiplier^attempt)], the "full jitter" scheme: the actual
// wait is random, but its ceiling grows exponentially with attempt.
// attempt is 0-indexed.
func (p Policy) Delay(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}

	ceiling := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt))
	if p.MaxDelay > 0 && ceiling > float64(p.MaxDelay) {
		ceiling = float64(p.MaxDelay)
	}
	if ceiling <= 0 {
		return 0
	}

	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}
