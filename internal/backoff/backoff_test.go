package backoff

import (
	"testing"
	"time"
)

func TestDelayBoundedByMax(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond, Multiplier: 2}
	for attempt := 0; attempt < 20; attempt++ {
		d := p.Delay(attempt)
		if d < 0 || d > p.MaxDelay {
			t.Fatalf("attempt %d: delay %v out of bounds [0, %v]", attempt, d, p.MaxDelay)
		}
	}
}

func TestDelayGrowsWithAttempt(t *testing.T) {
	p := Policy{InitialDelay: 10 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2}
	// The ceiling (not the sampled value) must grow; sample many times to
	// make the max observed delay a reasonable proxy for the ceiling.
	maxAt := func(attempt int) time.Duration {
		var max time.Duration
		for i := 0; i < 200; i++ {
			if d := p.Delay(attempt); d > max {
				max = d
			}
		}
		return max
	}
	early := maxAt(0)
	later := maxAt(5)
	if later <= early {
		t.Fatalf("expected later attempts to have a higher ceiling: early=%v later=%v", early, later)
	}
}

func TestDelayZeroInitialIsZero(t *testing.T) {
	p := Policy{}
	if d := p.Delay(3); d != 0 {
		t.Fatalf("expected zero delay for zero policy, got %v", d)
	}
}
