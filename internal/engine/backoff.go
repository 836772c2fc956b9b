package engine

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: Initial * Factor^(attempt-1), capped at
// Max, then spread by ±Jitter.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64

	// Rand returns a value in [0, 1). Default: math/rand/v2.Float64.
	Rand func() float64
}

// DefaultBackoff is 50ms doubling to 2s with 20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 50 * time.Millisecond,
		Max:     2 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Delay returns the delay before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial)
	for i := 1; i < attempt && d < float64(b.Max); i++ {
		d *= b.Factor
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		d *= 1 + b.Jitter*(2*r()-1)
	}
	return time.Duration(d)
}
