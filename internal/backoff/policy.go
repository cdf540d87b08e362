// Package backoff provides exponential backoff with jitter and a context-aware
// retry loop used by the fallback policy for transient transport and LLM errors.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration `yaml:"initial"`
	// Max caps any single delay.
	Max time.Duration `yaml:"max"`
	// Factor multiplies the delay after each attempt.
	Factor float64 `yaml:"factor"`
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64 `yaml:"jitter"`
}

// DefaultPolicy returns 200ms, 400ms, 800ms... capped at 2s with 10% jitter.
// Three attempts fit comfortably inside a 10 second cycle deadline.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 200 * time.Millisecond,
		Max:     2 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// withDefaults fills zero fields from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Factor < 1 {
		p.Factor = def.Factor
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Delay returns the wait after the given failed attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand is Delay with an explicit random value in [0, 1), for tests.
// base = initial * factor^(attempt-1); result = min(max, base + base*jitter*r).
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	p = p.withDefaults()
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := math.Min(float64(p.Max), base+base*p.Jitter*randomValue)
	return time.Duration(total).Round(time.Millisecond)
}
