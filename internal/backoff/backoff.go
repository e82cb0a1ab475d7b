// Package backoff computes the delay before a failed stage is retried.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy returns the wait before retrying after the given failed attempt
// (1-indexed). Implementations are stateless and safe for concurrent use.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant waits the same interval after every failure.
type Constant time.Duration

// Delay returns the fixed interval.
func (c Constant) Delay(int) time.Duration { return time.Duration(c) }

// Exponential doubles the wait after each failure, capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		return e.Max
	}
	return time.Duration(base)
}

// Jittered randomizes the upper half of the exponential delay.
type Jittered struct {
	Exponential
}

// Delay returns a duration in [base/2, base].
func (j Jittered) Delay(attempt int) time.Duration {
	base := j.Exponential.Delay(attempt)
	if base <= 0 {
		return 0
	}
	half := base / 2
	return half + time.Duration(rand.Int64N(int64(base-half)+1))
}

// New returns the jittered exponential strategy used by workers.
func New(initial, maxDelay time.Duration) Strategy {
	if initial <= 0 {
		return Constant(0)
	}
	return Jittered{Exponential{Initial: initial, Max: maxDelay}}
}
