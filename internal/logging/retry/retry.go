// Package retry holds the backoff arithmetic shared by the delivery clients.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Growth int

const (
	// Quadratic waits n² units before attempt n.
	Quadratic Growth = iota
	// Exponential waits 2ⁿ units before attempt n.
	Exponential
)

// Policy computes the delay before a retry attempt. Attempt 0 is the first
// try and never waits.
type Policy struct {
	Growth Growth
	Unit   time.Duration
	Max    time.Duration
}

func NewQuadratic(max time.Duration) Policy {
	return Policy{Growth: Quadratic, Unit: time.Second, Max: max}
}

func NewExponential(max time.Duration) Policy {
	return Policy{Growth: Exponential, Unit: time.Second, Max: max}
}

// Delay is non-decreasing in attempt and never exceeds p.Max.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	var units float64
	switch p.Growth {
	case Exponential:
		units = math.Pow(2, float64(attempt))
	default:
		units = float64(attempt) * float64(attempt)
	}

	delay := units * float64(p.Unit)
	if p.Max > 0 && delay >= float64(p.Max) {
		return p.Max
	}
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// BackOff returns a fresh backoff.BackOff whose n-th NextBackOff is Delay(n).
func (p Policy) BackOff() backoff.BackOff {
	return &sequence{policy: p}
}

// WithMaxAttempts bounds the sequence to attempts tries in total and stops
// early when ctx is done.
func (p Policy) WithMaxAttempts(ctx context.Context, attempts int) backoff.BackOff {
	var b backoff.BackOff
	if attempts <= 1 {
		b = &backoff.StopBackOff{}
	} else {
		b = backoff.WithMaxRetries(p.BackOff(), uint64(attempts-1))
	}
	return backoff.WithContext(b, ctx)
}

type sequence struct {
	policy  Policy
	attempt int
}

func (s *sequence) NextBackOff() time.Duration {
	s.attempt++
	return s.policy.Delay(s.attempt)
}

func (s *sequence) Reset() {
	s.attempt = 0
}
