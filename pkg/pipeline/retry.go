package pipeline

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds how often and how patiently a call is repeated.
type RetryPolicy struct {
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`
	Jitter       bool          `json:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy returns three attempts with 2s, 3s, ... backoff capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		Multiplier:   1.5,
		MaxDelay:     10 * time.Second,
		Jitter:       true,
	}
}

// NoRetry makes exactly one attempt.
func NoRetry() RetryPolicy { return RetryPolicy{MaxAttempts: 1} }

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait after the given failed attempt (1-based).
// With jitter the base delay is scaled by a factor in [0.5, 1.5).
func (p RetryPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.InitialDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		factor := 0.5
		if rng != nil {
			factor += rng.Float64()
		} else {
			factor += rand.Float64()
		}
		delay *= factor
	}
	if delay < 0 || delay > float64(math.MaxInt64) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}
