// Package backoff computes retry delays for the queue's long tier and the
// client SDK.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy maps a 0-based retry count to a delay.
type Strategy interface {
	Next(attempt int) time.Duration
}

// Exponential grows Base by Factor per attempt, caps at Max, then spreads the
// result by up to +/-Jitter of itself.
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // 0.0 to 1.0

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// Default is the SDK's polling strategy: 100ms doubling to 5s, 20% jitter.
func Default() *Exponential {
	return &Exponential{
		Base:   100 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// LongTier spaces the quick-retry cycles of a queued request. Jitter is kept
// low so a provider's reset time stays the dominant term.
func LongTier(base, max time.Duration) *Exponential {
	return &Exponential{
		Base:   base,
		Max:    max,
		Factor: 2.0,
		Jitter: 0.1,
	}
}

func (b *Exponential) Next(attempt int) time.Duration {
	attempt = max(attempt, 0)

	delay := float64(b.Base)
	if b.Factor > 1 {
		delay *= math.Pow(b.Factor, float64(attempt))
	}
	if b.Max > 0 && (delay > float64(b.Max) || math.IsInf(delay, 1)) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		delay += delay * (r()*2 - 1) * b.Jitter
	}
	if delay <= 0 {
		return 0
	}
	return time.Duration(delay)
}

// AtLeast returns s.Next(attempt), raised to floor. The queue passes the
// provider's rate-limit wait as floor so a retry never lands before the reset.
func AtLeast(s Strategy, attempt int, floor time.Duration) time.Duration {
	return max(s.Next(attempt), floor)
}
