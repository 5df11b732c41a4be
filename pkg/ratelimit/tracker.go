package ratelimit

import (
	"sync"
	"time"

	"github.com/rmax-ai/streamguard/pkg/metrics"
	"github.com/rmax-ai/streamguard/pkg/provider"
)

// Reason explains the outcome of a wait-time query.
type Reason string

const (
	ReasonOK                Reason = "ok"
	ReasonRequestsExhausted Reason = "requests-exhausted"
	ReasonTokensExhausted   Reason = "tokens-exhausted"
	ReasonCooldown          Reason = "cooldown"
)

// Quota is one observed allowance dimension (requests or tokens).
type Quota struct {
	Remaining int64 `json:"remaining"`
	Limit     int64 `json:"limit"`
}

// Observation carries the rate-limit metadata returned with a response.
// Nil quotas and a zero ResetAt leave the previously tracked values untouched.
type Observation struct {
	Requests *Quota    `json:"requests,omitempty"`
	Tokens   *Quota    `json:"tokens,omitempty"`
	ResetAt  time.Time `json:"reset_at,omitempty"`
}

// Info is the tracked state for one provider.
type Info struct {
	RequestsRemaining int64     `json:"requests_remaining"`
	RequestsLimit     int64     `json:"requests_limit"`
	TokensRemaining   int64     `json:"tokens_remaining"`
	TokensLimit       int64     `json:"tokens_limit"`
	ResetAt           time.Time `json:"reset_at"`
	LastUpdated       time.Time `json:"last_updated"`
	Cooldown          bool      `json:"cooldown"`
}

// WaitTime answers "how long before the next request to this provider".
type WaitTime struct {
	Wait   time.Duration `json:"-"`
	Reason Reason        `json:"reason"`
}

// WaitMs returns the wait in whole milliseconds, rounded up.
func (w WaitTime) WaitMs() int64 {
	if w.Wait <= 0 {
		return 0
	}
	return int64((w.Wait + time.Millisecond - 1) / time.Millisecond)
}

// Ready reports whether a request may be issued now.
func (w WaitTime) Ready() bool {
	return w.Wait <= 0
}

type entry struct {
	info             Info
	requestsObserved bool
	tokensObserved   bool
}

// Tracker is the single source of truth for per-provider rate-limit state.
// It never performs I/O; every method returns without blocking on anything
// but its own mutex.
type Tracker struct {
	mu      sync.Mutex
	entries map[provider.ProviderID]*entry
	now     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		entries: make(map[provider.ProviderID]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// lazily creates the provider entry; caller holds t.mu
func (t *Tracker) entryFor(id provider.ProviderID) *entry {
	e, ok := t.entries[id]
	if !ok {
		e = &entry{}
		t.entries[id] = e
	}
	return e
}

// RecordUsage merges observed limits for a provider.
func (t *Tracker) RecordUsage(id provider.ProviderID, obs Observation) {
	t.mu.Lock()
	e := t.entryFor(id)
	if obs.Requests != nil {
		e.info.RequestsLimit = obs.Requests.Limit
		e.info.RequestsRemaining = clamp(obs.Requests.Remaining, obs.Requests.Limit)
		e.requestsObserved = true
	}
	if obs.Tokens != nil {
		e.info.TokensLimit = obs.Tokens.Limit
		e.info.TokensRemaining = clamp(obs.Tokens.Remaining, obs.Tokens.Limit)
		e.tokensObserved = true
	}
	if !obs.ResetAt.IsZero() {
		e.info.ResetAt = obs.ResetAt
	}
	e.info.Cooldown = false
	e.info.LastUpdated = t.now()
	info := e.info
	t.mu.Unlock()

	publish(id, info)
}

// RecordRejection applies a 429-style rejection: no requests remain until
// now+retryAfter.
func (t *Tracker) RecordRejection(id provider.ProviderID, retryAfter time.Duration) {
	if retryAfter < 0 {
		retryAfter = 0
	}

	t.mu.Lock()
	e := t.entryFor(id)
	now := t.now()
	e.info.RequestsRemaining = 0
	e.info.ResetAt = now.Add(retryAfter)
	e.info.LastUpdated = now
	e.info.Cooldown = true
	e.requestsObserved = true
	info := e.info
	t.mu.Unlock()

	metrics.RateLimitRejections.WithLabelValues(string(id)).Inc()
	publish(id, info)
}

// WaitTime reports how long a caller must wait before calling the provider.
// It has no side effects and is safe to call repeatedly.
func (t *Tracker) WaitTime(id provider.ProviderID) WaitTime {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return WaitTime{Reason: ReasonOK}
	}

	now := t.now()
	// The window has rolled over; treat the entry as unknown until refreshed.
	if !now.Before(e.info.ResetAt) {
		return WaitTime{Reason: ReasonOK}
	}

	wait := e.info.ResetAt.Sub(now)
	switch {
	case e.info.Cooldown:
		return WaitTime{Wait: wait, Reason: ReasonCooldown}
	case e.requestsObserved && e.info.RequestsRemaining <= 0:
		return WaitTime{Wait: wait, Reason: ReasonRequestsExhausted}
	case e.tokensObserved && e.info.TokensRemaining <= 0:
		return WaitTime{Wait: wait, Reason: ReasonTokensExhausted}
	}
	return WaitTime{Reason: ReasonOK}
}

// Info returns the tracked state for a provider, if any.
func (t *Tracker) Info(id provider.ProviderID) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return Info{}, false
	}
	return e.info, true
}

// Snapshot returns a copy of every tracked provider.
func (t *Tracker) Snapshot() map[provider.ProviderID]Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[provider.ProviderID]Info, len(t.entries))
	for id, e := range t.entries {
		out[id] = e.info
	}
	return out
}

// Reset clears tracked state, e.g. after switching credentials.
func (t *Tracker) Reset(id provider.ProviderID) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()

	metrics.RateLimitRemaining.DeletePartialMatch(map[string]string{"provider": string(id)})
	metrics.RateLimitLimit.DeletePartialMatch(map[string]string{"provider": string(id)})
}

func clamp(remaining, limit int64) int64 {
	if remaining < 0 {
		return 0
	}
	if limit > 0 && remaining > limit {
		return limit
	}
	return remaining
}

func publish(id provider.ProviderID, info Info) {
	p := string(id)
	metrics.RateLimitRemaining.WithLabelValues(p, "requests").Set(float64(info.RequestsRemaining))
	metrics.RateLimitRemaining.WithLabelValues(p, "tokens").Set(float64(info.TokensRemaining))
	metrics.RateLimitLimit.WithLabelValues(p, "requests").Set(float64(info.RequestsLimit))
	metrics.RateLimitLimit.WithLabelValues(p, "tokens").Set(float64(info.TokensLimit))
}
