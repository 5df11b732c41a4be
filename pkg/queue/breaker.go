package queue

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rmax-ai/streamguard/pkg/abort"
	"github.com/rmax-ai/streamguard/pkg/provider"
	"github.com/rmax-ai/streamguard/pkg/ratelimit"
	"github.com/rmax-ai/streamguard/pkg/stream"
)

// DefaultBreakerSettings trips after three consecutive failures and probes
// again after 30s.
func DefaultBreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
}

// BreakerExecutor guards an ExecuteFunc with one circuit breaker per
// provider. An attempt counts as one breaker request from dispatch until its
// stream ends, so mid-stream failures trip the breaker too. An open breaker
// is reported as a *RateLimitedError so the queue parks the provider until the
// breaker half-opens.
type BreakerExecutor[P, C any] struct {
	exec     ExecuteFunc[P, C]
	settings func(name string) gobreaker.Settings

	mu       sync.Mutex
	breakers map[provider.ProviderID]*gobreaker.TwoStepCircuitBreaker
	timeouts map[provider.ProviderID]time.Duration
}

// NewBreakerExecutor wraps exec. A nil settings func uses DefaultBreakerSettings.
func NewBreakerExecutor[P, C any](exec ExecuteFunc[P, C], settings func(name string) gobreaker.Settings) *BreakerExecutor[P, C] {
	if settings == nil {
		settings = DefaultBreakerSettings
	}
	return &BreakerExecutor[P, C]{
		exec:     exec,
		settings: settings,
		breakers: make(map[provider.ProviderID]*gobreaker.TwoStepCircuitBreaker),
		timeouts: make(map[provider.ProviderID]time.Duration),
	}
}

func (b *BreakerExecutor[P, C]) breaker(pid provider.ProviderID) (*gobreaker.TwoStepCircuitBreaker, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[pid]
	if !ok {
		st := b.settings(string(pid))
		cb = gobreaker.NewTwoStepCircuitBreaker(st)
		b.breakers[pid] = cb
		b.timeouts[pid] = st.Timeout
	}
	return cb, b.timeouts[pid]
}

// State returns the breaker state for a provider.
func (b *BreakerExecutor[P, C]) State(pid provider.ProviderID) gobreaker.State {
	cb, _ := b.breaker(pid)
	return cb.State()
}

// Execute is an ExecuteFunc.
func (b *BreakerExecutor[P, C]) Execute(ctx context.Context, job Job[P]) (stream.Stream[C], error) {
	cb, timeout := b.breaker(job.Provider)

	done, err := cb.Allow()
	if err != nil {
		return nil, &RateLimitedError{Provider: job.Provider, RetryAfter: timeout, Err: err}
	}

	s, err := b.exec(ctx, job)
	if err != nil {
		done(!countsAsFailure(err))
		return nil, err
	}
	if s == nil {
		done(true)
		return nil, nil
	}
	return &breakerStream[C]{Stream: s, ctx: ctx, done: done}, nil
}

// Aborts and caller mistakes say nothing about provider health, except an
// attempt that ran out its timeout.
func countsAsFailure(err error) bool {
	if ae, ok := abort.AsError(err); ok {
		return ae.Reason == abort.ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
}

// breakerStream reports the attempt's result to the breaker exactly once.
type breakerStream[C any] struct {
	stream.Stream[C]
	ctx  context.Context
	done func(success bool)
	once sync.Once
}

func (s *breakerStream[C]) report(success bool) {
	s.once.Do(func() { s.done(success) })
}

func (s *breakerStream[C]) Recv() (C, error) {
	v, err := s.Stream.Recv()
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		s.report(true)
	default:
		s.report(!countsAsFailure(err))
	}
	return v, err
}

// Close before a terminal Recv means the attempt was abandoned mid-stream,
// e.g. by stall detection. That is a failure unless the attempt was aborted.
func (s *breakerStream[C]) Close() error {
	if cause := context.Cause(s.ctx); cause != nil {
		s.report(!countsAsFailure(cause))
	} else {
		s.report(false)
	}
	return s.Stream.Close()
}

func (s *breakerStream[C]) RateLimit() (ratelimit.Observation, bool) {
	if r, ok := s.Stream.(stream.RateLimitReporter); ok {
		return r.RateLimit()
	}
	return ratelimit.Observation{}, false
}
