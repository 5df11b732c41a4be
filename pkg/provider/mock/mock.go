// Package mock simulates a streaming LLM provider with a request quota that
// resets, for the simulator, the daemon's demo mode and tests.
package mock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rmax-ai/streamguard/pkg/provider"
	"github.com/rmax-ai/streamguard/pkg/queue"
	"github.com/rmax-ai/streamguard/pkg/ratelimit"
	"github.com/rmax-ai/streamguard/pkg/recovery"
	"github.com/rmax-ai/streamguard/pkg/stream"
)

// ErrUnavailable is the transient failure injected by ErrorRate.
var ErrUnavailable = errors.New("mock: upstream unavailable")

type Config struct {
	Chunks     int           // chunks per response
	ChunkDelay time.Duration // delay before each chunk
	Limit      int64         // requests per window
	Window     time.Duration
	Tokens     int64 // tokens per window; 0 disables token accounting

	StallRate  float64 // probability that a stream stops producing mid-way
	RejectRate float64 // probability of a 429 regardless of quota
	ErrorRate  float64 // probability of a transient failure on open
	Seed       int64
}

func DefaultConfig() Config {
	return Config{
		Chunks:     5,
		ChunkDelay: 20 * time.Millisecond,
		Limit:      60,
		Window:     time.Minute,
	}
}

// Stats counts what the provider has done so far.
type Stats struct {
	Opened    int `json:"opened"`
	Rejected  int `json:"rejected"`
	Failed    int `json:"failed"`
	Stalled   int `json:"stalled"`
	Completed int `json:"completed"`
}

// Provider is a simulated provider. It is safe for concurrent use.
type Provider struct {
	id  provider.ProviderID
	cfg Config
	now func() time.Time

	mu         sync.Mutex
	rng        *rand.Rand
	used       int64
	tokensUsed int64
	resetAt    time.Time
	stats      Stats
}

func New(id provider.ProviderID, cfg Config) *Provider {
	def := DefaultConfig()
	if cfg.Chunks <= 0 {
		cfg.Chunks = def.Chunks
	}
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	p := &Provider{
		id:  id,
		cfg: cfg,
		now: time.Now,
		rng: rand.New(rand.NewSource(seed)),
	}
	p.resetAt = p.now().Add(cfg.Window)
	return p
}

func (p *Provider) ID() provider.ProviderID {
	return p.id
}

// InjectUsage consumes n requests from the current window to simulate drift
// caused by other clients.
func (p *Provider) InjectUsage(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollLocked()
	p.used = min(p.used+n, p.cfg.Limit)
}

func (p *Provider) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Probe reports the current window without consuming quota.
func (p *Provider) Probe(ctx context.Context) (ratelimit.Observation, error) {
	if err := ctx.Err(); err != nil {
		return ratelimit.Observation{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollLocked()
	return p.observationLocked(), nil
}

// Open starts a response stream for requestID. It fails with a
// *queue.RateLimitedError when the window is exhausted or a rejection is
// injected.
func (p *Provider) Open(ctx context.Context, requestID string) (stream.Stream[provider.Chunk], error) {
	p.mu.Lock()
	p.rollLocked()

	if p.used >= p.cfg.Limit || p.roll(p.cfg.RejectRate) {
		p.stats.Rejected++
		wait := p.resetAt.Sub(p.now())
		p.mu.Unlock()
		return nil, &queue.RateLimitedError{Provider: p.id, RetryAfter: wait, Err: fmt.Errorf("mock: 429 for %s", requestID)}
	}
	if p.roll(p.cfg.ErrorRate) {
		p.stats.Failed++
		p.mu.Unlock()
		return nil, queue.Retryable(ErrUnavailable)
	}

	p.used++
	p.stats.Opened++
	stallAt := -1
	if p.roll(p.cfg.StallRate) {
		stallAt = p.cfg.Chunks / 2
		p.stats.Stalled++
	}
	p.mu.Unlock()

	ch := make(chan stream.Item[provider.Chunk])
	stop := make(chan struct{})
	ms := &mockStream{p: p}
	ms.Stream = stream.FromChannel(ch, func() { close(stop) })

	go p.produce(ctx, requestID, stallAt, ch, stop)
	return ms, nil
}

func (p *Provider) produce(ctx context.Context, requestID string, stallAt int, ch chan<- stream.Item[provider.Chunk], stop <-chan struct{}) {
	defer close(ch)

	fail := func(err error) {
		select {
		case ch <- stream.Item[provider.Chunk]{Err: err}:
		case <-stop:
		}
	}

	for i := 0; i < p.cfg.Chunks; i++ {
		if i == stallAt {
			// Hold the connection open without sending anything.
			select {
			case <-stop:
			case <-ctx.Done():
				fail(ctx.Err())
			}
			return
		}

		if p.cfg.ChunkDelay > 0 {
			t := time.NewTimer(p.cfg.ChunkDelay)
			select {
			case <-t.C:
			case <-stop:
				t.Stop()
				return
			case <-ctx.Done():
				t.Stop()
				fail(ctx.Err())
				return
			}
		}

		chunk := provider.Chunk{Index: i, Text: fmt.Sprintf("%s:%d ", requestID, i)}
		select {
		case ch <- stream.Item[provider.Chunk]{Value: chunk}:
		case <-stop:
			return
		case <-ctx.Done():
			fail(ctx.Err())
			return
		}
	}

	p.mu.Lock()
	p.stats.Completed++
	if p.cfg.Tokens > 0 {
		p.tokensUsed = min(p.tokensUsed+int64(p.cfg.Chunks), p.cfg.Tokens)
	}
	p.mu.Unlock()
}

// caller holds p.mu
func (p *Provider) rollLocked() {
	now := p.now()
	if !now.Before(p.resetAt) {
		p.used = 0
		p.tokensUsed = 0
		p.resetAt = now.Add(p.cfg.Window)
	}
}

// caller holds p.mu
func (p *Provider) roll(rate float64) bool {
	return rate > 0 && p.rng.Float64() < rate
}

// caller holds p.mu
func (p *Provider) observationLocked() ratelimit.Observation {
	obs := ratelimit.Observation{
		Requests: &ratelimit.Quota{Remaining: p.cfg.Limit - p.used, Limit: p.cfg.Limit},
		ResetAt:  p.resetAt,
	}
	if p.cfg.Tokens > 0 {
		obs.Tokens = &ratelimit.Quota{Remaining: p.cfg.Tokens - p.tokensUsed, Limit: p.cfg.Tokens}
	}
	return obs
}

type mockStream struct {
	stream.Stream[provider.Chunk]
	p *Provider
}

// RateLimit reports the window as seen when the stream finished.
func (s *mockStream) RateLimit() (ratelimit.Observation, bool) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	s.p.rollLocked()
	return s.p.observationLocked(), true
}

// Execute adapts the provider to the queue. Payloads are ignored.
func Execute[P any](p *Provider) queue.ExecuteFunc[P, provider.Chunk] {
	return func(ctx context.Context, job queue.Job[P]) (stream.Stream[provider.Chunk], error) {
		return p.Open(ctx, job.ID)
	}
}

// Recover re-opens the stream from the start; the supervisor drops chunks
// the caller already received.
func Recover[P any](providers map[provider.ProviderID]*Provider) recovery.RecoverFunc[queue.Job[P], provider.Chunk] {
	return func(ctx context.Context, streamID string, job queue.Job[P]) (stream.Stream[provider.Chunk], error) {
		p, ok := providers[job.Provider]
		if !ok {
			return nil, nil
		}
		return p.Open(ctx, job.ID)
	}
}

// Router dispatches each job to the provider it names.
func Router[P any](providers map[provider.ProviderID]*Provider) queue.ExecuteFunc[P, provider.Chunk] {
	return func(ctx context.Context, job queue.Job[P]) (stream.Stream[provider.Chunk], error) {
		p, ok := providers[job.Provider]
		if !ok {
			return nil, fmt.Errorf("mock: unknown provider %q", job.Provider)
		}
		return p.Open(ctx, job.ID)
	}
}
