// Package recovery detects stalled streams and resumes them through a
// caller-supplied recovery function, bounded by a per-stream attempt budget.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rmax-ai/streamguard/pkg/metrics"
	"github.com/rmax-ai/streamguard/pkg/stream"
)

var (
	ErrRecoveryDisabled    = errors.New("recovery: disabled")
	ErrMaxAttemptsExceeded = errors.New("recovery: max attempts exceeded")
	ErrStreamCompleted     = errors.New("recovery: stream already completed")
	ErrCannotResume        = errors.New("recovery: stream cannot be resumed")
	ErrAlreadyMonitoring   = errors.New("recovery: stream is already monitored")
)

// Config controls stale detection and the recovery budget.
type Config struct {
	Enabled             bool
	RecoveryAttempts    int
	HealthCheckInterval time.Duration
	StaleTimeout        time.Duration

	// Notifications only; they never alter control flow.
	OnStale    func(streamID string, staleFor time.Duration)
	OnRecovery func(streamID string, attempt int, ok bool)
}

func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		RecoveryAttempts:    5,
		HealthCheckInterval: 5 * time.Second,
		StaleTimeout:        30 * time.Second,
	}
}

// StreamState is the caller's view of a stream when asking about it.
type StreamState struct {
	Completed bool
	Err       error
}

// RecoverFunc re-establishes a stream. Returning a nil stream and a nil error
// means the stream cannot be resumed.
type RecoverFunc[R, C any] func(ctx context.Context, streamID string, original R) (stream.Stream[C], error)

// Result is the outcome of a recovery attempt.
type Result[C any] struct {
	Stream  stream.Stream[C]
	Attempt int
	Err     error
}

func (r Result[C]) Success() bool { return r.Err == nil && r.Stream != nil }

// HealthStatus is a point-in-time view of a stream.
type HealthStatus struct {
	IsStale            bool          `json:"is_stale"`
	IsHealthy          bool          `json:"is_healthy"`
	CanRecover         bool          `json:"can_recover"`
	TimeSinceLastChunk time.Duration `json:"time_since_last_chunk"`
	RecoveryAttempts   int           `json:"recovery_attempts"`
}

type session struct {
	attempts int
	stop     func()
	gen      uint64
}

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces the clock used for staleness arithmetic.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Manager supervises stream sessions keyed by stream ID.
type Manager[R, C any] struct {
	cfg       Config
	recoverFn RecoverFunc[R, C]
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a manager. Non-positive RecoveryAttempts,
// HealthCheckInterval and StaleTimeout take their DefaultConfig values.
func NewManager[R, C any](cfg Config, fn RecoverFunc[R, C], opts ...Option) *Manager[R, C] {
	def := DefaultConfig()
	if cfg.RecoveryAttempts <= 0 {
		cfg.RecoveryAttempts = def.RecoveryAttempts
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = def.StaleTimeout
	}

	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager[R, C]{
		cfg:       cfg,
		recoverFn: fn,
		logger:    o.logger,
		now:       o.now,
		sessions:  make(map[string]*session),
	}
}

// Config returns the manager's configuration.
func (m *Manager[R, C]) Config() Config { return m.cfg }

// caller holds m.mu
func (m *Manager[R, C]) sessionFor(streamID string) *session {
	s, ok := m.sessions[streamID]
	if !ok {
		s = &session{}
		m.sessions[streamID] = s
	}
	return s
}

// StartMonitoring checks lastChunk every HealthCheckInterval. The first time
// the stream has been silent for longer than StaleTimeout, onStale runs once
// and monitoring stops; the caller restarts it after recovering. The returned
// stop func is idempotent.
func (m *Manager[R, C]) StartMonitoring(streamID string, lastChunk func() time.Time, onStale func()) (func(), error) {
	m.mu.Lock()
	s := m.sessionFor(streamID)
	if s.stop != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyMonitoring, streamID)
	}
	s.gen++
	gen := s.gen
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			m.clearMonitor(streamID, gen)
		})
	}
	s.stop = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.cfg.HealthCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				staleFor := m.now().Sub(lastChunk())
				if staleFor <= m.cfg.StaleTimeout {
					continue
				}
				select {
				case <-done:
					return
				default:
				}
				stop()

				metrics.StreamStaleTotal.Inc()
				m.logger.Warn("stream stale", "stream_id", streamID, "stale_for", staleFor)
				m.notifyStale(streamID, staleFor)
				if onStale != nil {
					onStale()
				}
				return
			}
		}
	}()

	return stop, nil
}

func (m *Manager[R, C]) clearMonitor(streamID string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[streamID]; ok && s.gen == gen {
		s.stop = nil
	}
}

// Monitoring reports whether a monitor is running for the stream.
func (m *Manager[R, C]) Monitoring(streamID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[streamID]
	return ok && s.stop != nil
}

// RecoverStream makes one recovery attempt for streamID.
func (m *Manager[R, C]) RecoverStream(ctx context.Context, streamID string, original R, state StreamState) Result[C] {
	if !m.cfg.Enabled {
		metrics.StreamRecoveryTotal.WithLabelValues("rejected").Inc()
		return Result[C]{Err: ErrRecoveryDisabled}
	}

	m.mu.Lock()
	s := m.sessionFor(streamID)
	if s.attempts >= m.cfg.RecoveryAttempts {
		attempts := s.attempts
		m.mu.Unlock()
		metrics.StreamRecoveryTotal.WithLabelValues("rejected").Inc()
		return Result[C]{Attempt: attempts, Err: fmt.Errorf("%w: %d of %d", ErrMaxAttemptsExceeded, attempts, m.cfg.RecoveryAttempts)}
	}
	if state.Completed {
		m.mu.Unlock()
		metrics.StreamRecoveryTotal.WithLabelValues("rejected").Inc()
		return Result[C]{Err: ErrStreamCompleted}
	}
	s.attempts++
	attempt := s.attempts
	m.mu.Unlock()

	str, err := m.recoverFn(ctx, streamID, original)
	if err == nil && str == nil {
		err = ErrCannotResume
	}
	if err != nil {
		metrics.StreamRecoveryTotal.WithLabelValues("failure").Inc()
		m.logger.Warn("stream recovery failed", "stream_id", streamID, "attempt", attempt, "error", err)
		m.notifyRecovery(streamID, attempt, false)
		return Result[C]{Attempt: attempt, Err: fmt.Errorf("recover %s: %w", streamID, err)}
	}

	m.mu.Lock()
	if s, ok := m.sessions[streamID]; ok {
		s.attempts = 0
	}
	m.mu.Unlock()

	metrics.StreamRecoveryTotal.WithLabelValues("success").Inc()
	m.logger.Info("stream recovered", "stream_id", streamID, "attempt", attempt)
	m.notifyRecovery(streamID, attempt, true)
	return Result[C]{Stream: str, Attempt: attempt}
}

// HealthStatus computes a snapshot without side effects.
func (m *Manager[R, C]) HealthStatus(streamID string, lastChunk time.Time, state StreamState) HealthStatus {
	m.mu.Lock()
	attempts := 0
	if s, ok := m.sessions[streamID]; ok {
		attempts = s.attempts
	}
	m.mu.Unlock()

	since := m.now().Sub(lastChunk)
	stale := since > m.cfg.StaleTimeout
	return HealthStatus{
		IsStale:            stale,
		IsHealthy:          !stale && !state.Completed && state.Err == nil,
		CanRecover:         m.cfg.Enabled && !state.Completed && attempts < m.cfg.RecoveryAttempts,
		TimeSinceLastChunk: since,
		RecoveryAttempts:   attempts,
	}
}

// StopMonitoring stops the stream's monitor, if any. The attempt counter is kept.
func (m *Manager[R, C]) StopMonitoring(streamID string) {
	m.mu.Lock()
	var stop func()
	if s, ok := m.sessions[streamID]; ok {
		stop = s.stop
	}
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Forget stops monitoring and drops all state for the stream.
func (m *Manager[R, C]) Forget(streamID string) {
	m.StopMonitoring(streamID)
	m.mu.Lock()
	delete(m.sessions, streamID)
	m.mu.Unlock()
}

// StopAll releases every monitor. Used at shutdown.
func (m *Manager[R, C]) StopAll() {
	m.mu.Lock()
	stops := make([]func(), 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.stop != nil {
			stops = append(stops, s.stop)
		}
	}
	m.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

func (m *Manager[R, C]) notifyStale(streamID string, staleFor time.Duration) {
	if m.cfg.OnStale == nil {
		return
	}
	defer m.recoverCallback("OnStale")
	m.cfg.OnStale(streamID, staleFor)
}

func (m *Manager[R, C]) notifyRecovery(streamID string, attempt int, ok bool) {
	if m.cfg.OnRecovery == nil {
		return
	}
	defer m.recoverCallback("OnRecovery")
	m.cfg.OnRecovery(streamID, attempt, ok)
}

func (m *Manager[R, C]) recoverCallback(name string) {
	if r := recover(); r != nil {
		m.logger.Error("recovery callback panicked", "callback", name, "panic", r)
	}
}
