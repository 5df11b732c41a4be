// Package queue admits, prioritizes and dispatches streaming requests under
// per-provider rate limits and concurrency caps.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rmax-ai/streamguard/pkg/abort"
	"github.com/rmax-ai/streamguard/pkg/backoff"
	"github.com/rmax-ai/streamguard/pkg/metrics"
	"github.com/rmax-ai/streamguard/pkg/provider"
	"github.com/rmax-ai/streamguard/pkg/ratelimit"
	"github.com/rmax-ai/streamguard/pkg/recovery"
)

const persistTimeout = 5 * time.Second

// Config holds the queue limits.
type Config struct {
	// MaxConcurrent caps active requests per provider.
	MaxConcurrent int
	// ProviderConcurrency overrides MaxConcurrent for specific providers.
	ProviderConcurrency map[provider.ProviderID]int
	// MaxQueueSize caps pending plus active requests. Zero means unbounded.
	MaxQueueSize int
	// QuickAttempts is the number of attempts per quick-retry cycle.
	QuickAttempts int
	// LongBackoff spaces quick-retry cycles.
	LongBackoff backoff.Strategy
	// MaxLongCycles is how many long waits a request may take before failing.
	MaxLongCycles int
	// RequestTimeout bounds one attempt unless the request sets its own.
	RequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  2,
		MaxQueueSize:   1000,
		QuickAttempts:  3,
		LongBackoff:    backoff.LongTier(time.Second, time.Minute),
		MaxLongCycles:  5,
		RequestTimeout: 5 * time.Minute,
	}
}

// Options wires optional collaborators into a Queue.
type Options[P, C any] struct {
	Tracker     *ratelimit.Tracker
	Recovery    *recovery.Manager[Job[P], C]
	ChunkKey    func(C) string
	Persistence Persistence
	Codec       Codec[P]
	Locker      Locker
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Now         func() time.Time

	OnChunk        func(id string, chunk C)
	OnDone         func(Outcome)
	OnPersistError func(error)
}

// Queue is a priority queue of streaming requests. All state lives behind mu;
// execution, persistence and callbacks happen outside it.
type Queue[P, C any] struct {
	cfg  Config
	exec ExecuteFunc[P, C]
	opts Options[P, C]

	mu       sync.Mutex
	requests map[string]*request[P, C]
	pending  map[string]*request[P, C]
	active   map[provider.ProviderID]int
	seq      uint64
	started  bool
	running  bool
	locked   bool
	closed   bool

	persistMu sync.Mutex
	wake      chan struct{}
	stopCh    chan struct{}
	loopDone  chan struct{}
	shutdown  *abort.Signal
	wg        sync.WaitGroup
}

func New[P, C any](cfg Config, exec ExecuteFunc[P, C], opts Options[P, C]) *Queue[P, C] {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QuickAttempts <= 0 {
		cfg.QuickAttempts = 1
	}
	if cfg.LongBackoff == nil {
		cfg.LongBackoff = backoff.LongTier(time.Second, time.Minute)
	}
	overrides := make(map[provider.ProviderID]int, len(cfg.ProviderConcurrency))
	for id, n := range cfg.ProviderConcurrency {
		overrides[id] = n
	}
	cfg.ProviderConcurrency = overrides

	if opts.Codec == nil {
		opts.Codec = JSONCodec[P]{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/rmax-ai/streamguard/pkg/queue")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Queue[P, C]{
		cfg:      cfg,
		exec:     exec,
		opts:     opts,
		requests: make(map[string]*request[P, C]),
		pending:  make(map[string]*request[P, C]),
		active:   make(map[provider.ProviderID]int),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
		shutdown: abort.NewSignal(),
	}
}

// Start locks the store, restores the persisted pending set and starts the
// scheduler. The scheduler stops when ctx is done or on Shutdown.
//
// Requests that were active when the previous process stopped are dispatched
// again: execution is at-least-once and callers must tolerate duplicates.
func (q *Queue[P, C]) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.started {
		q.mu.Unlock()
		return ErrAlreadyStarted
	}
	q.started = true
	q.mu.Unlock()

	if q.opts.Locker != nil {
		if err := q.opts.Locker.Lock(ctx); err != nil {
			return fmt.Errorf("queue: lock store: %w", err)
		}
		q.mu.Lock()
		q.locked = true
		q.mu.Unlock()
	}

	if err := q.restore(ctx); err != nil {
		q.unlockStore()
		return err
	}

	q.mu.Lock()
	q.running = true
	q.mu.Unlock()

	go q.loop(ctx)
	q.publishStats()
	return nil
}

func (q *Queue[P, C]) restore(ctx context.Context) error {
	if q.opts.Persistence == nil {
		return nil
	}
	records, err := q.opts.Persistence.Load(ctx)
	if err != nil {
		return fmt.Errorf("queue: load pending set: %w", err)
	}
	// Records come back in scheduling order, so requeued requests keep their
	// place behind later arrivals.
	var restored, redispatched int
	var bad []string
	q.mu.Lock()
	for _, rec := range records {
		if _, ok := q.requests[rec.ID]; ok {
			continue
		}
		payload, err := q.opts.Codec.Decode(rec.Payload)
		if err != nil {
			bad = append(bad, rec.ID)
			continue
		}
		r := q.addLocked(rec.ID, rec.Provider, rec.Priority, payload, rec.EnqueuedAt)
		r.encoded = rec.Payload
		r.attempts = rec.Attempts
		r.longCycles = rec.LongCycles
		r.notBefore = rec.NotBefore
		restored++
		if rec.Status == StatusActive {
			redispatched++
		}
	}
	q.mu.Unlock()

	for _, id := range bad {
		q.opts.Logger.Error("dropping persisted request with undecodable payload", "id", id)
	}
	if restored > 0 {
		q.opts.Logger.Info("restored pending requests", "count", restored)
	}
	if redispatched > 0 {
		q.opts.Logger.Warn("requests active at last shutdown will run again", "count", redispatched)
	}
	return nil
}

// Enqueue adds a pending request and returns its ID without blocking.
func (q *Queue[P, C]) Enqueue(payload P, pid provider.ProviderID, priority Priority, opts ...EnqueueOption[C]) (string, error) {
	var o enqueueOptions[C]
	for _, opt := range opts {
		opt(&o)
	}
	id := o.id
	if id == "" {
		id = uuid.NewString()
	}

	var encoded []byte
	if q.opts.Persistence != nil {
		b, err := q.opts.Codec.Encode(payload)
		if err != nil {
			return "", fmt.Errorf("queue: encode payload: %w", err)
		}
		encoded = b
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	if n := len(q.pending) + q.activeLocked(); q.cfg.MaxQueueSize > 0 && n >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %d requests", ErrQueueFull, n)
	}
	if _, ok := q.requests[id]; ok {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	r := q.addLocked(id, pid, priority, payload, q.opts.Now())
	r.encoded = encoded
	r.onChunk = o.onChunk
	r.timeout = o.timeout
	r.external = o.external
	q.mu.Unlock()

	q.opts.Logger.Debug("request enqueued", "id", id, "provider", pid, "priority", priority)
	q.changed()
	q.notify()
	return id, nil
}

// caller holds q.mu
func (q *Queue[P, C]) addLocked(id string, pid provider.ProviderID, priority Priority, payload P, at time.Time) *request[P, C] {
	q.seq++
	r := &request[P, C]{
		id:         id,
		provider:   pid,
		priority:   priority,
		payload:    payload,
		enqueuedAt: at,
		seq:        q.seq,
		status:     StatusPending,
		done:       make(chan struct{}),
	}
	q.requests[id] = r
	q.pending[id] = r
	return r
}

// caller holds q.mu
func (q *Queue[P, C]) activeLocked() int {
	n := 0
	for _, c := range q.active {
		n += c
	}
	return n
}

func (q *Queue[P, C]) limit(pid provider.ProviderID) int {
	if n, ok := q.cfg.ProviderConcurrency[pid]; ok && n > 0 {
		return n
	}
	return q.cfg.MaxConcurrent
}

func (q *Queue[P, C]) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue[P, C]) loop(ctx context.Context) {
	defer close(q.loopDone)

	q.opts.Logger.Info("queue scheduler started")
	for {
		wait, dispatched := q.dispatchReady()
		if dispatched > 0 {
			q.changed()
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			q.opts.Logger.Info("queue scheduler stopping", "reason", ctx.Err())
			return
		case <-q.stopCh:
			if timer != nil {
				timer.Stop()
			}
			q.opts.Logger.Info("queue scheduler stopping")
			return
		case <-q.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// dispatchReady starts every request that may run now and returns the time
// until the next blocked request could become eligible.
func (q *Queue[P, C]) dispatchReady() (time.Duration, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for {
		if q.closed {
			return 0, n
		}
		r, wait := q.nextLocked(q.opts.Now())
		if r == nil {
			return wait, n
		}
		q.startLocked(r)
		n++
	}
}

// nextLocked picks the highest-priority, earliest-sequenced pending request
// that has a free slot, no long-tier delay and a zero rate-limit wait.
// caller holds q.mu
func (q *Queue[P, C]) nextLocked(now time.Time) (*request[P, C], time.Duration) {
	var best *request[P, C]
	var minWait time.Duration
	shorter := func(d time.Duration) {
		if d > 0 && (minWait == 0 || d < minWait) {
			minWait = d
		}
	}

	waits := make(map[provider.ProviderID]ratelimit.WaitTime)
	for _, r := range q.pending {
		if q.active[r.provider] >= q.limit(r.provider) {
			continue
		}
		if now.Before(r.notBefore) {
			shorter(r.notBefore.Sub(now))
			continue
		}
		if q.opts.Tracker != nil {
			w, ok := waits[r.provider]
			if !ok {
				w = q.opts.Tracker.WaitTime(r.provider)
				waits[r.provider] = w
			}
			if !w.Ready() {
				shorter(w.Wait)
				continue
			}
		}
		if best == nil || r.priority > best.priority || (r.priority == best.priority && r.seq < best.seq) {
			best = r
		}
	}
	return best, minWait
}

// caller holds q.mu
func (q *Queue[P, C]) startLocked(r *request[P, C]) {
	delete(q.pending, r.id)
	r.status = StatusActive
	r.attempts++
	r.notBefore = time.Time{}
	r.cancel = abort.NewSignal()
	q.active[r.provider]++

	job := Job[P]{ID: r.id, Provider: r.provider, Attempt: r.attempts, Payload: r.payload}
	q.wg.Add(1)
	go q.execute(r, job, r.cancel)
}

func (q *Queue[P, C]) execute(r *request[P, C], job Job[P], userCancel *abort.Signal) {
	defer q.wg.Done()

	timeout := r.timeout
	if timeout <= 0 {
		timeout = q.cfg.RequestTimeout
	}
	signals := []*abort.Signal{userCancel, q.shutdown, r.external}
	var deadline *abort.Signal
	if timeout > 0 {
		deadline = abort.NewTimeoutSignal(timeout)
		signals = append(signals, deadline)
	}
	sig := abort.Combine(signals...)
	defer func() {
		sig.Dispose()
		if deadline != nil {
			deadline.Dispose()
		}
	}()

	ctx, cancel := sig.Context(context.Background())
	defer cancel()
	ctx, span := q.opts.Tracer.Start(ctx, "queue.dispatch", trace.WithAttributes(
		attribute.String("request.id", job.ID),
		attribute.String("provider", string(job.Provider)),
		attribute.String("priority", r.priority.String()),
		attribute.Int("attempt", job.Attempt),
	))
	defer span.End()

	metrics.QueueDispatchTotal.WithLabelValues(string(job.Provider), r.priority.String()).Inc()
	q.opts.Logger.Debug("dispatching request", "id", job.ID, "provider", job.Provider, "attempt", job.Attempt)

	err := q.attempt(ctx, sig, r, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	q.finish(r, err)
}

func (q *Queue[P, C]) attempt(ctx context.Context, sig *abort.Signal, r *request[P, C], job Job[P]) error {
	src, err := q.exec(ctx, job)
	if err != nil {
		if sig.Aborted() {
			return sig.Err()
		}
		return err
	}
	if src == nil {
		return nil
	}
	if q.opts.Recovery != nil {
		src = recovery.Supervise(ctx, q.opts.Recovery, job.ID, job, src, q.opts.ChunkKey)
	}

	safe := abort.WrapStream(src, sig)
	defer safe.Close()

	for {
		c, err := safe.Recv()
		if errors.Is(err, io.EOF) {
			if obs, ok := safe.RateLimit(); ok && q.opts.Tracker != nil {
				q.opts.Tracker.RecordUsage(job.Provider, obs)
			}
			return nil
		}
		if err != nil {
			return err
		}
		if r.onChunk != nil {
			r.onChunk(c)
		}
		if q.opts.OnChunk != nil {
			q.opts.OnChunk(job.ID, c)
		}
	}
}

// finish applies the result of an attempt.
func (q *Queue[P, C]) finish(r *request[P, C], err error) {
	var rl *RateLimitedError
	if errors.As(err, &rl) && q.opts.Tracker != nil {
		q.opts.Tracker.RecordRejection(r.provider, rl.RetryAfter)
	}

	q.mu.Lock()
	q.active[r.provider]--
	if q.active[r.provider] <= 0 {
		delete(q.active, r.provider)
	}
	r.cancel = nil

	now := q.opts.Now()
	var tier string
	ae, aborted := abort.AsError(err)
	switch {
	case err == nil:
		q.terminateLocked(r, StatusCompleted, nil, "", now)
	case r.cancelRequested:
		if !aborted || ae.Reason != abort.ReasonUserCancelled {
			err = &abort.Error{Reason: abort.ReasonUserCancelled, Cause: err}
		}
		q.terminateLocked(r, StatusCancelled, err, abort.ReasonUserCancelled, now)
	case aborted && errors.Is(err, ErrQueueClosed):
		// Interrupted by shutdown: stays in the persisted pending set.
		r.status = StatusPending
		q.pending[r.id] = r
	case aborted:
		q.terminateLocked(r, StatusCancelled, err, ae.Reason, now)
	case IsRetryable(err):
		tier = q.retryLocked(r, err, now)
	default:
		q.terminateLocked(r, StatusFailed, err, "", now)
	}
	out := r.outcome()
	notBefore := r.notBefore
	q.mu.Unlock()

	switch {
	case tier != "":
		metrics.QueueRetryTotal.WithLabelValues(string(r.provider), tier).Inc()
		q.opts.Logger.Warn("request requeued", "id", out.ID, "provider", r.provider, "attempt", out.Attempts, "tier", tier, "not_before", notBefore, "error", err)
	case out.Status == StatusFailed:
		q.opts.Logger.Error("request failed", "id", out.ID, "provider", r.provider, "attempts", out.Attempts, "error", out.Err)
	case out.Status == StatusCancelled:
		q.opts.Logger.Info("request cancelled", "id", out.ID, "reason", out.AbortReason)
	}

	q.changed()
	q.notify()
	if out.Status.Terminal() && q.opts.OnDone != nil {
		q.opts.OnDone(out)
	}
}

// retryLocked requeues r at the back of its tier, or fails it once every long
// cycle is spent. It returns the retry tier, or "" when r failed.
// caller holds q.mu
func (q *Queue[P, C]) retryLocked(r *request[P, C], err error, now time.Time) string {
	r.quickFails++
	tier := "quick"
	if r.quickFails >= q.cfg.QuickAttempts {
		if r.longCycles >= q.cfg.MaxLongCycles {
			q.terminateLocked(r, StatusFailed, fmt.Errorf("queue: giving up after %d attempts: %w", r.attempts, err), "", now)
			return ""
		}
		var floor time.Duration
		if q.opts.Tracker != nil {
			floor = q.opts.Tracker.WaitTime(r.provider).Wait
		}
		wait := backoff.AtLeast(q.cfg.LongBackoff, r.longCycles, floor)
		r.longCycles++
		r.quickFails = 0
		r.notBefore = now.Add(wait)
		tier = "long"
	}

	q.seq++
	r.seq = q.seq
	r.status = StatusPending
	r.err = err
	q.pending[r.id] = r
	return tier
}

// caller holds q.mu
func (q *Queue[P, C]) terminateLocked(r *request[P, C], status Status, err error, reason abort.Reason, now time.Time) {
	delete(q.pending, r.id)
	r.status = status
	r.err = err
	r.abortReason = reason
	r.finishedAt = now
	r.notBefore = time.Time{}
	close(r.done)
}

// Cancel cancels a request. A pending request is cancelled before Cancel
// returns. An active request is signalled and becomes cancelled once its
// attempt observes the signal.
func (q *Queue[P, C]) Cancel(id string) error {
	q.mu.Lock()
	r, ok := q.requests[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	switch r.status {
	case StatusPending:
		q.terminateLocked(r, StatusCancelled, &abort.Error{Reason: abort.ReasonUserCancelled}, abort.ReasonUserCancelled, q.opts.Now())
		out := r.outcome()
		q.mu.Unlock()

		q.opts.Logger.Info("request cancelled", "id", id, "reason", out.AbortReason)
		q.changed()
		q.notify()
		if q.opts.OnDone != nil {
			q.opts.OnDone(out)
		}
		return nil

	case StatusActive:
		r.cancelRequested = true
		sig := r.cancel
		q.mu.Unlock()
		sig.Abort(abort.ReasonUserCancelled, nil)
		return nil
	}

	status := r.status
	q.mu.Unlock()
	return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, status)
}

// Stats counts requests by status.
func (q *Queue[P, C]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	for _, r := range q.requests {
		switch r.status {
		case StatusPending:
			s.Pending++
		case StatusActive:
			s.Active++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Get returns a snapshot of one request.
func (q *Queue[P, C]) Get(id string) (Snapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.requests[id]
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshot(), true
}

// List returns snapshots of every known request in enqueue order.
func (q *Queue[P, C]) List() []Snapshot {
	q.mu.Lock()
	rs := make([]*request[P, C], 0, len(q.requests))
	for _, r := range q.requests {
		rs = append(rs, r)
	}
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].enqueuedAt.Equal(rs[j].enqueuedAt) {
			return rs[i].enqueuedAt.Before(rs[j].enqueuedAt)
		}
		return rs[i].id < rs[j].id
	})
	out := make([]Snapshot, len(rs))
	for i, r := range rs {
		out[i] = r.snapshot()
	}
	q.mu.Unlock()
	return out
}

// Wait blocks until the request reaches a terminal status.
func (q *Queue[P, C]) Wait(ctx context.Context, id string) (Outcome, error) {
	q.mu.Lock()
	r, ok := q.requests[id]
	if !ok {
		q.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	done := r.done
	q.mu.Unlock()

	outcome := func() Outcome {
		q.mu.Lock()
		defer q.mu.Unlock()
		return r.outcome()
	}

	select {
	case <-done:
		return outcome(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-q.stopCh:
		select {
		case <-done:
			return outcome(), nil
		default:
		}
		return outcome(), ErrQueueClosed
	}
}

// Prune forgets terminal requests that finished more than olderThan ago.
func (q *Queue[P, C]) Prune(olderThan time.Duration) int {
	cutoff := q.opts.Now().Add(-olderThan)

	q.mu.Lock()
	n := 0
	for id, r := range q.requests {
		if r.status.Terminal() && r.finishedAt.Before(cutoff) {
			delete(q.requests, id)
			n++
		}
	}
	q.mu.Unlock()

	if n > 0 {
		q.opts.Logger.Info("pruned finished requests", "count", n)
		q.publishStats()
	}
	return n
}

// Shutdown stops dispatching, aborts active attempts as superseded and waits
// for them to return. Interrupted requests stay pending in the persisted set.
func (q *Queue[P, C]) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	running := q.running
	q.mu.Unlock()

	close(q.stopCh)
	if running {
		<-q.loopDone
	}
	q.shutdown.Abort(abort.ReasonSuperseded, ErrQueueClosed)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("queue: waiting for active requests: %w", ctx.Err())
	}

	q.persist()
	q.unlockStore()
	q.opts.Logger.Info("queue stopped", "stats", q.Stats())
	return err
}

func (q *Queue[P, C]) unlockStore() {
	q.mu.Lock()
	locked := q.locked
	q.locked = false
	q.mu.Unlock()
	if !locked {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := q.opts.Locker.Unlock(ctx); err != nil {
		q.opts.Logger.Warn("failed to release store lock", "error", err)
	}
}

func (q *Queue[P, C]) changed() {
	q.publishStats()
	q.persist()
}

func (q *Queue[P, C]) publishStats() {
	s := q.Stats()
	metrics.QueueRequests.WithLabelValues(string(StatusPending)).Set(float64(s.Pending))
	metrics.QueueRequests.WithLabelValues(string(StatusActive)).Set(float64(s.Active))
	metrics.QueueRequests.WithLabelValues(string(StatusCompleted)).Set(float64(s.Completed))
	metrics.QueueRequests.WithLabelValues(string(StatusFailed)).Set(float64(s.Failed))
	metrics.QueueRequests.WithLabelValues(string(StatusCancelled)).Set(float64(s.Cancelled))
}

// persist saves the pending and active requests. Saves are serialized so the
// last one written always reflects the latest state.
func (q *Queue[P, C]) persist() {
	if q.opts.Persistence == nil {
		return
	}
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	records := q.recordsLocked()
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := q.opts.Persistence.Save(ctx, records); err != nil {
		metrics.QueuePersistErrors.Inc()
		q.opts.Logger.Error("failed to persist pending set", "records", len(records), "error", err)
		if q.opts.OnPersistError != nil {
			q.opts.OnPersistError(err)
		}
	}
}

// caller holds q.mu
func (q *Queue[P, C]) recordsLocked() []Record {
	rs := make([]*request[P, C], 0, len(q.pending)+q.activeLocked())
	for _, r := range q.requests {
		if r.status == StatusPending || r.status == StatusActive {
			rs = append(rs, r)
		}
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].seq < rs[j].seq })

	out := make([]Record, len(rs))
	for i, r := range rs {
		out[i] = Record{
			ID:         r.id,
			Provider:   r.provider,
			Priority:   r.priority,
			Status:     r.status,
			EnqueuedAt: r.enqueuedAt,
			Attempts:   r.attempts,
			LongCycles: r.longCycles,
			NotBefore:  r.notBefore,
			Payload:    r.encoded,
		}
	}
	return out
}
