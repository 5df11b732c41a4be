package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rmax-ai/streamguard/pkg/ratelimit"
	"github.com/rmax-ai/streamguard/pkg/stream"
)

// StalledError reports a stream that went silent and could not be resumed.
type StalledError struct {
	StreamID string
	StaleFor time.Duration
	Err      error
}

func (e *StalledError) Error() string {
	return fmt.Sprintf("stream %s stalled for %s: %v", e.StreamID, e.StaleFor.Round(time.Millisecond), e.Err)
}

func (e *StalledError) Unwrap() error { return e.Err }

type recvResult[C any] struct {
	v   C
	err error
}

type supervised[R, C any] struct {
	ctx      context.Context
	m        *Manager[R, C]
	streamID string
	original R
	keyFn    func(C) string

	lastChunk atomic.Int64

	mu      sync.Mutex
	src     stream.Stream[C]
	closed  bool
	stop    func()
	stale   chan struct{}
	resumed bool
	seen    map[string]struct{}
	term    error
}

// Supervise wraps src so that a stall is detected by m and answered with
// RecoverStream. Chunks re-delivered by a resumed stream are skipped by key,
// as MergeChunks would. When recovery is impossible or exhausted, Recv
// returns a *StalledError. Recv must not be called concurrently.
func Supervise[R, C any](ctx context.Context, m *Manager[R, C], streamID string, original R, src stream.Stream[C], keyFn func(C) string) stream.Stream[C] {
	if keyFn == nil {
		keyFn = CanonicalKey[C]
	}
	s := &supervised[R, C]{
		ctx:      ctx,
		m:        m,
		streamID: streamID,
		original: original,
		keyFn:    keyFn,
		src:      src,
		seen:     make(map[string]struct{}),
	}
	s.touch()
	return s
}

func (s *supervised[R, C]) touch() {
	s.lastChunk.Store(s.m.now().UnixNano())
}

func (s *supervised[R, C]) lastChunkTime() time.Time {
	return time.Unix(0, s.lastChunk.Load())
}

// caller holds s.mu
func (s *supervised[R, C]) monitor() error {
	if s.stop != nil {
		return nil
	}
	stale := make(chan struct{})
	stop, err := s.m.StartMonitoring(s.streamID, s.lastChunkTime, func() { close(stale) })
	if err != nil {
		return err
	}
	s.stop = stop
	s.stale = stale
	return nil
}

func (s *supervised[R, C]) Recv() (C, error) {
	var zero C
	for {
		s.mu.Lock()
		if s.term != nil {
			err := s.term
			s.mu.Unlock()
			return zero, err
		}
		if err := s.monitor(); err != nil {
			s.mu.Unlock()
			return zero, err
		}
		src, stale := s.src, s.stale
		s.mu.Unlock()

		ch := make(chan recvResult[C], 1)
		go func() {
			v, err := src.Recv()
			ch <- recvResult[C]{v: v, err: err}
		}()

		select {
		case r := <-ch:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					s.finish(io.EOF)
					return zero, io.EOF
				}
				s.finish(r.err)
				return zero, r.err
			}
			s.touch()
			if s.duplicate(r.v) {
				continue
			}
			return r.v, nil

		case <-stale:
			if err := s.resume(); err != nil {
				s.finish(err)
				return zero, err
			}

		case <-s.ctx.Done():
			err := context.Cause(s.ctx)
			s.finish(err)
			return zero, err
		}
	}
}

// duplicate records v and reports whether a resumed stream already delivered it.
func (s *supervised[R, C]) duplicate(v C) bool {
	k := s.keyFn(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[k]; ok && s.resumed {
		return true
	}
	s.seen[k] = struct{}{}
	return false
}

func (s *supervised[R, C]) resume() error {
	staleFor := s.m.now().Sub(s.lastChunkTime())
	s.closeSource()

	res := s.m.RecoverStream(s.ctx, s.streamID, s.original, StreamState{})
	if !res.Success() {
		return &StalledError{StreamID: s.streamID, StaleFor: staleFor, Err: res.Err}
	}

	s.mu.Lock()
	s.src = res.Stream
	s.closed = false
	s.stop = nil
	s.stale = nil
	s.resumed = true
	s.mu.Unlock()
	s.touch()
	return nil
}

func (s *supervised[R, C]) finish(err error) {
	s.mu.Lock()
	if s.term == nil {
		s.term = err
	}
	s.mu.Unlock()

	s.closeSource()
	s.m.Forget(s.streamID)
}

// closes the current source at most once
func (s *supervised[R, C]) closeSource() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	src := s.src
	s.mu.Unlock()
	return src.Close()
}

func (s *supervised[R, C]) Close() error {
	s.mu.Lock()
	if s.term == nil {
		s.term = stream.ErrClosed
	}
	s.mu.Unlock()

	s.m.Forget(s.streamID)
	return s.closeSource()
}

func (s *supervised[R, C]) RateLimit() (ratelimit.Observation, bool) {
	s.mu.Lock()
	src := s.src
	s.mu.Unlock()
	if r, ok := src.(stream.RateLimitReporter); ok {
		return r.RateLimit()
	}
	return ratelimit.Observation{}, false
}
