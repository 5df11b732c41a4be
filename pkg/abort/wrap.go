package abort

import (
	"errors"
	"io"
	"sync"

	"github.com/rmax-ai/streamguard/pkg/ratelimit"
	"github.com/rmax-ai/streamguard/pkg/stream"
)

type recvResult[T any] struct {
	v   T
	err error
}

// SafeStream is a stream.Stream guarded by a Signal. Recv must not be called
// concurrently; Close may be called from any goroutine.
type SafeStream[T any] struct {
	src stream.Stream[T]
	sig *Signal

	closeOnce sync.Once
	closeErr  error

	mu   sync.Mutex
	term error
}

// WrapStream yields the items of src until sig fires. Once it fires, src is
// closed and every Recv returns the *Error carrying the firing reason. src is
// closed exactly once, whether the stream ends naturally, fails, is closed by
// the consumer or is aborted.
func WrapStream[T any](src stream.Stream[T], sig *Signal) *SafeStream[T] {
	return &SafeStream[T]{src: src, sig: sig}
}

func (s *SafeStream[T]) Recv() (T, error) {
	var zero T

	s.mu.Lock()
	if s.term != nil {
		err := s.term
		s.mu.Unlock()
		return zero, err
	}
	s.mu.Unlock()

	if s.sig.Aborted() {
		return zero, s.abort()
	}

	// Race the source against the signal. A receive abandoned on abort
	// drains into the buffered channel once Close unblocks it.
	ch := make(chan recvResult[T], 1)
	go func() {
		v, err := s.src.Recv()
		ch <- recvResult[T]{v: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err == nil {
			return r.v, nil
		}
		if s.sig.Aborted() {
			return zero, s.abort()
		}
		if errors.Is(r.err, io.EOF) {
			s.finish(io.EOF)
			return zero, io.EOF
		}
		s.finish(r.err)
		return zero, r.err
	case <-s.sig.Done():
		return zero, s.abort()
	}
}

// Close releases the source. Later Recv calls report stream.ErrClosed unless
// the stream already reached a terminal state.
func (s *SafeStream[T]) Close() error {
	s.mu.Lock()
	if s.term == nil {
		s.term = stream.ErrClosed
	}
	s.mu.Unlock()
	return s.cleanup()
}

// RateLimit forwards the source's rate-limit metadata, if it reports any.
func (s *SafeStream[T]) RateLimit() (ratelimit.Observation, bool) {
	if r, ok := s.src.(stream.RateLimitReporter); ok {
		return r.RateLimit()
	}
	return ratelimit.Observation{}, false
}

func (s *SafeStream[T]) abort() error {
	err := s.sig.Err()
	s.finish(err)
	return err
}

func (s *SafeStream[T]) finish(err error) {
	s.mu.Lock()
	if s.term == nil {
		s.term = err
	}
	s.mu.Unlock()
	s.cleanup()
}

func (s *SafeStream[T]) cleanup() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.src.Close()
	})
	return s.closeErr
}
