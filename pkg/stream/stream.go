// Package stream defines the pull-based chunk sequence shared by the queue,
// the abort controller and the recovery manager.
package stream

import (
	"errors"
	"io"
	"sync"

	"github.com/rmax-ai/streamguard/pkg/ratelimit"
)

// Stream yields values until io.EOF.
//
// Implementations should return io.EOF once the stream finishes normally.
// Close releases the underlying connection and must be safe to call while a
// Recv is blocked.
type Stream[T any] interface {
	Recv() (T, error)
	Close() error
}

// RateLimitReporter is implemented by streams that carry rate-limit metadata
// once they have been drained.
type RateLimitReporter interface {
	RateLimit() (ratelimit.Observation, bool)
}

var ErrClosed = errors.New("stream: closed")

type sliceStream[T any] struct {
	mu     sync.Mutex
	items  []T
	pos    int
	closed bool
}

// FromSlice returns a stream over a fixed set of items.
func FromSlice[T any](items []T) Stream[T] {
	return &sliceStream[T]{items: items}
}

func (s *sliceStream[T]) Recv() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if s.closed {
		return zero, ErrClosed
	}
	if s.pos >= len(s.items) {
		return zero, io.EOF
	}
	v := s.items[s.pos]
	s.pos++
	return v, nil
}

func (s *sliceStream[T]) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Item is a value or a terminal error delivered over a channel.
type Item[T any] struct {
	Value T
	Err   error
}

type chanStream[T any] struct {
	ch        <-chan Item[T]
	stop      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

// FromChannel adapts a producer channel. A closed channel ends the stream with
// io.EOF; an Item with Err set ends it with that error. onClose, if non-nil,
// runs once when the consumer closes the stream.
func FromChannel[T any](ch <-chan Item[T], onClose func()) Stream[T] {
	return &chanStream[T]{ch: ch, stop: make(chan struct{}), onClose: onClose}
}

func (s *chanStream[T]) Recv() (T, error) {
	var zero T
	select {
	case <-s.stop:
		return zero, ErrClosed
	case it, ok := <-s.ch:
		if !ok {
			return zero, io.EOF
		}
		if it.Err != nil {
			return zero, it.Err
		}
		return it.Value, nil
	}
}

func (s *chanStream[T]) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

// Collect drains a stream and closes it.
func Collect[T any](s Stream[T]) ([]T, error) {
	defer s.Close()

	var out []T
	for {
		v, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, v)
	}
}
