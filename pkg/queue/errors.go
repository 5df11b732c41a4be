package queue

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/rmax-ai/streamguard/pkg/provider"
	"github.com/rmax-ai/streamguard/pkg/recovery"
)

var (
	ErrQueueFull       = errors.New("queue: full")
	ErrQueueClosed     = errors.New("queue: closed")
	ErrNotFound        = errors.New("queue: request not found")
	ErrAlreadyTerminal = errors.New("queue: request already terminal")
	ErrDuplicateID     = errors.New("queue: duplicate request id")
	ErrAlreadyStarted  = errors.New("queue: already started")
)

// RateLimitedError reports a provider rejection. The queue records it with the
// rate-limit tracker and retries the request.
type RateLimitedError struct {
	Provider   provider.ProviderID
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	msg := fmt.Sprintf("rate limited by %s (retry after %s)", e.Provider, e.RetryAfter)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient so the queue retries the request.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable classifies an attempt failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var re *retryableError
	if errors.As(err, &re) {
		return true
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	var stalled *recovery.StalledError
	if errors.As(err, &stalled) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
