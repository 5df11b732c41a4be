package abort

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Reason names why an operation was aborted.
type Reason string

const (
	ReasonUserCancelled Reason = "user-cancelled"
	ReasonTimeout       Reason = "timeout"
	ReasonError         Reason = "error"
	ReasonSuperseded    Reason = "superseded"
)

// ErrAborted matches every *Error via errors.Is.
var ErrAborted = errors.New("abort: operation aborted")

// Error is the distinguished outcome observed by consumers of an aborted
// operation. It is never conflated with the operation's own failures.
type Error struct {
	Reason Reason
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("abort: %s: %v", e.Reason, e.Cause)
	}
	return "abort: " + string(e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool { return target == ErrAborted }

// AsError extracts the abort outcome from err, if any.
func AsError(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

type listener struct {
	id uint64
	fn func(*Error)
}

// Signal is a one-shot cancellation signal. The first Abort wins; its reason
// is the only one ever observed. Listeners, including contexts derived with
// Context, run before Done is closed and before Aborted reports true.
type Signal struct {
	mu        sync.Mutex
	done      chan struct{}
	err       *Error
	fired     bool
	listeners []listener
	nextID    uint64
	disposers []func()
	disposed  bool
}

// NewSignal returns a signal that fires only when Abort is called.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// NewTimeoutSignal returns a signal that fires with ReasonTimeout after d
// unless Dispose is called first. Dispose stops the underlying timer.
func NewTimeoutSignal(d time.Duration) *Signal {
	s := NewSignal()
	timer := time.AfterFunc(d, func() {
		s.Abort(ReasonTimeout, context.DeadlineExceeded)
	})
	s.addDisposer(func() { timer.Stop() })
	return s
}

// FromContext returns a signal that fires when ctx is done: ReasonTimeout for
// an expired deadline, ReasonUserCancelled otherwise.
func FromContext(ctx context.Context) *Signal {
	s := NewSignal()
	stop := context.AfterFunc(ctx, func() {
		reason := ReasonUserCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		s.Abort(reason, context.Cause(ctx))
	})
	s.addDisposer(func() { stop() })
	return s
}

// Combine merges signals into a composite that fires the first time any
// constituent fires, carrying that constituent's reason. Nil entries are
// skipped. A constituent that has already fired fires the composite at once.
func Combine(signals ...*Signal) *Signal {
	c := NewSignal()
	for _, sig := range signals {
		if sig == nil {
			continue
		}
		unregister := sig.OnAbort(func(e *Error) {
			c.Abort(e.Reason, e.Cause)
		})
		c.addDisposer(unregister)
	}
	return c
}

// Abort fires the signal. It returns false when the signal had already fired
// or was disposed.
func (s *Signal) Abort(reason Reason, cause error) bool {
	s.mu.Lock()
	if s.err != nil || s.disposed {
		s.mu.Unlock()
		return false
	}
	e := &Error{Reason: reason, Cause: cause}
	s.err = e
	ls := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, l := range ls {
		l.fn(e)
	}

	s.mu.Lock()
	s.fired = true
	close(s.done)
	s.mu.Unlock()
	s.Dispose()
	return true
}

// Done is closed when the signal fires.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Aborted reports whether the signal has fired.
func (s *Signal) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// Err returns the abort outcome, or nil if the signal has not fired.
func (s *Signal) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fired {
		return nil
	}
	return s.err
}

// Reason returns the firing reason, or "" if the signal has not fired.
func (s *Signal) Reason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fired {
		return ""
	}
	return s.err.Reason
}

// OnAbort registers fn to run when the signal fires. If it already fired, fn
// runs immediately. The returned function unregisters fn and is idempotent.
func (s *Signal) OnAbort(fn func(*Error)) func() {
	s.mu.Lock()
	if s.err != nil {
		e := s.err
		s.mu.Unlock()
		fn(e)
		return func() {}
	}
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// Context derives a context that is cancelled, with the abort outcome as its
// cause, when the signal fires. The returned cancel func detaches it.
func (s *Signal) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	unregister := s.OnAbort(func(e *Error) { cancel(e) })
	return ctx, func() {
		unregister()
		cancel(context.Canceled)
	}
}

// Dispose releases timers and upstream registrations without firing.
// A disposed signal never fires. Safe to call multiple times.
func (s *Signal) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	ds := s.disposers
	s.disposers = nil
	s.listeners = nil
	s.mu.Unlock()

	for _, d := range ds {
		d()
	}
}

func (s *Signal) addDisposer(fn func()) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		fn()
		return
	}
	s.disposers = append(s.disposers, fn)
	s.mu.Unlock()
}
