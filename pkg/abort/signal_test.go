package abort

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSignal_FirstReasonWins(t *testing.T) {
	s := NewSignal()
	if s.Aborted() || s.Err() != nil || s.Reason() != "" {
		t.Fatal("new signal must not be aborted")
	}

	if !s.Abort(ReasonSuperseded, nil) {
		t.Fatal("first Abort should report true")
	}
	if s.Abort(ReasonUserCancelled, nil) {
		t.Error("second Abort should report false")
	}
	if s.Reason() != ReasonSuperseded {
		t.Errorf("Reason = %s; want %s", s.Reason(), ReasonSuperseded)
	}
	if !errors.Is(s.Err(), ErrAborted) {
		t.Errorf("Err = %v; want ErrAborted", s.Err())
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done should be closed")
	}
}

func TestSignal_OnAbortListeners(t *testing.T) {
	s := NewSignal()
	var calls atomic.Int32
	s.OnAbort(func(e *Error) { calls.Add(1) })
	unregister := s.OnAbort(func(e *Error) { calls.Add(100) })
	unregister()
	unregister()

	s.Abort(ReasonError, errors.New("boom"))
	s.Abort(ReasonError, nil)

	if got := calls.Load(); got != 1 {
		t.Errorf("listener calls = %d; want 1", got)
	}

	// Registering after firing runs immediately.
	var late *Error
	s.OnAbort(func(e *Error) { late = e })
	if late == nil || late.Reason != ReasonError {
		t.Errorf("late listener got %v", late)
	}
}

func TestTimeoutSignal_Fires(t *testing.T) {
	s := NewTimeoutSignal(20 * time.Millisecond)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout signal never fired")
	}
	if s.Reason() != ReasonTimeout {
		t.Errorf("Reason = %s; want timeout", s.Reason())
	}
	if !errors.Is(s.Err(), context.DeadlineExceeded) {
		t.Errorf("Err should wrap DeadlineExceeded, got %v", s.Err())
	}
}

func TestTimeoutSignal_DisposeCancels(t *testing.T) {
	s := NewTimeoutSignal(20 * time.Millisecond)
	s.Dispose()
	s.Dispose()

	time.Sleep(60 * time.Millisecond)
	if s.Aborted() {
		t.Error("disposed timeout signal must not fire")
	}
}

func TestCombine_TimeoutOnly(t *testing.T) {
	timeout := NewTimeoutSignal(30 * time.Millisecond)
	user := NewSignal()
	c := Combine(timeout, user)

	var mu sync.Mutex
	var reasons []Reason
	c.OnAbort(func(e *Error) {
		mu.Lock()
		reasons = append(reasons, e.Reason)
		mu.Unlock()
	})

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("composite never fired")
	}
	// A later constituent firing is ignored.
	user.Abort(ReasonUserCancelled, nil)

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != ReasonTimeout {
		t.Errorf("observed reasons = %v; want [timeout]", reasons)
	}
	if c.Reason() != ReasonTimeout {
		t.Errorf("Reason = %s; want timeout", c.Reason())
	}
}

func TestCombine_AlreadyFired(t *testing.T) {
	a := NewSignal()
	b := NewSignal()
	b.Abort(ReasonSuperseded, nil)

	c := Combine(a, nil, b)
	if c.Reason() != ReasonSuperseded {
		t.Errorf("Reason = %s; want superseded", c.Reason())
	}
}

func TestCombine_DisposeUnregisters(t *testing.T) {
	a := NewSignal()
	c := Combine(a)
	c.Dispose()

	a.Abort(ReasonUserCancelled, nil)
	if c.Aborted() {
		t.Error("disposed composite must not fire")
	}
	a.mu.Lock()
	n := len(a.listeners)
	a.mu.Unlock()
	if n != 0 {
		t.Errorf("constituent still holds %d listeners", n)
	}
}

func TestFromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := FromContext(ctx)
	cancel()
	<-s.Done()
	if s.Reason() != ReasonUserCancelled {
		t.Errorf("Reason = %s; want user-cancelled", s.Reason())
	}

	dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer dcancel()
	ds := FromContext(dctx)
	<-ds.Done()
	if ds.Reason() != ReasonTimeout {
		t.Errorf("Reason = %s; want timeout", ds.Reason())
	}
}

func TestSignal_Context(t *testing.T) {
	s := NewSignal()
	ctx, cancel := s.Context(context.Background())
	defer cancel()

	s.Abort(ReasonUserCancelled, nil)
	<-ctx.Done()

	ae, ok := AsError(context.Cause(ctx))
	if !ok || ae.Reason != ReasonUserCancelled {
		t.Errorf("Cause = %v; want user-cancelled abort", context.Cause(ctx))
	}
}

func TestSignal_ContextCancelledBeforeDone(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := NewSignal()
		ctx, cancel := s.Context(context.Background())
		go s.Abort(ReasonUserCancelled, nil)
		<-s.Done()
		if ctx.Err() == nil {
			t.Fatal("derived context not cancelled when Done closed")
		}
		if !errors.Is(context.Cause(ctx), ErrAborted) {
			t.Errorf("cause = %v; want ErrAborted", context.Cause(ctx))
		}
		cancel()
	}
}
