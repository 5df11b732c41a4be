package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rmax-ai/streamguard/pkg/abort"
	"github.com/rmax-ai/streamguard/pkg/recovery"
	"github.com/rmax-ai/streamguard/pkg/stream"
)

func TestBreakerExecutor_OpensAfterFailures(t *testing.T) {
	calls := 0
	exec := func(ctx context.Context, job Job[string]) (stream.Stream[string], error) {
		calls++
		return nil, Retryable(errors.New("503 service unavailable"))
	}
	b := NewBreakerExecutor[string, string](exec, nil)
	job := Job[string]{ID: "1", Provider: "openai", Attempt: 1}

	for i := 0; i < 3; i++ {
		if _, err := b.Execute(context.Background(), job); !IsRetryable(err) {
			t.Fatalf("attempt %d: err = %v", i, err)
		}
	}
	if b.State("openai") != gobreaker.StateOpen {
		t.Fatalf("state = %s; want open", b.State("openai"))
	}

	_, err := b.Execute(context.Background(), job)
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v; want *RateLimitedError", err)
	}
	if rl.RetryAfter != DefaultBreakerSettings("openai").Timeout {
		t.Errorf("RetryAfter = %v", rl.RetryAfter)
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("err = %v; want to wrap ErrOpenState", err)
	}
	if calls != 3 {
		t.Errorf("exec calls = %d; want 3", calls)
	}

	// Other providers have their own breaker.
	if b.State("anthropic") != gobreaker.StateClosed {
		t.Error("anthropic breaker should be closed")
	}
}

func TestBreakerExecutor_CallerErrorsDoNotTrip(t *testing.T) {
	bad := errors.New("400 malformed request")
	exec := func(ctx context.Context, job Job[string]) (stream.Stream[string], error) {
		return nil, bad
	}
	b := NewBreakerExecutor[string, string](exec, nil)
	job := Job[string]{ID: "1", Provider: "openai"}

	for i := 0; i < 5; i++ {
		if _, err := b.Execute(context.Background(), job); err != bad {
			t.Fatalf("err = %v; want %v", err, bad)
		}
	}
	if b.State("openai") != gobreaker.StateClosed {
		t.Errorf("state = %s; want closed", b.State("openai"))
	}
}

func TestBreakerExecutor_MidStreamFailure(t *testing.T) {
	exec := func(ctx context.Context, job Job[string]) (stream.Stream[string], error) {
		ch := make(chan stream.Item[string], 1)
		ch <- stream.Item[string]{Err: Retryable(errors.New("connection reset"))}
		return stream.FromChannel(ch, nil), nil
	}
	b := NewBreakerExecutor[string, string](exec, nil)
	job := Job[string]{ID: "1", Provider: "openai"}

	for i := 0; i < 3; i++ {
		if c := b.State("openai"); c != gobreaker.StateClosed {
			t.Fatalf("before stream %d: state = %s; want closed", i, c)
		}
		s, err := b.Execute(context.Background(), job)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if _, err := s.Recv(); err == nil {
			t.Fatal("expected a stream error")
		}
		s.Close()
	}
	if b.State("openai") != gobreaker.StateOpen {
		t.Errorf("state = %s; want open after three failed streams", b.State("openai"))
	}
}

func TestBreakerExecutor_CompletedStreamsKeepClosed(t *testing.T) {
	b := NewBreakerExecutor(chunks("a"), nil)
	job := Job[string]{ID: "1", Provider: "openai"}

	for i := 0; i < 5; i++ {
		s, err := b.Execute(context.Background(), job)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if _, err := stream.Collect(s); err != nil {
			t.Fatalf("Collect: %v", err)
		}
	}
	if b.State("openai") != gobreaker.StateClosed {
		t.Errorf("state = %s; want closed", b.State("openai"))
	}
}

func TestBreakerExecutor_StalledStreamsTrip(t *testing.T) {
	mgr := recovery.NewManager[Job[string], string](recovery.Config{
		Enabled:             true,
		RecoveryAttempts:    5,
		HealthCheckInterval: 5 * time.Millisecond,
		StaleTimeout:        20 * time.Millisecond,
	}, func(ctx context.Context, streamID string, job Job[string]) (stream.Stream[string], error) {
		return nil, nil
	})
	b := NewBreakerExecutor[string, string](func(ctx context.Context, job Job[string]) (stream.Stream[string], error) {
		return newBlockingStream(), nil
	}, nil)

	cfg := testConfig()
	cfg.QuickAttempts = 3
	cfg.MaxLongCycles = 0
	q := New(cfg, b.Execute, Options[string, string]{Recovery: mgr})
	defer q.Shutdown(context.Background())
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	id := mustEnqueue(t, q, "p", "openai", PriorityNormal)
	out := mustWait(t, q, id)
	if out.Status != StatusFailed || out.Attempts != 3 {
		t.Fatalf("outcome = %+v; want failed after 3 stalled attempts", out)
	}
	var stalled *recovery.StalledError
	if !errors.As(out.Err, &stalled) {
		t.Errorf("Err = %v; want *recovery.StalledError", out.Err)
	}
	if b.State("openai") != gobreaker.StateOpen {
		t.Errorf("state = %s; want open after three stalled streams", b.State("openai"))
	}
}

func TestBreakerExecutor_AbortedStreamsDoNotTrip(t *testing.T) {
	b := NewBreakerExecutor[string, string](func(ctx context.Context, job Job[string]) (stream.Stream[string], error) {
		return newBlockingStream(), nil
	}, nil)
	job := Job[string]{ID: "1", Provider: "openai"}

	for i := 0; i < 5; i++ {
		sig := abort.NewSignal()
		ctx, cancel := sig.Context(context.Background())
		s, err := b.Execute(ctx, job)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		sig.Abort(abort.ReasonUserCancelled, nil)
		s.Close()
		cancel()
	}
	if b.State("openai") != gobreaker.StateClosed {
		t.Errorf("state = %s; want closed after user cancels", b.State("openai"))
	}
}
