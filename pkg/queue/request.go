package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rmax-ai/streamguard/pkg/abort"
	"github.com/rmax-ai/streamguard/pkg/provider"
	"github.com/rmax-ai/streamguard/pkg/stream"
)

// Priority orders pending requests; higher dispatches first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority accepts "low", "normal" or "high". Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityNormal, fmt.Errorf("queue: unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is what the execution callback receives for one dispatch attempt.
type Job[P any] struct {
	ID       string
	Provider provider.ProviderID
	Attempt  int
	Payload  P
}

// ExecuteFunc starts one attempt. The returned stream is consumed by the
// queue; ctx is cancelled when the attempt is aborted. A stream implementing
// stream.RateLimitReporter hands its rate-limit metadata back on completion.
type ExecuteFunc[P, C any] func(ctx context.Context, job Job[P]) (stream.Stream[C], error)

// Snapshot is a read-only view of a request.
type Snapshot struct {
	ID          string              `json:"id"`
	Provider    provider.ProviderID `json:"provider"`
	Priority    Priority            `json:"priority"`
	Status      Status              `json:"status"`
	EnqueuedAt  time.Time           `json:"enqueued_at"`
	Attempts    int                 `json:"attempts"`
	LongCycles  int                 `json:"long_cycles"`
	NotBefore   time.Time           `json:"not_before,omitzero"`
	FinishedAt  time.Time           `json:"finished_at,omitzero"`
	Error       string              `json:"error,omitempty"`
	AbortReason abort.Reason        `json:"abort_reason,omitempty"`
}

// Outcome is the terminal result of a request.
type Outcome struct {
	ID          string
	Status      Status
	Attempts    int
	Err         error
	AbortReason abort.Reason
}

// Stats is derived from the request set on every call.
type Stats struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

type request[P, C any] struct {
	id         string
	provider   provider.ProviderID
	priority   Priority
	payload    P
	encoded    []byte
	enqueuedAt time.Time
	seq        uint64

	status      Status
	attempts    int
	quickFails  int
	longCycles  int
	notBefore   time.Time
	finishedAt  time.Time
	err         error
	abortReason abort.Reason

	onChunk  func(C)
	timeout  time.Duration
	external *abort.Signal
	cancel   *abort.Signal
	done     chan struct{}

	// set by Cancel while active; wins over any retry of the attempt
	cancelRequested bool
}

// caller holds q.mu
func (r *request[P, C]) snapshot() Snapshot {
	s := Snapshot{
		ID:          r.id,
		Provider:    r.provider,
		Priority:    r.priority,
		Status:      r.status,
		EnqueuedAt:  r.enqueuedAt,
		Attempts:    r.attempts,
		LongCycles:  r.longCycles,
		NotBefore:   r.notBefore,
		FinishedAt:  r.finishedAt,
		AbortReason: r.abortReason,
	}
	if r.err != nil {
		s.Error = r.err.Error()
	}
	return s
}

// caller holds q.mu
func (r *request[P, C]) outcome() Outcome {
	return Outcome{
		ID:          r.id,
		Status:      r.status,
		Attempts:    r.attempts,
		Err:         r.err,
		AbortReason: r.abortReason,
	}
}

// EnqueueOption customizes a single request.
type EnqueueOption[C any] func(*enqueueOptions[C])

type enqueueOptions[C any] struct {
	id       string
	onChunk  func(C)
	timeout  time.Duration
	external *abort.Signal
}

// WithChunkHandler receives every chunk of the request, in order.
func WithChunkHandler[C any](fn func(C)) EnqueueOption[C] {
	return func(o *enqueueOptions[C]) { o.onChunk = fn }
}

// WithTimeout bounds each dispatch attempt, overriding Config.RequestTimeout.
func WithTimeout[C any](d time.Duration) EnqueueOption[C] {
	return func(o *enqueueOptions[C]) { o.timeout = d }
}

// WithSignal ties the request to an external signal, e.g. to supersede it.
func WithSignal[C any](sig *abort.Signal) EnqueueOption[C] {
	return func(o *enqueueOptions[C]) { o.external = sig }
}

// WithID sets the request ID instead of generating one.
func WithID[C any](id string) EnqueueOption[C] {
	return func(o *enqueueOptions[C]) { o.id = id }
}
