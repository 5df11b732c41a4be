package api

import (
	"encoding/json"
	"time"

	"github.com/rmax-ai/streamguard/pkg/provider"
	"github.com/rmax-ai/streamguard/pkg/queue"
	"github.com/rmax-ai/streamguard/pkg/ratelimit"
)

// EnqueueRequest matches the POST /v1/requests body schema
type EnqueueRequest struct {
	ID       string          `json:"id,omitempty"`
	Provider string          `json:"provider"`
	Priority string          `json:"priority,omitempty"` // low, normal, high
	Payload  json.RawMessage `json:"payload,omitempty"`
	Timeout  string          `json:"timeout,omitempty"` // e.g. "30s"
	Wait     bool            `json:"wait,omitempty"`    // block until the request finishes
}

// RequestResponse describes one request, with its output once available.
type RequestResponse struct {
	queue.Snapshot
	Output string `json:"output,omitempty"`
}

// WaitResponse matches GET /v1/providers/{provider}/wait
type WaitResponse struct {
	Provider provider.ProviderID `json:"provider"`
	WaitMs   int64               `json:"wait_ms"`
	Reason   ratelimit.Reason    `json:"reason"`
	Ready    bool                `json:"ready"`
}

// RejectionRequest matches POST /v1/providers/{provider}/rejection
type RejectionRequest struct {
	RetryAfter string `json:"retry_after"` // e.g. "30s"
}

// ProviderState is one entry of GET /v1/providers
type ProviderState struct {
	Provider provider.ProviderID `json:"provider"`
	ratelimit.Info
	WaitMs int64            `json:"wait_ms"`
	Reason ratelimit.Reason `json:"reason"`
}

// PruneResponse matches POST /v1/admin/prune
type PruneResponse struct {
	Status        string `json:"status"`
	PrunedCount   int    `json:"pruned_count"`
	RetentionUsed string `json:"retention_used"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
