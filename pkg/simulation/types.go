package simulation

import (
	"time"

	"github.com/rmax-ai/streamguard/pkg/provider"
	"github.com/rmax-ai/streamguard/pkg/provider/mock"
)

// SimulationResult captures the final state of the simulation for reporting
type SimulationResult struct {
	ScenarioName    string                             `json:"scenario_name"`
	Duration        time.Duration                      `json:"duration"`
	TotalRequests   uint64                             `json:"total_requests"`
	TotalRejected   uint64                             `json:"total_rejected"`
	TotalCompleted  uint64                             `json:"total_completed"`
	TotalFailed     uint64                             `json:"total_failed"`
	TotalCancelled  uint64                             `json:"total_cancelled"`
	TotalUnfinished uint64                             `json:"total_unfinished"`
	TotalInjected   uint64                             `json:"total_injected"`
	TotalRecovered  uint64                             `json:"total_recovered"`
	AgentStats      map[string]*AgentStats             `json:"agent_stats"`
	ProviderStats   map[provider.ProviderID]mock.Stats `json:"provider_stats"`
	Invariants      []InvariantResult                  `json:"invariants"`
	Success         bool                               `json:"success"`
}

// AgentStats counts requests per agent group. Requests includes rejections.
type AgentStats struct {
	Requests  uint64 `json:"requests"`
	Rejected  uint64 `json:"rejected"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
}

type InvariantResult struct {
	Metric   string `json:"metric"`
	Scope    string `json:"scope"`
	Expected string `json:"expected"` // e.g. "> 0.95"
	Actual   string `json:"actual"`   // e.g. "0.98"
	Passed   bool   `json:"passed"`
}

type Scenario struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description" yaml:"description"`
	Duration    time.Duration    `json:"duration" yaml:"duration"`
	Drain       time.Duration    `json:"drain" yaml:"drain"` // how long to wait for in-flight requests
	Seed        int64            `json:"seed" yaml:"seed"`   // Deterministic seed
	Queue       QueueConfig      `json:"queue" yaml:"queue"`
	Providers   []ProviderConfig `json:"providers" yaml:"providers"`
	Agents      []AgentConfig    `json:"agents" yaml:"agents"`
	Sabotage    *SabotageConfig  `json:"sabotage,omitempty" yaml:"sabotage,omitempty"`
	Invariants  []Invariant      `json:"invariants,omitempty" yaml:"invariants,omitempty"`
}

type Invariant struct {
	Metric    string  `json:"metric" yaml:"metric"`       // completion_rate, failure_rate, cancel_rate, rejection_rate
	Condition string  `json:"condition" yaml:"condition"` // e.g., ">", "<", ">=", "<="
	Value     float64 `json:"value" yaml:"value"`
	Scope     string  `json:"scope" yaml:"scope"` // "global" or specific agent name
}

// QueueConfig tunes the in-process queue. Zero values take queue defaults.
type QueueConfig struct {
	MaxConcurrent    int           `json:"max_concurrent" yaml:"max_concurrent"`
	MaxQueueSize     int           `json:"max_queue_size" yaml:"max_queue_size"`
	QuickAttempts    int           `json:"quick_attempts" yaml:"quick_attempts"`
	MaxLongCycles    int           `json:"max_long_cycles" yaml:"max_long_cycles"`
	RequestTimeout   time.Duration `json:"request_timeout" yaml:"request_timeout"`
	StaleTimeout     time.Duration `json:"stale_timeout" yaml:"stale_timeout"`
	RecoveryAttempts int           `json:"recovery_attempts" yaml:"recovery_attempts"`
	Breaker          bool          `json:"breaker" yaml:"breaker"`
}

type ProviderConfig struct {
	ID         provider.ProviderID `json:"id" yaml:"id"`
	Chunks     int                 `json:"chunks" yaml:"chunks"`
	ChunkDelay time.Duration       `json:"chunk_delay" yaml:"chunk_delay"`
	Limit      int64               `json:"limit" yaml:"limit"` // requests per window
	Window     time.Duration       `json:"window" yaml:"window"`
	StallRate  float64             `json:"stall_rate" yaml:"stall_rate"`
	RejectRate float64             `json:"reject_rate" yaml:"reject_rate"`
	ErrorRate  float64             `json:"error_rate" yaml:"error_rate"`
}

type AgentConfig struct {
	Name     string              `json:"name" yaml:"name"`
	Count    int                 `json:"count" yaml:"count"`
	Provider provider.ProviderID `json:"provider" yaml:"provider"`
	Priority string              `json:"priority" yaml:"priority"` // low, normal, high
	Behavior BehaviorType        `json:"behavior" yaml:"behavior"`
	Rate     int                 `json:"rate" yaml:"rate"` // Requests per second
	Burst    int                 `json:"burst" yaml:"burst"`
	Jitter   time.Duration       `json:"jitter" yaml:"jitter"`
	Timeout  time.Duration       `json:"timeout" yaml:"timeout"` // per-attempt timeout
}

type BehaviorType string

const (
	BehaviorPeriodic BehaviorType = "periodic"
	BehaviorGreedy   BehaviorType = "greedy"
	BehaviorPoisson  BehaviorType = "poisson"
	BehaviorBursty   BehaviorType = "bursty"
)

// SabotageConfig burns provider quota on an interval to simulate other
// clients sharing the same limits.
type SabotageConfig struct {
	Enabled  bool                `json:"enabled" yaml:"enabled"`
	Interval time.Duration       `json:"interval" yaml:"interval"`
	Amount   int64               `json:"amount" yaml:"amount"`
	Target   provider.ProviderID `json:"target" yaml:"target"`
}
