// Package simulation drives synthetic load through an in-process queue
// backed by mock providers and checks the outcome against invariants.
package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rmax-ai/streamguard/pkg/provider"
	"github.com/rmax-ai/streamguard/pkg/provider/mock"
	"github.com/rmax-ai/streamguard/pkg/queue"
	"github.com/rmax-ai/streamguard/pkg/ratelimit"
	"github.com/rmax-ai/streamguard/pkg/recovery"
)

// payload is what simulated agents enqueue; the mock provider ignores it.
type payload struct {
	Agent string `json:"agent"`
	Seq   int    `json:"seq"`
}

// LoadScenario reads a YAML (or JSON) scenario file.
func LoadScenario(path string) (Scenario, error) {
	var s Scenario
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read scenario file: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse scenario file: %w", err)
	}
	return s, nil
}

// DefaultScenario is a short mixed-priority run against one flaky provider.
func DefaultScenario() Scenario {
	return Scenario{
		Name:        "Default Demo",
		Description: "Periodic load against a provider that stalls and rate-limits",
		Duration:    10 * time.Second,
		Queue:       QueueConfig{MaxConcurrent: 4, StaleTimeout: 200 * time.Millisecond},
		Providers: []ProviderConfig{{
			ID:         "mock-1",
			Limit:      40,
			Window:     5 * time.Second,
			StallRate:  0.1,
			RejectRate: 0.05,
		}},
		Agents: []AgentConfig{
			{Name: "interactive", Count: 2, Provider: "mock-1", Priority: "high", Behavior: BehaviorPeriodic, Rate: 1},
			{Name: "batch", Count: 3, Provider: "mock-1", Priority: "low", Behavior: BehaviorPoisson, Rate: 2},
		},
	}
}

type runner struct {
	scenario  Scenario
	logger    *slog.Logger
	res       *SimulationResult
	providers map[provider.ProviderID]*mock.Provider
	queue     *queue.Queue[payload, provider.Chunk]

	owners sync.Map // request ID -> *AgentStats
}

// RunScenario runs s until its duration elapses, then waits up to s.Drain for
// in-flight requests before shutting the queue down.
func RunScenario(ctx context.Context, s Scenario, logger *slog.Logger) (SimulationResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if s.Seed == 0 {
		s.Seed = time.Now().UnixNano()
	}
	if s.Drain <= 0 {
		s.Drain = 30 * time.Second
	}
	if len(s.Providers) == 0 {
		return SimulationResult{}, fmt.Errorf("scenario %q has no providers", s.Name)
	}

	logger.Info("running_scenario", "name", s.Name, "seed", s.Seed, "duration", s.Duration)

	res := &SimulationResult{
		ScenarioName:  s.Name,
		Duration:      s.Duration,
		AgentStats:    make(map[string]*AgentStats),
		ProviderStats: make(map[provider.ProviderID]mock.Stats),
	}
	r := &runner{scenario: s, logger: logger, res: res, providers: make(map[provider.ProviderID]*mock.Provider)}

	for i, pc := range s.Providers {
		r.providers[pc.ID] = mock.New(pc.ID, mock.Config{
			Chunks:     pc.Chunks,
			ChunkDelay: pc.ChunkDelay,
			Limit:      pc.Limit,
			Window:     pc.Window,
			StallRate:  pc.StallRate,
			RejectRate: pc.RejectRate,
			ErrorRate:  pc.ErrorRate,
			Seed:       s.Seed + int64(i+1)*7919,
		})
	}
	for _, a := range s.Agents {
		if _, ok := r.providers[a.Provider]; !ok {
			return SimulationResult{}, fmt.Errorf("agent %q targets unknown provider %q", a.Name, a.Provider)
		}
		if _, err := queue.ParsePriority(a.Priority); err != nil {
			return SimulationResult{}, fmt.Errorf("agent %q: %w", a.Name, err)
		}
		res.AgentStats[a.Name] = &AgentStats{}
	}

	r.queue = r.buildQueue()

	runCtx, stopQueue := context.WithCancel(ctx)
	defer stopQueue()
	if err := r.queue.Start(runCtx); err != nil {
		return SimulationResult{}, fmt.Errorf("failed to start queue: %w", err)
	}

	loadCtx, cancel := context.WithTimeout(ctx, s.Duration)
	defer cancel()

	var wg sync.WaitGroup
	if s.Sabotage != nil && s.Sabotage.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.sabotage(loadCtx, *s.Sabotage)
		}()
	}

	for agentIdx, agentCfg := range s.Agents {
		for i := 0; i < agentCfg.Count; i++ {
			wg.Add(1)
			agentID := fmt.Sprintf("%s-%d", agentCfg.Name, i)
			agentSeed := s.Seed + int64(agentIdx*1000) + int64(i)
			stats := res.AgentStats[agentCfg.Name] // grouped by agent config name

			go func(cfg AgentConfig, aID string, seed int64, st *AgentStats) {
				defer wg.Done()
				r.runAgent(loadCtx, aID, cfg, seed, st)
			}(agentCfg, agentID, agentSeed, stats)
		}
	}
	wg.Wait()

	r.drain(ctx, s.Drain)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := r.queue.Shutdown(shutdownCtx); err != nil {
		logger.Warn("queue_shutdown_failed", "error", err)
	}

	st := r.queue.Stats()
	res.TotalUnfinished = uint64(st.Pending + st.Active)
	for id, p := range r.providers {
		res.ProviderStats[id] = p.Stats()
	}

	evaluateInvariants(res, s.Invariants)

	res.Success = true
	for _, inv := range res.Invariants {
		if !inv.Passed {
			res.Success = false
			break
		}
	}
	return *res, nil
}

func (r *runner) buildQueue() *queue.Queue[payload, provider.Chunk] {
	qc := r.scenario.Queue
	cfg := queue.DefaultConfig()
	if qc.MaxConcurrent > 0 {
		cfg.MaxConcurrent = qc.MaxConcurrent
	}
	if qc.MaxQueueSize > 0 {
		cfg.MaxQueueSize = qc.MaxQueueSize
	}
	if qc.QuickAttempts > 0 {
		cfg.QuickAttempts = qc.QuickAttempts
	}
	if qc.MaxLongCycles > 0 {
		cfg.MaxLongCycles = qc.MaxLongCycles
	}
	if qc.RequestTimeout > 0 {
		cfg.RequestTimeout = qc.RequestTimeout
	}

	rc := recovery.DefaultConfig()
	if qc.StaleTimeout > 0 {
		rc.StaleTimeout = qc.StaleTimeout
		rc.HealthCheckInterval = qc.StaleTimeout / 4
	}
	if qc.RecoveryAttempts > 0 {
		rc.RecoveryAttempts = qc.RecoveryAttempts
	}
	rc.OnRecovery = func(_ string, _ int, ok bool) {
		if ok {
			atomic.AddUint64(&r.res.TotalRecovered, 1)
		}
	}
	rm := recovery.NewManager(rc, mock.Recover[payload](r.providers), recovery.WithLogger(r.logger))

	exec := mock.Router[payload](r.providers)
	if qc.Breaker {
		exec = queue.NewBreakerExecutor(exec, nil).Execute
	}

	return queue.New(cfg, exec, queue.Options[payload, provider.Chunk]{
		Tracker:  ratelimit.NewTracker(),
		Recovery: rm,
		ChunkKey: func(c provider.Chunk) string { return strconv.Itoa(c.Index) },
		Logger:   r.logger,
		OnDone:   r.record,
	})
}

// record attributes a terminal outcome to the agent that submitted it.
func (r *runner) record(o queue.Outcome) {
	v, ok := r.owners.Load(o.ID)
	if !ok {
		return
	}
	st := v.(*AgentStats)
	switch o.Status {
	case queue.StatusCompleted:
		atomic.AddUint64(&r.res.TotalCompleted, 1)
		atomic.AddUint64(&st.Completed, 1)
	case queue.StatusFailed:
		atomic.AddUint64(&r.res.TotalFailed, 1)
		atomic.AddUint64(&st.Failed, 1)
	case queue.StatusCancelled:
		atomic.AddUint64(&r.res.TotalCancelled, 1)
		atomic.AddUint64(&st.Cancelled, 1)
	}
}

func (r *runner) sabotage(ctx context.Context, cfg SabotageConfig) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	target := cfg.Target
	if target == "" {
		target = r.scenario.Providers[0].ID
	}
	p, ok := r.providers[target]
	if !ok {
		r.logger.Warn("sabotage_target_unknown", "provider", target)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.InjectUsage(cfg.Amount)
			atomic.AddUint64(&r.res.TotalInjected, uint64(cfg.Amount))
		}
	}
}

func (r *runner) runAgent(ctx context.Context, agentID string, cfg AgentConfig, seed int64, stats *AgentStats) {
	rng := rand.New(rand.NewSource(seed))
	priority, _ := queue.ParsePriority(cfg.Priority)
	seq := 0

	action := func() {
		seq++
		id := fmt.Sprintf("%s-%d", agentID, seq)
		r.owners.Store(id, stats)

		atomic.AddUint64(&r.res.TotalRequests, 1)
		atomic.AddUint64(&stats.Requests, 1)

		opts := []queue.EnqueueOption[provider.Chunk]{queue.WithID[provider.Chunk](id)}
		if cfg.Timeout > 0 {
			opts = append(opts, queue.WithTimeout[provider.Chunk](cfg.Timeout))
		}
		if _, err := r.queue.Enqueue(payload{Agent: agentID, Seq: seq}, cfg.Provider, priority, opts...); err != nil {
			r.owners.Delete(id)
			atomic.AddUint64(&r.res.TotalRejected, 1)
			atomic.AddUint64(&stats.Rejected, 1)
		}
	}

	sleep := func(d time.Duration) bool {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

	switch cfg.Behavior {
	case BehaviorGreedy:
		// Enqueue is non-blocking; yield so a full queue does not spin.
		for sleep(time.Millisecond) {
			action()
		}
	case BehaviorPoisson:
		lambda := float64(max(cfg.Rate, 1))
		for {
			interval := -math.Log(1-rng.Float64()) / lambda
			if !sleep(time.Duration(interval * float64(time.Second))) {
				return
			}
			action()
		}
	case BehaviorBursty:
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for k := 0; k < cfg.Burst; k++ {
					action()
				}
			}
		}
	case BehaviorPeriodic:
		fallthrough
	default:
		interval := time.Millisecond * 10
		if cfg.Rate > 0 {
			interval = time.Second / time.Duration(cfg.Rate)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if cfg.Jitter > 0 && !sleep(time.Duration(rng.Int63n(int64(cfg.Jitter)))) {
					return
				}
				action()
			}
		}
	}
}

// drain waits until no request is pending or active, or the budget runs out.
func (r *runner) drain(ctx context.Context, budget time.Duration) {
	deadline := time.NewTimer(budget)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := r.queue.Stats()
		if st.Pending+st.Active == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			r.logger.Warn("drain_timeout", "pending", st.Pending, "active", st.Active)
			return
		case <-ticker.C:
		}
	}
}

func evaluateInvariants(res *SimulationResult, invariants []Invariant) {
	for _, inv := range invariants {
		var stats AgentStats
		if inv.Scope == "global" || inv.Scope == "" {
			stats = AgentStats{
				Requests:  atomic.LoadUint64(&res.TotalRequests),
				Rejected:  atomic.LoadUint64(&res.TotalRejected),
				Completed: atomic.LoadUint64(&res.TotalCompleted),
				Failed:    atomic.LoadUint64(&res.TotalFailed),
				Cancelled: atomic.LoadUint64(&res.TotalCancelled),
			}
		} else if s, ok := res.AgentStats[inv.Scope]; ok {
			stats = AgentStats{
				Requests:  atomic.LoadUint64(&s.Requests),
				Rejected:  atomic.LoadUint64(&s.Rejected),
				Completed: atomic.LoadUint64(&s.Completed),
				Failed:    atomic.LoadUint64(&s.Failed),
				Cancelled: atomic.LoadUint64(&s.Cancelled),
			}
		} else {
			res.Invariants = append(res.Invariants, InvariantResult{
				Metric: inv.Metric, Scope: inv.Scope, Expected: fmt.Sprintf("%s %.2f", inv.Condition, inv.Value), Actual: "N/A", Passed: false,
			})
			continue
		}

		var actual float64
		if stats.Requests > 0 {
			switch inv.Metric {
			case "completion_rate":
				actual = float64(stats.Completed) / float64(stats.Requests)
			case "failure_rate":
				actual = float64(stats.Failed) / float64(stats.Requests)
			case "cancel_rate":
				actual = float64(stats.Cancelled) / float64(stats.Requests)
			case "rejection_rate":
				actual = float64(stats.Rejected) / float64(stats.Requests)
			}
		}

		var passed bool
		switch inv.Condition {
		case ">":
			passed = actual > inv.Value
		case ">=":
			passed = actual >= inv.Value
		case "<":
			passed = actual < inv.Value
		case "<=":
			passed = actual <= inv.Value
		case "==":
			passed = math.Abs(actual-inv.Value) < 0.0001
		}

		res.Invariants = append(res.Invariants, InvariantResult{
			Metric:   inv.Metric,
			Scope:    inv.Scope,
			Expected: fmt.Sprintf("%s %.2f", inv.Condition, inv.Value),
			Actual:   fmt.Sprintf("%.4f", actual),
			Passed:   passed,
		})
	}
}
