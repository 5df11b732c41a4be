package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rmax-ai/streamguard/pkg/provider"
)

// Prober fetches the current rate-limit state of a provider out of band,
// typically by issuing a cheap request and reading its headers.
type Prober interface {
	ID() provider.ProviderID
	Probe(ctx context.Context) (Observation, error)
}

// Poller periodically probes registered providers and feeds the tracker.
type Poller struct {
	tracker  *Tracker
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	probers []Prober
}

// NewPoller creates a poller that refreshes the tracker every interval.
func NewPoller(tracker *Tracker, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		tracker:  tracker,
		interval: interval,
		logger:   logger,
	}
}

// Register adds a prober to the poll set.
func (p *Poller) Register(pr Prober) {
	p.mu.Lock()
	p.probers = append(p.probers, pr)
	p.mu.Unlock()
}

// Start runs the polling loop until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("rate-limit poller started", "interval", p.interval)

	p.PollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("rate-limit poller stopping")
			return
		case <-ticker.C:
			p.PollAll(ctx)
		}
	}
}

// PollAll probes every registered provider once.
func (p *Poller) PollAll(ctx context.Context) {
	p.mu.RLock()
	probers := make([]Prober, len(p.probers))
	copy(probers, p.probers)
	p.mu.RUnlock()

	for _, pr := range probers {
		obs, err := pr.Probe(ctx)
		if err != nil {
			p.logger.Warn("probe failed", "provider", pr.ID(), "error", err)
			continue
		}
		p.tracker.RecordUsage(pr.ID(), obs)
	}
}
