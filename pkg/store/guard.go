package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rmax-ai/streamguard/pkg/queue"
)

// LeaseGuard holds the single-writer lease on a store for as long as the
// queue owns it. It satisfies queue.Locker.
type LeaseGuard struct {
	store     LeaseStore
	holderID  string
	leaseName string
	ttl       time.Duration
	logger    *slog.Logger

	onLost func(error)

	mu       sync.Mutex
	held     bool
	expires  time.Time // last successful acquire or renew, plus ttl
	stopCh   chan struct{}
	done     chan struct{}
	lost     chan struct{}
	lostOnce sync.Once
}

// NewLeaseGuard creates a guard. onLost, if non-nil, runs once when a held
// lease cannot be renewed.
func NewLeaseGuard(store LeaseStore, holderID, leaseName string, ttl time.Duration, logger *slog.Logger, onLost func(error)) *LeaseGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaseGuard{
		store:     store,
		holderID:  holderID,
		leaseName: leaseName,
		ttl:       ttl,
		logger:    logger,
		onLost:    onLost,
		lost:      make(chan struct{}),
	}
}

// Lock acquires the lease and starts renewing it every ttl/2. It returns
// ErrStoreLocked when another holder owns an unexpired lease.
func (g *LeaseGuard) Lock(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return nil
	}

	start := time.Now()
	ok, err := g.store.Acquire(ctx, g.leaseName, g.holderID, g.ttl)
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", g.leaseName, err)
	}
	if !ok {
		var holder string
		if l, gerr := g.store.Get(ctx, g.leaseName); gerr == nil && l != nil {
			holder = l.HolderID
		}
		g.logger.Warn("store lease held elsewhere", "leaseName", g.leaseName, "holder", holder)
		return fmt.Errorf("%w (holder %q)", ErrStoreLocked, holder)
	}

	g.held = true
	g.expires = start.Add(g.ttl)
	g.stopCh = make(chan struct{})
	g.done = make(chan struct{})
	go g.renewLoop(g.stopCh, g.done)

	g.logger.Info("store lease acquired", "holderID", g.holderID, "leaseName", g.leaseName, "ttl", g.ttl)
	return nil
}

// Unlock stops renewing and releases the lease.
func (g *LeaseGuard) Unlock(ctx context.Context) error {
	g.mu.Lock()
	if !g.held {
		g.mu.Unlock()
		return nil
	}
	g.held = false
	close(g.stopCh)
	done := g.done
	g.mu.Unlock()

	<-done
	if err := g.store.Release(ctx, g.leaseName, g.holderID); err != nil {
		g.logger.Error("failed to release store lease", "error", err, "leaseName", g.leaseName)
		return err
	}
	g.logger.Info("store lease released", "holderID", g.holderID, "leaseName", g.leaseName)
	return nil
}

// Held reports whether the guard currently owns the lease. It turns false as
// soon as the last confirmed expiry passes, even before the renew loop notices.
func (g *LeaseGuard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held && time.Now().Before(g.expires)
}

// Lost is closed when a held lease could not be renewed.
func (g *LeaseGuard) Lost() <-chan struct{} {
	return g.lost
}

func (g *LeaseGuard) renewLoop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(g.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			start := time.Now()
			ctx, cancel := context.WithTimeout(context.Background(), g.ttl/2)
			err := g.store.Renew(ctx, g.leaseName, g.holderID, g.ttl)
			cancel()
			if err == nil {
				g.mu.Lock()
				g.expires = start.Add(g.ttl)
				g.mu.Unlock()
				g.logger.Debug("store lease renewed", "holderID", g.holderID, "leaseName", g.leaseName)
				continue
			}
			if errors.Is(err, ErrLeaseLost) {
				g.markLost(err)
				return
			}
			g.mu.Lock()
			expires := g.expires
			g.mu.Unlock()
			if !time.Now().Before(expires) {
				g.markLost(fmt.Errorf("%w: no successful renew within %s: %v", ErrLeaseLost, g.ttl, err))
				return
			}
			g.logger.Warn("failed to renew store lease", "error", err, "leaseName", g.leaseName, "expires", expires)
		}
	}
}

func (g *LeaseGuard) markLost(err error) {
	g.mu.Lock()
	if !g.held {
		g.mu.Unlock()
		return
	}
	g.held = false
	g.mu.Unlock()

	g.logger.Error("store lease lost", "error", err, "holderID", g.holderID, "leaseName", g.leaseName)
	g.lostOnce.Do(func() { close(g.lost) })
	if g.onLost != nil {
		g.onLost(err)
	}
}

// Fence wraps p so that saves fail with ErrLeaseLost unless the guard holds
// the lease. Loads pass through; the queue only loads after Lock succeeds.
func (g *LeaseGuard) Fence(p queue.Persistence) queue.Persistence {
	return &fenced{Persistence: p, guard: g}
}

type fenced struct {
	queue.Persistence
	guard *LeaseGuard
}

func (f *fenced) Save(ctx context.Context, records []queue.Record) error {
	if !f.guard.Held() {
		return fmt.Errorf("save pending set: %w", ErrLeaseLost)
	}
	return f.Persistence.Save(ctx, records)
}
