package main

import (
	"context"
	"log/slog"
	"time"
)

// pruneWorker drops finished requests older than retention on a fixed
// interval.
type pruneWorker struct {
	prune     func(retention time.Duration) int
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

func (w *pruneWorker) Run(ctx context.Context) {
	if w.retention <= 0 || w.interval <= 0 {
		w.logger.Info("pruning_disabled")
		return
	}

	w.logger.Info("prune_worker_started", "interval", w.interval, "retention", w.retention)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("prune_worker_stopping")
			return
		case <-ticker.C:
			if n := w.prune(w.retention); n > 0 {
				w.logger.Info("pruned_requests", "count", n)
			}
		}
	}
}
