package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rmax-ai/streamguard/pkg/api"
	"github.com/rmax-ai/streamguard/pkg/backoff"
	"github.com/rmax-ai/streamguard/pkg/provider"
	"github.com/rmax-ai/streamguard/pkg/queue"
	"github.com/rmax-ai/streamguard/pkg/ratelimit"
	"github.com/rmax-ai/streamguard/pkg/recovery"
	"github.com/rmax-ai/streamguard/pkg/store"
	"github.com/rmax-ai/streamguard/pkg/store/postgres"
	sgredis "github.com/rmax-ai/streamguard/pkg/store/redis"
	"github.com/rmax-ai/streamguard/pkg/telemetry"
)

var version = "dev"

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "streamguard-d: %v\n", err)
		os.Exit(2)
	}

	level, _ := parseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon_failed", "error", err)
		os.Exit(1)
	}
}

// storage is the persistence selected by configuration. lease is nil for
// drivers without a lease implementation.
type storage struct {
	persistence queue.Persistence
	lease       store.LeaseStore
	close       func()
}

func openStorage(ctx context.Context, cfg StoreConfig) (*storage, error) {
	switch cfg.Driver {
	case "sqlite":
		st, err := store.NewStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return &storage{persistence: st, lease: st, close: func() { st.Close() }}, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return &storage{
			persistence: sgredis.NewPendingStore(client, cfg.QueueName),
			lease:       sgredis.NewLeaseStore(client),
			close:       func() { client.Close() },
		}, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		pg := postgres.NewPendingStore(pool, cfg.QueueName)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return &storage{persistence: pg, close: pool.Close}, nil
	default:
		return &storage{persistence: queue.NewMemoryPersistence(), close: func() {}}, nil
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	logger.Info("system_started", "component", "streamguard-d", "version", version)

	shutdownTracer, err := telemetry.InitTracer(telemetry.Config{
		ServiceName: "streamguard-d",
		Version:     version,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			logger.Warn("tracer_shutdown_failed", "error", err)
		}
	}()

	st, err := openStorage(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer st.close()
	logger.Info("store_initialized", "driver", cfg.Store.Driver, "queue", cfg.Store.QueueName)

	// Losing the lease means another daemon owns the queue; stop serving.
	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	persistence := st.persistence
	var locker queue.Locker
	if st.lease != nil {
		guard := store.NewLeaseGuard(st.lease, cfg.Store.HolderID, "queue:"+cfg.Store.QueueName, cfg.Store.LeaseTTL, logger,
			func(err error) { cancelRun(err) })
		persistence = guard.Fence(persistence)
		locker = guard
	} else {
		logger.Warn("store_without_lease", "driver", cfg.Store.Driver, "hint", "run a single daemon per queue")
	}

	tracker := ratelimit.NewTracker()
	providers := newRegistry(cfg.Providers)

	poller := ratelimit.NewPoller(tracker, cfg.PollInterval, logger)
	for _, pr := range providers.probers() {
		poller.Register(pr)
	}
	go poller.Start(runCtx)

	var rm *recovery.Manager[queue.Job[json.RawMessage], provider.Chunk]
	if cfg.Recovery.Enabled {
		rm = recovery.NewManager[queue.Job[json.RawMessage], provider.Chunk](recovery.Config{
			Enabled:             true,
			RecoveryAttempts:    cfg.Recovery.RecoveryAttempts,
			HealthCheckInterval: cfg.Recovery.HealthCheckInterval,
			StaleTimeout:        cfg.Recovery.StaleTimeout,
			OnStale: func(id string, staleFor time.Duration) {
				logger.Warn("stream_stale", "request_id", id, "stale_for", staleFor)
			},
		}, providers.recoverStream, recovery.WithLogger(logger))
	}

	var exec queue.ExecuteFunc[json.RawMessage, provider.Chunk] = providers.execute
	if cfg.Queue.Breaker {
		exec = queue.NewBreakerExecutor(exec, nil).Execute
	}

	concurrency := make(map[provider.ProviderID]int, len(cfg.Queue.ProviderConcurrency))
	for id, n := range cfg.Queue.ProviderConcurrency {
		concurrency[provider.ProviderID(id)] = n
	}
	q := queue.New(queue.Config{
		MaxConcurrent:       cfg.Queue.MaxConcurrent,
		ProviderConcurrency: concurrency,
		MaxQueueSize:        cfg.Queue.MaxQueueSize,
		QuickAttempts:       cfg.Queue.QuickAttempts,
		LongBackoff:         backoff.LongTier(cfg.Queue.LongBackoffBase, cfg.Queue.LongBackoffMax),
		MaxLongCycles:       cfg.Queue.MaxLongCycles,
		RequestTimeout:      cfg.Queue.RequestTimeout,
	}, exec, queue.Options[json.RawMessage, provider.Chunk]{
		Tracker:     tracker,
		Recovery:    rm,
		ChunkKey:    func(c provider.Chunk) string { return strconv.Itoa(c.Index) },
		Persistence: persistence,
		Locker:      locker,
		Logger:      logger,
		OnDone: func(o queue.Outcome) {
			logger.Info("request_finished", "request_id", o.ID, "status", o.Status, "attempts", o.Attempts, "abort_reason", o.AbortReason)
		},
	})

	if err := q.Start(runCtx); err != nil {
		if errors.Is(err, store.ErrStoreLocked) {
			return fmt.Errorf("another daemon owns queue %q: %w", cfg.Store.QueueName, err)
		}
		return fmt.Errorf("start queue: %w", err)
	}
	logger.Info("queue_started", "stats", q.Stats())

	server := api.NewServer(q, tracker, cfg.Addr, logger)
	server.SetAuthToken(cfg.AuthToken)
	server.SetTLS(cfg.TLSCert, cfg.TLSKey)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	pruner := &pruneWorker{prune: server.Prune, retention: cfg.Retention, interval: cfg.PruneInterval, logger: logger}
	go pruner.Run(runCtx)

	var runErr error
	select {
	case <-runCtx.Done():
		if cause := context.Cause(runCtx); !errors.Is(cause, context.Canceled) {
			runErr = cause
		}
		logger.Info("shutdown_initiated", "cause", context.Cause(runCtx))
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("api server: %w", err)
		}
	}
	cancelRun(nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("failed_to_stop_server", "error", err)
	}
	if err := q.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed_to_stop_queue", "error", err)
	}
	if rm != nil {
		rm.StopAll()
	}

	logger.Info("shutdown_complete")
	return runErr
}
