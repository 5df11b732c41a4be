package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rmax-ai/streamguard/pkg/store"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := defaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.Store.Path = filepath.Join(t.TempDir(), "streamguard.db")
	cfg.Store.HolderID = "test-daemon"
	cfg.Providers = []ProviderConfig{{ID: "mock", Type: "mock"}}
	if err := cfg.validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	return cfg
}

func TestRun_GracefulShutdown(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, discardLogger()) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run did not stop")
	}

	// The lease is released on shutdown.
	st, err := store.NewStore(cfg.Store.Path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()
	lease, err := st.Get(context.Background(), "queue:"+cfg.Store.QueueName)
	if err != nil {
		t.Fatalf("Get lease: %v", err)
	}
	if lease != nil {
		t.Errorf("lease still held: %+v", lease)
	}
}

func TestRun_StoreLocked(t *testing.T) {
	cfg := testConfig(t)

	st, err := store.NewStore(cfg.Store.Path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ok, err := st.Acquire(context.Background(), "queue:"+cfg.Store.QueueName, "other-daemon", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire = %v, %v", ok, err)
	}
	st.Close()

	err = run(context.Background(), cfg, discardLogger())
	if !errors.Is(err, store.ErrStoreLocked) {
		t.Fatalf("run = %v; want ErrStoreLocked", err)
	}
}
