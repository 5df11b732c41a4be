package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rmax-ai/streamguard/pkg/queue"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "streamguard-store-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	s, err := NewStore(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStore(t *testing.T) {
	s := setupTestStore(t)

	var count int
	err := s.db.QueryRow("SELECT count(*) FROM sqlite_master WHERE type='table' AND name IN ('queue_requests', 'leases')").Scan(&count)
	if err != nil {
		t.Fatalf("failed to query tables: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 tables, got %d", count)
	}
}

func TestStore_SaveLoad(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	enq := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []queue.Record{
		{ID: "b", Provider: "openai", Priority: queue.PriorityHigh, Status: queue.StatusPending, EnqueuedAt: enq, Payload: []byte(`{"prompt":"hi"}`)},
		{ID: "a", Provider: "anthropic", Priority: queue.PriorityLow, Status: queue.StatusActive, EnqueuedAt: enq.Add(time.Second), Attempts: 2, LongCycles: 1, NotBefore: enq.Add(time.Minute), Payload: []byte(`"x"`)},
	}

	if err := s.Save(ctx, records); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].ID != "b" || got[1].ID != "a" {
		t.Errorf("order = [%s %s]; want [b a]", got[0].ID, got[1].ID)
	}
	r := got[1]
	if r.Provider != "anthropic" || r.Priority != queue.PriorityLow || r.Status != queue.StatusActive {
		t.Errorf("unexpected record: %+v", r)
	}
	if r.Attempts != 2 || r.LongCycles != 1 {
		t.Errorf("attempts/cycles = %d/%d; want 2/1", r.Attempts, r.LongCycles)
	}
	if !r.EnqueuedAt.Equal(enq.Add(time.Second)) || !r.NotBefore.Equal(enq.Add(time.Minute)) {
		t.Errorf("times not preserved: %v %v", r.EnqueuedAt, r.NotBefore)
	}
	if !got[0].NotBefore.IsZero() {
		t.Errorf("zero NotBefore should round-trip as zero, got %v", got[0].NotBefore)
	}
	if string(got[0].Payload) != `{"prompt":"hi"}` {
		t.Errorf("payload = %s", got[0].Payload)
	}

	// A second save replaces the set.
	if err := s.Save(ctx, records[:1]); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, _ = s.Load(ctx)
	if len(got) != 1 {
		t.Errorf("expected 1 record after replace, got %d", len(got))
	}

	if err := s.Save(ctx, nil); err != nil {
		t.Fatalf("Save(nil) failed: %v", err)
	}
	got, _ = s.Load(ctx)
	if len(got) != 0 {
		t.Errorf("expected empty set, got %d", len(got))
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "reopen.db")
	ctx := context.Background()

	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if err := s.Save(ctx, []queue.Record{{ID: "x", Provider: "p", Priority: queue.PriorityNormal, Status: queue.StatusPending, EnqueuedAt: time.Now()}}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.Close()

	s2, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()
	got, err := s2.Load(ctx)
	if err != nil || len(got) != 1 || got[0].ID != "x" {
		t.Fatalf("Load after reopen = %v, %v", got, err)
	}
}

func TestSQLiteLease(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	name := "queue"

	ok, err := s.Acquire(ctx, name, "node-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("node-1 acquire = %v, %v", ok, err)
	}
	l, _ := s.Get(ctx, name)
	if l.HolderID != "node-1" || l.Epoch != 1 {
		t.Errorf("lease = %+v; want node-1 epoch 1", l)
	}

	ok, err = s.Acquire(ctx, name, "node-2", time.Minute)
	if err != nil {
		t.Fatalf("node-2 acquire error: %v", err)
	}
	if ok {
		t.Fatal("node-2 should not acquire a held lease")
	}

	// Re-acquire by the holder renews without bumping the epoch.
	ok, _ = s.Acquire(ctx, name, "node-1", time.Minute)
	if !ok {
		t.Fatal("holder should re-acquire")
	}
	l, _ = s.Get(ctx, name)
	if l.Epoch != 1 || l.Version != 2 {
		t.Errorf("epoch/version = %d/%d; want 1/2", l.Epoch, l.Version)
	}

	if err := s.Renew(ctx, name, "node-1", time.Minute); err != nil {
		t.Errorf("renew failed: %v", err)
	}
	if err := s.Renew(ctx, name, "node-2", time.Minute); err != ErrLeaseLost {
		t.Errorf("renew by non-holder = %v; want ErrLeaseLost", err)
	}

	// Expire the lease and take it over.
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	ok, err = s.Acquire(ctx, name, "node-2", time.Minute)
	if err != nil || !ok {
		t.Fatalf("takeover = %v, %v", ok, err)
	}
	l, _ = s.Get(ctx, name)
	if l.HolderID != "node-2" || l.Epoch != 2 {
		t.Errorf("lease = %+v; want node-2 epoch 2", l)
	}

	if err := s.Release(ctx, name, "node-1"); err != nil {
		t.Fatalf("release by non-holder errored: %v", err)
	}
	if l, _ := s.Get(ctx, name); l == nil {
		t.Fatal("release by non-holder must not delete the lease")
	}
	if err := s.Release(ctx, name, "node-2"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if l, _ := s.Get(ctx, name); l != nil {
		t.Errorf("expected no lease after release, got %+v", l)
	}
}
