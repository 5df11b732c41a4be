package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rmax-ai/streamguard/pkg/queue"
)

func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("STREAMGUARD_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STREAMGUARD_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("failed to ping postgres: %v", err)
	}
	return pool
}

func TestPendingStore_SaveLoad(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	name := "test-" + time.Now().Format("150405.000000")
	s := NewPendingStore(pool, name)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	t.Cleanup(func() { s.Save(context.Background(), nil) })

	enq := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []queue.Record{
		{ID: "b", Provider: "openai", Priority: queue.PriorityHigh, Status: queue.StatusPending, EnqueuedAt: enq, Payload: []byte(`{"prompt":"hi"}`)},
		{ID: "a", Provider: "openai", Priority: queue.PriorityNormal, Status: queue.StatusActive, EnqueuedAt: enq, Attempts: 1, NotBefore: enq.Add(time.Minute)},
	}
	if err := s.Save(ctx, records); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("Load = %+v", got)
	}
	if !got[1].NotBefore.Equal(enq.Add(time.Minute)) {
		t.Errorf("NotBefore = %v", got[1].NotBefore)
	}
	if !got[0].NotBefore.IsZero() {
		t.Errorf("NotBefore = %v; want zero", got[0].NotBefore)
	}
	if got[1].Payload != nil {
		t.Errorf("Payload = %s; want nil", got[1].Payload)
	}

	other := NewPendingStore(pool, name+"-other")
	if got, _ := other.Load(ctx); len(got) != 0 {
		t.Errorf("other queue sees %d records", len(got))
	}
}
