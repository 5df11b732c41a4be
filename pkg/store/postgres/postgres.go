// Package postgres stores the queue's pending set in PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rmax-ai/streamguard/pkg/provider"
	"github.com/rmax-ai/streamguard/pkg/queue"
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PendingStore struct {
	db    DB
	queue string
}

// NewPendingStore keeps the pending set of the named queue. Several queues
// can share one table.
func NewPendingStore(db DB, queueName string) *PendingStore {
	return &PendingStore{db: db, queue: queueName}
}

// Migrate creates the table if it does not exist.
func (s *PendingStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS queue_requests (
			queue TEXT NOT NULL,
			position INTEGER NOT NULL,
			id TEXT NOT NULL,
			provider TEXT NOT NULL,
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			enqueued_at TIMESTAMPTZ NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			long_cycles INTEGER NOT NULL DEFAULT 0,
			not_before TIMESTAMPTZ,
			payload JSONB,
			PRIMARY KEY (queue, id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create queue_requests: %w", err)
	}
	return nil
}

func (s *PendingStore) Save(ctx context.Context, records []queue.Record) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM queue_requests WHERE queue = $1`, s.queue); err != nil {
		return fmt.Errorf("failed to clear pending set: %w", err)
	}

	batch := &pgx.Batch{}
	for i, r := range records {
		var notBefore any
		if !r.NotBefore.IsZero() {
			notBefore = r.NotBefore
		}
		var payload any
		if len(r.Payload) > 0 {
			payload = string(r.Payload)
		}
		batch.Queue(`
			INSERT INTO queue_requests
				(queue, position, id, provider, priority, status, enqueued_at, attempts, long_cycles, not_before, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, s.queue, i, r.ID, string(r.Provider), r.Priority.String(), string(r.Status),
			r.EnqueuedAt, r.Attempts, r.LongCycles, notBefore, payload)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert pending set: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit pending set: %w", err)
	}
	return nil
}

func (s *PendingStore) Load(ctx context.Context) ([]queue.Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, provider, priority, status, enqueued_at, attempts, long_cycles, not_before, payload::text
		FROM queue_requests
		WHERE queue = $1
		ORDER BY position
	`, s.queue)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending set: %w", err)
	}
	defer rows.Close()

	var records []queue.Record
	for rows.Next() {
		var (
			r                queue.Record
			pid, pri, status string
			notBefore        *time.Time
			payload          *string
		)
		if err := rows.Scan(&r.ID, &pid, &pri, &status, &r.EnqueuedAt, &r.Attempts, &r.LongCycles, &notBefore, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		p, err := queue.ParsePriority(pri)
		if err != nil {
			return nil, err
		}
		r.Provider = provider.ProviderID(pid)
		r.Priority = p
		r.Status = queue.Status(status)
		if notBefore != nil {
			r.NotBefore = *notBefore
		}
		if payload != nil {
			r.Payload = []byte(*payload)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending set: %w", err)
	}
	return records, nil
}
