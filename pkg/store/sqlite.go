package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rmax-ai/streamguard/pkg/provider"
	"github.com/rmax-ai/streamguard/pkg/queue"
)

// Store manages the SQLite connection and schema.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore initializes the SQLite database connection.
// It enables WAL mode so readers never block the queue's writes.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS queue_requests (
		position INTEGER NOT NULL,
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		enqueued_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		long_cycles INTEGER NOT NULL DEFAULT 0,
		not_before INTEGER NOT NULL DEFAULT 0,
		payload BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_queue_requests_position ON queue_requests(position);

	-- times are unix milliseconds
	CREATE TABLE IF NOT EXISTS leases (
		name TEXT PRIMARY KEY,
		holder_id TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		epoch INTEGER NOT NULL DEFAULT 1
	);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Save replaces the stored pending set in a single transaction.
func (s *Store) Save(ctx context.Context, records []queue.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_requests`); err != nil {
		return fmt.Errorf("failed to clear pending set: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO queue_requests
			(position, id, provider, priority, status, enqueued_at, attempts, long_cycles, not_before, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range records {
		if _, err := stmt.ExecContext(ctx,
			i, r.ID, string(r.Provider), r.Priority.String(), string(r.Status),
			toMillis(r.EnqueuedAt), r.Attempts, r.LongCycles, toMillis(r.NotBefore), []byte(r.Payload),
		); err != nil {
			return fmt.Errorf("failed to insert request %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pending set: %w", err)
	}
	return nil
}

// Load returns the stored pending set in saved order.
func (s *Store) Load(ctx context.Context) ([]queue.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, priority, status, enqueued_at, attempts, long_cycles, not_before, payload
		FROM queue_requests ORDER BY position
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending set: %w", err)
	}
	defer rows.Close()

	var out []queue.Record
	for rows.Next() {
		var (
			r                   queue.Record
			pid, pri, status    string
			enqueued, notBefore int64
			payload             []byte
		)
		if err := rows.Scan(&r.ID, &pid, &pri, &status, &enqueued, &r.Attempts, &r.LongCycles, &notBefore, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		p, err := queue.ParsePriority(pri)
		if err != nil {
			return nil, err
		}
		r.Provider = provider.ProviderID(pid)
		r.Priority = p
		r.Status = queue.Status(status)
		r.EnqueuedAt = fromMillis(enqueued)
		r.NotBefore = fromMillis(notBefore)
		r.Payload = payload
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pending set: %w", err)
	}
	return out, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
