package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Acquire tries to acquire the lease. Returns true if successful.
// If the lease is already held by holderID, it renews it.
func (s *Store) Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	expiry := now.Add(ttl)

	// A single upsert: insert a fresh lease, or take over one we hold or
	// one that has expired. The epoch only moves when the holder changes.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (name, holder_id, expires_at, version, epoch)
		VALUES (?, ?, ?, 1, 1)
		ON CONFLICT(name) DO UPDATE SET
			epoch = CASE WHEN leases.holder_id = excluded.holder_id THEN leases.epoch ELSE leases.epoch + 1 END,
			holder_id = excluded.holder_id,
			expires_at = excluded.expires_at,
			version = leases.version + 1
		WHERE leases.holder_id = excluded.holder_id OR leases.expires_at < ?
	`, name, holderID, expiry.UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows > 0, nil
}

// Renew updates the expiry of an existing lease held by holderID.
func (s *Store) Renew(ctx context.Context, name, holderID string, ttl time.Duration) error {
	expiry := s.now().UTC().Add(ttl)

	res, err := s.db.ExecContext(ctx, `
		UPDATE leases
		SET expires_at = ?, version = version + 1
		WHERE name = ? AND holder_id = ?
	`, expiry.UnixMilli(), name, holderID)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release releases the lease if held by holderID.
func (s *Store) Release(ctx context.Context, name, holderID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM leases WHERE name = ? AND holder_id = ?
	`, name, holderID)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Get returns the current lease state.
func (s *Store) Get(ctx context.Context, name string) (*Lease, error) {
	var (
		l       Lease
		expires int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, holder_id, expires_at, version, epoch
		FROM leases WHERE name = ?
	`, name).Scan(&l.Name, &l.HolderID, &expires, &l.Version, &l.Epoch)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	l.ExpiresAt = fromMillis(expires)
	return &l, nil
}
