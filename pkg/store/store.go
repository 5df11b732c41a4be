// Package store persists the queue's pending set and guards it with a lease
// so that only one process writes it.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStoreLocked is returned when another holder owns the store lease.
	ErrStoreLocked = errors.New("store: locked by another process")
	// ErrLeaseLost is returned when a held lease expired or was taken over.
	ErrLeaseLost = errors.New("store: lease lost")
)

// Lease represents a single-writer claim on a store.
type Lease struct {
	Name      string    `json:"name"`
	HolderID  string    `json:"holder_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Version   int64     `json:"version"` // bumped on every write
	Epoch     int64     `json:"epoch"`   // bumped when the holder changes
}

// LeaseStore defines the interface for acquiring and renewing leases.
type LeaseStore interface {
	// Acquire tries to acquire the lease. Returns true if successful.
	// If the lease is already held by holderID, it renews it.
	Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error)

	// Renew extends a lease held by holderID. Returns ErrLeaseLost if the
	// lease expired and was taken over.
	Renew(ctx context.Context, name, holderID string, ttl time.Duration) error

	// Release releases the lease if held by holderID.
	Release(ctx context.Context, name, holderID string) error

	// Get returns the current lease, or nil if none is held.
	Get(ctx context.Context, name string) (*Lease, error)
}
