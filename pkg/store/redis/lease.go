package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rmax-ai/streamguard/pkg/store"
)

// only the holder may extend or delete its key
var (
	renewScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	releaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`)
)

// LeaseStore implements store.LeaseStore with SET NX PX.
type LeaseStore struct {
	client *redis.Client
}

func NewLeaseStore(client *redis.Client) *LeaseStore {
	return &LeaseStore{client: client}
}

func (s *LeaseStore) makeKey(name string) string {
	return fmt.Sprintf("%s:lease:%s", keyPrefix, name)
}

func (s *LeaseStore) Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	key := s.makeKey(name)

	ok, err := s.client.SetNX(ctx, key, holderID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if ok {
		s.client.Incr(ctx, key+":epoch")
		return true, nil
	}

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; the next attempt will win it.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check existing lease: %w", err)
	}
	if val != holderID {
		return false, nil
	}
	if err := s.Renew(ctx, name, holderID, ttl); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *LeaseStore) Renew(ctx context.Context, name, holderID string, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, s.client, []string{s.makeKey(name)}, holderID, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to execute renew script: %w", err)
	}
	if res != 1 {
		return store.ErrLeaseLost
	}
	return nil
}

// Release is a no-op when holderID no longer owns the lease.
func (s *LeaseStore) Release(ctx context.Context, name, holderID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.makeKey(name)}, holderID).Err(); err != nil {
		return fmt.Errorf("failed to execute release script: %w", err)
	}
	return nil
}

func (s *LeaseStore) Get(ctx context.Context, name string) (*store.Lease, error) {
	key := s.makeKey(name)

	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}

	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get lease ttl: %w", err)
	}

	epoch, err := s.client.Get(ctx, key+":epoch").Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get lease epoch: %w", err)
	}

	return &store.Lease{
		Name:      name,
		HolderID:  val,
		ExpiresAt: time.Now().Add(ttl),
		Epoch:     epoch,
	}, nil
}
