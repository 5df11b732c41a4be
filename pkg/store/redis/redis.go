// Package redis stores the queue's pending set and its single-writer lease
// in Redis, for deployments that already run shared Redis infrastructure.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rmax-ai/streamguard/pkg/queue"
)

const keyPrefix = "streamguard"

// PendingStore keeps the pending set as a Redis list of JSON records.
type PendingStore struct {
	client *redis.Client
	key    string
}

// NewPendingStore stores the set under streamguard:queue:<name>.
func NewPendingStore(client *redis.Client, name string) *PendingStore {
	return &PendingStore{
		client: client,
		key:    fmt.Sprintf("%s:queue:%s", keyPrefix, name),
	}
}

// Save replaces the list atomically in a MULTI/EXEC block.
func (s *PendingStore) Save(ctx context.Context, records []queue.Record) error {
	values := make([]any, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal record %s: %w", r.ID, err)
		}
		values = append(values, data)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(values) > 0 {
			pipe.RPush(ctx, s.key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save pending set to %s: %w", s.key, err)
	}
	return nil
}

// Load returns the saved list in order.
func (s *PendingStore) Load(ctx context.Context) ([]queue.Record, error) {
	items, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to LRANGE %s: %w", s.key, err)
	}

	records := make([]queue.Record, 0, len(items))
	for i, item := range items {
		var r queue.Record
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record %d from %s: %w", i, s.key, err)
		}
		records = append(records, r)
	}
	return records, nil
}
