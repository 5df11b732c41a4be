package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rmax-ai/streamguard/pkg/provider"
)

// Record is the durable form of a request that has not finished.
type Record struct {
	ID         string              `json:"id"`
	Provider   provider.ProviderID `json:"provider"`
	Priority   Priority            `json:"priority"`
	Status     Status              `json:"status"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
	Attempts   int                 `json:"attempts"`
	LongCycles int                 `json:"long_cycles"`
	NotBefore  time.Time           `json:"not_before,omitzero"`
	Payload    json.RawMessage     `json:"payload"`
}

// Persistence stores the pending set. Save replaces the stored set with
// records, which arrive in scheduling order; Load returns the last saved set
// in that same order.
type Persistence interface {
	Save(ctx context.Context, records []Record) error
	Load(ctx context.Context) ([]Record, error)
}

// Locker guards a store against a second writer.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Codec converts payloads to and from their stored form.
type Codec[P any] interface {
	Encode(P) ([]byte, error)
	Decode([]byte) (P, error)
}

// JSONCodec stores payloads as JSON.
type JSONCodec[P any] struct{}

func (JSONCodec[P]) Encode(p P) ([]byte, error) {
	return json.Marshal(p)
}

func (JSONCodec[P]) Decode(b []byte) (P, error) {
	var p P
	err := json.Unmarshal(b, &p)
	return p, err
}

// MemoryPersistence keeps the pending set in memory. It survives a queue
// restart within one process, which is what tests and the simulator need.
type MemoryPersistence struct {
	mu      sync.Mutex
	records []Record
	saves   int
}

func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{}
}

func (m *MemoryPersistence) Save(ctx context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append([]Record(nil), records...)
	m.saves++
	return nil
}

func (m *MemoryPersistence) Load(ctx context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...), nil
}

// Saves returns how many times Save was called.
func (m *MemoryPersistence) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
