package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rmax-ai/streamguard/pkg/queue"
)

// MockLeaseStore is a mock implementation of LeaseStore for testing.
type MockLeaseStore struct {
	mu sync.Mutex

	acquireResult bool
	acquireError  error
	renewError    error
	releaseError  error
	getResult     *Lease
	getError      error

	acquireCalled bool
	renewCalls    int
	releaseCalled bool
}

func (m *MockLeaseStore) Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquireCalled = true
	return m.acquireResult, m.acquireError
}

func (m *MockLeaseStore) Renew(ctx context.Context, name, holderID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renewCalls++
	return m.renewError
}

func (m *MockLeaseStore) Release(ctx context.Context, name, holderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseCalled = true
	return m.releaseError
}

func (m *MockLeaseStore) Get(ctx context.Context, name string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getResult, m.getError
}

func (m *MockLeaseStore) setRenewError(err error) {
	m.mu.Lock()
	m.renewError = err
	m.mu.Unlock()
}

func (m *MockLeaseStore) renews() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewCalls
}

func TestLeaseGuard_LockRenewUnlock(t *testing.T) {
	mockStore := &MockLeaseStore{acquireResult: true}
	g := NewLeaseGuard(mockStore, "holder", "queue", 40*time.Millisecond, nil, nil)
	ctx := context.Background()

	if err := g.Lock(ctx); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if !g.Held() {
		t.Fatal("expected guard to hold the lease")
	}

	time.Sleep(70 * time.Millisecond)
	if mockStore.renews() == 0 {
		t.Error("expected at least one renewal")
	}

	if err := g.Unlock(ctx); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if !mockStore.releaseCalled {
		t.Error("expected Release to be called")
	}
	if g.Held() {
		t.Error("guard should not hold the lease after Unlock")
	}

	n := mockStore.renews()
	time.Sleep(50 * time.Millisecond)
	if mockStore.renews() != n {
		t.Error("renewals continued after Unlock")
	}

	// Unlock twice is a no-op.
	if err := g.Unlock(ctx); err != nil {
		t.Errorf("second Unlock = %v", err)
	}
}

func TestLeaseGuard_Locked(t *testing.T) {
	mockStore := &MockLeaseStore{
		acquireResult: false,
		getResult:     &Lease{Name: "queue", HolderID: "other"},
	}
	g := NewLeaseGuard(mockStore, "holder", "queue", time.Second, nil, nil)

	err := g.Lock(context.Background())
	if !errors.Is(err, ErrStoreLocked) {
		t.Fatalf("Lock = %v; want ErrStoreLocked", err)
	}
	if g.Held() {
		t.Error("guard must not report held")
	}
}

func TestLeaseGuard_AcquireError(t *testing.T) {
	boom := errors.New("db down")
	mockStore := &MockLeaseStore{acquireError: boom}
	g := NewLeaseGuard(mockStore, "holder", "queue", time.Second, nil, nil)

	if err := g.Lock(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Lock = %v; want wrapped %v", err, boom)
	}
}

func TestLeaseGuard_Lost(t *testing.T) {
	mockStore := &MockLeaseStore{acquireResult: true}
	lostCh := make(chan error, 1)
	g := NewLeaseGuard(mockStore, "holder", "queue", 200*time.Millisecond, nil, func(err error) { lostCh <- err })

	if err := g.Lock(context.Background()); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	// A transient error keeps the lease until its expiry.
	mockStore.setRenewError(errors.New("timeout"))
	time.Sleep(130 * time.Millisecond)
	if !g.Held() {
		t.Fatal("transient renew error should not drop the lease before it expires")
	}

	mockStore.setRenewError(ErrLeaseLost)
	select {
	case err := <-lostCh:
		if !errors.Is(err, ErrLeaseLost) {
			t.Errorf("onLost err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for lease loss")
	}

	select {
	case <-g.Lost():
	default:
		t.Error("Lost channel should be closed")
	}
	if g.Held() {
		t.Error("guard should not report held after loss")
	}
}

func TestLeaseGuard_WithSQLite(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a := NewLeaseGuard(s, "a", "queue", time.Minute, nil, nil)
	b := NewLeaseGuard(s, "b", "queue", time.Minute, nil, nil)

	if err := a.Lock(ctx); err != nil {
		t.Fatalf("a.Lock: %v", err)
	}
	if err := b.Lock(ctx); !errors.Is(err, ErrStoreLocked) {
		t.Fatalf("b.Lock = %v; want ErrStoreLocked", err)
	}
	if err := a.Unlock(ctx); err != nil {
		t.Fatalf("a.Unlock: %v", err)
	}
	if err := b.Lock(ctx); err != nil {
		t.Fatalf("b.Lock after release: %v", err)
	}
	b.Unlock(ctx)
}

func TestLeaseGuard_Fence(t *testing.T) {
	ms := &MockLeaseStore{acquireResult: true}
	g := NewLeaseGuard(ms, "me", "lease", time.Minute, nil, nil)
	mem := queue.NewMemoryPersistence()
	p := g.Fence(mem)
	ctx := context.Background()

	if err := p.Save(ctx, nil); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("Save before Lock = %v; want ErrLeaseLost", err)
	}
	if err := g.Lock(ctx); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if err := p.Save(ctx, []queue.Record{{ID: "r1"}}); err != nil {
		t.Fatalf("Save while held failed: %v", err)
	}
	if err := g.Unlock(ctx); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := p.Save(ctx, nil); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("Save after Unlock = %v; want ErrLeaseLost", err)
	}

	records, err := p.Load(ctx)
	if err != nil || len(records) != 1 || records[0].ID != "r1" {
		t.Errorf("Load = %+v, %v", records, err)
	}
	if mem.Saves() != 1 {
		t.Errorf("saves = %d; want 1", mem.Saves())
	}
}

// renewFailingStore acquires for real but can never renew.
type renewFailingStore struct {
	*Store
}

func (s renewFailingStore) Renew(ctx context.Context, name, holderID string, ttl time.Duration) error {
	return errors.New("i/o timeout")
}

func TestLeaseGuard_ExpiresWhenRenewKeepsFailing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	lostCh := make(chan error, 1)
	a := NewLeaseGuard(renewFailingStore{s}, "a", "queue", 60*time.Millisecond, nil, func(err error) { lostCh <- err })
	p := a.Fence(queue.NewMemoryPersistence())
	if err := a.Lock(ctx); err != nil {
		t.Fatalf("a.Lock: %v", err)
	}

	select {
	case err := <-lostCh:
		if !errors.Is(err, ErrLeaseLost) {
			t.Errorf("onLost err = %v; want ErrLeaseLost", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for lease expiry")
	}
	if a.Held() {
		t.Error("a still reports held after its lease expired")
	}
	if err := p.Save(ctx, nil); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("a.Save after expiry = %v; want ErrLeaseLost", err)
	}

	b := NewLeaseGuard(s, "b", "queue", time.Minute, nil, nil)
	deadline := time.Now().Add(time.Second)
	for {
		err := b.Lock(ctx)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrStoreLocked) || time.Now().After(deadline) {
			t.Fatalf("b.Lock: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	defer b.Unlock(ctx)

	if a.Held() {
		t.Error("both guards report held")
	}
}

func TestLeaseGuard_HeldTurnsFalseAtExpiry(t *testing.T) {
	ms := &MockLeaseStore{acquireResult: true, renewError: errors.New("i/o timeout")}
	g := NewLeaseGuard(ms, "me", "lease", 50*time.Millisecond, nil, nil)
	if err := g.Lock(context.Background()); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer g.Unlock(context.Background())

	time.Sleep(60 * time.Millisecond)
	if g.Held() {
		t.Error("Held = true past the last confirmed expiry")
	}
}
