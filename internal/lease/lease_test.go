package lease

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackzampolin/reportgen/internal/store"
)

func TestTryAcquireExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemoryStore(), nil)

	ok, err := m.TryAcquire(ctx, "r1", "task-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryAcquire(a) = %v, %v", ok, err)
	}
	ok, err = m.TryAcquire(ctx, "r1", "task-b", time.Minute)
	if err != nil || ok {
		t.Fatalf("TryAcquire(b) = %v, %v; want duplicate", ok, err)
	}
	if owner, _ := m.Owner(ctx, "r1"); owner != "task-a" {
		t.Errorf("Owner = %q, want task-a", owner)
	}
}

func TestTryAcquireConcurrent(t *testing.T) {
	tests := []struct {
		name  string
		store func(t *testing.T) store.Store
	}{
		{"memory", func(t *testing.T) store.Store { return store.NewMemoryStore() }},
		{"badger", func(t *testing.T) store.Store {
			db, err := store.Open("", nil)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			t.Cleanup(func() { db.Close() })
			return store.NewBadgerStore(db)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(tt.store(t), nil)
			ctx := context.Background()

			var acquired atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					ok, err := m.TryAcquire(ctx, "r1", fmt.Sprintf("task-%d", i), time.Minute)
					if err != nil {
						t.Errorf("TryAcquire error = %v", err)
					}
					if ok {
						acquired.Add(1)
					}
				}(i)
			}
			close(start)
			wg.Wait()

			if got := acquired.Load(); got != 1 {
				t.Errorf("acquired = %d, want exactly 1", got)
			}
		})
	}
}

func TestRenewAndReleaseRequireOwnership(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemoryStore(), nil)
	m.TryAcquire(ctx, "r1", "task-a", time.Minute)

	tests := []struct {
		name string
		op   func() (bool, error)
		want bool
	}{
		{"renew by other", func() (bool, error) { return m.Renew(ctx, "r1", "task-b", time.Minute) }, false},
		{"renew by owner", func() (bool, error) { return m.Renew(ctx, "r1", "task-a", time.Minute) }, true},
		{"release by other", func() (bool, error) { return m.Release(ctx, "r1", "task-b") }, false},
		{"release by owner", func() (bool, error) { return m.Release(ctx, "r1", "task-a") }, true},
		{"renew after release", func() (bool, error) { return m.Renew(ctx, "r1", "task-a", time.Minute) }, false},
	}
	for _, tt := range tests {
		got, err := tt.op()
		if err != nil {
			t.Fatalf("%s: error = %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}

	ok, _ := m.TryAcquire(ctx, "r1", "task-b", time.Minute)
	if !ok {
		t.Error("lease should be free after release")
	}
}

func TestLeaseExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := store.NewMemoryStore()
	s.SetClock(func() time.Time { return now })
	m := NewManager(s, nil)

	m.TryAcquire(ctx, "r1", "task-a", time.Minute)
	now = now.Add(2 * time.Minute)

	ok, _ := m.TryAcquire(ctx, "r1", "task-b", time.Minute)
	if !ok {
		t.Fatal("expired lease should be acquirable")
	}
	if ok, _ := m.Renew(ctx, "r1", "task-a", time.Minute); ok {
		t.Error("previous owner must not renew a lease it lost")
	}
}

// countingStore counts CompareAndExpire calls.
type countingStore struct {
	store.Store
	renewals atomic.Int32
}

func (c *countingStore) CompareAndExpire(ctx context.Context, key string, expect []byte, ttl time.Duration) (bool, error) {
	c.renewals.Add(1)
	return c.Store.CompareAndExpire(ctx, key, expect, ttl)
}

func TestKeepalive(t *testing.T) {
	ctx := context.Background()
	s := &countingStore{Store: store.NewMemoryStore()}
	m := NewManager(s, nil)

	m.TryAcquire(ctx, "r1", "task-a", 30*time.Millisecond)
	stop := m.Keepalive(ctx, "r1", "task-a", 30*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	stop()
	stop()

	if n := s.renewals.Load(); n < 2 {
		t.Errorf("renewals = %d, want at least 2", n)
	}
	if owner, _ := m.Owner(ctx, "r1"); owner != "task-a" {
		t.Errorf("Owner = %q, keepalive should have kept the lease", owner)
	}
}

func TestKeepaliveStopsWhenLost(t *testing.T) {
	ctx := context.Background()
	s := &countingStore{Store: store.NewMemoryStore()}
	m := NewManager(s, nil)

	m.TryAcquire(ctx, "r1", "task-a", 30*time.Millisecond)
	stop := m.Keepalive(ctx, "r1", "task-a", 30*time.Millisecond)
	defer stop()

	// hand the lease to someone else
	s.Set(ctx, store.LockKey("r1"), []byte("task-b"), 0)

	time.Sleep(60 * time.Millisecond)
	after := s.renewals.Load()
	time.Sleep(60 * time.Millisecond)
	if s.renewals.Load() != after {
		t.Error("keepalive should stop renewing once ownership is lost")
	}
}
