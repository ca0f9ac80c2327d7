package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func openTestDB(t *testing.T, path string) *DB {
	t.Helper()
	db, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open(%q) error = %v", path, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// stores returns one instance of every Store implementation.
func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory":        NewMemoryStore(),
		"badger_memory": NewBadgerStore(openTestDB(t, "")),
		"badger_disk":   NewBadgerStore(openTestDB(t, filepath.Join(t.TempDir(), "db"))),
	}
}

func TestStoreBasics(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
			}

			if err := s.Set(ctx, StatusKey("r1"), []byte(`{"status":"pending"}`), time.Minute); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			got, err := s.Get(ctx, StatusKey("r1"))
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if string(got) != `{"status":"pending"}` {
				t.Errorf("Get() = %s", got)
			}

			if err := s.Delete(ctx, StatusKey("r1")); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if _, err := s.Get(ctx, StatusKey("r1")); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after Delete error = %v", err)
			}
		})
	}
}

func TestStoreSetNX(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := LockKey("r1")

			ok, err := s.SetNX(ctx, key, []byte("owner-a"))
			if err != nil || !ok {
				t.Fatalf("first SetNX() = %v, %v", ok, err)
			}
			ok, err = s.SetNX(ctx, key, []byte("owner-b"))
			if err != nil || ok {
				t.Fatalf("second SetNX() = %v, %v; want false", ok, err)
			}
			got, _ := s.Get(ctx, key)
			if string(got) != "owner-a" {
				t.Errorf("owner = %s, want owner-a", got)
			}
		})
	}
}

func TestStoreSetNXConcurrent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const workers = 16

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ok, err := s.SetNX(ctx, LockKey("shared"), []byte(fmt.Sprintf("w%d", i)))
					if err != nil {
						t.Errorf("SetNX() error = %v", err)
						return
					}
					if ok {
						wins.Add(1)
					}
				}(i)
			}
			wg.Wait()

			if wins.Load() != 1 {
				t.Errorf("winners = %d, want exactly 1", wins.Load())
			}
		})
	}
}

func TestStoreCompareAnd(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := LockKey("r1")

			if ok, _ := s.Expire(ctx, key, time.Minute); ok {
				t.Error("Expire on missing key should report false")
			}

			s.SetNX(ctx, key, []byte("owner-a"))

			tests := []struct {
				name string
				op   func() (bool, error)
				want bool
			}{
				{"expire existing", func() (bool, error) { return s.Expire(ctx, key, time.Minute) }, true},
				{"compare expire wrong owner", func() (bool, error) { return s.CompareAndExpire(ctx, key, []byte("owner-b"), time.Minute) }, false},
				{"compare expire owner", func() (bool, error) { return s.CompareAndExpire(ctx, key, []byte("owner-a"), time.Minute) }, true},
				{"compare delete wrong owner", func() (bool, error) { return s.CompareAndDelete(ctx, key, []byte("owner-b")) }, false},
				{"compare delete owner", func() (bool, error) { return s.CompareAndDelete(ctx, key, []byte("owner-a")) }, true},
				{"compare delete gone", func() (bool, error) { return s.CompareAndDelete(ctx, key, []byte("owner-a")) }, false},
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

			if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Errorf("lease should be gone, Get error = %v", err)
			}
		})
	}
}

func TestStoreScan(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.Set(ctx, StatusKey("a"), []byte("1"), 0)
			s.Set(ctx, StatusKey("b"), []byte("2"), 0)
			s.Set(ctx, CancelKey("a"), []byte("1"), 0)

			got, err := s.Scan(ctx, StatusPrefix)
			if err != nil {
				t.Fatalf("Scan() error = %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("Scan() = %d keys, want 2: %v", len(got), got)
			}
			if string(got[StatusKey("b")]) != "2" {
				t.Errorf("Scan()[status:b] = %s", got[StatusKey("b")])
			}
		})
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s := NewMemoryStore()
	s.SetClock(func() time.Time { return now })

	s.Set(ctx, CancelKey("r1"), []byte("1"), time.Minute)
	s.SetNX(ctx, LockKey("r1"), []byte("owner"))
	s.Expire(ctx, LockKey("r1"), 30*time.Second)

	now = now.Add(45 * time.Second)
	if _, err := s.Get(ctx, LockKey("r1")); !errors.Is(err, ErrNotFound) {
		t.Errorf("lease should have expired, Get error = %v", err)
	}
	if ok, _ := s.SetNX(ctx, LockKey("r1"), []byte("next")); !ok {
		t.Error("SetNX should succeed after expiry")
	}
	if _, err := s.Get(ctx, CancelKey("r1")); err != nil {
		t.Errorf("cancel flag expired early: %v", err)
	}

	now = now.Add(time.Minute)
	if got, _ := s.Scan(ctx, CancelPrefix); len(got) != 0 {
		t.Errorf("Scan() = %v, want no live keys", got)
	}
}

func TestGCSchedulerInMemoryIsNoop(t *testing.T) {
	g := NewGCScheduler(openTestDB(t, ""), "", nil)
	if err := g.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer g.Stop()
	if n := g.RunOnce(); n != 0 {
		t.Errorf("RunOnce() = %d, want 0", n)
	}
}

func TestGCSchedulerInvalidSchedule(t *testing.T) {
	g := NewGCScheduler(openTestDB(t, filepath.Join(t.TempDir(), "db")), "not a schedule", nil)
	if err := g.Start(); err == nil {
		g.Stop()
		t.Fatal("expected error for invalid schedule")
	}
}
