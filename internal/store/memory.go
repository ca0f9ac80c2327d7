package store

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"
)

type memItem struct {
	value    []byte
	expireAt time.Time // zero means no expiry
}

func (i memItem) live(now time.Time) bool {
	return i.expireAt.IsZero() || now.Before(i.expireAt)
}

// MemoryStore is an in-process Store, used in tests and single-process setups
// that do not need durability.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memItem), now: time.Now}
}

// SetClock replaces the time source. Tests use it to expire keys.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// lookup must be called with m.mu held.
func (m *MemoryStore) lookup(key string) (memItem, bool) {
	item, ok := m.items[key]
	if !ok {
		return memItem{}, false
	}
	if !item.live(m.now()) {
		delete(m.items, key)
		return memItem{}, false
	}
	return item, true
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	return clone(item.value), nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memItem{value: clone(value), expireAt: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) SetNX(ctx context.Context, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.items[key] = memItem{value: clone(value)}
	return true, nil
}

func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return m.CompareAndExpire(ctx, key, nil, ttl)
}

func (m *MemoryStore) CompareAndExpire(ctx context.Context, key string, expect []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.lookup(key)
	if !ok || (expect != nil && !bytes.Equal(item.value, expect)) {
		return false, nil
	}
	item.expireAt = m.expiry(ttl)
	m.items[key] = item
	return true, nil
}

func (m *MemoryStore) CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.lookup(key)
	if !ok || !bytes.Equal(item.value, expect) {
		return false, nil
	}
	delete(m.items, key)
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryStore) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for k := range m.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if item, ok := m.lookup(k); ok {
			out[k] = clone(item.value)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
