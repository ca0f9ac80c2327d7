// Package lease grants per-request ownership through the shared store so that
// at most one worker processes a request at a time.
package lease

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackzampolin/reportgen/internal/store"
)

// DefaultTTL is the lease lifetime when none is configured.
const DefaultTTL = 30 * time.Minute

// Manager acquires, renews and releases ownership leases.
type Manager struct {
	store  store.Store
	logger *slog.Logger
}

// NewManager creates a Manager on s.
func NewManager(s store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, logger: logger}
}

// TryAcquire claims the lease for reqID on behalf of ownerID. A false result
// means another owner holds it. Only the set-if-absent outcome decides
// ownership; the expiry write that follows is best effort.
func (m *Manager) TryAcquire(ctx context.Context, reqID, ownerID string, ttl time.Duration) (bool, error) {
	key := store.LockKey(reqID)
	ok, err := m.store.SetNX(ctx, key, []byte(ownerID))
	if err != nil || !ok {
		return false, err
	}
	if _, err := m.store.Expire(ctx, key, ttlOrDefault(ttl)); err != nil {
		m.logger.Warn("failed to set lease expiry", "req_id", reqID, "owner", ownerID, "error", err)
	}
	return true, nil
}

// Renew extends the lease if ownerID still holds it.
func (m *Manager) Renew(ctx context.Context, reqID, ownerID string, ttl time.Duration) (bool, error) {
	return m.store.CompareAndExpire(ctx, store.LockKey(reqID), []byte(ownerID), ttlOrDefault(ttl))
}

// Release deletes the lease if ownerID still holds it.
func (m *Manager) Release(ctx context.Context, reqID, ownerID string) (bool, error) {
	return m.store.CompareAndDelete(ctx, store.LockKey(reqID), []byte(ownerID))
}

// Owner returns the current holder of the lease, or "" when it is free.
func (m *Manager) Owner(ctx context.Context, reqID string) (string, error) {
	v, err := m.store.Get(ctx, store.LockKey(reqID))
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// Keepalive renews the lease every ttl/3 in the background. It stops when the
// returned function is called, when ctx is done, or when a renewal reports
// that ownership was lost. Stop waits for the goroutine to exit and is safe to
// call more than once.
func (m *Manager) Keepalive(ctx context.Context, reqID, ownerID string, ttl time.Duration) (stop func()) {
	ttl = ttlOrDefault(ttl)
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := m.Renew(ctx, reqID, ownerID, ttl)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					m.logger.Warn("lease renewal failed", "req_id", reqID, "owner", ownerID, "error", err)
					continue
				}
				if !ok {
					m.logger.Warn("lease lost", "req_id", reqID, "owner", ownerID)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
