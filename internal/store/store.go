// Package store is the shared key-value store behind task status records,
// cancellation flags and ownership leases. Every key may carry an expiry.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("key not found")

// Key prefixes.
const (
	StatusPrefix = "status:"
	CancelPrefix = "cancel:"
	LockPrefix   = "lock:"
)

// StatusKey returns the status record key for reqID.
func StatusKey(reqID string) string { return StatusPrefix + reqID }

// CancelKey returns the cancellation flag key for reqID.
func CancelKey(reqID string) string { return CancelPrefix + reqID }

// LockKey returns the ownership lease key for reqID.
func LockKey(reqID string) string { return LockPrefix + reqID }

// Store is a key-value store with per-key expiry. A ttl of zero means the
// key does not expire.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes value only if key is absent. It reports whether the write
	// happened. This is the only atomic primitive mutual exclusion relies on.
	SetNX(ctx context.Context, key string, value []byte) (bool, error)

	// Expire resets the expiry of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// CompareAndExpire resets the expiry only if the stored value equals expect.
	CompareAndExpire(ctx context.Context, key string, expect []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only if the stored value equals expect.
	CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error)

	Delete(ctx context.Context, key string) error

	// Scan returns every live key with the given prefix.
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
}
