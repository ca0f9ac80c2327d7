package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/dgraph-io/badger/v4"
)

// kvPrefix namespaces lease store keys inside the shared database.
const kvPrefix = "kv:"

// BadgerStore implements Store on Badger. Conditional operations run inside a
// single read-write transaction, so a concurrent writer to the same key makes
// the commit fail with badger.ErrConflict.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a Store on db.
func NewBadgerStore(db *DB) *BadgerStore {
	return &BadgerStore{db: db.Badger()}
}

func nsKey(key string) []byte {
	return []byte(kvPrefix + key)
}

func entry(key, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry(key, value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

// Get returns the value stored at key.
func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nsKey(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Set writes value at key.
func (s *BadgerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry(nsKey(key), value, ttl))
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// SetNX writes value at key if it is absent. Losing a commit race to another
// writer counts as "not acquired".
func (s *BadgerStore) SetNX(ctx context.Context, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	acquired := false
	err := s.db.Update(func(txn *badger.Txn) error {
		k := nsKey(key)
		if _, err := txn.Get(k); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.SetEntry(entry(k, value, 0)); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return acquired, nil
}

// Expire resets the expiry of key.
func (s *BadgerStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.rewrite(ctx, key, nil, func(txn *badger.Txn, k, v []byte) error {
		return txn.SetEntry(entry(k, v, ttl))
	})
}

// CompareAndExpire resets the expiry of key if it still holds expect.
func (s *BadgerStore) CompareAndExpire(ctx context.Context, key string, expect []byte, ttl time.Duration) (bool, error) {
	return s.rewrite(ctx, key, expect, func(txn *badger.Txn, k, v []byte) error {
		return txn.SetEntry(entry(k, v, ttl))
	})
}

// CompareAndDelete deletes key if it still holds expect.
func (s *BadgerStore) CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error) {
	return s.rewrite(ctx, key, expect, func(txn *badger.Txn, k, _ []byte) error {
		return txn.Delete(k)
	})
}

// rewrite applies fn to key inside one transaction when the key exists and,
// if expect is non-nil, holds expect. Commit conflicts are retried.
func (s *BadgerStore) rewrite(ctx context.Context, key string, expect []byte, fn func(txn *badger.Txn, k, v []byte) error) (bool, error) {
	var applied bool
	err := retry.Do(
		func() error {
			applied = false
			return s.db.Update(func(txn *badger.Txn) error {
				k := nsKey(key)
				item, err := txn.Get(k)
				if errors.Is(err, badger.ErrKeyNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				v, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if expect != nil && !bytes.Equal(v, expect) {
					return nil
				}
				if err := fn(txn, k, v); err != nil {
					return err
				}
				applied = true
				return nil
			})
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(2*time.Millisecond),
		retry.RetryIf(func(err error) bool { return errors.Is(err, badger.ErrConflict) }),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return false, fmt.Errorf("update %s: %w", key, err)
	}
	return applied, nil
}

// Delete removes key.
func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(nsKey(key))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Scan returns every live key under prefix, without the namespace.
func (s *BadgerStore) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := nsKey(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[string(item.Key()[len(kvPrefix):])] = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return out, nil
}

var _ Store = (*BadgerStore)(nil)
