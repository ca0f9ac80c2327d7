// Package queue is a persistent work queue on Badger. Submitted report
// requests wait here until a worker picks them up; a message that is not
// acknowledged before its visibility timeout becomes visible again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// ErrEmpty is returned by Receive when no message is ready.
var ErrEmpty = errors.New("no messages in queue")

const (
	DefaultVisibilityTimeout = 5 * time.Minute
	DefaultMaxReceive        = 3
)

// Message is a unit of work.
type Message struct {
	ReqID   string          `json:"req_id"`
	TaskID  string          `json:"task_id"`
	Payload json.RawMessage `json:"payload"`
}

// record is what is stored in Badger.
type record struct {
	ID           string    `json:"id"`
	Body         Message   `json:"body"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAt    time.Time `json:"visible_at"`
	ReceiveCount int       `json:"receive_count"`
}

// Delivery is a received message. Ack removes it from the queue; Extend
// pushes its visibility timeout out while work is still running.
type Delivery struct {
	ID           string
	Message      Message
	ReceiveCount int

	q *BadgerQueue
}

// Ack deletes the message.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.q.delete(d.ID)
}

// Requeue hands the message back to be received again after delay. The
// receive is not counted against the queue's receive limit.
func (d *Delivery) Requeue(ctx context.Context, delay time.Duration) error {
	return d.q.reschedule(ctx, d.ID, delay, true)
}

// Extend keeps the message invisible for another d.
func (d *Delivery) Extend(ctx context.Context, dur time.Duration) error {
	return d.q.Extend(ctx, d.ID, dur)
}

// BadgerQueue stores messages under queue:{name}:msg:{id} and keeps a
// visibility index under queue:{name}:index:{visibleAt}:{id} so Receive can
// scan ready messages in order.
type BadgerQueue struct {
	db                *badger.DB
	name              string
	visibilityTimeout time.Duration
	maxReceive        int
	now               func() time.Time
}

// New creates a queue on db.
func New(db *badger.DB, name string, visibilityTimeout time.Duration, maxReceive int) (*BadgerQueue, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}
	if maxReceive <= 0 {
		maxReceive = DefaultMaxReceive
	}
	return &BadgerQueue{
		db:                db,
		name:              name,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
		now:               time.Now,
	}, nil
}

// Enqueue adds msg and returns its message ID.
func (q *BadgerQueue) Enqueue(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := q.now()
	rec := record{
		ID:         uuid.New().String(),
		Body:       msg,
		EnqueuedAt: now,
		VisibleAt:  now,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queue message: %w", err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(q.msgKey(rec.ID), data); err != nil {
			return err
		}
		return txn.Set(q.indexKey(rec.VisibleAt, rec.ID), nil)
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue: %w", err)
	}
	return rec.ID, nil
}

// Receive claims the oldest visible message. Messages received maxReceive
// times without an Ack are dropped.
func (q *BadgerQueue) Receive(ctx context.Context) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var claimed record
	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := q.indexPrefix()
		now := q.now()
		var oldIndex []byte

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			ts, id, err := q.parseIndexKey(key)
			if err != nil {
				continue
			}
			// Index is sorted by visibility time.
			if ts.After(now) {
				break
			}

			item, err := txn.Get(q.msgKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			var rec record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}

			if rec.ReceiveCount >= q.maxReceive {
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(q.msgKey(id)); err != nil {
					return err
				}
				continue
			}

			claimed = rec
			oldIndex = key
			break
		}

		if oldIndex == nil {
			return ErrEmpty
		}

		claimed.ReceiveCount++
		claimed.VisibleAt = now.Add(q.visibilityTimeout)
		data, err := json.Marshal(claimed)
		if err != nil {
			return err
		}
		if err := txn.Set(q.msgKey(claimed.ID), data); err != nil {
			return err
		}
		if err := txn.Delete(oldIndex); err != nil {
			return err
		}
		return txn.Set(q.indexKey(claimed.VisibleAt, claimed.ID), nil)
	})
	// Another consumer claimed the same message first.
	if errors.Is(err, badger.ErrConflict) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}

	return &Delivery{
		ID:           claimed.ID,
		Message:      claimed.Body,
		ReceiveCount: claimed.ReceiveCount,
		q:            q,
	}, nil
}

// Extend moves the visibility of message id to now+dur.
func (q *BadgerQueue) Extend(ctx context.Context, id string, dur time.Duration) error {
	return q.reschedule(ctx, id, dur, false)
}

// reschedule moves message id to now+dur. uncount gives back the receive
// that handed it out.
func (q *BadgerQueue) reschedule(ctx context.Context, id string, dur time.Duration, uncount bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.db.Update(func(txn *badger.Txn) error {
		rec, err := q.load(txn, id)
		if err != nil {
			return err
		}
		old := rec.VisibleAt
		rec.VisibleAt = q.now().Add(dur)
		if uncount && rec.ReceiveCount > 0 {
			rec.ReceiveCount--
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(q.msgKey(id), data); err != nil {
			return err
		}
		if err := txn.Delete(q.indexKey(old, id)); err != nil {
			return err
		}
		return txn.Set(q.indexKey(rec.VisibleAt, id), nil)
	})
}

// Len counts stored messages, visible or not.
func (q *BadgerQueue) Len(ctx context.Context) (int, error) {
	n := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := q.indexPrefix()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (q *BadgerQueue) delete(id string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		rec, err := q.load(txn, id)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(q.indexKey(rec.VisibleAt, id)); err != nil {
			return err
		}
		return txn.Delete(q.msgKey(id))
	})
}

func (q *BadgerQueue) load(txn *badger.Txn, id string) (record, error) {
	var rec record
	item, err := txn.Get(q.msgKey(id))
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func (q *BadgerQueue) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", q.name, id))
}

func (q *BadgerQueue) indexPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", q.name))
}

// indexKey zero-pads the timestamp so lexical order matches time order.
func (q *BadgerQueue) indexKey(visibleAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", q.name, visibleAt.UnixNano(), id))
}

func (q *BadgerQueue) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := q.indexPrefix()
	if len(key) <= len(prefix)+21 {
		return time.Time{}, "", fmt.Errorf("invalid index key %q", key)
	}
	suffix := string(key[len(prefix):])

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), suffix[21:], nil
}
