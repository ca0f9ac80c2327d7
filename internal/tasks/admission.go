package tasks

import (
	"context"
	"fmt"
	"sync/atomic"
)

// DefaultMaxConcurrent is the admission limit when none is configured.
const DefaultMaxConcurrent = 10

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed     bool   `json:"allowed"`
	ActiveCount int    `json:"current_count"`
	Limit       int    `json:"max_concurrent"`
	Reason      string `json:"reason,omitempty"`
}

// Admission gates submission on the number of pending and processing
// requests. The count and a concurrent submit are not atomic, so the limit
// can be exceeded by a small margin under contention.
type Admission struct {
	tracker *Tracker
	limit   atomic.Int64
}

// NewAdmission creates an Admission with the given limit.
func NewAdmission(tracker *Tracker, limit int) *Admission {
	a := &Admission{tracker: tracker}
	a.SetLimit(limit)
	return a
}

// SetLimit changes the limit. Safe to call while requests are being admitted.
func (a *Admission) SetLimit(limit int) {
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	a.limit.Store(int64(limit))
}

// Limit returns the current limit.
func (a *Admission) Limit() int {
	return int(a.limit.Load())
}

// CanSubmit counts active requests and compares the count to the limit.
func (a *Admission) CanSubmit(ctx context.Context) (Decision, error) {
	limit := a.Limit()
	records, err := a.tracker.List(ctx)
	if err != nil {
		return Decision{Limit: limit}, fmt.Errorf("failed to count active requests: %w", err)
	}

	active := 0
	for _, rec := range records {
		if rec.Status.Active() {
			active++
		}
	}

	d := Decision{Allowed: active < limit, ActiveCount: active, Limit: limit}
	if !d.Allowed {
		d.Reason = fmt.Sprintf("too many concurrent requests: %d active, limit %d", active, limit)
	}
	return d, nil
}
