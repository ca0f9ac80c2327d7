package jobs

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/jackzampolin/reportgen/internal/generate"
	"github.com/jackzampolin/reportgen/internal/lease"
	"github.com/jackzampolin/reportgen/internal/pipeline"
	"github.com/jackzampolin/reportgen/internal/queue"
	"github.com/jackzampolin/reportgen/internal/store"
	"github.com/jackzampolin/reportgen/internal/tasks"
	"github.com/jackzampolin/reportgen/internal/types"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeRunner returns the outcome configured per request id and records the
// jobs it saw.
type fakeRunner struct {
	mu       sync.Mutex
	jobs     []pipeline.Job
	outcomes map[string]pipeline.Outcome
	delay    time.Duration
}

func (f *fakeRunner) Run(ctx context.Context, job pipeline.Job) pipeline.Outcome {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	if o, ok := f.outcomes[job.Request.ReqID]; ok {
		return o
	}
	return pipeline.OutcomeCompleted
}

func (f *fakeRunner) seen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func newTestQueue(t *testing.T) *queue.BadgerQueue {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	q, err := queue.New(db, "reports", time.Minute, 3)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func enqueue(t *testing.T, q *queue.BadgerQueue, reqID string, payload []byte) {
	t.Helper()
	if payload == nil {
		payload, _ = json.Marshal(types.Request{ReqID: reqID, Period: "202401"})
	}
	if _, err := q.Enqueue(context.Background(), queue.Message{ReqID: reqID, TaskID: "task-" + reqID, Payload: payload}); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPoolProcessesAndAcks(t *testing.T) {
	q := newTestQueue(t)
	runner := &fakeRunner{outcomes: map[string]pipeline.Outcome{
		"r2": pipeline.OutcomeFailed,
		"r3": pipeline.OutcomeInterrupted,
	}}
	pool, err := NewPool(PoolConfig{Source: q, Runner: runner, Workers: 2, PollInterval: 5 * time.Millisecond, Logger: quietLogger})
	if err != nil {
		t.Fatal(err)
	}

	enqueue(t, q, "r1", nil)
	enqueue(t, q, "r2", nil)
	enqueue(t, q, "r3", nil)
	enqueue(t, q, "bad", []byte("{not json"))

	ctx := context.Background()
	pool.Start(ctx)
	waitFor(t, func() bool { return pool.Status(ctx).Processed == 3 })
	waitFor(t, func() bool { n, _ := q.Len(ctx); return n == 1 })
	pool.Stop()

	if runner.seen() != 3 {
		t.Errorf("runner saw %d jobs, want 3", runner.seen())
	}
	for _, j := range runner.jobs {
		if j.TaskID != "task-"+j.Request.ReqID || j.Request.Period != "202401" {
			t.Errorf("job = %+v", j)
		}
	}

	st := pool.Status(ctx)
	if st.Running || st.Outcomes["completed"] != 1 || st.Outcomes["failed"] != 1 || st.Outcomes["interrupted"] != 1 {
		t.Errorf("status = %+v", st)
	}
	// The interrupted job stays queued for redelivery.
	if st.QueueDepth != 1 {
		t.Errorf("queue depth = %d, want 1", st.QueueDepth)
	}
}

func TestPoolStopWaitsForWorkers(t *testing.T) {
	q := newTestQueue(t)
	runner := &fakeRunner{delay: 50 * time.Millisecond}
	pool, _ := NewPool(PoolConfig{Source: q, Runner: runner, Workers: 1, PollInterval: time.Millisecond, Logger: quietLogger})

	enqueue(t, q, "r1", nil)
	pool.Start(context.Background())
	waitFor(t, func() bool { return pool.Status(context.Background()).InFlight == 1 })
	pool.Stop()
	pool.Stop()

	if runner.seen() != 1 {
		t.Errorf("runner saw %d jobs, want 1", runner.seen())
	}
}

// statusMap answers status lookups from a fixed map.
type statusMap map[string]tasks.Status

func (m statusMap) Get(_ context.Context, reqID string) (*tasks.Record, error) {
	st, ok := m[reqID]
	if !ok {
		return nil, tasks.ErrNotFound
	}
	return &tasks.Record{ReqID: reqID, Status: st}, nil
}

func TestPoolDuplicates(t *testing.T) {
	tests := []struct {
		name      string
		status    StatusReader
		wantQueue int
	}{
		{"leased elsewhere and still processing", statusMap{"r1": tasks.StatusProcessing}, 1},
		{"other owner finished", statusMap{"r1": tasks.StatusCompleted}, 0},
		{"status expired", statusMap{}, 0},
		{"no status reader", nil, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestQueue(t)
			runner := &fakeRunner{outcomes: map[string]pipeline.Outcome{"r1": pipeline.OutcomeDuplicate}}
			pool, err := NewPool(PoolConfig{
				Source:       q,
				Runner:       runner,
				Workers:      1,
				PollInterval: 5 * time.Millisecond,
				Status:       tt.status,
				RetryDelay:   time.Hour,
				Logger:       quietLogger,
			})
			if err != nil {
				t.Fatal(err)
			}

			enqueue(t, q, "r1", nil)
			ctx := context.Background()
			pool.Start(ctx)
			waitFor(t, func() bool { return pool.Status(ctx).Processed == 1 })
			pool.Stop()

			if n, _ := q.Len(ctx); n != tt.wantQueue {
				t.Errorf("queue length = %d, want %d", n, tt.wantQueue)
			}
		})
	}
}

// stubData yields one non-empty section per request.
type stubData struct{}

func (stubData) Expand(_ context.Context, p types.Params) ([]types.Params, error) {
	return []types.Params{p}, nil
}

func (stubData) Sections(_ context.Context, inputs []types.Params) ([]generate.Section, error) {
	return []generate.Section{{Params: inputs[0], ContentType: types.ContentCurrent, Data: "[]", RowCount: 1}}, nil
}

type stubGenerator struct{}

func (stubGenerator) Run(context.Context, generate.Job) (*generate.Report, error) {
	return &generate.Report{ReportCount: 1}, nil
}

type stubSink struct{}

func (stubSink) Save(context.Context, string, types.Request, *generate.Report) error    { return nil }
func (stubSink) Deliver(context.Context, string, types.Request, *generate.Report) error { return nil }

func TestPoolRecoversFromDeadWorkerLease(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	var skew atomic.Int64
	kv.SetClock(func() time.Time { return time.Now().Add(time.Duration(skew.Load())) })

	tracker := tasks.NewTracker(tasks.TrackerConfig{Store: kv, StatusTTL: 24 * time.Hour, Logger: quietLogger})
	orch, err := pipeline.New(pipeline.Config{
		Tracker:   tracker,
		Leases:    lease.NewManager(kv, quietLogger),
		Data:      stubData{},
		Generator: stubGenerator{},
		Results:   stubSink{},
		Callback:  stubSink{},
		OwnerID:   "w2",
		LeaseTTL:  30 * time.Minute,
		Logger:    quietLogger,
	})
	if err != nil {
		t.Fatal(err)
	}

	// A worker died mid-run: its status and lease are still in the store.
	if err := tracker.Write(ctx, tasks.Record{ReqID: "r1", TaskID: "task-r1", Status: tasks.StatusProcessing, Stage: tasks.StageGeneratingReport}); err != nil {
		t.Fatal(err)
	}
	if err := kv.Set(ctx, store.LockKey("r1"), []byte("w1/task-r1"), 30*time.Minute); err != nil {
		t.Fatal(err)
	}

	q := newTestQueue(t)
	pool, err := NewPool(PoolConfig{
		Source:       q,
		Runner:       orch,
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
		Status:       tracker,
		RetryDelay:   20 * time.Millisecond,
		Logger:       quietLogger,
	})
	if err != nil {
		t.Fatal(err)
	}
	enqueue(t, q, "r1", nil)
	pool.Start(ctx)
	defer pool.Stop()

	waitFor(t, func() bool { return pool.Status(ctx).Outcomes["duplicate"] >= 1 })
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("queue length = %d, the duplicate delivery must stay queued", n)
	}

	// The dead worker's lease runs out.
	skew.Store(int64(31 * time.Minute))

	waitFor(t, func() bool { return pool.Status(ctx).Outcomes["completed"] == 1 })
	waitFor(t, func() bool { n, _ := q.Len(ctx); return n == 0 })

	rec, err := tracker.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != tasks.StatusCompleted {
		t.Errorf("status = %s/%s, want completed", rec.Status, rec.Stage)
	}
}

func TestNewPoolRequiresCollaborators(t *testing.T) {
	if _, err := NewPool(PoolConfig{}); err == nil {
		t.Error("NewPool() without source and runner should fail")
	}
}
