// Package jobs runs report requests pulled from the durable queue on a fixed
// pool of workers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackzampolin/reportgen/internal/pipeline"
	"github.com/jackzampolin/reportgen/internal/queue"
	"github.com/jackzampolin/reportgen/internal/tasks"
	"github.com/jackzampolin/reportgen/internal/types"
)

// Defaults for a Pool.
const (
	DefaultWorkers      = 4
	DefaultPollInterval = 500 * time.Millisecond
)

// Runner processes one job. *pipeline.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job) pipeline.Outcome
}

// Source hands out queued messages. *queue.BadgerQueue satisfies it.
type Source interface {
	Receive(ctx context.Context) (*queue.Delivery, error)
	Len(ctx context.Context) (int, error)
}

// StatusReader looks up request status. *tasks.Tracker satisfies it.
type StatusReader interface {
	Get(ctx context.Context, reqID string) (*tasks.Record, error)
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Source  Source
	Runner  Runner
	Workers int
	// PollInterval is the wait after finding the queue empty.
	PollInterval time.Duration
	// Visibility is the queue's visibility timeout. Running jobs extend
	// their message every Visibility/2.
	Visibility time.Duration
	// Status decides what happens to a delivery whose request is leased by
	// another owner: it is acked once the request is terminal and requeued
	// after RetryDelay while it is not. Without it duplicates are always
	// requeued.
	Status     StatusReader
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Pool is a fixed set of workers draining a queue.
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	running atomic.Bool

	inFlight  atomic.Int32
	processed atomic.Int64
	outcomes  sync.Map // pipeline.Outcome -> *atomic.Int64
}

// NewPool creates a Pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Source == nil || cfg.Runner == nil {
		return nil, fmt.Errorf("source and runner are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = queue.DefaultVisibilityTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = cfg.Visibility
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{cfg: cfg, logger: cfg.Logger.With("component", "worker_pool")}, nil
}

// Start launches the workers. They run until Stop or until ctx is done.
func (p *Pool) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("worker pool started", "workers", p.cfg.Workers)
}

// Stop cancels the workers and waits for them to exit. Jobs interrupted by
// Stop are left on the queue.
func (p *Pool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker_id", id)

	for {
		d, err := p.cfg.Source.Receive(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, queue.ErrEmpty):
			if !sleep(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		case err != nil:
			logger.Error("failed to receive from queue", "error", err)
			if !sleep(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}

		p.handle(ctx, d, logger)
	}
}

// handle runs one delivery. It is acked once its request reached a terminal
// state here or elsewhere; interrupted runs stay on the queue.
func (p *Pool) handle(ctx context.Context, d *queue.Delivery, logger *slog.Logger) {
	logger = logger.With("req_id", d.Message.ReqID, "task_id", d.Message.TaskID, "attempt", d.ReceiveCount)

	var req types.Request
	if err := json.Unmarshal(d.Message.Payload, &req); err != nil {
		logger.Error("dropping malformed message", "error", err)
		p.ack(ctx, d, logger)
		return
	}
	if req.ReqID == "" {
		req.ReqID = d.Message.ReqID
	}

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	stop := p.keepVisible(ctx, d, logger)
	outcome := p.cfg.Runner.Run(ctx, pipeline.Job{TaskID: d.Message.TaskID, Request: req})
	stop()

	p.processed.Add(1)
	p.count(outcome)
	switch outcome {
	case pipeline.OutcomeInterrupted:
		logger.Info("job interrupted, leaving it on the queue")
		return
	case pipeline.OutcomeDuplicate:
		if !p.settled(ctx, req.ReqID, logger) {
			// The lease may belong to a worker that died; once it expires
			// the next delivery takes the request over.
			logger.Info("request leased elsewhere, requeueing", "delay", p.cfg.RetryDelay)
			if err := d.Requeue(context.WithoutCancel(ctx), p.cfg.RetryDelay); err != nil {
				logger.Error("failed to requeue message", "error", err)
			}
			return
		}
	}
	p.ack(ctx, d, logger)
}

// settled reports whether reqID no longer needs this delivery: its status is
// terminal or gone.
func (p *Pool) settled(ctx context.Context, reqID string, logger *slog.Logger) bool {
	if p.cfg.Status == nil {
		return false
	}
	rec, err := p.cfg.Status.Get(ctx, reqID)
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		return true
	case err != nil:
		logger.Warn("failed to read request status", "error", err)
		return false
	}
	return rec.Status.Terminal()
}

func (p *Pool) ack(ctx context.Context, d *queue.Delivery, logger *slog.Logger) {
	if err := d.Ack(context.WithoutCancel(ctx)); err != nil {
		logger.Error("failed to ack message", "error", err)
	}
}

// keepVisible extends the message while its job runs so no other worker
// receives it.
func (p *Pool) keepVisible(ctx context.Context, d *queue.Delivery, logger *slog.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.Visibility / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.Extend(ctx, p.cfg.Visibility); err != nil {
					logger.Warn("failed to extend message visibility", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Pool) count(o pipeline.Outcome) {
	v, _ := p.outcomes.LoadOrStore(o, &atomic.Int64{})
	v.(*atomic.Int64).Add(1)
}

// Status is a snapshot of the pool.
type Status struct {
	Running    bool             `json:"running"`
	Workers    int              `json:"workers"`
	InFlight   int              `json:"in_flight"`
	Processed  int64            `json:"processed"`
	QueueDepth int              `json:"queue_depth"`
	Outcomes   map[string]int64 `json:"outcomes"`
}

// Status returns the current pool status.
func (p *Pool) Status(ctx context.Context) Status {
	s := Status{
		Running:   p.running.Load(),
		Workers:   p.cfg.Workers,
		InFlight:  int(p.inFlight.Load()),
		Processed: p.processed.Load(),
		Outcomes:  map[string]int64{},
	}
	if n, err := p.cfg.Source.Len(ctx); err == nil {
		s.QueueDepth = n
	}
	p.outcomes.Range(func(k, v any) bool {
		s.Outcomes[string(k.(pipeline.Outcome))] = v.(*atomic.Int64).Load()
		return true
	})
	return s
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
