package defra

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// OpType represents the type of write operation.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpUpsert OpType = "upsert"
	OpDelete OpType = "delete"
)

// WriteOp is a single write queued on a Sink.
type WriteOp struct {
	Collection string
	Op         OpType
	Document   map[string]any
	DocID      string         // update, delete
	Filter     map[string]any // upsert

	result chan<- WriteResult
}

// WriteResult contains the result of a write operation.
type WriteResult struct {
	DocID string
	Err   error
}

// SinkConfig configures the write sink.
type SinkConfig struct {
	Client        *Client
	BatchSize     int           // flush after N ops (default: 50)
	FlushInterval time.Duration // or after duration (default: 2s)
	QueueSize     int           // buffer size (default: 1000)
	Logger        *slog.Logger
}

// Sink batches writes to DefraDB off the caller's path. Metric records go
// through Send; writes whose outcome matters go through SendSync.
type Sink struct {
	client *Client
	logger *slog.Logger

	batchSize     int
	flushInterval time.Duration

	queue   chan WriteOp
	flushCh chan struct{}
	batch   []WriteOp

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

// NewSink creates a new write sink. Call Start before sending.
func NewSink(cfg SinkConfig) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Sink{
		client:        cfg.Client,
		logger:        cfg.Logger,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		queue:         make(chan WriteOp, cfg.QueueSize),
		flushCh:       make(chan struct{}, 1),
		batch:         make([]WriteOp, 0, cfg.BatchSize),
	}
}

// Start begins processing write operations.
func (s *Sink) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.wg.Add(1)
	go s.run()
}

// Stop flushes queued operations and shuts the sink down.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()

		s.wg.Wait()
		s.cancel()
		s.logger.Info("sink stopped")
	})
}

// Send queues a write without waiting for it. Writes sent after Stop are
// dropped.
func (s *Sink) Send(op WriteOp) {
	op.result = nil
	if !s.enqueue(context.Background(), op) {
		s.logger.Warn("sink closed, dropping write op", "collection", op.Collection, "op", op.Op)
	}
}

// SendSync queues a write and waits for its result.
func (s *Sink) SendSync(ctx context.Context, op WriteOp) (WriteResult, error) {
	resultCh := make(chan WriteResult, 1)
	op.result = resultCh

	if !s.enqueue(ctx, op) {
		if err := ctx.Err(); err != nil {
			return WriteResult{}, err
		}
		return WriteResult{}, ErrSinkClosed
	}

	select {
	case result := <-resultCh:
		return result, result.Err
	case <-ctx.Done():
		return WriteResult{}, ctx.Err()
	}
}

func (s *Sink) enqueue(ctx context.Context, op WriteOp) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.queue <- op:
		return true
	case <-ctx.Done():
		return false
	}
}

// Flush asks the sink to write its current batch now.
func (s *Sink) Flush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case op, ok := <-s.queue:
			if !ok {
				s.flush()
				return
			}
			s.batch = append(s.batch, op)
			if len(s.batch) >= s.batchSize || op.result != nil {
				s.flush()
			}
		case <-ticker.C:
			s.flush()
		case <-s.flushCh:
			s.flush()
		}
	}
}

// flush writes the batch in arrival order. DefraDB has no batch mutation
// over HTTP for mixed operations, so each op is its own request.
func (s *Sink) flush() {
	if len(s.batch) == 0 {
		return
	}
	ops := s.batch
	s.batch = make([]WriteOp, 0, s.batchSize)

	s.logger.Debug("flushing sink batch", "count", len(ops))
	for _, op := range ops {
		res := s.apply(op)
		if res.Err != nil {
			s.logger.Error("sink write failed", "collection", op.Collection, "op", op.Op, "doc_id", op.DocID, "error", res.Err)
		}
		if op.result != nil {
			op.result <- res
			close(op.result)
		}
	}
}

func (s *Sink) apply(op WriteOp) WriteResult {
	switch op.Op {
	case OpCreate:
		id, err := s.client.Create(s.ctx, op.Collection, op.Document)
		return WriteResult{DocID: id, Err: err}
	case OpUpdate:
		return WriteResult{DocID: op.DocID, Err: s.client.Update(s.ctx, op.Collection, op.DocID, op.Document)}
	case OpUpsert:
		id, err := s.client.Upsert(s.ctx, op.Collection, op.Filter, op.Document, op.Document)
		return WriteResult{DocID: id, Err: err}
	case OpDelete:
		return WriteResult{DocID: op.DocID, Err: s.client.Delete(s.ctx, op.Collection, op.DocID)}
	default:
		return WriteResult{Err: fmt.Errorf("unknown write op %q", op.Op)}
	}
}
