package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/jackzampolin/reportgen/internal/defra"
	"github.com/jackzampolin/reportgen/internal/providers"
)

// Sender queues writes. *defra.Sink satisfies it.
type Sender interface {
	Send(op defra.WriteOp)
}

// Recorder writes metrics through a batching sink so recording never waits
// on the database.
type Recorder struct {
	sink Sender
	now  func() time.Time
}

// NewRecorder creates a new metrics recorder.
func NewRecorder(sink Sender) *Recorder {
	return &Recorder{sink: sink, now: time.Now}
}

// RecordOpts provides context for a metric recording.
type RecordOpts struct {
	ReqID   string
	Stage   string
	ItemKey string
}

// Record queues a single metric.
func (r *Recorder) Record(m Metric) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.now()
	}
	r.sink.Send(defra.WriteOp{
		Collection: Collection,
		Op:         defra.OpCreate,
		Document:   m.ToMap(),
	})
}

// RecordLLMCall records the usage and outcome of one chat call.
func (r *Recorder) RecordLLMCall(_ context.Context, opts RecordOpts, result *providers.ChatResult) error {
	if result == nil {
		return fmt.Errorf("nil chat result")
	}
	r.Record(Metric{
		ReqID:            opts.ReqID,
		Stage:            opts.Stage,
		ItemKey:          opts.ItemKey,
		Provider:         result.Provider,
		Model:            result.ModelUsed,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.TotalTokens,
		QueueSeconds:     result.QueueTime.Seconds(),
		ExecutionSeconds: result.ExecutionTime.Seconds(),
		Success:          result.Success,
		ErrorType:        result.ErrorType,
	})
	return nil
}
