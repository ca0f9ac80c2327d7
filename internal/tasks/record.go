// Package tasks tracks report requests in the shared store: their status
// records, cancellation flags and the admission gate in front of submission.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackzampolin/reportgen/internal/store"
)

// Status represents the lifecycle state of a request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Active reports whether s counts against the admission limit.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// Terminal reports whether no further transitions can follow s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Stage labels written alongside a status.
const (
	StageSubmitted        = "submitted"
	StageStarted          = "started"
	StageQueryingData     = "querying_data"
	StageDataQueried      = "data_queried"
	StageGeneratingReport = "generating_report"
	StageReportGenerated  = "report_generated"
	StageSavingResult     = "saving_result"
	StageResultSaved      = "result_saved"
	StageSendingCallback  = "sending_callback"
	StageFinished         = "finished"
	StageCancelled        = "cancelled"
	StageError            = "error"
)

// Record is the status record of one request.
type Record struct {
	ReqID       string    `json:"req_id"`
	TaskID      string    `json:"task_id"`
	Status      Status    `json:"status"`
	Stage       string    `json:"stage"`
	Message     string    `json:"message,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	RecordCount *int      `json:"record_count,omitempty"`
	ErrorType   string    `json:"error_type,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Default retention windows.
const (
	DefaultStatusTTL = 30 * time.Minute
	DefaultCancelTTL = 30 * time.Minute
)

// Tracker reads and writes status records and cancellation flags. Writes are
// last-writer-wins; only the lease owner writes a processing request.
type Tracker struct {
	store     store.Store
	statusTTL time.Duration
	cancelTTL time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	Store     store.Store
	StatusTTL time.Duration
	CancelTTL time.Duration
	Logger    *slog.Logger
}

// NewTracker creates a Tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = DefaultStatusTTL
	}
	if cfg.CancelTTL <= 0 {
		cfg.CancelTTL = DefaultCancelTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{
		store:     cfg.Store,
		statusTTL: cfg.StatusTTL,
		cancelTTL: cfg.CancelTTL,
		now:       time.Now,
		logger:    cfg.Logger,
	}
}

// Write stores rec, stamping UpdatedAt.
func (t *Tracker) Write(ctx context.Context, rec Record) error {
	rec.UpdatedAt = t.now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := t.store.Set(ctx, store.StatusKey(rec.ReqID), data, t.statusTTL); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	t.logger.Debug("status updated", "req_id", rec.ReqID, "task_id", rec.TaskID, "status", rec.Status, "stage", rec.Stage)
	return nil
}

// Get returns the status record of reqID.
func (t *Tracker) Get(ctx context.Context, reqID string) (*Record, error) {
	data, err := t.store.Get(ctx, store.StatusKey(reqID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt status record for %s: %w", reqID, err)
	}
	return &rec, nil
}

// List returns every live status record. Corrupt records are skipped.
func (t *Tracker) List(ctx context.Context) ([]Record, error) {
	raw, err := t.store.Scan(ctx, store.StatusPrefix)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(raw))
	for key, data := range raw {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			t.logger.Warn("skipping corrupt status record", "key", key, "error", err)
			continue
		}
		if rec.ReqID == "" {
			rec.ReqID = strings.TrimPrefix(key, store.StatusPrefix)
		}
		records = append(records, rec)
	}
	return records, nil
}

// RequestCancel sets the cancellation flag of reqID.
func (t *Tracker) RequestCancel(ctx context.Context, reqID string) error {
	return t.store.Set(ctx, store.CancelKey(reqID), []byte("1"), t.cancelTTL)
}

// CancelRequested reports whether the cancellation flag of reqID is set.
func (t *Tracker) CancelRequested(ctx context.Context, reqID string) (bool, error) {
	_, err := t.store.Get(ctx, store.CancelKey(reqID))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ClearCancel removes the cancellation flag of reqID.
func (t *Tracker) ClearCancel(ctx context.Context, reqID string) error {
	return t.store.Delete(ctx, store.CancelKey(reqID))
}
