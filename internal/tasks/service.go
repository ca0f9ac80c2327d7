package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/jackzampolin/reportgen/internal/queue"
	"github.com/jackzampolin/reportgen/internal/types"
)

var (
	// ErrNotFound is returned when no status record exists for a request.
	ErrNotFound = errors.New("request not found")
	// ErrAlreadyTerminal is returned when cancelling a finished request.
	ErrAlreadyTerminal = errors.New("request already finished")
	// ErrRejected is returned when admission refuses a submission.
	ErrRejected = errors.New("admission rejected")
)

// RejectedError carries the admission decision behind ErrRejected.
type RejectedError struct {
	Decision Decision
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrRejected, e.Decision.Reason)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// Enqueuer hands a job to the workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message) (string, error)
}

// Submission identifies an accepted request.
type Submission struct {
	ReqID  string `json:"reqId"`
	TaskID string `json:"taskId"`
	Status Status `json:"status"`
}

// CancelAllResult lists the requests CancelAll cancelled.
type CancelAllResult struct {
	CancelledCount int      `json:"cancelled_count"`
	ReqIDs         []string `json:"req_ids"`
}

// Service is the outward operation surface for report requests.
type Service struct {
	tracker   *Tracker
	admission *Admission
	queue     Enqueuer
	logger    *slog.Logger
}

// NewService creates a Service.
func NewService(tracker *Tracker, admission *Admission, q Enqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{tracker: tracker, admission: admission, queue: q, logger: logger}
}

// Tracker returns the status tracker.
func (s *Service) Tracker() *Tracker { return s.tracker }

// Admission returns the admission gate.
func (s *Service) Admission() *Admission { return s.admission }

// Submit admits req, records it as pending and enqueues it under a fresh
// task ID.
func (s *Service) Submit(ctx context.Context, req types.Request) (*Submission, error) {
	if req.ReqID == "" {
		return nil, errors.New("reqId is required")
	}

	decision, err := s.admission.CanSubmit(ctx)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		s.logger.Warn("submission rejected", "req_id", req.ReqID, "reason", decision.Reason)
		return nil, &RejectedError{Decision: decision}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	taskID := uuid.New().String()

	// A flag left by an earlier cancel of the same reqId would stop this
	// submission at its first stage.
	if err := s.tracker.ClearCancel(ctx, req.ReqID); err != nil {
		return nil, fmt.Errorf("failed to clear cancel flag: %w", err)
	}

	// Record pending before enqueueing so a fast worker never overwrites a
	// later status with this one.
	if err := s.tracker.Write(ctx, Record{
		ReqID:   req.ReqID,
		TaskID:  taskID,
		Status:  StatusPending,
		Stage:   StageSubmitted,
		Message: "request submitted, waiting for a worker",
	}); err != nil {
		return nil, err
	}

	if _, err := s.queue.Enqueue(ctx, queue.Message{ReqID: req.ReqID, TaskID: taskID, Payload: payload}); err != nil {
		s.tracker.Write(ctx, Record{
			ReqID:     req.ReqID,
			TaskID:    taskID,
			Status:    StatusFailed,
			Stage:     StageError,
			Message:   "failed to enqueue request",
			ErrorType: "enqueue_error",
			Error:     err.Error(),
		})
		return nil, fmt.Errorf("failed to enqueue request: %w", err)
	}

	s.logger.Info("request submitted", "req_id", req.ReqID, "task_id", taskID)
	return &Submission{ReqID: req.ReqID, TaskID: taskID, Status: StatusPending}, nil
}

// Cancel flags reqID for cancellation and marks it cancelled. The owning
// worker stops at its next stage boundary.
func (s *Service) Cancel(ctx context.Context, reqID string) (*Record, error) {
	rec, err := s.tracker.Get(ctx, reqID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, reqID, rec.Status)
	}
	if err := s.cancel(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// CancelAll cancels every pending or processing request.
func (s *Service) CancelAll(ctx context.Context) (*CancelAllResult, error) {
	records, err := s.tracker.List(ctx)
	if err != nil {
		return nil, err
	}

	result := &CancelAllResult{ReqIDs: []string{}}
	for i := range records {
		rec := &records[i]
		if !rec.Status.Active() {
			continue
		}
		if err := s.cancel(ctx, rec); err != nil {
			s.logger.Warn("failed to cancel request", "req_id", rec.ReqID, "error", err)
			continue
		}
		result.ReqIDs = append(result.ReqIDs, rec.ReqID)
	}
	sort.Strings(result.ReqIDs)
	result.CancelledCount = len(result.ReqIDs)

	s.logger.Info("cancelled all active requests", "count", result.CancelledCount)
	return result, nil
}

func (s *Service) cancel(ctx context.Context, rec *Record) error {
	if err := s.tracker.RequestCancel(ctx, rec.ReqID); err != nil {
		return fmt.Errorf("failed to set cancel flag: %w", err)
	}
	rec.Status = StatusCancelled
	rec.Stage = StageCancelled
	rec.Message = "request cancelled"
	if err := s.tracker.Write(ctx, *rec); err != nil {
		return err
	}
	s.logger.Info("request cancelled", "req_id", rec.ReqID, "task_id", rec.TaskID)
	return nil
}

// GetStatus returns the status record of reqID.
func (s *Service) GetStatus(ctx context.Context, reqID string) (*Record, error) {
	return s.tracker.Get(ctx, reqID)
}
