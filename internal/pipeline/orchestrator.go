// Package pipeline runs one report request end to end: query, generate,
// save and deliver, under the request's lease.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackzampolin/reportgen/internal/generate"
	"github.com/jackzampolin/reportgen/internal/lease"
	"github.com/jackzampolin/reportgen/internal/tasks"
	"github.com/jackzampolin/reportgen/internal/types"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeInterrupted means the worker shut down or lost its lease
	// mid-run. No terminal status is written so the job can be delivered
	// again.
	OutcomeInterrupted Outcome = "interrupted"
)

// Job is one queued request.
type Job struct {
	TaskID  string        `json:"task_id"`
	Request types.Request `json:"request"`
}

// DataSource expands requests and loads section rows.
type DataSource interface {
	Expand(ctx context.Context, p types.Params) ([]types.Params, error)
	Sections(ctx context.Context, inputs []types.Params) ([]generate.Section, error)
}

// ReportGenerator generates the report of a set of sections.
type ReportGenerator interface {
	Run(ctx context.Context, job generate.Job) (*generate.Report, error)
}

// ResultSaver persists a payload.
type ResultSaver interface {
	Save(ctx context.Context, reqID string, req types.Request, payload *generate.Report) error
}

// Deliverer sends a payload to the caller.
type Deliverer interface {
	Deliver(ctx context.Context, reqID string, req types.Request, payload *generate.Report) error
}

// Config configures an Orchestrator.
type Config struct {
	Tracker   *tasks.Tracker
	Leases    *lease.Manager
	Data      DataSource
	Generator ReportGenerator
	Results   ResultSaver
	Callback  Deliverer
	// OwnerID identifies this process in lease values.
	OwnerID  string
	LeaseTTL time.Duration
	Logger   *slog.Logger
}

// Orchestrator drives requests through their stages.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Tracker == nil:
		return nil, fmt.Errorf("tracker is required")
	case cfg.Leases == nil:
		return nil, fmt.Errorf("lease manager is required")
	case cfg.Data == nil:
		return nil, fmt.Errorf("data source is required")
	case cfg.Generator == nil:
		return nil, fmt.Errorf("generator is required")
	case cfg.Results == nil:
		return nil, fmt.Errorf("result saver is required")
	case cfg.Callback == nil:
		return nil, fmt.Errorf("callback is required")
	}
	if cfg.OwnerID == "" {
		cfg.OwnerID = "worker"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = lease.DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, logger: cfg.Logger}, nil
}

// run is the state of one request while it is processed.
type run struct {
	o      *Orchestrator
	job    Job
	reqID  string
	owner  string
	logger *slog.Logger
	count  *int
}

// Run processes job. Only the lease holder writes status records; a
// duplicate delivery returns without touching them.
func (o *Orchestrator) Run(ctx context.Context, job Job) Outcome {
	reqID := job.Request.ReqID
	r := &run{
		o:      o,
		job:    job,
		reqID:  reqID,
		owner:  o.cfg.OwnerID + "/" + job.TaskID,
		logger: o.logger.With("req_id", reqID, "task_id", job.TaskID),
	}

	ok, err := o.cfg.Leases.TryAcquire(ctx, reqID, r.owner, o.cfg.LeaseTTL)
	if err != nil {
		r.logger.Error("failed to acquire lease", "error", err)
		if ctx.Err() != nil {
			return OutcomeInterrupted
		}
		return OutcomeFailed
	}
	if !ok {
		r.logger.Info("request already being processed, skipping")
		return OutcomeDuplicate
	}
	defer func() {
		if _, err := o.cfg.Leases.Release(context.WithoutCancel(ctx), reqID, r.owner); err != nil {
			r.logger.Warn("failed to release lease", "error", err)
		}
	}()
	stop := o.cfg.Leases.Keepalive(ctx, reqID, r.owner, o.cfg.LeaseTTL)
	defer stop()

	start := time.Now()
	outcome := r.execute(ctx)
	r.logger.Info("request finished", "outcome", outcome, "elapsed", time.Since(start).Round(time.Millisecond))
	return outcome
}

func (r *run) execute(ctx context.Context) Outcome {
	payload, err := r.stages(ctx)
	switch {
	case err == nil:
		if err := r.o.cfg.Tracker.ClearCancel(ctx, r.reqID); err != nil {
			r.logger.Warn("failed to clear cancel flag", "error", err)
		}
		r.write(ctx, tasks.StatusCompleted, tasks.StageFinished, fmt.Sprintf("generated %d reports", payload.ReportCount), nil)
		return OutcomeCompleted
	case errors.Is(err, errCancelled):
		r.logger.Info("request cancelled")
		return OutcomeCancelled
	case ctx.Err() != nil:
		r.logger.Warn("request interrupted", "error", err)
		return OutcomeInterrupted
	case errors.Is(err, errLeaseLost):
		// Whoever holds the lease now owns the status; the delivery stays
		// queued in case nobody does.
		r.logger.Error("lease lost, abandoning run")
		return OutcomeInterrupted
	}

	var se *StageError
	if !errors.As(err, &se) {
		se = &StageError{Type: ErrTypeReportGeneration, Err: err}
	}
	r.logger.Error("request failed", "error_type", se.Type, "error", se.Err)
	r.fail(ctx, se)
	return OutcomeFailed
}

// stages runs every stage and returns the generated report.
func (r *run) stages(ctx context.Context) (*generate.Report, error) {
	cfg := r.o.cfg
	req := r.job.Request

	if err := r.advance(ctx, tasks.StageStarted, "processing started"); err != nil {
		return nil, err
	}

	if err := r.advance(ctx, tasks.StageQueryingData, "querying data"); err != nil {
		return nil, err
	}
	inputs, err := cfg.Data.Expand(ctx, req.Params())
	if err != nil {
		return nil, stageErr(ErrTypeDataQuery, err)
	}
	sections, err := cfg.Data.Sections(ctx, inputs)
	if err != nil {
		return nil, stageErr(ErrTypeDataQuery, err)
	}
	n := len(inputs)
	r.count = &n
	if err := r.advance(ctx, tasks.StageDataQueried, fmt.Sprintf("loaded %d records, %d sections", len(inputs), len(sections))); err != nil {
		return nil, err
	}

	if err := r.advance(ctx, tasks.StageGeneratingReport, "generating report"); err != nil {
		return nil, err
	}
	report, err := cfg.Generator.Run(ctx, generate.Job{ReqID: r.reqID, Sections: sections, Inputs: inputs})
	if err != nil {
		return nil, stageErr(ErrTypeReportGeneration, err)
	}
	if err := r.advance(ctx, tasks.StageReportGenerated, report.Message); err != nil {
		return nil, err
	}

	if err := r.advance(ctx, tasks.StageSavingResult, "saving result"); err != nil {
		return nil, err
	}
	if err := cfg.Results.Save(ctx, r.reqID, req, report); err != nil {
		return nil, stageErr(ErrTypeResultSave, err)
	}
	if err := r.advance(ctx, tasks.StageResultSaved, "result saved"); err != nil {
		return nil, err
	}

	if err := r.advance(ctx, tasks.StageSendingCallback, "sending callback"); err != nil {
		return nil, err
	}
	if err := cfg.Callback.Deliver(ctx, r.reqID, req, report); err != nil {
		r.logger.Warn("callback failed", "error", err)
	}
	return report, nil
}

// errCancelled stops a run after the cancelled status has been written.
var errCancelled = errors.New("request cancelled")

// advance moves the request to a processing stage: renew the lease, honour a
// pending cancellation, then record the stage.
func (r *run) advance(ctx context.Context, stage, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg := r.o.cfg

	ok, err := cfg.Leases.Renew(ctx, r.reqID, r.owner, cfg.LeaseTTL)
	if err != nil {
		r.logger.Warn("lease renewal failed", "stage", stage, "error", err)
	} else if !ok {
		return errLeaseLost
	}

	cancelled, err := cfg.Tracker.CancelRequested(ctx, r.reqID)
	if err != nil {
		r.logger.Warn("failed to read cancel flag", "stage", stage, "error", err)
	}
	if cancelled {
		r.write(ctx, tasks.StatusCancelled, tasks.StageCancelled, "cancelled at "+stage, nil)
		return errCancelled
	}

	r.logger.Info("stage", "stage", stage)
	r.write(ctx, tasks.StatusProcessing, stage, msg, nil)
	return nil
}

func (r *run) write(ctx context.Context, status tasks.Status, stage, msg string, se *StageError) {
	rec := tasks.Record{
		ReqID:       r.reqID,
		TaskID:      r.job.TaskID,
		Status:      status,
		Stage:       stage,
		Message:     msg,
		RecordCount: r.count,
	}
	if se != nil {
		rec.ErrorType = se.Type
		rec.Error = se.Err.Error()
	}
	if err := r.o.cfg.Tracker.Write(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Error("failed to write status", "status", status, "stage", stage, "error", err)
	}
}

// fail records the failure and stores and delivers an error payload in
// place of the report. Both writes are best effort.
func (r *run) fail(ctx context.Context, se *StageError) {
	r.write(ctx, tasks.StatusFailed, tasks.StageError, se.Err.Error(), se)

	cfg := r.o.cfg
	payload := generate.ErrorReport(se.Type, se.Err.Error())
	if err := cfg.Results.Save(ctx, r.reqID, r.job.Request, payload); err != nil {
		r.logger.Error("failed to save error payload", "error", err)
	}
	if err := cfg.Callback.Deliver(ctx, r.reqID, r.job.Request, payload); err != nil {
		r.logger.Error("failed to deliver error payload", "error", err)
	}
}
