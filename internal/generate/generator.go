package generate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jackzampolin/reportgen/internal/metrics"
	"github.com/jackzampolin/reportgen/internal/prompts"
	"github.com/jackzampolin/reportgen/internal/prompts/report"
	"github.com/jackzampolin/reportgen/internal/providers"
	"github.com/jackzampolin/reportgen/internal/tags"
)

// DefaultMaxConcurrent is the default number of simultaneous model calls.
const DefaultMaxConcurrent = 5

// CallRecorder records one model call. *metrics.Recorder satisfies it.
type CallRecorder interface {
	RecordLLMCall(ctx context.Context, opts metrics.RecordOpts, result *providers.ChatResult) error
}

// Config configures a Generator.
type Config struct {
	Client   providers.LLMClient
	Prompts  *prompts.Resolver
	Catalog  *report.Catalog
	Repairer *tags.Repairer // nil disables markup repair
	Metrics  CallRecorder   // optional

	MaxConcurrent    int
	ProgressInterval time.Duration
	Model            string
	Temperature      *float64
	Timeout          time.Duration // per call

	Logger *slog.Logger
}

// Generator runs section generation. The concurrency limit is shared by every
// run on the same Generator.
type Generator struct {
	client   providers.LLMClient
	prompts  *prompts.Resolver
	catalog  *report.Catalog
	repairer *tags.Repairer
	metrics  CallRecorder

	sem              *semaphore.Weighted
	maxConcurrent    int
	progressInterval time.Duration
	model            string
	temperature      *float64
	timeout          time.Duration

	logger *slog.Logger
}

// New creates a Generator.
func New(cfg Config) (*Generator, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if cfg.Prompts == nil {
		cfg.Prompts = prompts.NewResolver("", cfg.Logger)
		report.RegisterPrompts(cfg.Prompts)
	}
	if cfg.Catalog == nil {
		cfg.Catalog = report.DefaultCatalog()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Generator{
		client:           cfg.Client,
		prompts:          cfg.Prompts,
		catalog:          cfg.Catalog,
		repairer:         cfg.Repairer,
		metrics:          cfg.Metrics,
		sem:              semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		maxConcurrent:    cfg.MaxConcurrent,
		progressInterval: cfg.ProgressInterval,
		model:            cfg.Model,
		temperature:      cfg.Temperature,
		timeout:          cfg.Timeout,
		logger:           cfg.Logger,
	}, nil
}

// Catalog returns the reference template catalog.
func (g *Generator) Catalog() *report.Catalog { return g.catalog }

// Run generates every section of job concurrently, then groups the results
// by input record and repairs each record's markup. A failing section never
// aborts its siblings. Sections already running when ctx ends still finish.
func (g *Generator) Run(ctx context.Context, job Job) (*Report, error) {
	if len(job.Sections) == 0 {
		return nil, ErrNoSections
	}
	logger := g.logger.With("req_id", job.ReqID)
	start := time.Now()

	progress := NewProgress(len(job.Sections))
	stop := progress.Report(ctx, g.progressInterval, logger)

	logger.Info("generating sections", "sections", len(job.Sections), "inputs", len(job.Inputs), "max_concurrent", g.maxConcurrent)

	results := make([]SectionResult, len(job.Sections))
	var wg sync.WaitGroup
	for i := range job.Sections {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer progress.Done()
			results[i] = g.runSection(ctx, job.ReqID, job.Sections[i], logger)
		}(i)
	}
	wg.Wait()
	stop()

	elapsed := time.Since(start)
	logger.Info("sections generated", "sections", len(results), "elapsed", elapsed.Round(time.Millisecond),
		"avg_per_section", (elapsed / time.Duration(len(results))).Round(time.Millisecond))

	groups := buildGroups(results, job.Inputs, g.catalog)
	if g.repairer != nil {
		g.repairGroups(ctx, groups, logger)
	}
	return aggregate(groups), nil
}

// runSection produces the result of one section. Panics are converted into an
// error result.
func (g *Generator) runSection(ctx context.Context, reqID string, s Section, logger *slog.Logger) (result SectionResult) {
	result = SectionResult{Section: s}

	if s.IsEmpty {
		result.Status = SectionNoData
		result.Message = "no data for this section, generation skipped"
		return result
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		result.Status = SectionError
		result.Message = fmt.Sprintf("generation not started: %v", err)
		return result
	}
	defer g.sem.Release(1)

	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
		if r := recover(); r != nil {
			logger.Error("section generation panicked", "section", s.Key(), "origin_index", s.OriginIndex, "panic", r)
			result.Status = SectionError
			result.Message = fmt.Sprintf("generation panicked: %v", r)
		}
	}()

	system, user, err := report.SectionPrompts(g.prompts, g.catalog.Template(s.Params, s.ContentType), s.Data, report.Reminder(s.Dimension(), s.ContentType))
	if err != nil {
		result.Status = SectionError
		result.Message = fmt.Sprintf("failed to build prompt: %v", err)
		return result
	}

	res, err := g.client.Chat(ctx, &providers.ChatRequest{
		Messages:    []providers.Message{providers.SystemMessage(system), providers.UserMessage(user)},
		Model:       g.model,
		Temperature: g.temperature,
		Timeout:     g.timeout,
		RequestID:   fmt.Sprintf("%s/%d/%s", reqID, s.OriginIndex, s.Key()),
	})
	if res != nil {
		result.PromptTokens = res.PromptTokens
		result.CompletionTokens = res.CompletionTokens
		g.record(ctx, reqID, s, res, logger)
	}
	if err != nil {
		logger.Warn("section generation failed", "section", s.Key(), "origin_index", s.OriginIndex, "error", err)
		result.Status = SectionError
		result.Message = fmt.Sprintf("generation failed: %v", err)
		return result
	}

	result.Status = SectionSuccess
	result.Message = "section generated"
	result.Content = res.Content
	logger.Debug("section generated", "section", s.Key(), "origin_index", s.OriginIndex,
		"duration", time.Since(start).Round(time.Millisecond), "completion_tokens", res.CompletionTokens)
	return result
}

func (g *Generator) record(ctx context.Context, reqID string, s Section, res *providers.ChatResult, logger *slog.Logger) {
	if g.metrics == nil {
		return
	}
	opts := metrics.RecordOpts{
		ReqID:   reqID,
		Stage:   "generate_section",
		ItemKey: fmt.Sprintf("%d/%s", s.OriginIndex, s.Key()),
	}
	if err := g.metrics.RecordLLMCall(ctx, opts, res); err != nil {
		logger.Debug("failed to record section metric", "section", s.Key(), "error", err)
	}
}
