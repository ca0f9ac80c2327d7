package tags

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackzampolin/reportgen/internal/providers"
)

// RepairTemperature is the sampling temperature of the corrective call.
const RepairTemperature = 0.2

// Scope identifies where repaired content came from, for failure records.
type Scope struct {
	DiagnosisType string // ORG, CHAN, IND, PROD
	TimeType      string // CURRENT, CUMULATIVE
}

// Outcome is the result of one Repair call.
type Outcome struct {
	// Text is the repaired text, or the original text when repair failed.
	Text string
	// Changed is true when Text differs from the input.
	Changed bool
	// Valid reports whether Text passes Validate.
	Valid bool
	// RemoteCalled is true when a corrective model call was made.
	RemoteCalled bool
	// Before is the validation of the input.
	Before *Result
	// Usage of the corrective call, if any.
	PromptTokens     int
	CompletionTokens int
	// Err is set when the corrective call failed.
	Err error
}

// RepairerConfig configures a Repairer.
type RepairerConfig struct {
	Client   providers.LLMClient
	Failures FailureLog // optional
	Model    string     // optional, client default when empty
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Repairer drives the validate, pre-fix, corrective call, post-fix loop.
// One corrective call per block of text at most.
type Repairer struct {
	client   providers.LLMClient
	failures FailureLog
	model    string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRepairer creates a Repairer.
func NewRepairer(cfg RepairerConfig) *Repairer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Repairer{
		client:   cfg.Client,
		failures: cfg.Failures,
		model:    cfg.Model,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

// Repair returns text with its markup fixed. v may be nil, in which case text
// is validated first. A failed repair keeps the original text and records the
// case in the failure log; it is never an error for the caller.
func (r *Repairer) Repair(ctx context.Context, text, reference string, v *Result, scope Scope) Outcome {
	if v == nil {
		v = Validate(text)
	}
	out := Outcome{Text: text, Valid: v.IsValid, Before: v}
	if v.IsValid {
		return out
	}

	r.logger.Warn("markup incomplete", "scope", scope.DiagnosisType+"/"+scope.TimeType, "summary", v.Summary())

	fixed, fv := PrefixContainers(text, v)
	if fv.IsValid {
		out.Text, out.Changed, out.Valid = fixed, fixed != text, true
		return out
	}

	if r.client == nil {
		out.Err = fmt.Errorf("no model client configured for markup repair")
		r.recordFailure(ctx, text, scope)
		return out
	}

	out.RemoteCalled = true
	res, err := r.client.Chat(ctx, &providers.ChatRequest{
		Model:       r.model,
		Messages:    BuildRepairMessages(fixed, reference, fv),
		Temperature: providers.Temperature(RepairTemperature),
		Timeout:     r.timeout,
	})
	if res != nil {
		out.PromptTokens = res.PromptTokens
		out.CompletionTokens = res.CompletionTokens
	}
	if err != nil {
		out.Err = err
		r.logger.Error("markup repair call failed", "error", err)
		r.recordFailure(ctx, text, scope)
		return out
	}

	candidate := FixContainers(res.Content)
	if candidate == "" || !Validate(candidate).IsValid {
		r.logger.Error("markup repair failed, keeping original text", "scope", scope.DiagnosisType+"/"+scope.TimeType)
		r.recordFailure(ctx, text, scope)
		return out
	}

	out.Text, out.Changed, out.Valid = candidate, candidate != text, true
	return out
}

func (r *Repairer) recordFailure(ctx context.Context, text string, scope Scope) {
	if r.failures == nil {
		return
	}
	f := NewFailure(text, scope)
	added, err := r.failures.Record(ctx, f)
	switch {
	case err != nil:
		r.logger.Error("failed to record markup repair failure", "error", err)
	case added:
		r.logger.Info("recorded markup repair failure", "hash", f.Hash)
	default:
		r.logger.Debug("markup repair failure already recorded", "hash", f.Hash)
	}
}

// PrefixContainers handles the common case of a container closed more than
// once: every close marker of that container is removed and a single one is
// appended at the end. It returns the new text and its validation.
func PrefixContainers(text string, v *Result) (string, *Result) {
	changed := false
	for _, e := range v.ErrorsOf(MultipleClose) {
		if !isContainer(e.Tag) {
			continue
		}
		closeTag := "</" + e.Tag + ">"
		text = strings.ReplaceAll(text, closeTag, "") + closeTag
		changed = true
	}
	if !changed {
		return text, v
	}
	return text, Validate(text)
}

// FixContainers forces container markers in model output into a single pair.
// A <current> document only needs its close marker at the very end; any other
// container is stripped and re-wrapped around the whole text. Only the first
// container needing a fix is rewritten.
func FixContainers(text string) string {
	for _, name := range Containers {
		openTag := "<" + name + ">"
		closeTag := "</" + name + ">"

		opens := strings.Count(text, openTag)
		closes := strings.Count(text, closeTag)
		if opens == 0 && closes == 0 {
			continue
		}
		if opens == 1 && closes == 1 && strings.HasPrefix(text, openTag) && strings.HasSuffix(text, closeTag) {
			continue
		}

		if name == "current" {
			if strings.HasSuffix(text, closeTag) {
				continue
			}
			return strings.ReplaceAll(text, closeTag, "") + closeTag
		}

		stripped := strings.ReplaceAll(strings.ReplaceAll(text, openTag, ""), closeTag, "")
		return openTag + stripped + closeTag
	}
	return text
}
