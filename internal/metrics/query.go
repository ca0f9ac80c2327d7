package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackzampolin/reportgen/internal/defra"
)

// Query provides queries for metrics.
type Query struct {
	client *defra.Client
}

// NewQuery creates a new metrics query helper.
func NewQuery(client *defra.Client) *Query {
	return &Query{client: client}
}

// Filter specifies query filters.
type Filter struct {
	ReqID    string
	Stage    string
	Provider string
	Model    string
	After    time.Time
	Before   time.Time
	Success  *bool // nil = any, true = success only, false = errors only
}

func (f Filter) apply(qb *defra.QueryBuilder) *defra.QueryBuilder {
	if f.ReqID != "" {
		qb.Filter("req_id", f.ReqID)
	}
	if f.Stage != "" {
		qb.Filter("stage", f.Stage)
	}
	if f.Provider != "" {
		qb.Filter("provider", f.Provider)
	}
	if f.Model != "" {
		qb.Filter("model", f.Model)
	}
	if !f.After.IsZero() {
		qb.FilterGT("created_at", f.After.Format(time.RFC3339))
	}
	if !f.Before.IsZero() {
		qb.FilterLT("created_at", f.Before.Format(time.RFC3339))
	}
	if f.Success != nil {
		qb.Filter("success", *f.Success)
	}
	return qb
}

// List returns metrics matching the filter, newest first. limit <= 0 returns
// all of them.
func (q *Query) List(ctx context.Context, f Filter, limit int) ([]Metric, error) {
	qb := f.apply(defra.NewQuery(Collection)).Fields(Fields...).OrderBy("created_at", "DESC")
	if limit > 0 {
		qb.Limit(limit)
	}
	resp, err := qb.Execute(ctx, q.client)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}

	docs := resp.Docs(Collection)
	metrics := make([]Metric, 0, len(docs))
	for _, d := range docs {
		metrics = append(metrics, parseMetric(d))
	}
	return metrics, nil
}

// Usage summarizes the model usage of a set of metrics.
type Usage struct {
	Calls            int            `json:"calls"`
	SuccessCount     int            `json:"success_count"`
	ErrorCount       int            `json:"error_count"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	ByStage          map[string]int `json:"tokens_by_stage,omitempty"`

	// Execution latency in seconds.
	LatencyAvg float64 `json:"latency_avg"`
	LatencyP50 float64 `json:"latency_p50"`
	LatencyP95 float64 `json:"latency_p95"`
	LatencyMax float64 `json:"latency_max"`
}

// Usage returns the usage summary of metrics matching the filter.
func (q *Query) Usage(ctx context.Context, f Filter) (*Usage, error) {
	metrics, err := q.List(ctx, f, 0)
	if err != nil {
		return nil, err
	}
	return Summarize(metrics), nil
}

// RequestUsage returns the usage of one report request.
func (q *Query) RequestUsage(ctx context.Context, reqID string) (*Usage, error) {
	return q.Usage(ctx, Filter{ReqID: reqID})
}

// Summarize computes a Usage from metrics.
func Summarize(metrics []Metric) *Usage {
	u := &Usage{Calls: len(metrics), ByStage: map[string]int{}}
	var latencies []float64
	for _, m := range metrics {
		if m.Success {
			u.SuccessCount++
		} else {
			u.ErrorCount++
		}
		total := m.TotalTokens
		if total == 0 {
			total = m.PromptTokens + m.CompletionTokens
		}
		u.PromptTokens += m.PromptTokens
		u.CompletionTokens += m.CompletionTokens
		u.TotalTokens += total
		if m.Stage != "" {
			u.ByStage[m.Stage] += total
		}
		if m.ExecutionSeconds > 0 {
			latencies = append(latencies, m.ExecutionSeconds)
		}
	}

	if len(latencies) > 0 {
		sort.Float64s(latencies)
		var sum float64
		for _, l := range latencies {
			sum += l
		}
		u.LatencyAvg = sum / float64(len(latencies))
		u.LatencyP50 = percentile(latencies, 50)
		u.LatencyP95 = percentile(latencies, 95)
		u.LatencyMax = latencies[len(latencies)-1]
	}
	return u
}

// percentile calculates the p-th percentile from a sorted slice of values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	idx := (p / 100.0) * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}

	weight := idx - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
