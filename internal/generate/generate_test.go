package generate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/reportgen/internal/metrics"
	"github.com/jackzampolin/reportgen/internal/providers"
	"github.com/jackzampolin/reportgen/internal/tags"
	"github.com/jackzampolin/reportgen/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeRecorder struct {
	mu    sync.Mutex
	items []string
}

func (f *fakeRecorder) RecordLLMCall(_ context.Context, opts metrics.RecordOpts, _ *providers.ChatResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, opts.ItemKey)
	return nil
}

// replyByContentType answers with a well formed section for the content type
// named in the request id.
func replyByContentType(req *providers.ChatRequest) (string, error) {
	if strings.HasSuffix(req.RequestID, string(types.ContentCumulative)) {
		return "<accumulate>cum " + req.RequestID + "</accumulate>", nil
	}
	return "<current>cur " + req.RequestID + "</current>", nil
}

func newTestGenerator(t *testing.T, client providers.LLMClient, mutate func(*Config)) *Generator {
	t.Helper()
	cfg := Config{
		Client:           client,
		MaxConcurrent:    4,
		ProgressInterval: 10 * time.Millisecond,
		Logger:           testLogger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return g
}

func twoOriginJob() Job {
	org := types.Params{Period: "202401", DiagnosisType: "ORG", ProvinceName: "Hubei"}
	chn := types.Params{Period: "202401", DiagnosisType: "CHAN", ProvinceName: "Hubei"}
	return Job{
		ReqID:  "req-1",
		Inputs: []types.Params{org, chn},
		Sections: []Section{
			{OriginIndex: 0, Params: org, ContentType: types.ContentCurrent, Data: "[]", RowCount: 1},
			{OriginIndex: 0, Params: org, ContentType: types.ContentCumulative, Data: "[]", RowCount: 1},
			{OriginIndex: 1, Params: chn, ContentType: types.ContentCurrent, Data: "[]", RowCount: 1},
			{OriginIndex: 1, Params: chn, ContentType: types.ContentCumulative, Data: "[]", RowCount: 1},
		},
	}
}

func TestRunPartialFailureKeepsRecordSuccessful(t *testing.T) {
	client := providers.NewMockClient()
	client.Latency = time.Millisecond
	client.Respond = func(req *providers.ChatRequest) (string, error) {
		if req.RequestID == "req-1/1/CHAN/CURRENT" {
			return "", fmt.Errorf("upstream unavailable")
		}
		return replyByContentType(req)
	}
	rec := &fakeRecorder{}
	g := newTestGenerator(t, client, func(c *Config) { c.Metrics = rec })

	rep, err := g.Run(context.Background(), twoOriginJob())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.ReportCount != 2 || len(rep.ReportResults) != 2 {
		t.Fatalf("ReportCount = %d, results = %d, want 2", rep.ReportCount, len(rep.ReportResults))
	}

	first := rep.ReportResults[0]
	if first.Status != SectionSuccess {
		t.Errorf("record 0 status = %s, want success", first.Status)
	}
	for _, ct := range types.ContentTypes {
		if s := first.Sections[string(ct)]; s.Status != SectionSuccess || s.Content == "" {
			t.Errorf("record 0 section %s = %+v, want populated success", ct, s)
		}
	}
	wantFirst := "<current>cur req-1/0/ORG/CURRENT</current>\n<accumulate>cum req-1/0/ORG/CUMULATIVE</accumulate>"
	if first.ReportContent != wantFirst {
		t.Errorf("record 0 content = %q, want %q", first.ReportContent, wantFirst)
	}

	second := rep.ReportResults[1]
	if second.Status != SectionSuccess {
		t.Errorf("record 1 status = %s, want success", second.Status)
	}
	if s := second.Sections[string(types.ContentCurrent)]; s.Status != SectionError {
		t.Errorf("record 1 CURRENT status = %s, want error", s.Status)
	}
	if second.ReportContent != "<accumulate>cum req-1/1/CHAN/CUMULATIVE</accumulate>" {
		t.Errorf("record 1 content = %q", second.ReportContent)
	}
	if second.Message != "(CURRENT: error, CUMULATIVE: success)" {
		t.Errorf("record 1 message = %q", second.Message)
	}
	if rep.ActualParams[1].DiagnosisType != "CHAN" {
		t.Errorf("ActualParams[1] = %+v", rep.ActualParams[1])
	}
	if rep.Usage.TotalTokens != rep.PromptTokens+rep.CompletionTokens || rep.PromptTokens == 0 {
		t.Errorf("Usage = %+v", rep.Usage)
	}
	if len(rec.items) != 4 {
		t.Errorf("recorded %d calls, want 4", len(rec.items))
	}
}

func TestRunEmptySectionsAreNotGenerated(t *testing.T) {
	client := providers.NewMockClient()
	client.Latency = time.Millisecond
	client.Respond = replyByContentType
	g := newTestGenerator(t, client, nil)

	p := types.Params{Period: "202401", DiagnosisType: "IND"}
	rep, err := g.Run(context.Background(), Job{
		ReqID:  "req-2",
		Inputs: []types.Params{p},
		Sections: []Section{
			{OriginIndex: 0, Params: p, ContentType: types.ContentCurrent, IsEmpty: true},
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if client.RequestCount() != 0 {
		t.Errorf("RequestCount() = %d, want 0", client.RequestCount())
	}
	r := rep.ReportResults[0]
	if r.Status != SectionError {
		t.Errorf("status = %s, want error", r.Status)
	}
	if got := r.Sections[string(types.ContentCurrent)].Status; got != SectionNoData {
		t.Errorf("CURRENT = %s, want no_data", got)
	}
	if got := r.Sections[string(types.ContentCumulative)].Status; got != SectionMissing {
		t.Errorf("CUMULATIVE = %s, want missing", got)
	}
	if r.Message != "(CURRENT: no_data, CUMULATIVE: missing)" {
		t.Errorf("message = %q", r.Message)
	}
}

func TestRunNoSections(t *testing.T) {
	g := newTestGenerator(t, providers.NewMockClient(), nil)
	if _, err := g.Run(context.Background(), Job{ReqID: "req-3"}); !errors.Is(err, ErrNoSections) {
		t.Errorf("Run() error = %v, want ErrNoSections", err)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	client := providers.NewMockClient()
	client.Latency = 20 * time.Millisecond
	g := newTestGenerator(t, client, func(c *Config) { c.MaxConcurrent = 2 })

	var sections []Section
	var inputs []types.Params
	for i := 0; i < 5; i++ {
		p := types.Params{DiagnosisType: "ORG", ProvinceName: fmt.Sprintf("P%d", i)}
		inputs = append(inputs, p)
		for _, ct := range types.ContentTypes {
			sections = append(sections, Section{OriginIndex: i, Params: p, ContentType: ct, Data: "[]"})
		}
	}

	// Two concurrent runs share the same limit.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Run(context.Background(), Job{ReqID: "req", Sections: sections, Inputs: inputs}); err != nil {
				t.Errorf("Run() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if client.RequestCount() != 20 {
		t.Errorf("RequestCount() = %d, want 20", client.RequestCount())
	}
	if peak := client.MaxInFlight(); peak > 2 {
		t.Errorf("MaxInFlight() = %d, want <= 2", peak)
	}
}

func TestRunOrdersSectionsByDimension(t *testing.T) {
	client := providers.NewMockClient()
	client.Latency = time.Millisecond
	client.Respond = func(req *providers.ChatRequest) (string, error) { return req.RequestID, nil }
	g := newTestGenerator(t, client, nil)

	p := types.Params{DiagnosisType: "PROD"}
	org := types.Params{DiagnosisType: "ORG"}
	rep, err := g.Run(context.Background(), Job{
		ReqID:  "r",
		Inputs: []types.Params{p},
		Sections: []Section{
			{OriginIndex: 0, Params: p, ContentType: types.ContentCumulative},
			{OriginIndex: 0, Params: p, ContentType: types.ContentCurrent},
			{OriginIndex: 0, Params: org, ContentType: types.ContentCurrent},
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := "r/0/ORG/CURRENT\nr/0/PROD/CURRENT\nr/0/PROD/CUMULATIVE"
	if got := rep.ReportContents[0]; got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
}

func TestRunCapturesPanics(t *testing.T) {
	client := providers.NewMockClient()
	client.Latency = time.Millisecond
	client.Respond = func(req *providers.ChatRequest) (string, error) {
		if strings.HasSuffix(req.RequestID, "CURRENT") && !strings.HasSuffix(req.RequestID, "CUMULATIVE") {
			panic("boom")
		}
		return replyByContentType(req)
	}
	g := newTestGenerator(t, client, nil)

	rep, err := g.Run(context.Background(), twoOriginJob())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for i, r := range rep.ReportResults {
		cur := r.Sections[string(types.ContentCurrent)]
		if cur.Status != SectionError || !strings.Contains(cur.Message, "panicked") {
			t.Errorf("record %d CURRENT = %+v, want captured panic", i, cur)
		}
		if r.Status != SectionSuccess {
			t.Errorf("record %d status = %s, want success", i, r.Status)
		}
	}
}

func TestRunRepairsMarkup(t *testing.T) {
	client := providers.NewMockClient()
	client.Latency = time.Millisecond
	client.Respond = func(req *providers.ChatRequest) (string, error) {
		if strings.HasSuffix(req.RequestID, string(types.ContentCumulative)) {
			return "<accumulate>b</accumulate>", nil
		}
		return "<current>a</current></current>", nil
	}
	failures := tags.NewMemoryFailureLog()
	g := newTestGenerator(t, client, func(c *Config) {
		c.Repairer = tags.NewRepairer(tags.RepairerConfig{Client: client, Failures: failures, Logger: testLogger})
	})

	p := types.Params{DiagnosisType: "ORG"}
	rep, err := g.Run(context.Background(), Job{
		ReqID:  "r",
		Inputs: []types.Params{p},
		Sections: []Section{
			{OriginIndex: 0, Params: p, ContentType: types.ContentCurrent},
			{OriginIndex: 0, Params: p, ContentType: types.ContentCumulative},
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := "<current>a\n</current><accumulate>b</accumulate>\n"
	if got := rep.ReportContents[0]; got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
	if !tags.Validate(rep.ReportContents[0]).IsValid {
		t.Error("repaired content should validate")
	}
	if client.RequestCount() != 2 {
		t.Errorf("RequestCount() = %d, want 2 (no corrective call)", client.RequestCount())
	}
	if list, _ := failures.List(context.Background(), 10); len(list) != 0 {
		t.Errorf("failures = %d, want 0", len(list))
	}
}

func TestRunValidMarkupIsTrimmed(t *testing.T) {
	client := providers.NewMockClient()
	client.Latency = time.Millisecond
	client.Respond = replyByContentType
	g := newTestGenerator(t, client, func(c *Config) {
		c.Repairer = tags.NewRepairer(tags.RepairerConfig{Client: client, Logger: testLogger})
	})

	rep, err := g.Run(context.Background(), twoOriginJob())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for i, c := range rep.ReportContents {
		if strings.HasSuffix(c, "\n") {
			t.Errorf("content %d has trailing newline: %q", i, c)
		}
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without client should fail")
	}
}

func TestProgressSnapshot(t *testing.T) {
	p := NewProgress(4)
	if s := p.Snapshot(); s.Completed != 0 || s.Percent != 0 || s.ETA != 0 {
		t.Errorf("initial snapshot = %+v", s)
	}
	p.Done()
	if got := p.Done(); got != 2 {
		t.Errorf("Done() = %d, want 2", got)
	}
	s := p.Snapshot()
	if s.Percent != 50 || s.Total != 4 {
		t.Errorf("snapshot = %+v, want 50%% of 4", s)
	}
	if s.ETA != s.AvgPerTask*2 {
		t.Errorf("ETA = %v, want twice %v", s.ETA, s.AvgPerTask)
	}

	if empty := NewProgress(0).Snapshot(); empty.Percent != 100 {
		t.Errorf("empty percent = %v, want 100", empty.Percent)
	}
}

func TestProgressReportStops(t *testing.T) {
	p := NewProgress(1)
	stop := p.Report(context.Background(), time.Millisecond, testLogger)
	p.Done()
	time.Sleep(5 * time.Millisecond)
	stop()
	stop()
}
