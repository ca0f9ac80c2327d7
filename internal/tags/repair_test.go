package tags

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/timshannon/badgerhold/v4"

	"github.com/jackzampolin/reportgen/internal/providers"
)

func newTestRepairer(client providers.LLMClient, failures FailureLog) *Repairer {
	return NewRepairer(RepairerConfig{Client: client, Failures: failures})
}

func TestRepairValidTextIsUntouched(t *testing.T) {
	mock := providers.NewMockClient()
	r := newTestRepairer(mock, nil)

	text := "<current><a>x</a></current>"
	out := r.Repair(context.Background(), text, "", nil, Scope{})
	if !out.Valid || out.Changed || out.Text != text {
		t.Errorf("Repair() = %+v, want untouched valid text", out)
	}
	if mock.RequestCount() != 0 {
		t.Errorf("RequestCount = %d, want 0", mock.RequestCount())
	}
}

func TestRepairPrefixAvoidsRemoteCall(t *testing.T) {
	mock := providers.NewMockClient()
	r := newTestRepairer(mock, nil)

	out := r.Repair(context.Background(), "<current>a</current>b</current>", "", nil, Scope{})
	if !out.Valid {
		t.Fatalf("expected valid result, got %+v", out)
	}
	if out.Text != "<current>ab</current>" {
		t.Errorf("Text = %q, want %q", out.Text, "<current>ab</current>")
	}
	if out.RemoteCalled || mock.RequestCount() != 0 {
		t.Error("pre-fix should not call the model")
	}
}

func TestRepairRemoteCall(t *testing.T) {
	mock := providers.NewMockClient()
	mock.Latency = 0
	mock.ResponseText = "<current><a>x</a></current>"
	r := newTestRepairer(mock, nil)

	out := r.Repair(context.Background(), "<current><a>x</current>", "<current><a>t</a></current>", nil, Scope{DiagnosisType: "ORG", TimeType: "CURRENT"})
	if !out.Valid || !out.Changed || !out.RemoteCalled {
		t.Fatalf("Repair() = %+v", out)
	}
	if !Validate(out.Text).IsValid {
		t.Error("repaired text should validate")
	}

	reqs := mock.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Temperature == nil || *req.Temperature != RepairTemperature {
		t.Errorf("Temperature = %v, want %v", req.Temperature, RepairTemperature)
	}
	if !strings.Contains(req.Messages[0].Content, "## Reference template") {
		t.Error("system message should carry the reference template")
	}
	if !strings.Contains(req.Messages[1].Content, "crosses [a]") {
		t.Errorf("user message should name the crossing, got %q", req.Messages[1].Content)
	}
}

func TestRepairPostFixWrapsContainer(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     string
	}{
		{
			name:     "current close moved to end",
			response: "<current><a>x</a></current><b>y</b>",
			want:     "<current><a>x</a><b>y</b></current>",
		},
		{
			name:     "accumulate rewrapped",
			response: "<accumulate><a>x</a></accumulate>\n<b>y</b>",
			want:     "<accumulate><a>x</a>\n<b>y</b></accumulate>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := providers.NewMockClient()
			mock.Latency = 0
			mock.ResponseText = tt.response
			r := newTestRepairer(mock, nil)

			out := r.Repair(context.Background(), "<a>x<b>y</a>", "", nil, Scope{})
			if !out.Valid {
				t.Fatalf("expected valid repair, got %+v", out)
			}
			if out.Text != tt.want {
				t.Errorf("Text = %q, want %q", out.Text, tt.want)
			}
		})
	}
}

func TestRepairFailureKeepsOriginalAndDedupes(t *testing.T) {
	mock := providers.NewMockClient()
	mock.Latency = 0
	mock.ResponseText = "<a>still broken"
	failures := NewMemoryFailureLog()
	r := newTestRepairer(mock, failures)

	text := "<a>x<b>y</a>"
	scope := Scope{DiagnosisType: "CHAN", TimeType: "CUMULATIVE"}
	for i := 0; i < 2; i++ {
		out := r.Repair(context.Background(), text, "", nil, scope)
		if out.Valid || out.Changed || out.Text != text {
			t.Fatalf("attempt %d: Repair() = %+v, want original text", i, out)
		}
	}

	list, err := failures.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("failures = %d, want 1", len(list))
	}
	f := list[0]
	if f.SourceText != text || f.DiagnosisType != "CHAN" || f.TimeType != "CUMULATIVE" || f.DataType != DataTypeOffice {
		t.Errorf("failure = %+v", f)
	}
}

func TestRepairModelErrorIsNonFatal(t *testing.T) {
	mock := providers.NewMockClient()
	mock.ShouldFail = true
	failures := NewMemoryFailureLog()
	r := newTestRepairer(mock, failures)

	text := "<a>x"
	out := r.Repair(context.Background(), text, "", nil, Scope{})
	if out.Err == nil {
		t.Error("expected Err to be set")
	}
	if out.Text != text {
		t.Errorf("Text = %q, want original", out.Text)
	}
	if list, _ := failures.List(context.Background(), 0); len(list) != 1 {
		t.Errorf("failures = %d, want 1", len(list))
	}
}

func TestFixContainers(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"no containers <a></a>", "no containers <a></a>"},
		{"<accumulate>x</accumulate>", "<accumulate>x</accumulate>"},
		{"pre<current>x</current>", "pre<current>x</current>"},
		{"<current>x</current></current>", "<current>x</current></current>"},
		{"<current>x</current>tail", "<current>xtail</current>"},
		{"head<accumulate>x</accumulate>", "<accumulate>headx</accumulate>"},
	}
	for _, tt := range tests {
		if got := FixContainers(tt.in); got != tt.want {
			t.Errorf("FixContainers(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildRepairMessagesSections(t *testing.T) {
	text := "<current>\n<a>x\n</b>\n<c><d></c></d>\n</current></current>"
	v := Validate(text)
	msgs := BuildRepairMessages(text, "", v)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if strings.Contains(msgs[0].Content, "Reference template") {
		t.Error("no reference template expected")
	}
	user := msgs[1].Content
	for _, want := range []string{
		"### Missing close tag\n- <a> (line 2)",
		"### Missing open tag or extra close tag\n- </b> (line 3)",
		"### Crossed tags\n- </c> (line 4) crosses [d]",
		"### Duplicated tags\n- </current> close tag occurs 2 times",
		"## Text to repair\n```\n" + text,
	} {
		if !strings.Contains(user, want) {
			t.Errorf("user message missing %q\n%s", want, user)
		}
	}
}

func TestBadgerFailureLog(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		t.Fatalf("open badgerhold: %v", err)
	}
	defer store.Close()

	flog := NewBadgerFailureLog(store)
	ctx := context.Background()

	f := NewFailure("<a>broken", Scope{DiagnosisType: "ORG", TimeType: "CURRENT"})
	added, err := flog.Record(ctx, f)
	if err != nil || !added {
		t.Fatalf("Record() = %v, %v; want true, nil", added, err)
	}
	added, err = flog.Record(ctx, NewFailure("<a>broken", Scope{}))
	if err != nil || added {
		t.Fatalf("duplicate Record() = %v, %v; want false, nil", added, err)
	}
	if _, err := flog.Record(ctx, NewFailure("<b>other", Scope{})); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	list, err := flog.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List() = %d items, want 2", len(list))
	}
	limited, err := flog.List(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("List(1) = %d, %v", len(limited), err)
	}
}
