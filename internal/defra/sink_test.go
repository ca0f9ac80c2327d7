package defra

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// recordingServer answers every mutation with a fixed doc id and records the
// queries it saw.
type recordingServer struct {
	mu      sync.Mutex
	queries []string
}

func (rs *recordingServer) handler(w http.ResponseWriter, r *http.Request) {
	var req GQLRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	rs.mu.Lock()
	rs.queries = append(rs.queries, req.Query)
	rs.mu.Unlock()

	key := strings.Fields(strings.TrimPrefix(req.Query, "mutation { "))[0]
	key = key[:strings.Index(key, "(")]
	if strings.Contains(req.Query, "fail") {
		w.Write([]byte(`{"errors": [{"message": "rejected"}]}`))
		return
	}
	json.NewEncoder(w).Encode(GQLResponse{Data: map[string]any{key: []any{map[string]any{"_docID": "bae-" + key}}}})
}

func (rs *recordingServer) count() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.queries)
}

func newTestSink(t *testing.T, batch int, interval time.Duration) (*Sink, *recordingServer) {
	t.Helper()
	rs := &recordingServer{}
	server := httptest.NewServer(http.HandlerFunc(rs.handler))
	t.Cleanup(server.Close)

	sink := NewSink(SinkConfig{
		Client:        NewClient(server.URL),
		BatchSize:     batch,
		FlushInterval: interval,
		Logger:        quietLogger,
	})
	sink.Start(context.Background())
	return sink, rs
}

func TestSink_SendSync(t *testing.T) {
	sink, _ := newTestSink(t, 100, time.Hour)
	defer sink.Stop()
	ctx := context.Background()

	tests := []struct {
		name   string
		op     WriteOp
		wantID string
	}{
		{"create", WriteOp{Collection: "Metric", Op: OpCreate, Document: map[string]any{"stage": "x"}}, "bae-create_Metric"},
		{"upsert", WriteOp{Collection: "DiagnosisResult", Op: OpUpsert,
			Filter:   map[string]any{"req_id": map[string]any{"_eq": "r1"}},
			Document: map[string]any{"req_id": "r1"}}, "bae-upsert_DiagnosisResult"},
		{"update", WriteOp{Collection: "Metric", Op: OpUpdate, DocID: "bae-9", Document: map[string]any{"success": true}}, "bae-9"},
		{"delete", WriteOp{Collection: "Metric", Op: OpDelete, DocID: "bae-9"}, "bae-9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := sink.SendSync(ctx, tt.op)
			if err != nil {
				t.Fatalf("SendSync() error = %v", err)
			}
			if res.DocID != tt.wantID {
				t.Errorf("DocID = %q, want %q", res.DocID, tt.wantID)
			}
		})
	}
}

func TestSink_SendSyncError(t *testing.T) {
	sink, _ := newTestSink(t, 100, time.Hour)
	defer sink.Stop()

	_, err := sink.SendSync(context.Background(), WriteOp{Collection: "Metric", Op: OpCreate, Document: map[string]any{"stage": "fail"}})
	if err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Errorf("SendSync() error = %v, want rejected", err)
	}

	_, err = sink.SendSync(context.Background(), WriteOp{Collection: "Metric", Op: "bogus"})
	if err == nil {
		t.Error("SendSync() with unknown op should fail")
	}
}

func TestSink_SendBatchesUntilFlush(t *testing.T) {
	sink, rs := newTestSink(t, 3, time.Hour)

	sink.Send(WriteOp{Collection: "Metric", Op: OpCreate, Document: map[string]any{"n": 1}})
	sink.Send(WriteOp{Collection: "Metric", Op: OpCreate, Document: map[string]any{"n": 2}})
	time.Sleep(20 * time.Millisecond)
	if n := rs.count(); n != 0 {
		t.Errorf("writes before batch full = %d, want 0", n)
	}

	sink.Send(WriteOp{Collection: "Metric", Op: OpCreate, Document: map[string]any{"n": 3}})
	deadline := time.Now().Add(time.Second)
	for rs.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := rs.count(); n != 3 {
		t.Errorf("writes after batch full = %d, want 3", n)
	}

	sink.Send(WriteOp{Collection: "Metric", Op: OpCreate, Document: map[string]any{"n": 4}})
	sink.Stop()
	if n := rs.count(); n != 4 {
		t.Errorf("writes after Stop = %d, want 4", n)
	}
}

func TestSink_FlushInterval(t *testing.T) {
	sink, rs := newTestSink(t, 100, 10*time.Millisecond)
	defer sink.Stop()

	sink.Send(WriteOp{Collection: "Metric", Op: OpCreate, Document: map[string]any{"n": 1}})
	deadline := time.Now().Add(time.Second)
	for rs.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rs.count() != 1 {
		t.Error("interval flush did not write")
	}
}

func TestSink_Flush(t *testing.T) {
	sink, rs := newTestSink(t, 100, time.Hour)
	defer sink.Stop()

	sink.Send(WriteOp{Collection: "Metric", Op: OpCreate, Document: map[string]any{"n": 1}})
	time.Sleep(10 * time.Millisecond)
	sink.Flush()
	deadline := time.Now().Add(time.Second)
	for rs.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rs.count() != 1 {
		t.Error("Flush() did not write")
	}
}

func TestSink_AfterStop(t *testing.T) {
	sink, rs := newTestSink(t, 100, time.Hour)
	sink.Stop()
	sink.Stop()

	sink.Send(WriteOp{Collection: "Metric", Op: OpCreate})
	if _, err := sink.SendSync(context.Background(), WriteOp{Collection: "Metric", Op: OpCreate}); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("SendSync() after Stop error = %v, want ErrSinkClosed", err)
	}
	if rs.count() != 0 {
		t.Errorf("writes after Stop = %d, want 0", rs.count())
	}
}
