package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestClientSendsToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	SetAuthToken("s3cret")
	defer SetAuthToken("")

	var resp map[string]string
	if err := NewClient(server.URL).Get(context.Background(), "/health", &resp); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if gotAuth != "Bearer s3cret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if resp["status"] != "ok" {
		t.Errorf("resp = %v", resp)
	}
}

func TestClientErrorResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"json error", `{"error":"request not found"}`, "server error (404): request not found"},
		{"plain body", `gone`, "server error (404): gone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			err := NewClient(server.URL).Post(context.Background(), "/api/x", map[string]string{"a": "b"}, nil)
			if err == nil || err.Error() != tt.want {
				t.Errorf("Post() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestOutputTo(t *testing.T) {
	data := map[string]any{"req_id": "r1", "count": 2}

	var buf bytes.Buffer
	if err := OutputTo(&buf, OutputFormatJSON, data); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"req_id": "r1"`) {
		t.Errorf("json = %s", buf.String())
	}

	buf.Reset()
	if err := OutputTo(&buf, OutputFormatYAML, data); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "req_id: r1") {
		t.Errorf("yaml = %s", buf.String())
	}

	if err := OutputTo(&buf, "xml", data); err == nil {
		t.Error("unknown format should fail")
	}
}

func TestSetOutputFormat(t *testing.T) {
	t.Cleanup(func() { _ = SetOutputFormat("yaml") })

	if err := SetOutputFormat("json"); err != nil || outputFormat != OutputFormatJSON {
		t.Errorf("SetOutputFormat(json) = %v, format %s", err, outputFormat)
	}
	if err := SetOutputFormat("xml"); err == nil {
		t.Error("SetOutputFormat(xml) should fail")
	}
	if outputFormat != OutputFormatJSON {
		t.Errorf("failed set changed format to %s", outputFormat)
	}
}

type fakeEndpoint struct {
	use   string
	group string
}

func (e fakeEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/" + e.use, func(w http.ResponseWriter, r *http.Request) {}
}
func (e fakeEndpoint) RequiresInit() bool { return false }
func (e fakeEndpoint) Command(func() string) *cobra.Command {
	return &cobra.Command{Use: e.use}
}
func (e fakeEndpoint) Group() string { return e.group }

func TestBuildCommandsGroups(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeEndpoint{use: "health"})
	r.Register(fakeEndpoint{use: "submit", group: "reports"})
	r.Register(fakeEndpoint{use: "status", group: "reports"})

	root := r.BuildCommands(func() string { return "" })
	names := map[string]*cobra.Command{}
	for _, c := range root.Commands() {
		names[c.Name()] = c
	}
	if _, ok := names["health"]; !ok {
		t.Error("missing top-level health command")
	}
	reports, ok := names["reports"]
	if !ok {
		t.Fatal("missing reports group")
	}
	if n := len(reports.Commands()); n != 2 {
		t.Errorf("reports subcommands = %d, want 2", n)
	}
}
