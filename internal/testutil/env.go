package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// FakeDefra is an in-process stand-in for the DefraDB HTTP API. It accepts
// every schema, answers mutations with a generated doc ID and answers
// queries with documents registered through SetDocs.
type FakeDefra struct {
	*httptest.Server

	mu        sync.Mutex
	schemas   []string
	mutations map[string]int
	docs      map[string][]map[string]any
	nextID    int
}

// NewFakeDefra starts a FakeDefra that is closed when the test ends.
func NewFakeDefra(t testing.TB) *FakeDefra {
	t.Helper()
	f := &FakeDefra{
		mutations: make(map[string]int),
		docs:      make(map[string][]map[string]any),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Close)
	return f
}

func (f *FakeDefra) handle(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health-check":
		w.WriteHeader(http.StatusOK)
	case "/api/v0/schema":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.schemas = append(f.schemas, string(body))
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	case "/api/v0/graphql":
		var req struct {
			Query string `json:"query"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		key := operationKey(req.Query)

		f.mu.Lock()
		var docs []map[string]any
		if strings.HasPrefix(strings.TrimSpace(req.Query), "mutation") {
			f.mutations[key]++
			f.nextID++
			docs = []map[string]any{{"_docID": fmt.Sprintf("bae-%d", f.nextID)}}
		} else {
			docs = f.docs[key]
			if docs == nil {
				docs = []map[string]any{}
			}
		}
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{key: docs}})
	default:
		http.NotFound(w, r)
	}
}

// operationKey returns the top-level field of a GraphQL document, e.g.
// "upsert_DiagnosisResult" or "GenerationMetric".
func operationKey(query string) string {
	i := strings.Index(query, "{")
	if i < 0 {
		return ""
	}
	rest := strings.TrimSpace(query[i+1:])
	end := strings.IndexAny(rest, "( {")
	if end < 0 {
		return rest
	}
	return rest[:end]
}

// SetDocs sets the documents returned for queries on collection.
func (f *FakeDefra) SetDocs(collection string, docs ...map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[collection] = docs
}

// Mutations returns how many mutations with the given key were received.
func (f *FakeDefra) Mutations(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mutations[key]
}

// SchemaCount returns how many schemas were applied.
func (f *FakeDefra) SchemaCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.schemas)
}

// WaitForServer polls the /status endpoint until DefraDB is healthy.
func WaitForServer(url string, timeout time.Duration) error {
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(url + "/status")
		if err == nil {
			var status StatusResponse
			if err := json.NewDecoder(resp.Body).Decode(&status); err == nil {
				if status.Defra.Health == "healthy" && status.Workers != nil {
					resp.Body.Close()
					return nil
				}
			}
			resp.Body.Close()
		}
		time.Sleep(50 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}

// WaitFor polls cond until it returns true or the timeout passes.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// WaitForShutdown waits for a channel to receive a value or timeout.
func WaitForShutdown(done <-chan error, timeout time.Duration) error {
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for shutdown")
	}
}

// HTTPClient returns an HTTP client for making requests.
func HTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// FindFreePort finds an available TCP port and returns it as a string.
func FindFreePort() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer listener.Close()
	return fmt.Sprintf("%d", listener.Addr().(*net.TCPAddr).Port), nil
}

// StartServer is a helper type for managing server lifecycle in tests.
// Usage:
//
//	ctx, cancel := context.WithCancel(context.Background())
//	done := make(chan error, 1)
//	go func() { done <- srv.Start(ctx) }()
//	starter := testutil.StartServer{Cancel: cancel, Done: done}
//	t.Cleanup(starter.Stop)
type StartServer struct {
	Cancel context.CancelFunc
	Done   <-chan error
}

// Stop cancels the server context and waits for shutdown.
func (s *StartServer) Stop() {
	if s.Cancel != nil {
		s.Cancel()
	}
	if s.Done != nil {
		<-s.Done
	}
}

// StatusResponse matches the server's StatusResponse structure.
type StatusResponse struct {
	Server string `json:"server"`
	Defra  struct {
		Container string `json:"container"`
		Health    string `json:"health"`
		URL       string `json:"url"`
	} `json:"defra"`
	Workers *struct {
		Running bool `json:"running"`
		Workers int  `json:"workers"`
	} `json:"workers"`
	Admission *struct {
		CurrentCount  int `json:"current_count"`
		MaxConcurrent int `json:"max_concurrent"`
	} `json:"admission"`
}

// GetStatus fetches the /status endpoint and returns the parsed response.
func GetStatus(url string) (*StatusResponse, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url + "/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}
