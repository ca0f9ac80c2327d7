package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return configFile
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.LLM.APIKey != "${OPENAI_API_KEY}" {
		t.Error("expected OpenAI API key placeholder")
	}
	if cfg.Queue.Visibility.D() != 5*time.Minute || cfg.Queue.MaxReceive != 3 {
		t.Errorf("queue defaults = %+v", cfg.Queue)
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Run("resolves environment variable", func(t *testing.T) {
		t.Setenv("TEST_API_KEY", "secret123")

		result := ResolveEnvVars("${TEST_API_KEY}")
		if result != "secret123" {
			t.Errorf("expected secret123, got %s", result)
		}
	})

	t.Run("returns empty for missing env var", func(t *testing.T) {
		result := ResolveEnvVars("${DEFINITELY_NOT_SET_12345}")
		if result != "" {
			t.Errorf("expected empty string, got %s", result)
		}
	})

	t.Run("leaves literal values unchanged", func(t *testing.T) {
		result := ResolveEnvVars("literal-value")
		if result != "literal-value" {
			t.Errorf("expected literal-value, got %s", result)
		}
	})
}

func TestNewManager(t *testing.T) {
	t.Run("loads from config file", func(t *testing.T) {
		configFile := writeConfig(t, `
server:
  port: "9090"
llm:
  model: test-model
  timeout: 45s
callback:
  url: http://example.com/hook
`)
		mgr, err := NewManager(configFile)
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}

		cfg := mgr.Get()
		if cfg.Server.Port != "9090" {
			t.Errorf("expected port 9090, got %s", cfg.Server.Port)
		}
		if cfg.LLM.Model != "test-model" || cfg.LLM.Timeout.D() != 45*time.Second {
			t.Errorf("llm = %+v", cfg.LLM)
		}
		if cfg.Callback.URL != "http://example.com/hook" {
			t.Errorf("callback url = %s", cfg.Callback.URL)
		}
		// Unset keys keep their defaults.
		if cfg.Workers.Count != 4 || cfg.Lease.TTL.D() != 30*time.Minute {
			t.Errorf("defaults not applied: workers %d lease %v", cfg.Workers.Count, cfg.Lease.TTL.D())
		}
	})

	t.Run("environment overrides nested keys", func(t *testing.T) {
		t.Setenv("REPORTGEN_ADMISSION_MAX_CONCURRENT", "25")
		t.Setenv("REPORTGEN_QUEUE_VISIBILITY_TIMEOUT", "90s")

		mgr, err := NewManager(writeConfig(t, "server:\n  port: \"8080\"\n"))
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}
		cfg := mgr.Get()
		if cfg.Admission.MaxConcurrent != 25 {
			t.Errorf("max_concurrent = %d, want 25", cfg.Admission.MaxConcurrent)
		}
		if cfg.Queue.Visibility.D() != 90*time.Second {
			t.Errorf("visibility = %v, want 90s", cfg.Queue.Visibility.D())
		}
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		tests := []struct {
			name    string
			content string
		}{
			{"zero workers", "workers:\n  count: 0\n"},
			{"unknown backend", "store:\n  backend: redis\n"},
			{"bad callback url", "callback:\n  url: \"not a url\"\n"},
			{"bad duration", "lease:\n  ttl: soon\n"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if _, err := NewManager(writeConfig(t, tt.content)); err == nil {
					t.Error("expected error")
				}
			})
		}
	})
}

func TestManager_OnChange_Multiple(t *testing.T) {
	mgr, err := NewManager(writeConfig(t, "llm:\n  model: m\n"))
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})

	mgr.mu.RLock()
	if len(mgr.callbacks) != 3 {
		t.Errorf("expected 3 callbacks, got %d", len(mgr.callbacks))
	}
	mgr.mu.RUnlock()
}

func TestManager_Get_ThreadSafe(t *testing.T) {
	mgr, err := NewManager(writeConfig(t, "llm:\n  model: m\n"))
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	// Call Get concurrently to verify no race conditions
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				cfg := mgr.Get()
				_ = cfg.LLM.Model
			}
			done <- struct{}{}
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestManager_WatchConfig(t *testing.T) {
	configFile := writeConfig(t, "admission:\n  max_concurrent: 2\n")

	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	if got := mgr.Get().Admission.MaxConcurrent; got != 2 {
		t.Errorf("initial max_concurrent = %d, want 2", got)
	}

	var callbackCount atomic.Int32
	var lastValue atomic.Int64
	mgr.OnChange(func(cfg *Config) {
		callbackCount.Add(1)
		lastValue.Store(int64(cfg.Admission.MaxConcurrent))
	})

	mgr.WatchConfig()

	// Give fsnotify time to set up the watcher
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(configFile, []byte("admission:\n  max_concurrent: 7\n"), 0644); err != nil {
		t.Fatalf("failed to write updated config file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && lastValue.Load() != 7 {
		time.Sleep(50 * time.Millisecond)
	}

	if callbackCount.Load() == 0 {
		t.Fatal("callback was not invoked after config file change")
	}
	if got := mgr.Get().Admission.MaxConcurrent; got != 7 {
		t.Errorf("config not updated: max_concurrent = %d, want 7", got)
	}
}

func TestManager_ReloadRejectsInvalid(t *testing.T) {
	configFile := writeConfig(t, "admission:\n  max_concurrent: 3\n")
	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	if err := os.WriteFile(configFile, []byte("admission:\n  max_concurrent: 0\n"), 0644); err != nil {
		t.Fatalf("failed to write invalid config file: %v", err)
	}
	if err := mgr.v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig() error = %v", err)
	}
	if _, err := mgr.load(); err == nil {
		t.Error("load() should reject max_concurrent 0")
	}
	if got := mgr.Get().Admission.MaxConcurrent; got != 3 {
		t.Errorf("max_concurrent = %d, want 3", got)
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# reportgen configuration") {
		t.Errorf("missing header: %q", string(data[:40]))
	}

	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("written default should load: %v", err)
	}
	if got := mgr.Get().Store.StatusTTL.D(); got != 30*time.Minute {
		t.Errorf("status_ttl = %v, want 30m", got)
	}
}
