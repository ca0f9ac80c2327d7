package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
)

// Config holds reportgen configuration.
// Stored at: ~/.reportgen/config.yaml
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	Workers   WorkersConfig   `mapstructure:"workers" yaml:"workers"`
	Admission AdmissionConfig `mapstructure:"admission" yaml:"admission"`
	Lease     LeaseConfig     `mapstructure:"lease" yaml:"lease"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Prompts   PromptsConfig   `mapstructure:"prompts" yaml:"prompts"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Callback  CallbackConfig  `mapstructure:"callback" yaml:"callback"`
	Defra     DefraConfig     `mapstructure:"defra" yaml:"defra"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port" validate:"required,numeric"`
	// AuthToken, when set, is required as a Bearer token on /api routes.
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token"` // supports ${ENV_VAR}
}

// StoreConfig configures the lease/status store.
type StoreConfig struct {
	Backend    string   `mapstructure:"backend" yaml:"backend" validate:"oneof=badger memory"`
	GCSchedule string   `mapstructure:"gc_schedule" yaml:"gc_schedule"` // cron spec for value-log GC
	StatusTTL  Duration `mapstructure:"status_ttl" yaml:"status_ttl"`
	CancelTTL  Duration `mapstructure:"cancel_ttl" yaml:"cancel_ttl"`
}

// QueueConfig configures the durable job queue.
type QueueConfig struct {
	Visibility Duration `mapstructure:"visibility_timeout" yaml:"visibility_timeout"`
	MaxReceive int      `mapstructure:"max_receive" yaml:"max_receive" validate:"min=1"`
}

// WorkersConfig configures the in-process worker pool.
type WorkersConfig struct {
	Count        int      `mapstructure:"count" yaml:"count" validate:"min=1"`
	PollInterval Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// AdmissionConfig configures the submission gate. Hot reloadable.
type AdmissionConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent" validate:"min=1"`
}

// LeaseConfig configures request ownership leases.
type LeaseConfig struct {
	TTL Duration `mapstructure:"ttl" yaml:"ttl"`
}

// LLMConfig configures the OpenAI-compatible generation endpoint.
type LLMConfig struct {
	BaseURL          string   `mapstructure:"base_url" yaml:"base_url" validate:"omitempty,url"`
	APIKey           string   `mapstructure:"api_key" yaml:"api_key"` // supports ${ENV_VAR}
	Model            string   `mapstructure:"model" yaml:"model" validate:"required"`
	Temperature      float64  `mapstructure:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	TopP             float64  `mapstructure:"top_p" yaml:"top_p" validate:"gte=0,lte=1"`
	Timeout          Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit        float64  `mapstructure:"rate_limit" yaml:"rate_limit" validate:"gte=0"` // requests per second
	MaxRetries       int      `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0"`
	MaxConcurrent    int      `mapstructure:"max_concurrent" yaml:"max_concurrent" validate:"min=1"`
	ProgressInterval Duration `mapstructure:"progress_interval" yaml:"progress_interval"`
}

// PromptsConfig points at prompt overrides.
type PromptsConfig struct {
	// Dir holds <key>.tmpl files overriding the embedded prompts.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// Templates is a JSON reference template catalog replacing the embedded one.
	Templates string `mapstructure:"templates" yaml:"templates"`
}

// DatabaseConfig configures the MySQL-compatible warehouse.
type DatabaseConfig struct {
	Host        string   `mapstructure:"host" yaml:"host" validate:"required"`
	Port        int      `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
	User        string   `mapstructure:"user" yaml:"user"`
	Password    string   `mapstructure:"password" yaml:"password"` // supports ${ENV_VAR}
	Database    string   `mapstructure:"database" yaml:"database"`
	Table       string   `mapstructure:"table" yaml:"table"`
	RowLimit    int      `mapstructure:"row_limit" yaml:"row_limit" validate:"gte=0"`
	Concurrency int      `mapstructure:"concurrency" yaml:"concurrency" validate:"gte=0"`
	Timeout     Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxConns    int      `mapstructure:"max_conns" yaml:"max_conns" validate:"gte=0"`
}

// CallbackConfig configures result delivery. Hot reloadable.
type CallbackConfig struct {
	URL         string   `mapstructure:"url" yaml:"url" validate:"omitempty,url"`
	BearerToken string   `mapstructure:"bearer_token" yaml:"bearer_token"` // supports ${ENV_VAR}
	Timeout     Duration `mapstructure:"timeout" yaml:"timeout"`
	Attempts    uint     `mapstructure:"attempts" yaml:"attempts"`
}

// DefraConfig holds DefraDB configuration.
type DefraConfig struct {
	// URL of an external DefraDB. When empty a container is managed.
	URL string `mapstructure:"url" yaml:"url" validate:"omitempty,url"`
	// ContainerName is the Docker container name (default: derived from home)
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	// Image is the Docker image to use (default: sourcenetwork/defradb:latest)
	Image string `mapstructure:"image" yaml:"image"`
	// Port is the host port to bind (default: 9181)
	Port string `mapstructure:"port" yaml:"port" validate:"omitempty,numeric"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: "8080"},
		Store: StoreConfig{
			Backend:    "badger",
			GCSchedule: "*/10 * * * *",
			StatusTTL:  Duration(30 * time.Minute),
			CancelTTL:  Duration(30 * time.Minute),
		},
		Queue:     QueueConfig{Visibility: Duration(5 * time.Minute), MaxReceive: 3},
		Workers:   WorkersConfig{Count: 4, PollInterval: Duration(500 * time.Millisecond)},
		Admission: AdmissionConfig{MaxConcurrent: 10},
		Lease:     LeaseConfig{TTL: Duration(30 * time.Minute)},
		LLM: LLMConfig{
			APIKey:           "${OPENAI_API_KEY}",
			Model:            "gpt-4o-mini",
			Temperature:      0.7,
			Timeout:          Duration(120 * time.Second),
			MaxConcurrent:    5,
			ProgressInterval: Duration(2 * time.Second),
		},
		Database: DatabaseConfig{
			Host:        "127.0.0.1",
			Port:        9030,
			Password:    "${REPORTGEN_DB_PASSWORD}",
			Table:       "DM_F_AI_GROSS_ANALYZE_LIST_DORIS",
			RowLimit:    20,
			Concurrency: 8,
			Timeout:     Duration(30 * time.Second),
			MaxConns:    16,
		},
		Callback: CallbackConfig{
			BearerToken: "${REPORTGEN_CALLBACK_TOKEN}",
			Timeout:     Duration(30 * time.Second),
			Attempts:    3,
		},
		Defra: DefraConfig{
			Image: "sourcenetwork/defradb:latest",
			Port:  "9181",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Duration is a time.Duration written as "30s" in YAML.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalYAML renders d in time.Duration notation.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// durationHook decodes "30s" style strings into Duration fields.
func durationHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(Duration(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != target || from.Kind() != reflect.String {
			return data, nil
		}
		d, err := time.ParseDuration(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", data, err)
		}
		return Duration(d), nil
	}
}
