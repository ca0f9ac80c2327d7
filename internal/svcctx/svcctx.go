// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/reportgen/internal/defra"
	"github.com/jackzampolin/reportgen/internal/home"
	"github.com/jackzampolin/reportgen/internal/jobs"
	"github.com/jackzampolin/reportgen/internal/metrics"
	"github.com/jackzampolin/reportgen/internal/results"
	"github.com/jackzampolin/reportgen/internal/tags"
	"github.com/jackzampolin/reportgen/internal/tasks"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	DefraClient  *defra.Client
	Tasks        *tasks.Service
	Results      *results.DefraStore
	MetricsQuery *metrics.Query
	Failures     tags.FailureLog
	Pool         *jobs.Pool
	Logger       *slog.Logger
	Home         *home.Dir
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// DefraClientFrom extracts the DefraDB client from context.
func DefraClientFrom(ctx context.Context) *defra.Client {
	if s := ServicesFrom(ctx); s != nil {
		return s.DefraClient
	}
	return nil
}

// TasksFrom extracts the request service from context.
func TasksFrom(ctx context.Context) *tasks.Service {
	if s := ServicesFrom(ctx); s != nil {
		return s.Tasks
	}
	return nil
}

// ResultsFrom extracts the result store from context.
func ResultsFrom(ctx context.Context) *results.DefraStore {
	if s := ServicesFrom(ctx); s != nil {
		return s.Results
	}
	return nil
}

// MetricsQueryFrom extracts the metrics query helper from context.
func MetricsQueryFrom(ctx context.Context) *metrics.Query {
	if s := ServicesFrom(ctx); s != nil {
		return s.MetricsQuery
	}
	return nil
}

// FailuresFrom extracts the failed repair log from context.
func FailuresFrom(ctx context.Context) tags.FailureLog {
	if s := ServicesFrom(ctx); s != nil {
		return s.Failures
	}
	return nil
}

// PoolFrom extracts the worker pool from context.
func PoolFrom(ctx context.Context) *jobs.Pool {
	if s := ServicesFrom(ctx); s != nil {
		return s.Pool
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Logger
	}
	return nil
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}
