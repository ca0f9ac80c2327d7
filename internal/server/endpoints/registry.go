package endpoints

import (
	"github.com/jackzampolin/reportgen/internal/api"
	"github.com/jackzampolin/reportgen/internal/defra"
)

// Config holds dependencies needed by some endpoints.
type Config struct {
	DefraManager    *defra.DockerManager
	SwaggerSpecPath string
}

// All returns all endpoint instances.
func All(cfg Config) []api.Endpoint {
	swagger := &SwaggerEndpoint{SpecPath: cfg.SwaggerSpecPath}
	all := []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{DefraManager: cfg.DefraManager},

		// Report endpoints
		&SubmitReportEndpoint{},
		&CancelAllReportsEndpoint{},
		&ReportStatusEndpoint{},
		&CancelReportEndpoint{},
		&ReportResultEndpoint{},
		&ReportUsageEndpoint{},

		// Operations
		&AdmissionEndpoint{},
		&ListRepairsEndpoint{},

		// Swagger/OpenAPI endpoints
		swagger,
		&SwaggerUIEndpoint{},
	}
	swagger.Endpoints = all
	return all
}
