package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/reportgen/internal/config"
	"github.com/jackzampolin/reportgen/internal/defra"
	"github.com/jackzampolin/reportgen/internal/server"
	"github.com/jackzampolin/reportgen/internal/server/endpoints"
)

var (
	serveHost  string
	servePort  string
	serveDefra string
	logLevel   string
	logJSON    bool
)

// @title						reportgen API
// @version					1.0
// @description				Asynchronous diagnosis report generation.
// @BasePath					/
// @securityDefinitions.apikey	BearerAuth
// @in							header
// @name						Authorization
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the reportgen server",
	Long: `Start the reportgen HTTP server.

This opens the embedded store, starts the report workers and, unless
--defra-url (or defra.url) points at an external instance, the DefraDB
container. When the server shuts down (via Ctrl+C or SIGTERM), in-flight
reports are left for the next start to pick up and DefraDB is stopped.

The server provides:
  - /health                    - Basic server health check
  - /ready                     - Readiness check (includes DefraDB status)
  - /api/reports               - Submit a report request
  - /api/reports/{req_id}/...  - Status, cancel, result and usage

Examples:
  reportgen serve                       # Start with config defaults
  reportgen serve --port 3000           # Start on custom port
  reportgen serve --defra-url http://localhost:9181`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		logger := newLogger(logLevel, logJSON)

		h, err := getHome()
		if err != nil {
			return err
		}

		if cfgFile == "" && h.ConfigExists() {
			cfgFile = h.ConfigPath()
		}
		cfgMgr, err := config.NewManager(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfgMgr.SetLogger(logger)
		cfgMgr.WatchConfig()
		cfg := cfgMgr.Get()

		release, err := h.LockPid()
		if err != nil {
			return err
		}
		defer release()

		host := cfg.Server.Host
		if cmd.Flags().Changed("host") {
			host = serveHost
		}
		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		defraURL := cfg.Defra.URL
		if serveDefra != "" {
			defraURL = serveDefra
		}

		srv, err := server.New(server.Config{
			Host:          host,
			Port:          port,
			AuthToken:     config.ResolveEnvVars(cfg.Server.AuthToken),
			Home:          h,
			ConfigManager: cfgMgr,
			DefraURL:      defraURL,
			DefraConfig: defra.DockerConfig{
				ContainerName: cfg.Defra.ContainerName,
				Image:         cfg.Defra.Image,
				HostPort:      cfg.Defra.Port,
				HomePath:      h.Path(),
				DataPath:      h.DataPath(),
			},
			SwaggerSpecPath: endpoints.GetSwaggerSpecPath(),
			Logger:          logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func newLogger(level string, asJSON bool) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if asJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to (overrides server.host)")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on (overrides server.port)")
	serveCmd.Flags().StringVar(&serveDefra, "defra-url", "", "Use an external DefraDB instead of a managed container")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	serveCmd.Flags().BoolVar(&logJSON, "log-json", false, "Log as JSON")

	rootCmd.AddCommand(serveCmd)
}
