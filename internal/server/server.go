package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jackzampolin/reportgen/internal/api"
	"github.com/jackzampolin/reportgen/internal/callback"
	"github.com/jackzampolin/reportgen/internal/config"
	"github.com/jackzampolin/reportgen/internal/dataquery"
	"github.com/jackzampolin/reportgen/internal/defra"
	"github.com/jackzampolin/reportgen/internal/generate"
	"github.com/jackzampolin/reportgen/internal/home"
	"github.com/jackzampolin/reportgen/internal/jobs"
	"github.com/jackzampolin/reportgen/internal/lease"
	"github.com/jackzampolin/reportgen/internal/metrics"
	"github.com/jackzampolin/reportgen/internal/pipeline"
	"github.com/jackzampolin/reportgen/internal/prompts"
	"github.com/jackzampolin/reportgen/internal/prompts/report"
	"github.com/jackzampolin/reportgen/internal/providers"
	"github.com/jackzampolin/reportgen/internal/queue"
	"github.com/jackzampolin/reportgen/internal/results"
	"github.com/jackzampolin/reportgen/internal/schema"
	"github.com/jackzampolin/reportgen/internal/server/endpoints"
	"github.com/jackzampolin/reportgen/internal/store"
	"github.com/jackzampolin/reportgen/internal/svcctx"
	"github.com/jackzampolin/reportgen/internal/tags"
	"github.com/jackzampolin/reportgen/internal/tasks"
)

// QueueName names the report job queue inside the Badger database.
const QueueName = "reports"

// Server is the main reportgen HTTP server.
// It owns the embedded store, the worker pool and, unless an external URL
// is configured, the DefraDB container lifecycle.
type Server struct {
	cfg          Config
	httpServer   *http.Server
	defraManager *defra.DockerManager
	defraClient  *defra.Client
	sink         *defra.Sink
	db           *store.DB
	gc           *store.GCScheduler
	warehouse    *dataquery.MySQL
	pool         *jobs.Pool
	admission    *tasks.Admission
	callback     *callback.Client
	configMgr    *config.Manager
	logger       *slog.Logger

	// services holds all core services for context enrichment
	services *svcctx.Services

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080)
	Port string
	// AuthToken, when set, is required as a Bearer token on /api routes.
	AuthToken string
	// Home is the reportgen home directory.
	Home *home.Dir
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// DefraURL points at an external DefraDB. When empty a container is
	// managed using DefraConfig.
	DefraURL    string
	DefraConfig defra.DockerConfig
	// LLMClient replaces the configured OpenAI-compatible client.
	LLMClient providers.LLMClient
	// Querier replaces the configured MySQL warehouse.
	Querier dataquery.Querier
	// OwnerID identifies this process in request leases (default: hostname/pid).
	OwnerID string
	// SwaggerSpecPath is the path to swagger.json.
	SwaggerSpecPath string
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.ConfigManager == nil {
		return nil, errors.New("config manager is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Home == nil {
		h, err := home.New("")
		if err != nil {
			return nil, err
		}
		cfg.Home = h
	}
	if cfg.OwnerID == "" {
		host, _ := os.Hostname()
		cfg.OwnerID = fmt.Sprintf("%s/%d", host, os.Getpid())
	}

	s := &Server{
		cfg:       cfg,
		configMgr: cfg.ConfigManager,
		logger:    cfg.Logger,
	}

	if cfg.DefraURL == "" {
		if cfg.DefraConfig.DataPath == "" {
			cfg.DefraConfig.DataPath = cfg.Home.DataPath()
		}
		if cfg.DefraConfig.HomePath == "" {
			cfg.DefraConfig.HomePath = cfg.Home.Path()
		}
		defraManager, err := defra.NewDockerManager(cfg.DefraConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create defra manager: %w", err)
		}
		s.defraManager = defraManager
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All(endpoints.Config{
		DefraManager:    s.defraManager,
		SwaggerSpecPath: cfg.SwaggerSpecPath,
	}) {
		s.endpointRegistry.Register(ep)
	}

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      s.handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start brings up DefraDB, the store and the workers, then serves HTTP.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.startDefra(ctx); err != nil {
		_ = s.shutdown()
		return err
	}
	if err := s.startServices(ctx); err != nil {
		_ = s.shutdown()
		return err
	}

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = s.shutdown()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.shutdown()
}

// startDefra starts (or connects to) DefraDB and applies the schemas.
func (s *Server) startDefra(ctx context.Context) error {
	url := s.cfg.DefraURL
	if s.defraManager != nil {
		// Validate any existing container matches our config
		if err := s.defraManager.ValidateExisting(ctx); err != nil {
			return fmt.Errorf("existing DefraDB container incompatible: %w", err)
		}
		s.logger.Info("starting DefraDB")
		if err := s.defraManager.Start(ctx); err != nil {
			return fmt.Errorf("failed to start DefraDB: %w", err)
		}
		url = s.defraManager.URL()
	}

	client := defra.NewClient(url)
	if err := client.WaitHealthy(ctx, 30, time.Second); err != nil {
		return fmt.Errorf("DefraDB health check failed: %w", err)
	}
	s.logger.Info("DefraDB is ready", "url", url)

	s.logger.Info("initializing schemas")
	if err := schema.Initialize(ctx, client, s.logger); err != nil {
		return fmt.Errorf("schema initialization failed: %w", err)
	}
	s.defraClient = client

	s.sink = defra.NewSink(defra.SinkConfig{Client: client, Logger: s.logger})
	s.sink.Start(ctx)
	return nil
}

// startServices opens the store and wires the request pipeline.
func (s *Server) startServices(ctx context.Context) error {
	cfg := s.configMgr.Get()
	logger := s.logger

	storePath := s.cfg.Home.StorePath()
	if cfg.Store.Backend == "memory" {
		storePath = ""
	}
	db, err := store.Open(storePath, logger)
	if err != nil {
		return err
	}
	s.db = db

	s.gc = store.NewGCScheduler(db, cfg.Store.GCSchedule, logger)
	if err := s.gc.Start(); err != nil {
		return err
	}

	kv := store.NewBadgerStore(db)
	tracker := tasks.NewTracker(tasks.TrackerConfig{
		Store:     kv,
		StatusTTL: cfg.Store.StatusTTL.D(),
		CancelTTL: cfg.Store.CancelTTL.D(),
		Logger:    logger,
	})
	s.admission = tasks.NewAdmission(tracker, cfg.Admission.MaxConcurrent)

	q, err := queue.New(db.Badger(), QueueName, cfg.Queue.Visibility.D(), cfg.Queue.MaxReceive)
	if err != nil {
		return err
	}
	service := tasks.NewService(tracker, s.admission, q, logger)

	llm := s.cfg.LLMClient
	if llm == nil {
		llm = providers.NewOpenAIClient(providers.OpenAIConfig{
			APIKey:      config.ResolveEnvVars(cfg.LLM.APIKey),
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			TopP:        cfg.LLM.TopP,
			RateLimit:   cfg.LLM.RateLimit,
			MaxRetries:  cfg.LLM.MaxRetries,
			Timeout:     cfg.LLM.Timeout.D(),
		})
	}

	failures := tags.NewBadgerFailureLog(db.Hold())
	repairer := tags.NewRepairer(tags.RepairerConfig{
		Client:   llm,
		Failures: failures,
		Model:    cfg.LLM.Model,
		Timeout:  cfg.LLM.Timeout.D(),
		Logger:   logger,
	})

	promptsDir := cfg.Prompts.Dir
	if promptsDir == "" {
		promptsDir = s.cfg.Home.PromptsDir()
	}
	resolver := prompts.NewResolver(promptsDir, logger)
	report.RegisterPrompts(resolver)

	catalog := report.DefaultCatalog()
	if cfg.Prompts.Templates != "" {
		if catalog, err = report.LoadCatalog(cfg.Prompts.Templates); err != nil {
			return err
		}
	}

	querier := s.cfg.Querier
	if querier == nil {
		s.warehouse, err = dataquery.OpenMySQL(ctx, dataquery.MySQLConfig{
			Host:         cfg.Database.Host,
			Port:         cfg.Database.Port,
			User:         cfg.Database.User,
			Password:     config.ResolveEnvVars(cfg.Database.Password),
			Database:     cfg.Database.Database,
			Timeout:      cfg.Database.Timeout.D(),
			MaxOpenConns: cfg.Database.MaxConns,
		}, logger)
		if err != nil {
			return err
		}
		querier = s.warehouse
	}
	data, err := dataquery.New(dataquery.Config{
		Querier:     querier,
		Table:       cfg.Database.Table,
		RowLimit:    cfg.Database.RowLimit,
		Concurrency: cfg.Database.Concurrency,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if special, err := data.SpecialProvinces(ctx); err != nil {
		logger.Warn("failed to load special provinces, using defaults", "error", err)
	} else {
		catalog.SetSpecialProvinces(special)
	}

	temperature := cfg.LLM.Temperature
	generator, err := generate.New(generate.Config{
		Client:           llm,
		Prompts:          resolver,
		Catalog:          catalog,
		Repairer:         repairer,
		Metrics:          metrics.NewRecorder(s.sink),
		MaxConcurrent:    cfg.LLM.MaxConcurrent,
		ProgressInterval: cfg.LLM.ProgressInterval.D(),
		Model:            cfg.LLM.Model,
		Temperature:      &temperature,
		Timeout:          cfg.LLM.Timeout.D(),
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	resultStore := results.NewDefraStore(s.defraClient)
	s.callback = callback.New(callbackConfig(cfg), logger)

	orchestrator, err := pipeline.New(pipeline.Config{
		Tracker:   tracker,
		Leases:    lease.NewManager(kv, logger),
		Data:      data,
		Generator: generator,
		Results:   resultStore,
		Callback:  s.callback,
		OwnerID:   s.cfg.OwnerID,
		LeaseTTL:  cfg.Lease.TTL.D(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	s.pool, err = jobs.NewPool(jobs.PoolConfig{
		Source:       q,
		Runner:       orchestrator,
		Workers:      cfg.Workers.Count,
		PollInterval: cfg.Workers.PollInterval.D(),
		Visibility:   cfg.Queue.Visibility.D(),
		Status:       tracker,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	s.pool.Start(ctx)

	// Admission limit and callback target follow config edits.
	s.configMgr.OnChange(func(c *config.Config) {
		s.admission.SetLimit(c.Admission.MaxConcurrent)
		s.callback.SetConfig(callbackConfig(c))
		logger.Info("runtime settings reloaded",
			"max_concurrent", s.admission.Limit(),
			"callback_url", c.Callback.URL)
	})

	s.services = &svcctx.Services{
		DefraClient:  s.defraClient,
		Tasks:        service,
		Results:      resultStore,
		MetricsQuery: metrics.NewQuery(s.defraClient),
		Failures:     failures,
		Pool:         s.pool,
		Logger:       logger,
		Home:         s.cfg.Home,
	}
	return nil
}

func callbackConfig(c *config.Config) callback.Config {
	return callback.Config{
		URL:         c.Callback.URL,
		BearerToken: config.ResolveEnvVars(c.Callback.BearerToken),
		Timeout:     c.Callback.Timeout.D(),
		Attempts:    c.Callback.Attempts,
	}
}

// shutdown stops HTTP first, then the workers, then storage.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// Running requests are interrupted and stay queued for redelivery.
	if s.pool != nil {
		s.pool.Stop()
	}
	if s.sink != nil {
		s.sink.Stop()
	}
	if s.gc != nil {
		s.gc.Stop()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("store close error", "error", err)
		}
	}
	if s.warehouse != nil {
		if err := s.warehouse.Close(); err != nil {
			s.logger.Error("warehouse close error", "error", err)
		}
	}

	if s.defraManager != nil {
		s.logger.Info("stopping DefraDB")
		if err := s.defraManager.Stop(shutdownCtx); err != nil {
			s.logger.Error("DefraDB stop error", "error", err)
		}
		if err := s.defraManager.Close(); err != nil {
			s.logger.Error("DefraDB manager close error", "error", err)
		}
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// DefraClient returns the DefraDB client.
// Returns nil if the server hasn't started yet.
func (s *Server) DefraClient() *defra.Client {
	return s.defraClient
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}
