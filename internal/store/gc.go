package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/robfig/cron/v3"
)

// DefaultGCSchedule runs value log garbage collection every ten minutes.
const DefaultGCSchedule = "*/10 * * * *"

// GCScheduler periodically reclaims space from Badger's value log. Expired
// status records and leases only free disk once their log file is rewritten.
type GCScheduler struct {
	db       *DB
	schedule string
	ratio    float64
	logger   *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewGCScheduler creates a scheduler for db. An empty schedule uses
// DefaultGCSchedule.
func NewGCScheduler(db *DB, schedule string, logger *slog.Logger) *GCScheduler {
	if schedule == "" {
		schedule = DefaultGCSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GCScheduler{
		db:       db,
		schedule: schedule,
		ratio:    0.5,
		logger:   logger,
	}
}

// Start registers the GC job and starts the cron loop. In-memory databases
// have no value log, so Start is a no-op for them.
func (g *GCScheduler) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running || g.db.InMemory() {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(g.schedule, func() { g.RunOnce() }); err != nil {
		return fmt.Errorf("invalid gc schedule %q: %w", g.schedule, err)
	}
	c.Start()

	g.cron = c
	g.running = true
	g.logger.Info("value log gc scheduled", "schedule", g.schedule)
	return nil
}

// Stop halts the cron loop and waits for a running job to finish.
func (g *GCScheduler) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.running {
		return
	}
	<-g.cron.Stop().Done()
	g.running = false
}

// RunOnce rewrites value log files until Badger reports nothing left to
// reclaim. It returns the number of files rewritten.
func (g *GCScheduler) RunOnce() int {
	if g.db.InMemory() {
		return 0
	}
	rewritten := 0
	for {
		err := g.db.Badger().RunValueLogGC(g.ratio)
		if err == nil {
			rewritten++
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
			g.logger.Warn("value log gc failed", "error", err)
		}
		break
	}
	if rewritten > 0 {
		g.logger.Debug("value log gc complete", "files_rewritten", rewritten)
	}
	return rewritten
}
