package generate

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultProgressInterval is how often progress is logged during a run.
const DefaultProgressInterval = 2 * time.Second

// Progress counts completed sections of one run. It is shared by pointer
// between the section goroutines and the reporter.
type Progress struct {
	total     int64
	completed atomic.Int64
	start     time.Time
}

// NewProgress creates a Progress for total sections.
func NewProgress(total int) *Progress {
	return &Progress{total: int64(total), start: time.Now()}
}

// Done marks one section complete and returns the new count.
func (p *Progress) Done() int64 {
	return p.completed.Add(1)
}

// ProgressSnapshot is a point-in-time view of a run.
type ProgressSnapshot struct {
	Completed  int64         `json:"completed"`
	Total      int64         `json:"total"`
	Percent    float64       `json:"percent"`
	Elapsed    time.Duration `json:"elapsed"`
	AvgPerTask time.Duration `json:"avg_per_task"`
	ETA        time.Duration `json:"eta"`
}

// Snapshot returns the current progress. ETA is the running average per
// section times the sections left.
func (p *Progress) Snapshot() ProgressSnapshot {
	s := ProgressSnapshot{
		Completed: p.completed.Load(),
		Total:     p.total,
		Elapsed:   time.Since(p.start),
		Percent:   100,
	}
	if s.Total > 0 {
		s.Percent = float64(s.Completed) / float64(s.Total) * 100
	}
	if s.Completed > 0 {
		s.AvgPerTask = s.Elapsed / time.Duration(s.Completed)
		s.ETA = s.AvgPerTask * time.Duration(s.Total-s.Completed)
	}
	return s
}

// Report logs the progress every interval until all sections are done, ctx
// ends, or stop is called. stop waits for the reporter to exit.
func (p *Progress) Report(ctx context.Context, interval time.Duration, logger *slog.Logger) (stop func()) {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := p.Snapshot()
				logger.Info("generation progress",
					"completed", s.Completed,
					"total", s.Total,
					"percent", s.Percent,
					"elapsed", s.Elapsed.Round(100*time.Millisecond),
					"avg_per_section", s.AvgPerTask.Round(100*time.Millisecond),
					"eta", s.ETA.Round(time.Second))
				if s.Completed >= s.Total {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
