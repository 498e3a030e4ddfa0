// Package retention periodically deletes old violation log entries.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nexusgate/nexusgate/internal/metrics"
)

// Defaults used when the configuration leaves them empty.
const (
	DefaultSchedule = "@every 1h"
	DefaultMaxAge   = 30 * 24 * time.Hour
)

// Pruner deletes violation log entries older than cutoff. *config.Store
// implements it.
type Pruner interface {
	PruneLogEntries(ctx context.Context, cutoff time.Time) (int64, error)
}

// Job runs the prune on a cron schedule.
type Job struct {
	pruner   Pruner
	maxAge   time.Duration
	schedule string
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
}

// New validates schedule (standard five-field cron or a descriptor such as
// "@every 1h") and returns a stopped Job.
func New(pruner Pruner, schedule string, maxAge time.Duration, logger *slog.Logger) (*Job, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		pruner:   pruner,
		maxAge:   maxAge,
		schedule: schedule,
		logger:   logger.With("component", "retention"),
		now:      time.Now,
	}, nil
}

// Start schedules the job. Calling Start on a running job is a no-op.
func (j *Job) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cron != nil {
		return nil
	}
	c := cron.New()
	id, err := c.AddFunc(j.schedule, j.tick)
	if err != nil {
		return fmt.Errorf("schedule retention job: %w", err)
	}
	c.Start()
	j.cron, j.entryID = c, id
	j.logger.Info("retention job scheduled", "schedule", j.schedule, "max_age", j.maxAge.String())
	return nil
}

// Stop unschedules the job and waits for a running prune to finish or ctx to
// expire.
func (j *Job) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()

	if c == nil {
		return
	}
	c.Remove(j.entryID)
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce prunes entries older than the configured max age.
func (j *Job) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.maxAge)
	n, err := j.pruner.PruneLogEntries(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune log entries: %w", err)
	}
	metrics.RetentionPrunedTotal.Add(float64(n))
	return n, nil
}

func (j *Job) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := j.RunOnce(ctx)
	if err != nil {
		j.logger.Error("retention prune failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("pruned violation log", "deleted", n)
	}
}
