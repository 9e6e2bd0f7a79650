// Package sweeper periodically drives nodecache.Cache's CleanUp — timing
// out nodes stuck processing past the configured timeout and pruning
// finished nodes past their retention window. It is adapted from the
// teacher's cron-scheduled backup-policy scheduler
// (internal/scheduler/scheduler.go): that package mapped N backup policies
// to N independent gocron jobs; this one drives a single recurring
// housekeeping tick, but keeps the same wrapping shape (gocron.Scheduler
// field, New/Start/Stop, singleton mode so overlapping ticks are skipped
// rather than queued).
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/baremetal-inspector/inspector/internal/nodecache"
)

// Config holds the clean_up settings named in spec.md §6.
type Config struct {
	// Interval is how often clean_up runs.
	Interval time.Duration
	// Timeout is how long a node may process before being timed out.
	Timeout time.Duration
	// NodeStatusKeepTime is how long a finished node's record is kept
	// before being pruned. Zero disables pruning.
	NodeStatusKeepTime time.Duration
}

// Sweeper wraps gocron to run Cache.CleanUp on a fixed interval.
type Sweeper struct {
	cron   gocron.Scheduler
	cache  *nodecache.Cache
	cfg    Config
	logger *zap.Logger
}

// New creates a Sweeper. Call Start to begin ticking.
func New(cache *nodecache.Cache, cfg Config, logger *zap.Logger) (*Sweeper, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("sweeper: creating gocron scheduler: %w", err)
	}
	return &Sweeper{
		cron:   cron,
		cache:  cache,
		cfg:    cfg,
		logger: logger.Named("sweeper"),
	}, nil
}

// Start schedules the recurring clean_up tick and starts the scheduler.
func (s *Sweeper) Start(ctx context.Context) error {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	_, err := s.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			tickCtx, cancel := context.WithTimeout(ctx, interval)
			defer cancel()
			s.tick(tickCtx)
		}),
		gocron.WithTags("clean_up"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("sweeper: scheduling clean_up: %w", err)
	}

	s.logger.Info("sweeper started", zap.Duration("interval", interval), zap.Duration("timeout", s.cfg.Timeout))
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down the scheduler, waiting for an in-flight tick
// to finish.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("sweeper: shutdown: %w", err)
	}
	s.logger.Info("sweeper stopped")
	return nil
}

func (s *Sweeper) tick(ctx context.Context) {
	timedOut, err := s.cache.CleanUp(ctx, s.cfg.Timeout, s.cfg.NodeStatusKeepTime)
	if err != nil {
		s.logger.Error("clean_up failed", zap.Error(err))
		return
	}
	if len(timedOut) == 0 {
		return
	}
	ids := make([]string, len(timedOut))
	for i, id := range timedOut {
		ids[i] = id.String()
	}
	s.logger.Info("timed out stale nodes", zap.Strings("node_uuids", ids))
}
