// Package schedule runs the cache's periodic jobs: retention sweeps and the
// weekday prewarm that fetches today's menus before the lunch rush.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mensabot/internal/domain"

	"github.com/robfig/cron/v3"
)

// Sweeper evicts expired cache slots. Satisfied by menucache.Cache.
type Sweeper interface {
	Sweep() int
}

// MenuProvider resolves menus; the prewarm job uses it to warm today's
// slots. Satisfied by menucache.Cache.
type MenuProvider interface {
	GetMenu(ctx context.Context, loc domain.Location, date time.Time) (*domain.Menu, bool, error)
}

// Scheduler owns the cron runner for background cache maintenance.
type Scheduler struct {
	cron      *cron.Cron
	sweeper   Sweeper
	menus     MenuProvider
	locations []domain.Location
	logger    *slog.Logger
	now       func() time.Time
}

// Config configures the scheduler. Empty specs disable the matching job.
type Config struct {
	SweepSpec   string // cron spec for cache sweeps
	PrewarmSpec string // cron spec for prewarming today's menus
	Sweeper     Sweeper
	Menus       MenuProvider
	Locations   []domain.Location
	Logger      *slog.Logger
}

func New(cfg Config) (*Scheduler, error) {
	s := &Scheduler{
		cron:      cron.New(),
		sweeper:   cfg.Sweeper,
		menus:     cfg.Menus,
		locations: cfg.Locations,
		logger:    cfg.Logger,
		now:       time.Now,
	}

	if cfg.SweepSpec != "" {
		if _, err := s.cron.AddFunc(cfg.SweepSpec, s.sweep); err != nil {
			return nil, fmt.Errorf("sweep schedule %q: %w", cfg.SweepSpec, err)
		}
	}
	if cfg.PrewarmSpec != "" {
		if _, err := s.cron.AddFunc(cfg.PrewarmSpec, s.prewarm); err != nil {
			return nil, fmt.Errorf("prewarm schedule %q: %w", cfg.PrewarmSpec, err)
		}
	}
	return s, nil
}

// Run starts the cron runner and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	// Wait for in-flight jobs before reporting the scheduler stopped.
	<-stopCtx.Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) sweep() {
	evicted := s.sweeper.Sweep()
	s.logger.Info("cache sweep finished", "evicted", evicted)
}

// prewarm fetches today's menu for every registered location so the first
// lunchtime query hits a warm slot. Failures are logged and skipped; the
// next scheduled run retries.
func (s *Scheduler) prewarm() {
	today := domain.DateOnly(s.now())

	for _, loc := range s.locations {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, _, err := s.menus.GetMenu(ctx, loc, today)
		cancel()
		if err != nil {
			s.logger.Warn("prewarm fetch failed", "location", loc.ID, "err", err)
			continue
		}
		s.logger.Debug("prewarmed menu", "location", loc.ID, "date", today.Format("2006-01-02"))
	}
}
