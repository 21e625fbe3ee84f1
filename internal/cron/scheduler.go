// Package cron runs journal retention on a standard 5-field cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/turfbot/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Retainer purges journal records older than a number of days.
type Retainer interface {
	RunRetention(ctx context.Context, days int) (persistence.RetentionResult, error)
}

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Store         Retainer
	Logger        *slog.Logger
	Schedule      string        // cron expression
	RetentionDays int           // <= 0 disables purging
	Interval      time.Duration // tick interval; defaults to 1 minute if zero
	RunOnStart    bool
}

// Scheduler checks on every tick whether the schedule is due and, if so,
// runs retention against the store.
type Scheduler struct {
	store      Retainer
	logger     *slog.Logger
	schedule   cronlib.Schedule
	expr       string
	days       int
	interval   time.Duration
	runOnStart bool

	mu      sync.Mutex
	nextRun time.Time
	runs    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the schedule and returns a stopped Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("retention scheduler requires a store")
	}
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", cfg.Schedule, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      cfg.Store,
		logger:     logger.With("component", "retention"),
		schedule:   sched,
		expr:       cfg.Schedule,
		days:       cfg.RetentionDays,
		interval:   interval,
		runOnStart: cfg.RunOnStart,
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.nextRun = s.schedule.Next(time.Now())
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started", "schedule", s.expr, "retention_days", s.days)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

// NextRun reports when retention will next fire.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// Runs reports how many retention passes have completed.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if s.runOnStart {
		s.fire(ctx, time.Now())
	}
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := !now.Before(s.nextRun)
	s.mu.Unlock()
	if due {
		s.fire(ctx, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, now time.Time) {
	next := s.schedule.Next(now)
	res, err := s.store.RunRetention(ctx, s.days)

	s.mu.Lock()
	s.nextRun = next
	if err == nil {
		s.runs++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("retention run failed", "error", err, "next_run_at", next)
		return
	}
	s.logger.Info("retention run complete",
		"purged_sessions", res.PurgedSessions,
		"purged_connections", res.PurgedConnections,
		"next_run_at", next,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
