// Package sched fires maintenance actions on cron schedules from the config
// file: reconcile passes against the gateway and retention pruning of ended
// sessions and old events.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/clawdeck/internal/config"
	"github.com/basket/clawdeck/internal/persistence"
	"github.com/basket/clawdeck/internal/reconcile"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Schedule actions.
const (
	ActionReconcile = "reconcile"
	ActionPrune     = "prune"
)

// Reconciler runs one drift-repair pass.
type Reconciler interface {
	Reconcile(ctx context.Context) (reconcile.Result, error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Schedules  []config.ScheduleConfig
	Store      *persistence.Store
	Reconciler Reconciler

	RetentionEventsDays   int
	RetentionSessionsDays int

	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

type entry struct {
	name   string
	action string
	expr   string
	next   time.Time // zero means due on the first tick
}

// Scheduler ticks at a fixed interval and fires every schedule whose next
// run time has passed. Each entry fires once at startup, then follows its
// cron expression. With no valid configured schedules it falls back to a
// reconcile pass every minute.
type Scheduler struct {
	entries    []*entry
	store      *persistence.Store
	reconciler Reconciler
	logger     *slog.Logger
	interval   time.Duration

	retentionEventsDays   int
	retentionSessionsDays int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the configured schedules and builds the scheduler.
// Entries with an unparseable cron expression or an unknown action are
// skipped with an error log.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sched")

	var entries []*entry
	for _, sc := range cfg.Schedules {
		if sc.Action != ActionReconcile && sc.Action != ActionPrune {
			logger.Error("sched: unknown schedule action skipped", "schedule", sc.Name, "action", sc.Action)
			continue
		}
		if _, err := cronParser.Parse(sc.Cron); err != nil {
			logger.Error("sched: invalid cron expression skipped", "schedule", sc.Name, "cron", sc.Cron, "error", err)
			continue
		}
		entries = append(entries, &entry{name: sc.Name, action: sc.Action, expr: sc.Cron})
	}
	if len(entries) == 0 {
		entries = append(entries, &entry{name: "reconcile", action: ActionReconcile, expr: "* * * * *"})
	}

	return &Scheduler{
		entries:               entries,
		store:                 cfg.Store,
		reconciler:            cfg.Reconciler,
		logger:                logger,
		interval:              interval,
		retentionEventsDays:   cfg.RetentionEventsDays,
		retentionSessionsDays: cfg.RetentionSessionsDays,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "schedules", len(s.entries))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every due entry and re-arms it from its cron expression.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		s.fire(ctx, e)
		next, err := NextRunTime(e.expr, now)
		if err != nil {
			next = now.Add(s.interval)
		}
		e.next = next
		s.logger.Info("sched: schedule fired", "schedule", e.name, "action", e.action, "next_run_at", next)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	switch e.action {
	case ActionReconcile:
		result, err := s.reconciler.Reconcile(ctx)
		if err != nil {
			s.logger.Warn("sched: reconcile pass failed", "schedule", e.name, "error", err)
			return
		}
		s.logger.Debug("sched: reconcile pass finished", "schedule", e.name, "ran", result.Ran)
	case ActionPrune:
		sessions, err := s.store.PruneEndedSessions(ctx, s.retentionSessionsDays)
		if err != nil {
			s.logger.Error("sched: prune sessions failed", "schedule", e.name, "error", err)
			return
		}
		events, err := s.store.PruneEvents(ctx, s.retentionEventsDays)
		if err != nil {
			s.logger.Error("sched: prune events failed", "schedule", e.name, "error", err)
			return
		}
		s.logger.Info("sched: retention prune finished",
			"schedule", e.name,
			"sessions_removed", sessions,
			"events_removed", events)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
