package sched_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawdeck/internal/config"
	"github.com/basket/clawdeck/internal/persistence"
	"github.com/basket/clawdeck/internal/reconcile"
	"github.com/basket/clawdeck/internal/sched"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type countingReconciler struct {
	mu    sync.Mutex
	count int
}

func (r *countingReconciler) Reconcile(ctx context.Context) (reconcile.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	return reconcile.Result{Ran: true}, nil
}

func (r *countingReconciler) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func openSchedStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawdeck.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerDefaultsToReconcile(t *testing.T) {
	rec := &countingReconciler{}
	s := sched.NewScheduler(sched.Config{
		Reconciler: rec,
		Logger:     quietLogger(),
		Interval:   50 * time.Millisecond,
	})
	s.Start(context.Background())
	defer s.Stop()

	// The default entry fires on the first tick.
	waitFor(t, 3*time.Second, func() bool { return rec.calls() >= 1 })
}

func TestSchedulerInvalidEntriesFallBackToDefault(t *testing.T) {
	rec := &countingReconciler{}
	s := sched.NewScheduler(sched.Config{
		Schedules: []config.ScheduleConfig{
			{Name: "broken", Cron: "not a cron", Action: "reconcile"},
			{Name: "mystery", Cron: "* * * * *", Action: "compact"},
		},
		Reconciler: rec,
		Logger:     quietLogger(),
		Interval:   50 * time.Millisecond,
	})
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 3*time.Second, func() bool { return rec.calls() >= 1 })
}

func TestSchedulerPruneRemovesRetiredRows(t *testing.T) {
	store := openSchedStore(t)
	ctx := context.Background()

	if err := store.UpsertAgent(ctx, "agent-1", "Agent One"); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	if _, err := store.CreateSession(ctx, persistence.Session{
		ID:               "sess-old",
		AgentID:          "agent-1",
		GatewaySessionID: "gw-old",
	}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := store.EndSession(ctx, "sess-old", "finished"); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx,
		`UPDATE sessions SET ended_at = datetime('now', '-40 days') WHERE id = 'sess-old';`); err != nil {
		t.Fatalf("backdate session: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx,
		`UPDATE events SET created_at = datetime('now', '-100 days');`); err != nil {
		t.Fatalf("backdate events: %v", err)
	}

	s := sched.NewScheduler(sched.Config{
		Schedules: []config.ScheduleConfig{
			{Name: "nightly", Cron: "* * * * *", Action: "prune"},
		},
		Store:                 store,
		Reconciler:            &countingReconciler{},
		RetentionEventsDays:   90,
		RetentionSessionsDays: 30,
		Logger:                quietLogger(),
		Interval:              50 * time.Millisecond,
	})
	s.Start(ctx)
	defer s.Stop()

	waitFor(t, 3*time.Second, func() bool {
		var n int
		row := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = 'sess-old';`)
		if err := row.Scan(&n); err != nil {
			return false
		}
		return n == 0
	})

	var events int
	row := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM events;`)
	if err := row.Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 0 {
		t.Fatalf("events remaining = %d, want 0", events)
	}
}

func TestNextRunTimeFollowsExpression(t *testing.T) {
	after := time.Date(2026, 3, 14, 9, 3, 0, 0, time.UTC)
	next, err := sched.NextRunTime("*/10 * * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if !next.After(after) {
		t.Fatalf("next = %v, want after %v", next, after)
	}
	if next.Minute()%10 != 0 {
		t.Fatalf("next minute = %d, want multiple of 10", next.Minute())
	}

	if _, err := sched.NextRunTime("61 * * * *", after); err == nil {
		t.Fatal("out-of-range expression should not parse")
	}
}
