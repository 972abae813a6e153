package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/clawdeck/internal/bus"
	"github.com/basket/clawdeck/internal/gateway"
	"github.com/basket/clawdeck/internal/persistence"
	"github.com/basket/clawdeck/internal/shared"
)

const debounceInterval = 30 * time.Second

// routingKeyPrefix namespaces locally derived session keys the same way the
// gateway derives its own, so a derived key can hit either truth index.
const routingKeyPrefix = "agent:"

// GatewayClient is the slice of the gateway client the engine needs.
type GatewayClient interface {
	Connect(ctx context.Context) error
	SessionsList(ctx context.Context) ([]gateway.GatewaySession, error)
}

// Result summarizes one reconciliation pass. Ran is false when the pass was
// debounced; the counters then repeat the previous pass's outcome.
type Result struct {
	Ran                bool
	SessionsEnded      int
	TasksErrored       int
	AgentsReset        int
	SessionsBackfilled int
}

// Clean reports whether the pass found nothing to repair.
func (r Result) Clean() bool {
	return r.SessionsEnded == 0 && r.TasksErrored == 0 && r.AgentsReset == 0 && r.SessionsBackfilled == 0
}

type Engine struct {
	store  *persistence.Store
	client GatewayClient
	bus    *bus.Bus
	logger *slog.Logger

	mu     sync.Mutex
	last   Result
	lastAt time.Time
}

func New(store *persistence.Store, client GatewayClient, eventBus *bus.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		client: client,
		bus:    eventBus,
		logger: logger.With("component", "reconcile"),
	}
}

// Reconcile runs one drift-repair pass against gateway truth.
//
// A pass within 30 seconds of the previous completed pass is debounced: the
// cached result comes back with Ran false, and concurrent callers inside the
// window all see it. An unreachable gateway is not fatal; the error is
// returned for the caller to report, nothing is written, and the cache is
// left alone so the next call retries immediately. Repairs are flag/end/
// reset updates only, never deletes, and the whole batch is one transaction.
func (e *Engine) Reconcile(ctx context.Context) (Result, error) {
	e.mu.Lock()
	if !e.lastAt.IsZero() && time.Since(e.lastAt) < debounceInterval {
		cached := e.last
		cached.Ran = false
		e.mu.Unlock()
		return cached, nil
	}
	e.mu.Unlock()

	// One trace id per pass; every journal row the repairs write shares it.
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	if err := e.client.Connect(ctx); err != nil {
		e.logger.Warn("reconcile skipped, gateway unreachable", "error", err)
		return Result{}, fmt.Errorf("gateway connect: %w", err)
	}
	gatewaySessions, err := e.client.SessionsList(ctx)
	if err != nil {
		e.logger.Warn("reconcile skipped, session list unavailable", "error", err)
		return Result{}, fmt.Errorf("gateway sessions: %w", err)
	}

	truth := indexGatewaySessions(gatewaySessions)
	activeSessions, err := e.store.ListSessionsByStatus(ctx, persistence.SessionStatusActive)
	if err != nil {
		return Result{}, fmt.Errorf("list active sessions: %w", err)
	}
	openTasks, err := e.store.ListTasksByStatus(ctx, persistence.TaskStatusAssigned, persistence.TaskStatusInProgress)
	if err != nil {
		return Result{}, fmt.Errorf("list open tasks: %w", err)
	}
	workingAgents, err := e.store.ListAgentsByStatus(ctx, persistence.AgentStatusWorking)
	if err != nil {
		return Result{}, fmt.Errorf("list working agents: %w", err)
	}

	plan := buildPlan(truth, activeSessions, openTasks, workingAgents)
	counts, err := e.store.ApplyRepairs(ctx, plan)
	if err != nil {
		return Result{}, fmt.Errorf("apply repairs: %w", err)
	}

	// Broadcast after commit so subscribers never observe uncommitted rows.
	e.broadcastFlagged(ctx, counts.FlaggedTaskIDs)

	result := Result{
		Ran:                true,
		SessionsEnded:      counts.SessionsEnded,
		TasksErrored:       counts.TasksErrored,
		AgentsReset:        counts.AgentsReset,
		SessionsBackfilled: counts.SessionsBackfilled,
	}
	if result.Clean() {
		e.logger.Info("reconcile found no drift",
			"gateway_sessions", len(gatewaySessions),
			"local_active", len(activeSessions))
	} else {
		e.logger.Info("reconcile repaired drift",
			"sessions_ended", result.SessionsEnded,
			"tasks_errored", result.TasksErrored,
			"agents_reset", result.AgentsReset,
			"sessions_backfilled", result.SessionsBackfilled)
	}

	e.mu.Lock()
	e.last = result
	e.lastAt = time.Now()
	e.mu.Unlock()
	return result, nil
}

func (e *Engine) broadcastFlagged(ctx context.Context, taskIDs []string) {
	if e.bus == nil {
		return
	}
	for _, taskID := range taskIDs {
		ev := bus.TaskUpdatedEvent{TaskID: taskID, Reason: "reconcile.session_lost"}
		if task, err := e.store.GetTask(ctx, taskID); err == nil {
			ev.AgentID = task.AgentID
			ev.Status = string(task.Status)
			ev.DispatchError = task.DispatchError
		}
		e.bus.Publish(bus.TopicTaskUpdated, ev)
	}
}

// gatewayTruth indexes the fetched session list by raw id and by routing
// key. Presence in either index is what "exists on the gateway" means.
type gatewayTruth struct {
	byID  map[string]struct{}
	byKey map[string]struct{}
}

func indexGatewaySessions(sessions []gateway.GatewaySession) gatewayTruth {
	truth := gatewayTruth{
		byID:  make(map[string]struct{}, len(sessions)),
		byKey: make(map[string]struct{}, len(sessions)),
	}
	for _, s := range sessions {
		if s.ID != "" {
			truth.byID[s.ID] = struct{}{}
		}
		if s.Key != "" {
			truth.byKey[s.Key] = struct{}{}
		}
	}
	return truth
}

// matches tries, in order: by-id on the recorded gateway session id, by-key
// on the derived routing key, then by-id on that same key. Any hit counts.
func (t gatewayTruth) matches(s persistence.Session) bool {
	if s.GatewaySessionID != "" {
		if _, ok := t.byID[s.GatewaySessionID]; ok {
			return true
		}
	}
	key := derivedRoutingKey(s)
	if key == "" {
		return false
	}
	if _, ok := t.byKey[key]; ok {
		return true
	}
	_, ok := t.byID[key]
	return ok
}

// derivedRoutingKey prefers the key recorded at session creation and falls
// back to deriving one from the raw gateway session id.
func derivedRoutingKey(s persistence.Session) string {
	if s.RoutingKey != "" {
		return s.RoutingKey
	}
	if s.GatewaySessionID == "" {
		return ""
	}
	return routingKeyPrefix + s.GatewaySessionID
}

// buildPlan computes the repair plan from the pre-transaction snapshot.
//
// Step order matters: sessions with no gateway match are ended first, and the
// orphaned-task check re-evaluates the same match predicate on the snapshot
// instead of re-reading session rows, so a session ended in this very plan
// never vouches for its agent's tasks. Guarded updates in the store make any
// overlap between the steps (a task both linked to an ended session and
// orphaned by its agent) resolve first-writer-wins.
func buildPlan(truth gatewayTruth, activeSessions []persistence.Session, openTasks []persistence.Task, workingAgents []persistence.Agent) persistence.RepairPlan {
	var plan persistence.RepairPlan

	// Agents vouched for by at least one gateway-confirmed active session.
	confirmed := make(map[string]bool)
	for _, s := range activeSessions {
		if truth.matches(s) {
			confirmed[s.AgentID] = true
		}
	}

	for _, s := range activeSessions {
		if truth.matches(s) {
			continue
		}
		plan.EndSessions = append(plan.EndSessions, persistence.SessionRepair{
			SessionID: s.ID,
			TaskID:    s.TaskID,
			TaskError: "session lost",
		})
	}

	for _, task := range openTasks {
		if task.AgentID == "" || task.DispatchError != "" {
			continue
		}
		if confirmed[task.AgentID] {
			continue
		}
		plan.FlagTasks = append(plan.FlagTasks, persistence.TaskFlag{
			TaskID:  task.ID,
			Message: "agent session lost",
		})
	}

	// An unlinked session is backfilled only when its agent has exactly one
	// in_progress task; anything ambiguous is left for a human.
	soleInProgress := make(map[string]string)
	for _, task := range openTasks {
		if task.Status != persistence.TaskStatusInProgress || task.AgentID == "" {
			continue
		}
		if _, seen := soleInProgress[task.AgentID]; seen {
			soleInProgress[task.AgentID] = ""
		} else {
			soleInProgress[task.AgentID] = task.ID
		}
	}
	for _, s := range activeSessions {
		if s.TaskID != "" {
			continue
		}
		if taskID := soleInProgress[s.AgentID]; taskID != "" {
			plan.BackfillLinks = append(plan.BackfillLinks, persistence.SessionBackfill{
				SessionID: s.ID,
				TaskID:    taskID,
			})
		}
	}

	inProgressAgents := make(map[string]bool)
	for _, task := range openTasks {
		if task.Status == persistence.TaskStatusInProgress && task.AgentID != "" {
			inProgressAgents[task.AgentID] = true
		}
	}
	for _, a := range workingAgents {
		if confirmed[a.ID] || inProgressAgents[a.ID] {
			continue
		}
		plan.ResetAgents = append(plan.ResetAgents, a.ID)
	}

	return plan
}
