package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/clawdeck/internal/bus"
	"github.com/basket/clawdeck/internal/gateway"
	"github.com/basket/clawdeck/internal/persistence"
	"github.com/basket/clawdeck/internal/shared"
)

const defaultPollInterval = 5 * time.Second

// GatewayClient is the slice of the gateway client the dispatcher needs.
type GatewayClient interface {
	Connect(ctx context.Context) error
	Connected() bool
	SessionsCreate(ctx context.Context, channel, peer string) (gateway.GatewaySession, error)
	ChatSend(ctx context.Context, sessionKey, message, model string) error
}

type Config struct {
	PollInterval time.Duration
	Model        string // forwarded on chat.send when set
}

// Dispatcher hands assigned tasks to their agents over the gateway. A
// gateway-side rejection is recorded on the task as a dispatch_error instead
// of propagating; transient transport failures propagate so the next poll
// retries.
type Dispatcher struct {
	store  *persistence.Store
	client GatewayClient
	cfg    Config
	bus    *bus.Bus
	logger *slog.Logger
}

func New(store *persistence.Store, client GatewayClient, cfg Config, eventBus *bus.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Dispatcher{
		store:  store,
		client: client,
		cfg:    cfg,
		bus:    eventBus,
		logger: logger.With("component", "dispatch"),
	}
}

// Run polls for dispatchable tasks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	d.logger.Info("dispatcher started", "poll_interval", d.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
			d.DispatchPending(ctx)
		}
	}
}

// DispatchPending runs one poll scan: every assigned task with an agent and
// no recorded dispatch_error gets a dispatch attempt. Tasks already carrying
// an error wait for an operator to clear it.
func (d *Dispatcher) DispatchPending(ctx context.Context) {
	tasks, err := d.store.ListTasksByStatus(ctx, persistence.TaskStatusAssigned)
	if err != nil {
		d.logger.Error("list assigned tasks", "error", err)
		return
	}
	for _, task := range tasks {
		if task.AgentID == "" || task.DispatchError != "" {
			continue
		}
		if err := d.DispatchTask(ctx, task.ID); err != nil {
			d.logger.Warn("dispatch failed", "task_id", task.ID, "error", err)
		}
	}
}

// DispatchTask sends one assigned task to its agent: ensures a live gateway
// connection and an active local session (creating the gateway session when
// needed), posts the task prompt, then moves the task to in_progress and the
// agent to working. Every journal row the attempt writes shares one trace id.
func (d *Dispatcher) DispatchTask(ctx context.Context, taskID string) error {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != persistence.TaskStatusAssigned {
		return fmt.Errorf("task %s is %s, want %s", taskID, task.Status, persistence.TaskStatusAssigned)
	}
	if task.AgentID == "" {
		return fmt.Errorf("task %s has no agent", taskID)
	}

	if !d.client.Connected() {
		if err := d.client.Connect(ctx); err != nil {
			return fmt.Errorf("gateway connect: %w", err)
		}
	}

	session, err := d.ensureSession(ctx, task)
	if err != nil {
		var rpcErr *gateway.RPCError
		if errors.As(err, &rpcErr) {
			return d.recordRejection(ctx, task, rpcErr)
		}
		return err
	}

	sessionKey := session.RoutingKey
	if sessionKey == "" {
		sessionKey = session.GatewaySessionID
	}
	if err := d.client.ChatSend(ctx, sessionKey, taskPrompt(task), d.cfg.Model); err != nil {
		var rpcErr *gateway.RPCError
		if errors.As(err, &rpcErr) {
			return d.recordRejection(ctx, task, rpcErr)
		}
		return fmt.Errorf("chat.send: %w", err)
	}

	moved, err := d.store.TransitionTask(ctx, taskID, persistence.TaskStatusAssigned, persistence.TaskStatusInProgress)
	if err != nil {
		return err
	}
	if !moved {
		d.logger.Warn("task moved during dispatch", "task_id", taskID)
		return nil
	}
	if _, err := d.store.SetAgentStatus(ctx, task.AgentID, persistence.AgentStatusWorking); err != nil {
		return err
	}
	if err := d.store.ClearDispatchError(ctx, taskID); err != nil {
		return err
	}
	if _, err := d.store.LinkSessionTask(ctx, session.ID, taskID); err != nil {
		return err
	}

	d.logger.Info("task dispatched",
		"task_id", taskID,
		"agent_id", task.AgentID,
		"session_key", sessionKey)
	if d.bus != nil {
		d.bus.Publish(bus.TopicTaskDispatched, bus.TaskUpdatedEvent{
			TaskID:  taskID,
			AgentID: task.AgentID,
			Status:  string(persistence.TaskStatusInProgress),
			Reason:  "dispatched",
		})
	}
	return nil
}

// ensureSession returns the agent's active local session, opening a gateway
// session and inserting the local row when none exists.
func (d *Dispatcher) ensureSession(ctx context.Context, task *persistence.Task) (*persistence.Session, error) {
	session, err := d.store.ActiveSessionForAgent(ctx, task.AgentID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}

	created, err := d.client.SessionsCreate(ctx, "agent", task.AgentID)
	if err != nil {
		return nil, fmt.Errorf("sessions.create: %w", err)
	}
	localID, err := d.store.CreateSession(ctx, persistence.Session{
		AgentID:          task.AgentID,
		GatewaySessionID: created.ID,
		RoutingKey:       created.Key,
		TaskID:           task.ID,
	})
	if err != nil {
		return nil, err
	}
	return d.store.GetSession(ctx, localID)
}

// recordRejection writes the gateway's message onto the task and swallows
// the error; the task stays assigned until an operator clears the flag.
func (d *Dispatcher) recordRejection(ctx context.Context, task *persistence.Task, rpcErr *gateway.RPCError) error {
	d.logger.Warn("gateway rejected dispatch",
		"task_id", task.ID,
		"agent_id", task.AgentID,
		"error", rpcErr.Message)
	if _, err := d.store.SetDispatchError(ctx, task.ID, rpcErr.Message); err != nil {
		return err
	}
	return nil
}

func taskPrompt(task *persistence.Task) string {
	if task.Description == "" {
		return task.Title
	}
	return task.Title + "\n\n" + task.Description
}
