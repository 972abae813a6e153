package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/clawdeck/internal/config"
	"github.com/basket/clawdeck/internal/persistence"
)

// statusReport is the machine-readable shape behind `clawdeck status -json`.
type statusReport struct {
	Timestamp      time.Time                       `json:"timestamp"`
	Home           string                          `json:"home"`
	Gateway        gatewaySnapshot                 `json:"gateway"`
	Tasks          map[persistence.TaskStatus]int  `json:"tasks"`
	Agents         map[persistence.AgentStatus]int `json:"agents"`
	ActiveSessions int                             `json:"active_sessions"`
}

// gatewaySnapshot reports the daemon's last journaled gateway transition.
// State is "unknown" until a daemon has connected at least once.
type gatewaySnapshot struct {
	URL    string    `json:"url"`
	State  string    `json:"state"`
	Since  time.Time `json:"since,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

var taskStatusOrder = []persistence.TaskStatus{
	persistence.TaskStatusInbox,
	persistence.TaskStatusPlanning,
	persistence.TaskStatusAssigned,
	persistence.TaskStatusInProgress,
	persistence.TaskStatusTesting,
	persistence.TaskStatusReview,
	persistence.TaskStatusDone,
}

func runStatusCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	store, err := persistence.Open(cfg.EffectiveDBPath(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	tasks, err := store.CountTasksByStatus(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "count tasks: %v\n", err)
		return 1
	}
	agents, err := store.CountAgentsByStatus(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "count agents: %v\n", err)
		return 1
	}
	active, err := store.ListSessionsByStatus(ctx, persistence.SessionStatusActive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list sessions: %v\n", err)
		return 1
	}

	report := statusReport{
		Timestamp:      time.Now().UTC(),
		Home:           cfg.HomeDir,
		Gateway:        gatewaySnapshotFromEvents(ctx, store, cfg.Gateway.URL),
		Tasks:          tasks,
		Agents:         agents,
		ActiveSessions: len(active),
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("Clawdeck Status (%s)\n", report.Timestamp.Format(time.RFC3339))
	fmt.Printf("Home: %s\n", report.Home)
	gw := report.Gateway
	switch {
	case gw.State == "unknown":
		fmt.Printf("Gateway: %s (no daemon activity recorded)\n", gw.URL)
	case gw.Detail != "":
		fmt.Printf("Gateway: %s (%s since %s: %s)\n", gw.URL, gw.State, gw.Since.Format(time.RFC3339), gw.Detail)
	default:
		fmt.Printf("Gateway: %s (%s since %s)\n", gw.URL, gw.State, gw.Since.Format(time.RFC3339))
	}
	fmt.Println("---")

	fmt.Println("TASKS")
	total := 0
	for _, status := range taskStatusOrder {
		if n := tasks[status]; n > 0 {
			fmt.Printf("  %-12s %d\n", status, n)
			total += n
		}
	}
	if total == 0 {
		fmt.Println("  (board empty)")
	}

	fmt.Println("AGENTS")
	if len(agents) == 0 {
		fmt.Println("  (none registered)")
	}
	for _, status := range []persistence.AgentStatus{persistence.AgentStatusStandby, persistence.AgentStatusWorking} {
		if n := agents[status]; n > 0 {
			fmt.Printf("  %-12s %d\n", status, n)
		}
	}

	fmt.Printf("SESSIONS\n  %-12s %d\n", "active", report.ActiveSessions)
	return 0
}

// gatewaySnapshotFromEvents reads the daemon's latest journaled gateway
// transition. The URL shown is the journaled one when present, since the
// daemon redacts credentials before writing it.
func gatewaySnapshotFromEvents(ctx context.Context, store *persistence.Store, configuredURL string) gatewaySnapshot {
	snap := gatewaySnapshot{URL: configuredURL, State: "unknown"}
	events, err := store.ListEventsForEntity(ctx, "gateway", "primary")
	if err != nil || len(events) == 0 {
		return snap
	}
	last := events[len(events)-1]
	snap.State = last.EventType
	snap.Since = last.CreatedAt
	switch last.EventType {
	case "connected":
		if last.Detail != "" {
			snap.URL = last.Detail
		}
	case "disconnected":
		snap.Detail = last.Detail
	}
	return snap
}
