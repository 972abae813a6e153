package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/basket/clawdeck/internal/config"
	"github.com/basket/clawdeck/internal/persistence"
)

// assignReport is the machine-readable shape behind `clawdeck assign -json`.
type assignReport struct {
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	Status    string    `json:"status"`
}

func runAssignCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	rest := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
			continue
		}
		rest = append(rest, arg)
	}
	if len(rest) != 2 {
		fmt.Fprintln(os.Stderr, "usage: clawdeck assign [-json] <task-id> <agent-id>")
		return 2
	}
	taskID := strings.TrimSpace(rest[0])
	agentID := strings.TrimSpace(rest[1])

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

	// agent_id carries no foreign key, so a typo would silently park the task
	// on a nonexistent agent.
	if _, err := store.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "agent not found: %s\n", agentID)
			return 1
		}
		fmt.Fprintf(os.Stderr, "get agent: %v\n", err)
		return 1
	}

	changed, err := store.AssignTask(ctx, taskID, agentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "assign failed: %v\n", err)
		return 1
	}
	if !changed {
		task, err := store.GetTask(ctx, taskID)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "task not found: %s\n", taskID)
				return 1
			}
			fmt.Fprintf(os.Stderr, "get task: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "task %s is %s, want inbox or planning\n", taskID, task.Status)
		return 1
	}

	if jsonOutput {
		report := assignReport{
			Timestamp: time.Now().UTC(),
			TaskID:    taskID,
			AgentID:   agentID,
			Status:    string(persistence.TaskStatusAssigned),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Printf("Assigned %s to %s.\n", taskID, agentID)
	return 0
}
