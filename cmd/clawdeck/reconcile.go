package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/basket/clawdeck/internal/bus"
	"github.com/basket/clawdeck/internal/config"
	"github.com/basket/clawdeck/internal/gateway"
	"github.com/basket/clawdeck/internal/persistence"
	"github.com/basket/clawdeck/internal/reconcile"
)

// reconcileReport is the machine-readable shape behind `clawdeck reconcile -json`.
type reconcileReport struct {
	Timestamp          time.Time `json:"timestamp"`
	SessionsEnded      int       `json:"sessions_ended"`
	TasksErrored       int       `json:"tasks_errored"`
	AgentsReset        int       `json:"agents_reset"`
	SessionsBackfilled int       `json:"sessions_backfilled"`
	Clean              bool      `json:"clean"`
}

func runReconcileCommand(ctx context.Context, args []string) int {
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

	eventBus := bus.New()
	store, err := persistence.Open(cfg.EffectiveDBPath(), eventBus)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client := gateway.NewClient(gateway.Config{
		URL:           cfg.Gateway.URL,
		Token:         cfg.GatewayToken(),
		ClientID:      cfg.Gateway.ClientID,
		ClientVersion: "clawdeck/" + Version,
	}, eventBus, quiet)
	defer client.Disconnect()

	engine := reconcile.New(store, client, eventBus, quiet)

	passCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	result, err := engine.Reconcile(passCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
		return 1
	}

	if jsonOutput {
		report := reconcileReport{
			Timestamp:          time.Now().UTC(),
			SessionsEnded:      result.SessionsEnded,
			TasksErrored:       result.TasksErrored,
			AgentsReset:        result.AgentsReset,
			SessionsBackfilled: result.SessionsBackfilled,
			Clean:              result.Clean(),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
			return 1
		}
		return 0
	}

	if result.Clean() {
		fmt.Println("Reconcile complete: no drift found.")
		return 0
	}
	fmt.Printf("Reconcile complete: ended %d session(s), errored %d task(s), reset %d agent(s), backfilled %d session(s).\n",
		result.SessionsEnded, result.TasksErrored, result.AgentsReset, result.SessionsBackfilled)
	return 0
}
