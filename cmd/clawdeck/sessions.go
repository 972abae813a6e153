package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/basket/clawdeck/internal/config"
	"github.com/basket/clawdeck/internal/gateway"
)

func runSessionsCommand(ctx context.Context, args []string) int {
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

	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client := gateway.NewClient(gateway.Config{
		URL:           cfg.Gateway.URL,
		Token:         cfg.GatewayToken(),
		ClientID:      cfg.Gateway.ClientID,
		ClientVersion: "clawdeck/" + Version,
	}, nil, quiet)
	defer client.Disconnect()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		fmt.Fprintf(os.Stderr, "gateway connect: %v\n", err)
		return 1
	}

	listCtx, cancelList := context.WithTimeout(ctx, 10*time.Second)
	defer cancelList()
	sessions, err := client.SessionsList(listCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sessions.list: %v\n", err)
		return 1
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sessions); err != nil {
			fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
			return 1
		}
		return 0
	}

	if len(sessions) == 0 {
		fmt.Println("No live gateway sessions.")
		return 0
	}
	fmt.Printf("%-28s %-10s %-24s %s\n", "KEY", "STATUS", "MODEL", "TOKENS")
	for _, s := range sessions {
		key := s.Key
		if key == "" {
			key = s.ID
		}
		fmt.Printf("%-28s %-10s %-24s %d\n", key, s.Status, s.Model, s.TokensUsed)
	}
	return 0
}
