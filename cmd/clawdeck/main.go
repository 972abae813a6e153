package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/basket/clawdeck/internal/bus"
	"github.com/basket/clawdeck/internal/config"
	"github.com/basket/clawdeck/internal/dispatch"
	"github.com/basket/clawdeck/internal/gateway"
	otelPkg "github.com/basket/clawdeck/internal/otel"
	"github.com/basket/clawdeck/internal/persistence"
	"github.com/basket/clawdeck/internal/reconcile"
	"github.com/basket/clawdeck/internal/sched"
	"github.com/basket/clawdeck/internal/telemetry"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s run                      Connect to the gateway and run the deck daemon

SUBCOMMANDS:
  %s reconcile [-json]        Run one drift-repair pass against the gateway
  %s status [-json]           Show board counts and last known gateway state
  %s sessions [-json]         List live gateway sessions
  %s assign <task> <agent>    Hand an inbox or planning task to an agent
  %s doctor [-json] [-probe]  Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CLAWDECK_HOME               Data directory (default: ~/.clawdeck)
  CLAWDECK_GATEWAY_TOKEN      Gateway auth token (overrides config)
  CLAWDECK_GATEWAY_URL        Gateway websocket URL (overrides config)
  CLAWDECK_LOG_LEVEL          Log level: debug, info, warn, error
  CLAWDECK_DB_PATH            SQLite database path (default: <home>/clawdeck.db)

EXAMPLES:
  Run the daemon:         %s run
  One reconcile pass:     %s reconcile
  Board snapshot:         %s status -json
  Diagnostics:            %s doctor -probe
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	verbose := flag.Bool("verbose", false, "log to stdout even when attached to a terminal")
	flag.Usage = printUsage
	flag.Parse()

	// Quiet stdout logs on a terminal so an interactive `clawdeck run` stays
	// readable; under a service manager the stream still reaches the journal.
	quietLogs := isatty.IsTerminal(os.Stdout.Fd()) && !*verbose

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "run":
		runDaemon(ctx, quietLogs)
	case "reconcile":
		os.Exit(runReconcileCommand(ctx, args[1:]))
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "sessions":
		os.Exit(runSessionsCommand(ctx, args[1:]))
	case "assign":
		os.Exit(runAssignCommand(ctx, args[1:]))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func runDaemon(ctx context.Context, quietLogs bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	wroteDefault := false
	if cfg.NeedsGenesis {
		if err := config.WriteDefault(cfg.HomeDir); err != nil {
			fatalStartup(nil, "E_CONFIG_WRITE", err)
		}
		wroteDefault = true
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(nil, "E_CONFIG_RELOAD", err)
		}
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	if wroteDefault {
		logger.Info("config.yaml written with defaults", "home", cfg.HomeDir)
	}
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	// Create event bus early so it can be passed to the store.
	eventBus := bus.New()

	// Initialize OpenTelemetry (no-op when disabled, zero overhead).
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.EffectiveDBPath(), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.EffectiveDBPath())

	client := gateway.NewClient(gateway.Config{
		URL:           cfg.Gateway.URL,
		Token:         cfg.GatewayToken(),
		ClientID:      cfg.Gateway.ClientID,
		ClientVersion: "clawdeck/" + Version,
	}, eventBus, logger)

	gw := &instrumentedGateway{gatewayAPI: client, tracer: otelProvider.Tracer, metrics: metrics}

	engine := reconcile.New(store, gw, eventBus, logger)
	reconciler := &instrumentedReconciler{engine: engine, tracer: otelProvider.Tracer, metrics: metrics}

	dispatcher := dispatch.New(store, gw, dispatch.Config{
		PollInterval: time.Duration(cfg.Dispatch.PollSeconds) * time.Second,
		Model:        cfg.Dispatch.Model,
	}, eventBus, logger)

	scheduler := sched.NewScheduler(sched.Config{
		Schedules:             cfg.Schedules,
		Store:                 store,
		Reconciler:            reconciler,
		RetentionEventsDays:   cfg.RetentionEventsDays,
		RetentionSessionsDays: cfg.RetentionSessionsDays,
		Logger:                logger,
	})

	// Journal gateway transitions and feed the runtime counters.
	sub := eventBus.Subscribe("")
	consumerDone := make(chan struct{})
	go consumeBusEvents(sub, store, metrics, logger, consumerDone)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for range confWatcher.Events() {
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			// The rotated token is picked up by the next dial. Structural
			// changes (schedules, poll cadence) need a restart.
			client.SetToken(newCfg.GatewayToken())
			logger.Info("config.yaml hot-reloaded", "fingerprint", newCfg.Fingerprint())
		}
	}()

	connectCtx, cancelConnect := context.WithTimeout(ctx, 15*time.Second)
	if err := gw.Connect(connectCtx); err != nil {
		logger.Warn("initial gateway connect failed; dispatch and reconcile passes will retry", "error", err)
	}
	cancelConnect()

	var loops sync.WaitGroup
	loops.Add(1)
	go func() {
		defer loops.Done()
		dispatcher.Run(ctx)
	}()

	scheduler.Start(ctx)
	logger.Info("startup phase", "phase", "scheduler_started")

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Ordered shutdown: stop firing schedules, drain the dispatch loop, drop
	// the gateway, then let the deferred closes flush the store and exporter.
	scheduler.Stop()
	loops.Wait()
	client.Disconnect()
	eventBus.Unsubscribe(sub)
	<-consumerDone
	logger.Info("shutdown complete")
}

// consumeBusEvents journals gateway transitions into the events table and
// counts dispatch and session activity. It exits when the subscription closes.
func consumeBusEvents(sub *bus.Subscription, store *persistence.Store, metrics *otelPkg.Metrics, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	ctx := context.Background()
	connectedBefore := false
	for ev := range sub.Ch() {
		switch ev.Topic {
		case bus.TopicGatewayConnected:
			if connectedBefore {
				metrics.GatewayReconnects.Add(ctx, 1)
			}
			connectedBefore = true
			state, _ := ev.Payload.(bus.GatewayStateEvent)
			if err := store.AppendEvent(ctx, "gateway", "primary", "connected", state.URL); err != nil {
				logger.Debug("journal gateway event", "error", err)
			}
		case bus.TopicGatewayDisconnected:
			state, _ := ev.Payload.(bus.GatewayStateEvent)
			if err := store.AppendEvent(ctx, "gateway", "primary", "disconnected", state.Reason); err != nil {
				logger.Debug("journal gateway event", "error", err)
			}
		case bus.TopicTaskDispatched:
			metrics.TasksDispatched.Add(ctx, 1)
		case bus.TopicTaskUpdated:
			if update, ok := ev.Payload.(bus.TaskUpdatedEvent); ok && update.Reason == "dispatch_error" {
				metrics.DispatchRejects.Add(ctx, 1)
			}
		case bus.TopicSessionStarted:
			metrics.ActiveSessions.Add(ctx, 1)
		case bus.TopicSessionEnded:
			metrics.ActiveSessions.Add(ctx, -1)
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"clawdeck","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
