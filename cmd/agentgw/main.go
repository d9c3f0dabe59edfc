// Command agentgw is the agent execution gateway: it accepts task requests,
// runs them against a local model CLI, streams progress to egress
// channels, and executes cron-style recurring jobs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentexec/gateway/internal/audit"
	"github.com/agentexec/gateway/internal/bus"
	"github.com/agentexec/gateway/internal/config"
	"github.com/agentexec/gateway/internal/controlplane"
	"github.com/agentexec/gateway/internal/dashboard"
	"github.com/agentexec/gateway/internal/egress"
	"github.com/agentexec/gateway/internal/runner"
	"github.com/agentexec/gateway/internal/scheduler"
	"github.com/agentexec/gateway/internal/supervisor"
	"github.com/agentexec/gateway/internal/taskstore"
	"github.com/agentexec/gateway/internal/telemetry"
	"github.com/agentexec/gateway/internal/tracker"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the gateway (control plane + scheduler)
  %s -daemon                  Same, explicit flag

SUBCOMMANDS:
  %s status                   Probe the control plane's /api/stats endpoint
  %s doctor [-json]           Run startup diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENTGW_HOME                 Data directory (default: ~/.agentgw)
  AGENTGW_CLI_BIN              Model CLI binary (default: claude)
  AGENTGW_BIND_ADDR            Control plane listen address (default: :8080)
  AGENTGW_LOG_LEVEL            debug|info|warn|error
  AGENTGW_MAX_CONCURRENT       Max simultaneous scheduled jobs
  AGENTGW_TELEGRAM_BOT_TOKEN   Enables the Telegram egress adapter
  AGENTGW_STRIP_VSCODE_ENV     1/true to also strip VSCODE_* env vars

EXAMPLES:
  Start the daemon:      %s
  Check health:          %s status
  Run diagnostics:       %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	homeFlag := flag.String("home", "", "override AGENTGW_HOME")
	daemonFlag := flag.Bool("daemon", false, "run the gateway daemon (default behavior)")
	flag.Usage = printUsage
	flag.Parse()
	_ = daemonFlag // daemon is the only long-running mode; flag kept for explicitness/back-compat with goclaw's "-daemon"

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, *homeFlag))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, *homeFlag, args[1:]))
		}
	}

	runDaemon(ctx, *homeFlag)
}

func runDaemon(ctx context.Context, homeOverride string) {
	cfg, err := config.Load(homeOverride)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	quietLogs := !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)
	if cfg.NeedsGenesis {
		logger.Warn("no config.yaml found, running on defaults", "home", cfg.HomeDir)
	}

	eventBus := bus.NewWithLogger(logger)

	store, err := taskstore.New(cfg.TaskStorePath(),
		taskstore.WithBus(eventBus),
		taskstore.WithLogger(logger),
		taskstore.WithMaxHistorySize(cfg.MaxHistorySize),
	)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	logger.Info("startup phase", "phase", "task_store_loaded", "jobs", len(store.GetAll()))

	var sender egress.Sender = egress.Dashboard()
	if cfg.TelegramBotToken != "" {
		tg, err := egress.NewTelegram(cfg.TelegramBotToken)
		if err != nil {
			logger.Warn("telegram egress init failed, falling back to dashboard-only", "error", err)
		} else {
			sender = tg
			logger.Info("telegram egress enabled")
		}
	}

	taskRunner := runner.New(runner.Config{
		CLIBin:            cfg.CLIBin,
		MaxResultFileSize: cfg.MaxResultFileSize,
		StripVSCodeEnv:    cfg.StripVSCodeEnv,
		Logger:            logger,
	})

	sched := scheduler.New(scheduler.Config{
		Store:             store,
		Runner:            taskRunner,
		Egress:            sender,
		Bus:               eventBus,
		Logger:            logger,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		MaxConcurrent:     cfg.MaxConcurrent,
	})
	if err := sched.Start(ctx); err != nil {
		fatalStartup(logger, "E_SCHEDULER_START", err)
	}
	logger.Info("startup phase", "phase", "scheduler_started")

	dash := dashboard.New(cfg.DashboardStatePath(), dashboard.WithLogger(logger))
	go dash.RunSnapshotLoop(ctx, cfg.SnapshotInterval())

	sup := supervisor.New(supervisor.Config{
		CLIBin:         cfg.CLIBin,
		StripVSCodeEnv: cfg.StripVSCodeEnv,
		Logger:         logger,
	})

	trk := tracker.New(tracker.Config{
		Bus:                  eventBus,
		Logger:               logger,
		SmartTriggerInterval: time.Duration(cfg.SmartTriggerIntervalMs) * time.Millisecond,
		HeartbeatSuppression: time.Duration(cfg.HeartbeatSuppressionWindowMs) * time.Millisecond,
	})

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				logger.Info("config.yaml changed on disk; restart to apply", "path", ev.Path)
			}
		}()
	}

	go runZombieReaper(ctx, dash, trk, cfg.HeartbeatInterval())

	server := controlplane.New(controlplane.Config{
		Dashboard:  dash,
		Scheduler:  sched,
		Store:      store,
		Bus:        eventBus,
		Supervisor: sup,
		Tracker:    trk,
		AppConfig:  cfg,
		StaticRoot: cfg.HomeDir + "/static",
		ConfigPath: cfg.HomeDir + "/config.json",
		Logger:     logger,
		Version:    Version,
	})

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: server.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("control plane listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("control plane server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	sched.Stop()
	if err := dash.Save(); err != nil {
		logger.Error("final dashboard snapshot failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// runZombieReaper periodically marks Dashboard tasks whose Tracker
// heartbeat has gone silent as errored, per spec.md §4.F's orphan rule.
func runZombieReaper(ctx context.Context, dash *dashboard.Dashboard, trk *tracker.Tracker, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			dash.CleanupZombieTasks(trk)
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "")
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
