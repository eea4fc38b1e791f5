// Command clawd runs the conversational task daemon: the HTTP front door,
// the task worker, the schedule dispatcher and the maintenance pruner, all
// over one SQLite store.
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
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/clawd/internal/audit"
	"github.com/basket/clawd/internal/channels"
	"github.com/basket/clawd/internal/config"
	"github.com/basket/clawd/internal/engine"
	"github.com/basket/clawd/internal/gateway"
	"github.com/basket/clawd/internal/llm"
	"github.com/basket/clawd/internal/memory"
	otelPkg "github.com/basket/clawd/internal/otel"
	"github.com/basket/clawd/internal/persistence"
	"github.com/basket/clawd/internal/policy"
	"github.com/basket/clawd/internal/router"
	"github.com/basket/clawd/internal/schedule"
	"github.com/basket/clawd/internal/skills"
	"github.com/basket/clawd/internal/telemetry"
	"github.com/basket/clawd/internal/tools"
	"github.com/basket/clawd/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	loadDotEnv(".env")

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println("clawd", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "config_load", err)
	}

	// Audit before the logger so logger failures are still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "audit_init", err)
	}
	defer func() { _ = audit.Close() }()

	forceJSON := cfg.LogJSON || !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet, forceJSON)
	if err != nil {
		fatalStartup(nil, "logger_init", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, cfg.Metrics, Version)
	if err != nil {
		fatalStartup(logger, "otel_init", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	store, err := persistence.Open(cfg.Database.SQLitePath, cfg.Database.BusyTimeoutMS)
	if err != nil {
		fatalStartup(logger, "store_open", err)
	}
	defer store.Close()
	audit.SetStore(store)
	logger.Info("startup phase", "phase", "schema_ready", "path", cfg.Database.SQLitePath)

	seedAllowlist(ctx, logger, store, cfg.Telegram)

	pol, err := policy.FromConfig(cfg.Tools)
	if err != nil {
		fatalStartup(logger, "policy_load", err)
	}
	live := policy.NewLivePolicy(pol)
	logger.Info("startup phase", "phase", "policy_loaded", "version", live.PolicyVersion())

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, tools policy is static", "err", err)
	} else {
		go reloadPolicyOnChange(ctx, logger, watcher, live)
	}

	gw, err := llm.New(logger, cfg.LLM)
	if err != nil {
		fatalStartup(logger, "llm_init", err)
	}
	gw.SetMetrics(otelProvider.Metrics)
	providerType := llm.TypeOpenAICompat
	if providers := gw.Providers(); len(providers) > 0 {
		providerType = providers[0].Type
	}

	mem := memory.NewService(logger, store, cfg.Memory, gw)

	runner := tools.NewRunner(logger, &cfg, live)
	runner.SetMetrics(otelProvider.Metrics)

	bridge, err := skills.NewBridge(logger, &cfg, live, gw, gw, mem)
	if err != nil {
		fatalStartup(logger, "skills_init", err)
	}

	rt := router.New(logger, gw, store, mem, cfg.Memory, cfg.Persona.Prompt)
	eng := engine.New(logger, gw, runner, bridge, cfg.Persona.Prompt, providerType)
	eng.SetImageGoalFunc(rt.ImageGoal)

	sched := schedule.NewService(logger, store, gw, mem, cfg.Memory, cfg.Schedule, cfg.WorkspaceRoot)
	dispatcher := schedule.NewDispatcher(logger, store)
	go dispatcher.Run(ctx)

	var notifier channels.Notifier
	if cfg.Telegram.BotToken != "" {
		tg, err := channels.NewTelegramNotifier(logger, cfg.Telegram.BotToken)
		if err != nil {
			logger.Warn("telegram notifier unavailable, schedule results stay in the task row", "err", err)
		} else {
			notifier = tg
		}
	}

	deps := worker.Deps{
		Store:         store,
		LLM:           gw,
		Router:        rt,
		Agent:         eng,
		Schedule:      sched,
		Skills:        bridge,
		Memory:        mem,
		Notifier:      notifier,
		Metrics:       otelProvider.Metrics,
		PersonaPrompt: cfg.Persona.Prompt,
		ProviderType:  providerType,
	}
	concurrency := cfg.Worker.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		go worker.New(logger, cfg.Worker, cfg.Memory, deps).Run(ctx)
	}
	logger.Info("startup phase", "phase", "workers_started", "concurrency", concurrency)

	maint := worker.NewMaintenance(logger, store, cfg.Maintenance, cfg.Memory)
	if err := maint.Start(); err != nil {
		fatalStartup(logger, "maintenance_init", err)
	}
	defer maint.Stop()

	srv := gateway.NewServer(logger, gateway.Config{
		Store:   store,
		Server:  cfg.Server,
		Worker:  cfg.Worker,
		Limits:  cfg.Limits,
		Metrics: otelProvider.Metrics,
		Version: Version,
	})
	srv.StartEviction(ctx, 5*time.Minute)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serveErr:
		if err != nil {
			fatalStartup(logger, "http_serve", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "err", err)
	}
	logger.Info("shutdown complete")
}

// seedAllowlist mirrors the configured admin and allowlist ids into the
// users table the admission check reads.
func seedAllowlist(ctx context.Context, logger *slog.Logger, store *persistence.Store, cfg config.TelegramConfig) {
	for _, id := range cfg.Allowlist {
		if err := store.UpsertUser(ctx, id, true, false); err != nil {
			logger.Warn("allowlist seed failed", "user_id", id, "err", err)
		}
	}
	for _, id := range cfg.Admins {
		if err := store.UpsertUser(ctx, id, true, true); err != nil {
			logger.Warn("admin seed failed", "user_id", id, "err", err)
		}
	}
}

// reloadPolicyOnChange rebuilds the tools policy whenever the config file
// changes. Other config sections stay fixed until restart.
func reloadPolicyOnChange(ctx context.Context, logger *slog.Logger, watcher *config.Watcher, live *policy.LivePolicy) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			cfg, err := config.Load()
			if err != nil {
				logger.Warn("config reload failed, keeping active policy", "path", ev.Path, "err", err)
				continue
			}
			next, err := policy.FromConfig(cfg.Tools)
			if err != nil {
				logger.Warn("tools policy rebuild failed, keeping active policy", "err", err)
				continue
			}
			live.Replace(next)
			logger.Info("tools policy reloaded",
				"version", live.PolicyVersion(), "path", ev.Path, "fingerprint", cfg.Fingerprint())
		}
	}
}

func fatalStartup(logger *slog.Logger, phase string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(nil, "startup_fail", fmt.Sprintf(`{"phase":%q}`, phase), message)

	if logger != nil {
		logger.Error("startup failure", "phase", phase, "err", message)
	} else {
		fmt.Fprintf(os.Stderr, "clawd: startup failure at %s: %s\n", phase, message)
	}
	os.Exit(1)
}

// loadDotEnv applies KEY=VALUE lines from path without overriding variables
// already set in the environment.
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
		val = strings.Trim(val, `"'`)
		_ = os.Setenv(key, val)
	}
}
