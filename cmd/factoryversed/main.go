// Command factoryversed is the agent action runtime daemon (spec.md §1):
// it drives the tick loop, exposes the admin/RPC surface and /metrics, and
// persists queue/job/craft state across restarts.
//
// The host simulation engine itself is an external collaborator spec.md §1
// places out of this module's build scope — this binary wires a bundled
// world.Fake in its place so the rest of the stack (queue, job engines,
// snapshot export, signals, completion, admin) runs end to end against a
// realistic stand-in. A production deployment swaps world.Fake for an
// adapter over the real host.
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
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/antigravity-dev/factoryverse/internal/actions"
	"github.com/antigravity-dev/factoryverse/internal/admin"
	"github.com/antigravity-dev/factoryverse/internal/completion"
	"github.com/antigravity-dev/factoryverse/internal/config"
	"github.com/antigravity-dev/factoryverse/internal/health"
	"github.com/antigravity-dev/factoryverse/internal/metrics"
	"github.com/antigravity-dev/factoryverse/internal/orchestrator"
	"github.com/antigravity-dev/factoryverse/internal/store"
	"github.com/antigravity-dev/factoryverse/internal/world"
)

// tickMetricsRetentionTicks bounds how much tick_metrics history the
// housekeeping job keeps on each sweep.
const tickMetricsRetentionTicks = 200_000

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "factoryverse.toml", "path to config file")
	once := flag.Bool("once", false, "run a single tick then exit")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(bootLogger)
	bootLogger.Info("factoryversed starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	lockFile, err := health.AcquireFlock("/tmp/factoryversed.lock")
	if err != nil {
		logger.Error("failed to acquire single-instance lock", "error", err)
		os.Exit(1)
	}
	defer health.ReleaseFlock(lockFile)

	st, err := store.Open(cfg.General.StateDBPath)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.General.StateDBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	notifier, err := completion.Dial(cfg.Completion.UDPHost, cfg.Completion.UDPPort, logger.With("component", "completion"))
	if err != nil {
		logger.Warn("completion sender dial failed, using no-op sender", "error", err)
		notifier = nil
	}
	var completionNotifier completion.Notifier = completion.NoopSender{}
	if notifier != nil {
		completionNotifier = notifier
		defer notifier.Close()
	}

	// world.Fake stands in for the host simulation engine (spec.md §1's
	// external-collaborator scope boundary) — seeded with nothing here;
	// a real deployment supplies its own world.Engine implementation.
	engine := world.NewFake()

	orch, err := orchestrator.New(cfgManager, st, engine, completionNotifier, logger.With("component", "orchestrator"))
	if err != nil {
		logger.Error("failed to construct orchestrator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Init(ctx); err != nil {
		logger.Error("orchestrator init failed", "error", err)
		os.Exit(1)
	}

	if *once {
		logger.Info("running single tick (--once mode)")
		if err := orch.Tick(ctx); err != nil {
			logger.Error("tick failed", "error", err)
			os.Exit(1)
		}
		logger.Info("single tick complete, exiting")
		return
	}

	adminSrv := admin.NewServer(admin.Config{
		Registry: orch.Registry(),
		Catalog:  orch.Catalog(),
		Tick:     orch.CurrentTick,
		Force:    orch.DefaultForce(),
		Auth:     admin.NewAuthMiddleware(cfg.Admin.Enabled, cfg.Admin.AuthToken, logger.With("component", "admin")),
		Logger:   logger.With("component", "admin"),
		Schemas:  actions.Schemas(),
	})

	mux := http.NewServeMux()
	mux.Handle("/", adminSrv.Handler())
	mux.Handle("/metrics", metrics.Handler())

	httpSrv := &http.Server{Addr: cfg.Admin.BindAddress, Handler: mux}
	go func() {
		logger.Info("admin/metrics server listening", "bind", cfg.Admin.BindAddress)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server error", "error", err)
		}
	}()

	var cfgMu sync.RWMutex
	applyReload := func() error {
		cfgMu.Lock()
		defer cfgMu.Unlock()

		before := cfgManager.Get()
		if err := cfgManager.Reload(*configPath); err != nil {
			return err
		}
		if config.RestartRequired(before, cfgManager.Get()) {
			return fmt.Errorf("config change requires a restart (state db path, completion transport, or admin bind address changed)")
		}
		cfg = cfgManager.Get()
		logger = configureLogger(cfg.General.LogLevel, *dev)
		slog.SetDefault(logger)
		return nil
	}

	go runTickLoop(ctx, orch, cfg.General.TickInterval.Duration, logger)

	housekeeping := cron.New()
	housekeepingLogger := logger.With("component", "housekeeping")
	if _, err := housekeeping.AddFunc("@hourly", func() {
		currentTick := orch.CurrentTick()
		cutoff := currentTick - tickMetricsRetentionTicks
		if cutoff <= 0 {
			return
		}
		if err := st.PruneTickMetrics(cutoff); err != nil {
			housekeepingLogger.Warn("prune tick metrics failed", "error", err)
			return
		}
		if err := st.Vacuum(); err != nil {
			housekeepingLogger.Warn("vacuum failed", "error", err)
		}
	}); err != nil {
		logger.Error("failed to schedule housekeeping job", "error", err)
		os.Exit(1)
	}
	housekeeping.Start()
	defer housekeeping.Stop()

	logger.Info("factoryversed running",
		"bind", cfg.Admin.BindAddress,
		"tick_interval", cfg.General.TickInterval.Duration.String(),
		"max_per_tick", cfg.General.MaxPerTick,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := applyReload(); err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			logger.Info("config reloaded")
		case syscall.SIGINT, syscall.SIGTERM:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = httpSrv.Shutdown(shutdownCtx)
			shutdownCancel()
			logger.Info("factoryversed stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		default:
			logger.Info("received unexpected signal, shutting down", "signal", sig)
			cancel()
			return
		}
	}
}

// runTickLoop drives Tick on the simulation's tick cadence until ctx is
// cancelled. The host engine normally drives ticks directly (spec.md §1);
// this wall-clock ticker exists so the bundled world.Fake demo host has
// something to advance it.
func runTickLoop(ctx context.Context, orch *orchestrator.Orchestrator, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := orch.Tick(ctx); err != nil {
				logger.Error("tick failed", "error", err)
			}
		}
	}
}
