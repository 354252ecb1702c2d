// Command strand serves the workflow engine over MCP stdio.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/strandworks/strand/internal/budget"
	"github.com/strandworks/strand/internal/capability"
	"github.com/strandworks/strand/internal/engine"
	"github.com/strandworks/strand/internal/logging"
	"github.com/strandworks/strand/internal/scheduler"
	"github.com/strandworks/strand/internal/store"
	"github.com/strandworks/strand/internal/streaming"
	"github.com/strandworks/strand/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "strand:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	// stdout is the MCP transport, so everything else goes to stderr.
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)})))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	registry := capability.NewRegistry(capability.DefaultBreakerConfig())
	if err := registerBuiltins(registry, cfg); err != nil {
		return err
	}

	var window *budget.Window
	if cfg.WindowLimit > 0 {
		window = budget.NewWindow(cfg.WindowLimit, duration(cfg.WindowSpan, time.Hour))
	}

	hub := streaming.NewMemoryHub()
	tailEvents(ctx, hub, logger)

	eng, err := engine.New(registry, engine.Options{
		Logger:         logger,
		Store:          st,
		Hub:            hub,
		Concurrency:    cfg.PoolSize,
		RunBudgetLimit: cfg.RunBudgetLimit,
		Window:         window,
	})
	if err != nil {
		return err
	}
	defer eng.Shutdown()

	deps := mcp.StrandServerDeps{
		Engine:    eng,
		Validator: eng.Validator(),
		Health:    registry,
		Store:     st,
		Logger:    logger,
	}

	if cfg.Scheduler {
		sched := scheduler.NewScheduler(st, eng, logger)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
		deps.Cron = sched
	}

	logger.Info("strand ready",
		slog.String("db", cfg.DBPath),
		slog.Int("pool_size", cfg.PoolSize),
		slog.Bool("scheduler", cfg.Scheduler))

	srv := mcp.NewStrandServer(deps)
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("strand shutting down")
	return nil
}

// registerBuiltins wires the core providers every deployment gets.
// Domain providers (task-management, communication, ai-generation) are
// registered by embedders with real collaborator credentials.
func registerBuiltins(registry *capability.Registry, cfg Config) error {
	if err := registry.Register("core", "transform", capability.NewTransform()); err != nil {
		return err
	}
	client := &http.Client{Timeout: duration(cfg.HTTPTimeout, 30*time.Second)}
	return registry.Register("core", "http", capability.NewHTTP(client))
}

// tailEvents mirrors the live event feed into the debug log until ctx
// is cancelled.
func tailEvents(ctx context.Context, hub *streaming.MemoryHub, logger *slog.Logger) {
	events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return
	}
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				logger.Debug("run event",
					slog.String("run_id", ev.RunID),
					slog.String("step_id", ev.StepID),
					slog.String("event_type", ev.EventType))
			}
		}
	}()
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
