package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/valor-bot/valor/pkg/valor/bridge"
	"github.com/valor-bot/valor/pkg/valor/channels"
	"github.com/valor-bot/valor/pkg/valor/channels/console"
	"github.com/valor-bot/valor/pkg/valor/channels/discord"
	"github.com/valor-bot/valor/pkg/valor/channels/whatsapp"
	"github.com/valor-bot/valor/pkg/valor/classify"
	"github.com/valor-bot/valor/pkg/valor/dispatch"
	"github.com/valor-bot/valor/pkg/valor/queue"
	"github.com/valor-bot/valor/pkg/valor/session"
	"github.com/valor-bot/valor/pkg/valor/watchdog"
	"github.com/valor-bot/valor/pkg/valor/workspace"
)

// newServeCmd creates the `valor serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon with messaging channels",
		Long: `Start Valor as a daemon: recover interrupted jobs, connect the
enabled channels and process queued messages through the coding agent.

Examples:
  valor serve
  valor serve --config ./valor.yaml`,
		RunE: runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)

	store, err := queue.OpenSQLite(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Crash recovery before anything can enqueue or pop.
	report, err := queue.RecoverStale(ctx, store, logger)
	if err != nil {
		return err
	}
	if len(report.Failed) > 0 || len(report.Revived) > 0 {
		logger.Info("startup recovery finished",
			"failed", len(report.Failed), "revived", len(report.Revived))
	}

	// Channels.
	manager := channels.NewManager(logger)
	if cfg.Channels.WhatsApp.Enabled {
		if err := manager.Register(whatsapp.New(cfg.Channels.WhatsApp.Config, logger)); err != nil {
			logger.Error("failed to register WhatsApp", "err", err)
		}
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		if err := manager.Register(discord.New(cfg.Channels.Discord.Config, logger)); err != nil {
			logger.Error("failed to register Discord", "err", err)
		}
	}
	if cfg.Channels.Console {
		if err := manager.Register(console.New(logger)); err != nil {
			logger.Error("failed to register console", "err", err)
		}
	}

	// Execution pipeline.
	activity := session.NewActivityLog()
	engine := session.NewClaudeEngine(cfg.Engine, activity, logger)
	classifier := classify.NewFallback(
		classify.NewLLM(cfg.Classifier, logger),
		classify.NewHeuristic(),
		logger,
	)
	tracker := dispatch.NewTracker(store, manager, logger)
	controller := dispatch.NewController(store, tracker, logger)

	var arena dispatch.WorkspaceArena
	if cfg.Workspaces.Isolate {
		arena = workspace.NewArena(cfg.Workspaces, logger)
	}

	dispatcher := dispatch.NewDispatcher(store, engine, classifier, controller, tracker, arena, logger)

	// Cooperative restart: the signal fires only between jobs, and firing
	// simply stops the daemon so the supervisor brings up the new build.
	restart := queue.NewRestartSignal(func() {
		logger.Info("restart point reached, shutting down")
		cancel()
	})

	pool := queue.NewPool(queue.PoolConfig{
		Projects:     cfg.ProjectKeys(),
		PollInterval: time.Duration(cfg.Queue.PollMillis) * time.Millisecond,
		StoreBackoff: time.Duration(cfg.Queue.BackoffMillis) * time.Millisecond,
	}, store, dispatcher, restart, logger)

	wd := watchdog.New(cfg.Watchdog, store, activity, manager, logger)
	if err := wd.Start(ctx); err != nil {
		return err
	}

	if err := manager.Start(ctx); err != nil {
		logger.Warn("started without connected channels", "err", err)
	} else {
		// Recovery ran before any transport existed; jobs it failed
		// permanently get their user-facing notice now.
		notifyRecoveryFailures(ctx, manager, report.Failed, logger)
	}

	intake := bridge.New(cfg.Bridge, store, manager, logger)
	go intake.Run(ctx, manager.Messages())

	pool.Start(ctx)

	// Daily prune of old terminal jobs.
	if cfg.Database.PruneAfterDays > 0 {
		go pruneLoop(ctx, store, cfg.Database.PruneAfterDays, logger)
	}

	logger.Info("valor running, press Ctrl+C to stop",
		"name", cfg.Name,
		"projects", len(cfg.Bridge.Projects),
		"trigger", cfg.Bridge.Trigger,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				// Deferred restart: finish in-flight jobs first.
				logger.Info("restart requested, waiting for active jobs to finish")
				restart.Request()
				continue
			}
			logger.Info("shutdown signal received, stopping")
			cancel()
		case <-ctx.Done():
		}
		break
	}

	manager.Stop()
	pool.Wait()
	logger.Info("valor stopped")
	return nil
}

// notifyRecoveryFailures tells each affected chat about jobs that crash
// recovery retired for good. Best effort; a chat that is gone just logs.
func notifyRecoveryFailures(ctx context.Context, manager *channels.Manager, failed []*queue.Job, logger *slog.Logger) {
	for _, job := range failed {
		if job.Channel == "" || job.ChatID == "" {
			continue
		}
		if job.MessageID != "" {
			if err := manager.SendReaction(ctx, job.Channel, job.ChatID, job.MessageID, dispatch.ReactionError); err != nil {
				logger.Warn("failed to react on recovered job", "job_id", job.ID, "err", err)
			}
		}
		msg := "I was restarted twice while working on this and gave up. Please re-send the request if you want me to try again."
		if err := manager.SendText(ctx, job.Channel, job.ChatID, msg, job.MessageID); err != nil {
			logger.Warn("failed to notify chat about retired job", "job_id", job.ID, "err", err)
		}
	}
}

// pruneLoop deletes terminal jobs past the retention window once a day.
func pruneLoop(ctx context.Context, store queue.Store, days int, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	retention := time.Duration(days) * 24 * time.Hour
	for {
		select {
		case <-ticker.C:
			n, err := store.PruneStale(ctx, retention)
			if err != nil {
				logger.Warn("prune failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Info("pruned old jobs", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
