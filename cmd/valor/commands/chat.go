package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/valor-bot/valor/pkg/valor/bridge"
	"github.com/valor-bot/valor/pkg/valor/channels"
	"github.com/valor-bot/valor/pkg/valor/channels/console"
	"github.com/valor-bot/valor/pkg/valor/classify"
	"github.com/valor-bot/valor/pkg/valor/dispatch"
	"github.com/valor-bot/valor/pkg/valor/queue"
	"github.com/valor-bot/valor/pkg/valor/session"
)

// newChatCmd creates the `valor chat` command: a local console session that
// runs messages through the same queue and engine as the daemon.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Local console chat through the job queue",
		Long: `Open a readline prompt wired to the full pipeline: each line is
queued as a job for the current directory's project and the agent's answer
comes back inline. Useful for trying Valor without any messaging channel.

Examples:
  valor chat
  valor chat --dir ~/code/backend`,
		RunE: runChat,
	}
	cmd.Flags().String("dir", "", "project directory (default: current directory)")
	return cmd
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)

	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return err
		}
	}

	store, err := queue.OpenSQLite(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := queue.RecoverStale(ctx, store, logger); err != nil {
		return err
	}

	manager := channels.NewManager(logger)
	if err := manager.Register(console.New(logger)); err != nil {
		return err
	}

	activity := session.NewActivityLog()
	engine := session.NewClaudeEngine(cfg.Engine, activity, logger)
	classifier := classify.NewFallback(
		classify.NewLLM(cfg.Classifier, logger),
		classify.NewHeuristic(),
		logger,
	)
	tracker := dispatch.NewTracker(store, manager, logger)
	controller := dispatch.NewController(store, tracker, logger)
	dispatcher := dispatch.NewDispatcher(store, engine, classifier, controller, tracker, nil, logger)

	const projectKey = "local"
	pool := queue.NewPool(queue.PoolConfig{
		Projects: []string{projectKey},
	}, store, dispatcher, queue.NewRestartSignal(nil), logger)

	if err := manager.Start(ctx); err != nil {
		return err
	}

	intake := bridge.New(bridge.Config{
		Projects: []bridge.Project{{Key: projectKey, Dir: dir, Default: true}},
	}, store, manager, logger)
	go intake.Run(ctx, manager.Messages())

	pool.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	cancel()
	manager.Stop()

	// The prompt may be blocked on readline; don't hang shutdown forever.
	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return nil
}
