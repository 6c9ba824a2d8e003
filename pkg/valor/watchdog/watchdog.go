// Package watchdog runs an out-of-band sweep over the job store and session
// activity log, detecting stuck, looping, or erroring sessions that the
// worker loop cannot see from the inside. It is read-only against running
// state except for the one bounded revival it is allowed per original
// message; beyond that it surfaces the problem to a human and stands down.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/valor-bot/valor/pkg/valor/queue"
	"github.com/valor-bot/valor/pkg/valor/session"
)

// Config holds the sweep thresholds. They are deliberately configuration,
// not constants: sensible values depend on the deployment's typical task
// length.
type Config struct {
	// Schedule is the cron spec for sweeps (default "@every 2m").
	Schedule string `yaml:"schedule"`

	// SilenceSeconds is the max gap between liveness signals before a
	// running session counts as stuck (default 300).
	SilenceSeconds int `yaml:"silence_seconds"`

	// RunawaySeconds is the max total session duration before a session
	// counts as runaway (default 3600).
	RunawaySeconds int `yaml:"runaway_seconds"`

	// ErrorCascade is how many consecutive session errors trip the sweep
	// (default 5).
	ErrorCascade int `yaml:"error_cascade"`
}

// Notifier lets the watchdog tell a human about a session it gave up on.
type Notifier interface {
	SendText(ctx context.Context, channel, chatID, text, replyTo string) error
}

// Watchdog is the periodic monitor.
type Watchdog struct {
	cfg      Config
	store    queue.Store
	activity *session.ActivityLog
	notifier Notifier
	cron     *cron.Cron
	logger   *slog.Logger
}

// New creates a watchdog. notifier may be nil; detection still logs.
func New(cfg Config, store queue.Store, activity *session.ActivityLog, notifier Notifier, logger *slog.Logger) *Watchdog {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 2m"
	}
	if cfg.SilenceSeconds <= 0 {
		cfg.SilenceSeconds = 300
	}
	if cfg.RunawaySeconds <= 0 {
		cfg.RunawaySeconds = 3600
	}
	if cfg.ErrorCascade <= 0 {
		cfg.ErrorCascade = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		cfg:      cfg,
		store:    store,
		activity: activity,
		notifier: notifier,
		logger:   logger.With("component", "watchdog"),
	}
}

// Start schedules periodic sweeps until ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) error {
	w.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := w.cron.AddFunc(w.cfg.Schedule, func() {
		if err := w.Sweep(ctx); err != nil {
			w.logger.Error("sweep failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid watchdog schedule %q: %w", w.cfg.Schedule, err)
	}
	w.cron.Start()
	w.logger.Info("watchdog started", "schedule", w.cfg.Schedule)

	go func() {
		<-ctx.Done()
		w.cron.Stop()
	}()
	return nil
}

// Sweep inspects every running job once. Exported so tests and the CLI can
// trigger it directly.
func (w *Watchdog) Sweep(ctx context.Context) error {
	running, err := w.store.Query(ctx, "", queue.StatusRunning)
	if err != nil {
		return fmt.Errorf("query running jobs: %w", err)
	}

	now := time.Now()
	for _, job := range running {
		verdict := w.inspect(job, now)
		if verdict == "" {
			continue
		}

		w.logger.Warn("unhealthy session detected",
			"job", job.ID,
			"session", job.SessionID,
			"project", job.ProjectKey,
			"verdict", verdict,
		)

		if err := w.reviveOrEscalate(ctx, job, verdict); err != nil {
			w.logger.Error("intervention failed", "job", job.ID, "err", err)
		}
	}
	return nil
}

// inspect applies the three heuristics to one running job. Returns an empty
// string when the session looks healthy.
func (w *Watchdog) inspect(job *queue.Job, now time.Time) string {
	if w.activity == nil {
		return ""
	}

	if streak := w.activity.ErrorStreak(job.SessionID); streak >= w.cfg.ErrorCascade {
		return fmt.Sprintf("error cascade (%d consecutive errors)", streak)
	}

	if started, ok := w.activity.StartedAt(job.SessionID); ok {
		if age := now.Sub(started); age > time.Duration(w.cfg.RunawaySeconds)*time.Second {
			return fmt.Sprintf("runaway duration (%s active)", age.Round(time.Second))
		}
	}

	lastSeen, ok := w.activity.LastSeen(job.SessionID)
	if !ok {
		// Running in the store but unknown to the activity log: the worker
		// that owned it is gone. Use the job's own timestamp for silence.
		lastSeen = job.UpdatedAt
	}
	if gap := now.Sub(lastSeen); gap > time.Duration(w.cfg.SilenceSeconds)*time.Second {
		return fmt.Sprintf("silence (%s without liveness signal)", gap.Round(time.Second))
	}

	return ""
}

// reviveOrEscalate fails the stuck job, then either re-enqueues one revival
// for the chain or, when that chance was already spent, notifies a human.
// Mirrors the continuation controller's bounded-retries-then-human policy.
func (w *Watchdog) reviveOrEscalate(ctx context.Context, job *queue.Job, verdict string) error {
	if err := w.store.MarkFailed(ctx, job.ID, "watchdog: "+verdict); err != nil {
		return fmt.Errorf("retire stuck job: %w", err)
	}

	if job.RevivalContext != "" {
		// This chain was already revived once. A human takes it from here.
		if err := w.store.SetDelivery(ctx, job.ID, queue.DeliveredError); err != nil {
			w.logger.Warn("failed to record delivery on escalated job", "job", job.ID, "err", err)
		}
		w.notify(ctx, job, fmt.Sprintf(
			"I had to stop working on this twice (%s). Please check the session logs and re-send the request if you want me to try again.", verdict))
		return nil
	}

	revival := job.Continuation("")
	revival.MessageText = job.MessageText
	revival.AutoContinueCount = job.AutoContinueCount
	revival.Resume = job.Resume
	revival.RevivalContext = fmt.Sprintf("watchdog revival at %s: %s (original job %s)",
		time.Now().UTC().Format(time.RFC3339), verdict, job.ID)

	if _, err := w.store.Enqueue(ctx, revival); err != nil {
		return fmt.Errorf("enqueue watchdog revival: %w", err)
	}
	// The retired job's delivery closes quietly; the revival owns the
	// user-visible outcome.
	if err := w.store.SetDelivery(ctx, job.ID, queue.DeliveredAck); err != nil {
		w.logger.Warn("failed to record delivery on retired job", "job", job.ID, "err", err)
	}

	w.logger.Info("session revived by watchdog",
		"original", job.ID,
		"revival", revival.ID,
		"session", job.SessionID,
		"verdict", verdict,
	)
	return nil
}

func (w *Watchdog) notify(ctx context.Context, job *queue.Job, text string) {
	if w.notifier == nil || job.ChatID == "" {
		return
	}
	if err := w.notifier.SendText(ctx, job.Channel, job.ChatID, text, job.MessageID); err != nil {
		w.logger.Error("failed to notify human", "job", job.ID, "err", err)
	}
}
