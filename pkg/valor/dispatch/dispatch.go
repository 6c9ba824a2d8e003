// dispatch.go is the executor the worker loop hands a claimed job to: run
// the session engine, classify the output, then either finalize delivery or
// enqueue the next continuation round.
package dispatch

import (
	"context"
	"log/slog"
	"strings"

	"github.com/valor-bot/valor/pkg/valor/classify"
	"github.com/valor-bot/valor/pkg/valor/queue"
	"github.com/valor-bot/valor/pkg/valor/session"
)

// WorkspaceArena allocates an isolated working directory per job. The
// sequential baseline returns the shared tree; the worktree arena returns a
// per-job checkout.
type WorkspaceArena interface {
	Acquire(ctx context.Context, job *queue.Job) (string, error)
	Release(ctx context.Context, job *queue.Job) error
}

// Dispatcher implements queue.Executor.
type Dispatcher struct {
	store      queue.Store
	engine     session.Engine
	classifier classify.Classifier
	controller *Controller
	tracker    *Tracker
	arena      WorkspaceArena // optional
	logger     *slog.Logger
}

// NewDispatcher wires the execution pipeline. arena may be nil for the
// sequential shared-tree baseline.
func NewDispatcher(store queue.Store, engine session.Engine, classifier classify.Classifier,
	controller *Controller, tracker *Tracker, arena WorkspaceArena, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:      store,
		engine:     engine,
		classifier: classifier,
		controller: controller,
		tracker:    tracker,
		arena:      arena,
		logger:     logger.With("component", "dispatch"),
	}
}

// Execute runs one claimed job to a terminal state. The job arrives already
// marked running by the atomic pop.
func (d *Dispatcher) Execute(ctx context.Context, job *queue.Job) (queue.Outcome, error) {
	workingDir := job.WorkingDir
	if d.arena != nil {
		dir, err := d.arena.Acquire(ctx, job)
		if err != nil {
			d.logger.Warn("workspace allocation failed, using shared tree", "job", job.ID, "err", err)
		} else {
			workingDir = dir
			job.WorktreeDir = dir
			if err := d.store.SetWorktree(ctx, job.ID, dir); err != nil {
				d.logger.Warn("failed to record worktree", "job", job.ID, "err", err)
			}
			defer func() {
				if err := d.arena.Release(ctx, job); err != nil {
					d.logger.Warn("workspace release failed", "job", job.ID, "err", err)
				}
			}()
		}
	}

	raw, err := d.engine.Run(ctx, session.Request{
		SessionID:  job.SessionID,
		Prompt:     buildPrompt(job),
		WorkingDir: workingDir,
		Resume:     job.Resume,
	})
	if err != nil {
		return d.failJob(ctx, job, "the coding agent could not be started: "+err.Error())
	}
	if raw.EngineFailed {
		// Engine-level failures never reach the classifier: the job fails
		// and the user gets an error, with no continuation attempted.
		return d.failJob(ctx, job, "the coding agent failed: "+raw.FailureReason)
	}

	res, err := d.classifier.Classify(ctx, classify.Input{Output: raw.Text})
	if err != nil {
		// Both classifier paths down. Deliver the text as a question-grade
		// answer rather than guessing at continuation.
		d.logger.Error("classification failed entirely, delivering as-is", "job", job.ID, "err", err)
		res = &classify.Result{
			Type:       classify.TypeQuestion,
			Confidence: 0,
			Reason:     "classifier unavailable",
		}
	}

	cleaned := CleanOutput(raw.Text)
	rawNonEmpty := strings.TrimSpace(raw.Text) != ""

	d.logger.Info("output classified",
		"job", job.ID,
		"session", job.SessionID,
		"type", string(res.Type),
		"confidence", res.Confidence,
		"cost_usd", raw.CostUSD,
	)

	return d.controller.Handle(ctx, job, res, cleaned, rawNonEmpty)
}

// failJob marks the job failed and delivers the error.
func (d *Dispatcher) failJob(ctx context.Context, job *queue.Job, message string) (queue.Outcome, error) {
	if err := d.store.MarkFailed(ctx, job.ID, message); err != nil {
		return queue.OutcomeFailed, err
	}
	if err := d.tracker.FinalizeError(ctx, job, message); err != nil {
		return queue.OutcomeFailed, err
	}
	return queue.OutcomeFailed, nil
}

// buildPrompt prefixes sender context on fresh messages; continuation and
// revival prompts go through verbatim.
func buildPrompt(job *queue.Job) string {
	if job.Resume || job.SenderName == "" {
		return job.MessageText
	}
	var b strings.Builder
	b.WriteString("Message from ")
	b.WriteString(job.SenderName)
	if job.ChatTitle != "" {
		b.WriteString(" in ")
		b.WriteString(job.ChatTitle)
	}
	b.WriteString(":\n\n")
	b.WriteString(job.MessageText)
	return b.String()
}
