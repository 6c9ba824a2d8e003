// continuation.go decides, from a classification, whether a job's output is
// finalized toward the user or re-enqueued as a bounded continuation round.
// Continuation is modeled strictly as a new job with session resumption,
// never a message pushed into a channel the finished session no longer
// listens to.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/valor-bot/valor/pkg/valor/classify"
	"github.com/valor-bot/valor/pkg/valor/queue"
)

// ExhaustionNote is appended when the auto-continue cap is reached and the
// chain is force-finalized instead of looping or dropping silently.
const ExhaustionNote = "\n\n_(Auto-continuation limit reached; this is the latest state of the work.)_"

// Controller applies the continuation policy per session chain.
type Controller struct {
	store   queue.Store
	tracker *Tracker
	logger  *slog.Logger
}

// NewController creates the continuation controller.
func NewController(store queue.Store, tracker *Tracker, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:   store,
		tracker: tracker,
		logger:  logger.With("component", "continuation"),
	}
}

// Handle routes a classified output. cleaned is the post-processed text;
// rawNonEmpty reports whether the engine produced anything before cleaning.
func (c *Controller) Handle(ctx context.Context, job *queue.Job, res *classify.Result, cleaned string, rawNonEmpty bool) (queue.Outcome, error) {
	switch res.Type {
	case classify.TypeStatus:
		if job.AutoContinueCount < queue.MaxAutoContinues {
			return c.enqueueContinuation(ctx, job, res)
		}
		// Cap reached: deliver whatever exists plus the exhaustion note.
		c.logger.Info("auto-continue cap reached, force-finalizing",
			"job", job.ID, "session", job.SessionID, "count", job.AutoContinueCount)
		if err := c.store.Mark(ctx, job.ID, queue.StatusCompleted); err != nil {
			return queue.OutcomeFailed, err
		}
		if err := c.tracker.FinalizeReply(ctx, job, cleaned+ExhaustionNote, true); err != nil {
			return queue.OutcomeFailed, err
		}
		return queue.OutcomeFinalized, nil

	case classify.TypeError:
		if err := c.store.MarkFailed(ctx, job.ID, res.Reason); err != nil {
			return queue.OutcomeFailed, err
		}
		if err := c.tracker.FinalizeError(ctx, job, cleaned); err != nil {
			return queue.OutcomeFailed, err
		}
		return queue.OutcomeFailed, nil

	case classify.TypeCompletion, classify.TypeQuestion, classify.TypeBlocker:
		if err := c.store.Mark(ctx, job.ID, queue.StatusCompleted); err != nil {
			return queue.OutcomeFailed, err
		}
		if err := c.tracker.FinalizeReply(ctx, job, cleaned, rawNonEmpty); err != nil {
			return queue.OutcomeFailed, err
		}
		return queue.OutcomeFinalized, nil

	default:
		return queue.OutcomeFailed, fmt.Errorf("unhandled classification type %q", res.Type)
	}
}

// enqueueContinuation creates the follow-up job: same session, same chat and
// message identity, counter incremented, coaching text as the next prompt.
// The current job completes with no reaction; the eventual terminal job of
// the chain owns the user-visible outcome.
func (c *Controller) enqueueContinuation(ctx context.Context, job *queue.Job, res *classify.Result) (queue.Outcome, error) {
	next := job.Continuation(res.CoachingMessage)

	// Mark the spawning job completed first: the continuation only becomes
	// eligible to pop after this, which is what guarantees strict ordering
	// within the chain.
	if err := c.store.Mark(ctx, job.ID, queue.StatusCompleted); err != nil {
		return queue.OutcomeFailed, err
	}
	if err := c.store.SetDelivery(ctx, job.ID, queue.DeliveredAck); err != nil {
		return queue.OutcomeFailed, err
	}
	if _, err := c.store.Enqueue(ctx, next); err != nil {
		return queue.OutcomeFailed, fmt.Errorf("enqueue continuation: %w", err)
	}

	c.logger.Info("continuation enqueued",
		"job", job.ID,
		"next", next.ID,
		"session", job.SessionID,
		"count", next.AutoContinueCount,
		"coached", res.CoachingMessage != "",
	)
	return queue.OutcomeContinued, nil
}
