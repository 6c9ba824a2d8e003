// Package dispatch connects a finished engine run to the outside world: the
// delivery tracker guarantees every job ends in an observable delivery
// state, and the continuation controller decides whether the human sees the
// output or the agent keeps working for another bounded round.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/valor-bot/valor/pkg/valor/queue"
)

// Reaction emojis. Error deliberately never reuses the processing symbol.
const (
	ReactionProcessing = "👀"
	ReactionAck        = "👍"
	ReactionReply      = "✅"
	ReactionError      = "❌"
)

// FallbackReplyText substitutes for output that post-processing stripped to
// nothing: the user still gets content alongside the success reaction.
const FallbackReplyText = "Done. (The full output was tool noise; ask me to elaborate if you need details.)"

// Transport is the chat side the tracker talks to. The channels manager
// implements it; tests use a fake.
type Transport interface {
	SendReaction(ctx context.Context, channel, chatID, messageID, emoji string) error
	SendText(ctx context.Context, channel, chatID, text, replyTo string) error
}

// Tracker is the delivery state machine. Its core invariant: a success
// acknowledgment is never emitted unless either no text reply was intended
// or text was actually sent.
type Tracker struct {
	store     queue.Store
	transport Transport
	logger    *slog.Logger
}

// NewTracker creates a delivery tracker.
func NewTracker(store queue.Store, transport Transport, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:     store,
		transport: transport,
		logger:    logger.With("component", "delivery"),
	}
}

// outcome is the per-job delivery record. The replied flag is an explicit
// field set exactly once, then read by the reaction selection, never a
// closure-captured variable.
type outcome struct {
	replied      bool
	textIntended bool
}

// FinalizeReply delivers text and then the success reaction. rawNonEmpty
// tells the tracker whether the engine produced anything at all; when the
// cleaned text is empty but the raw output was not, a fallback line is sent
// instead of silently showing a success signal with no content.
func (t *Tracker) FinalizeReply(ctx context.Context, job *queue.Job, text string, rawNonEmpty bool) error {
	rec := outcome{textIntended: true}

	text = strings.TrimSpace(text)
	if text == "" {
		if !rawNonEmpty {
			// Nothing was ever produced; an ack is the honest signal.
			return t.FinalizeAck(ctx, job)
		}
		t.logger.Warn("post-processing stripped a non-empty response, sending fallback text",
			"job", job.ID, "session", job.SessionID)
		text = FallbackReplyText
	}

	if err := t.transport.SendText(ctx, job.Channel, job.ChatID, text, job.MessageID); err != nil {
		// Text did not go out: no success signal allowed. Degrade to the
		// error path so the user sees a truthful reaction.
		t.logger.Error("reply send failed", "job", job.ID, "err", err)
		return t.FinalizeError(ctx, job, "I finished, but delivering the reply failed: "+err.Error())
	}
	rec.replied = true

	t.react(ctx, job, t.selectReaction(rec))
	if err := t.store.SetDelivery(ctx, job.ID, queue.DeliveredReply); err != nil {
		return fmt.Errorf("record delivered_reply: %w", err)
	}
	t.logger.Info("reply delivered", "job", job.ID, "chars", len(text))
	return nil
}

// FinalizeAck emits a simple acknowledgment: one reaction, no message.
func (t *Tracker) FinalizeAck(ctx context.Context, job *queue.Job) error {
	rec := outcome{}

	t.react(ctx, job, t.selectReaction(rec))
	if err := t.store.SetDelivery(ctx, job.ID, queue.DeliveredAck); err != nil {
		return fmt.Errorf("record delivered_ack: %w", err)
	}
	t.logger.Info("ack delivered", "job", job.ID)
	return nil
}

// FinalizeError emits the error reaction plus an error message. Used both
// for engine failures and for error-classified agent output.
func (t *Tracker) FinalizeError(ctx context.Context, job *queue.Job, message string) error {
	if strings.TrimSpace(message) == "" {
		message = "Something went wrong while working on your request."
	}

	t.react(ctx, job, ReactionError)
	if err := t.transport.SendText(ctx, job.Channel, job.ChatID, message, job.MessageID); err != nil {
		t.logger.Error("error message send failed", "job", job.ID, "err", err)
	}
	if err := t.store.SetDelivery(ctx, job.ID, queue.DeliveredError); err != nil {
		return fmt.Errorf("record delivered_error: %w", err)
	}
	t.logger.Info("error delivered", "job", job.ID)
	return nil
}

// selectReaction reads the per-job record: success-with-reply only when text
// was actually sent, plain ack only when no text was intended.
func (t *Tracker) selectReaction(rec outcome) string {
	if rec.textIntended && rec.replied {
		return ReactionReply
	}
	return ReactionAck
}

// react sends a reaction, logging rather than failing the delivery: a lost
// reaction is cosmetic, a lost message is not.
func (t *Tracker) react(ctx context.Context, job *queue.Job, emoji string) {
	if job.MessageID == "" {
		return
	}
	if err := t.transport.SendReaction(ctx, job.Channel, job.ChatID, job.MessageID, emoji); err != nil {
		t.logger.Warn("reaction send failed", "job", job.ID, "emoji", emoji, "err", err)
	}
}

// ---------- Output post-processing ----------

var (
	ansiRe      = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)
	toolNoiseRe = regexp.MustCompile(`(?m)^\s*(\[(tool|log|debug|trace)[^\]]*\].*|⏺.*|⎿.*)$`)
)

// CleanOutput strips terminal escapes and tool/log noise lines from raw
// engine output before delivery.
func CleanOutput(text string) string {
	text = ansiRe.ReplaceAllString(text, "")
	text = toolNoiseRe.ReplaceAllString(text, "")

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		lines = append(lines, strings.TrimRight(line, " \t"))
	}
	text = strings.Join(lines, "\n")

	// Collapse runs of blank lines left behind by stripped noise.
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}
