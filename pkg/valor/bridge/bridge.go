// Package bridge is the intake side of Valor: it consumes the aggregated
// channel stream, gates group chatter behind the trigger word, resolves the
// project a chat belongs to and turns the message into a queued job. Its
// contract with the user is the immediate reaction: once the eyes show up,
// the message is in the store and will not be lost.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/valor-bot/valor/pkg/valor/channels"
	"github.com/valor-bot/valor/pkg/valor/dispatch"
	"github.com/valor-bot/valor/pkg/valor/queue"
)

// Project binds chats to a working directory and queue lane.
type Project struct {
	// Key is the queue lane identifier.
	Key string `yaml:"key"`

	// Dir is the project working directory handed to the engine.
	Dir string `yaml:"dir"`

	// Chats lists the chat IDs routed to this project. Entries may be
	// scoped as "channel:chatID" or bare chat IDs matching any channel.
	Chats []string `yaml:"chats"`

	// Default marks the project that receives messages from unmapped chats.
	Default bool `yaml:"default"`
}

// Config holds bridge configuration.
type Config struct {
	// Trigger is the activation keyword required in group chats.
	// DMs always respond. Empty means respond to everything.
	Trigger string `yaml:"trigger"`

	// Projects is the chat-to-project routing table.
	Projects []Project `yaml:"projects"`
}

// enqueueRetries bounds how long the bridge fights a busy store before
// telling the user it lost.
const (
	enqueueRetries = 5
	enqueueBackoff = 500 * time.Millisecond
)

// Bridge consumes incoming messages and enqueues jobs.
type Bridge struct {
	cfg       Config
	store     queue.Store
	transport dispatch.Transport
	logger    *slog.Logger
}

// New creates a bridge.
func New(cfg Config, store queue.Store, transport dispatch.Transport, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:       cfg,
		store:     store,
		transport: transport,
		logger:    logger.With("component", "bridge"),
	}
}

// Run consumes the message stream until the context ends or the stream
// closes. Each message is handled inline; intake is cheap and ordering
// within a chat matters.
func (b *Bridge) Run(ctx context.Context, messages <-chan *channels.IncomingMessage) {
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.handle(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// handle runs one message through trigger gating, project resolution and
// enqueue.
func (b *Bridge) handle(ctx context.Context, msg *channels.IncomingMessage) {
	content, triggered := b.matchTrigger(msg)
	if !triggered {
		return
	}
	if strings.TrimSpace(content) == "" {
		return
	}

	project := b.resolveProject(msg)
	if project == nil {
		b.logger.Warn("message from unmapped chat dropped",
			"channel", msg.Channel, "chat", msg.ChatID, "from", msg.From)
		return
	}

	job := queue.NewJob(project.Key, project.Dir, content)
	job.Channel = msg.Channel
	job.ChatID = msg.ChatID
	job.MessageID = msg.ID
	job.SenderName = msg.FromName
	job.ChatTitle = msg.ChatTitle

	if err := b.enqueue(ctx, job); err != nil {
		b.logger.Error("enqueue failed after retries", "job", job.ID, "err", err)
		b.notifyIntakeFailure(ctx, msg)
		return
	}

	// The acknowledgment that the message is safely queued.
	if err := b.transport.SendReaction(ctx, msg.Channel, msg.ChatID, msg.ID, dispatch.ReactionProcessing); err != nil {
		b.logger.Warn("intake reaction failed", "job", job.ID, "err", err)
	}

	b.logger.Info("job enqueued",
		"job", job.ID,
		"project", project.Key,
		"session", job.SessionID,
		"channel", msg.Channel,
		"from", msg.FromName,
	)
}

// matchTrigger applies group gating and strips the trigger word from the
// content. DMs always pass.
func (b *Bridge) matchTrigger(msg *channels.IncomingMessage) (string, bool) {
	content := strings.TrimSpace(msg.Content)
	trigger := b.cfg.Trigger

	if trigger == "" || !msg.IsGroup {
		return content, true
	}

	if len(content) < len(trigger) || !strings.EqualFold(content[:len(trigger)], trigger) {
		return "", false
	}
	return strings.TrimSpace(content[len(trigger):]), true
}

// resolveProject finds the project a chat is routed to, falling back to the
// default project when one is configured.
func (b *Bridge) resolveProject(msg *channels.IncomingMessage) *Project {
	scoped := msg.Channel + ":" + msg.ChatID
	var fallback *Project
	for i := range b.cfg.Projects {
		p := &b.cfg.Projects[i]
		if p.Default && fallback == nil {
			fallback = p
		}
		for _, chat := range p.Chats {
			if chat == scoped || chat == msg.ChatID {
				return p
			}
		}
	}
	return fallback
}

// enqueue persists the job, retrying with backoff while the store reports
// itself unavailable. Messages are never dropped silently on a busy store.
func (b *Bridge) enqueue(ctx context.Context, job *queue.Job) error {
	var err error
	for attempt := 0; attempt < enqueueRetries; attempt++ {
		_, err = b.store.Enqueue(ctx, job)
		if err == nil {
			return nil
		}
		if !errors.Is(err, queue.ErrStoreUnavailable) {
			return err
		}
		b.logger.Warn("store busy, retrying enqueue", "job", job.ID, "attempt", attempt+1)
		select {
		case <-time.After(enqueueBackoff << attempt):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// notifyIntakeFailure tells the sender their message could not be queued.
func (b *Bridge) notifyIntakeFailure(ctx context.Context, msg *channels.IncomingMessage) {
	if err := b.transport.SendReaction(ctx, msg.Channel, msg.ChatID, msg.ID, dispatch.ReactionError); err != nil {
		b.logger.Warn("intake failure reaction failed", "err", err)
	}
	text := "I couldn't queue that message because the job store is unavailable. Please try again."
	if err := b.transport.SendText(ctx, msg.Channel, msg.ChatID, text, msg.ID); err != nil {
		b.logger.Warn("intake failure notice failed", "err", err)
	}
}
