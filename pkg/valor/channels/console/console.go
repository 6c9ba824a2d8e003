// Package console implements a local terminal channel: messages are typed
// at a readline prompt and replies (and reaction emojis) are printed back.
// It exercises the full queue path without any external platform, which is
// how `valor chat` works.
package console

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/valor-bot/valor/pkg/valor/channels"
)

// ChannelName is the console channel identifier.
const ChannelName = "console"

// ChatID is the single pseudo-chat all console messages belong to.
const ChatID = "local"

// Console is the readline-backed channel.
type Console struct {
	rl        *readline.Instance
	incoming  chan *channels.IncomingMessage
	connected atomic.Bool
	msgSeq    atomic.Int64
	logger    *slog.Logger
}

// New creates the console channel.
func New(logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		incoming: make(chan *channels.IncomingMessage, 16),
		logger:   logger.With("component", "console"),
	}
}

// Name returns the channel identifier.
func (c *Console) Name() string { return ChannelName }

// Connect opens the readline prompt and starts the read loop.
func (c *Console) Connect(ctx context.Context) error {
	rl, err := readline.New("valor> ")
	if err != nil {
		return fmt.Errorf("open readline: %w", err)
	}
	c.rl = rl
	c.connected.Store(true)

	go c.readLoop(ctx)
	return nil
}

// Disconnect closes the prompt.
func (c *Console) Disconnect() error {
	c.connected.Store(false)
	if c.rl != nil {
		return c.rl.Close()
	}
	return nil
}

// Send prints a reply to the terminal.
func (c *Console) Send(_ context.Context, _ string, msg *channels.OutgoingMessage) error {
	if !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	fmt.Println()
	fmt.Println(msg.Content)
	c.rl.Refresh()
	return nil
}

// SendReaction prints the reaction inline, tagged with the message it
// targets; the terminal has no real reactions.
func (c *Console) SendReaction(_ context.Context, _, messageID, emoji string) error {
	if !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	fmt.Printf("  [%s %s]\n", emoji, messageID)
	c.rl.Refresh()
	return nil
}

// Receive returns the incoming message stream.
func (c *Console) Receive() <-chan *channels.IncomingMessage {
	return c.incoming
}

// IsConnected reports connection state.
func (c *Console) IsConnected() bool {
	return c.connected.Load()
}

func (c *Console) readLoop(ctx context.Context) {
	defer close(c.incoming)
	for {
		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				c.logger.Info("console input closed")
			} else {
				c.logger.Error("readline failed", "err", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		msg := &channels.IncomingMessage{
			ID:        fmt.Sprintf("console-%d", c.msgSeq.Add(1)),
			Channel:   ChannelName,
			From:      "local-user",
			FromName:  "you",
			ChatID:    ChatID,
			Content:   line,
			Timestamp: time.Now(),
		}
		select {
		case c.incoming <- msg:
		case <-ctx.Done():
			return
		}
	}
}
