// Package channels defines the interfaces and types for Valor communication
// channels. Each channel (WhatsApp, Discord, console) implements the Channel
// interface to receive and send messages in a unified way. The queue side
// only needs text and reactions; everything else stays out of the contract.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Channel defines the interface every communication channel must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "whatsapp", "discord").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send sends a text message to the specified chat.
	Send(ctx context.Context, chatID string, msg *OutgoingMessage) error

	// SendReaction sends a reaction emoji to a specific message.
	SendReaction(ctx context.Context, chatID, messageID, emoji string) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true if the channel is connected.
	IsConnected() bool
}

// IncomingMessage represents a message received from any channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "whatsapp").
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name (if available).
	FromName string

	// ChatID is the group or DM identifier.
	ChatID string

	// ChatTitle is the group title, when known.
	ChatTitle string

	// IsGroup indicates whether the message is from a group chat.
	IsGroup bool

	// Content is the text content of the message.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// ReplyTo contains the ID of the message being replied to.
	ReplyTo string
}

// OutgoingMessage represents a message to be sent through a channel.
type OutgoingMessage struct {
	// Content is the text content of the message.
	Content string

	// ReplyTo contains the ID of the message to reply to.
	ReplyTo string
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrChannelUnknown      = fmt.Errorf("unknown channel")
	ErrSendFailed          = fmt.Errorf("failed to send message")
	ErrConnectionFailed    = fmt.Errorf("failed to connect to channel")
)
