// Package discord implements the Discord channel for Valor using discordgo.
//
// Jobs are created from guild or DM messages, progress is signalled through
// reactions, and results come back as replies. Guild and channel allowlists
// keep the bot scoped to the servers it is meant to serve.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/valor-bot/valor/pkg/valor/channels"
)

// ChannelName identifies this channel in job records and config.
const ChannelName = "discord"

// Config holds Discord channel configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowedGuilds restricts which guild (server) IDs the bot responds in.
	// Empty means respond in all guilds.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channel IDs the bot responds in.
	// Empty means respond in all channels.
	AllowedChannels []string `yaml:"allowed_channels"`
}

// Discord implements channels.Channel.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	// messages forwards incoming Discord messages to the bridge.
	messages chan *channels.IncomingMessage

	connected atomic.Bool
}

// New creates a new Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return ChannelName }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageReactions

	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)

	return nil
}

// Disconnect closes the Discord gateway connection.
func (d *Discord) Disconnect() error {
	if d.session != nil {
		d.session.Close()
	}
	d.connected.Store(false)
	d.logger.Info("discord: disconnected")
	return nil
}

// Send sends a text message to the specified channel.
func (d *Discord) Send(ctx context.Context, chatID string, msg *channels.OutgoingMessage) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}

	content := msg.Content

	// Discord has a 2000 character limit per message.
	if len(content) <= 2000 {
		msgSend := &discordgo.MessageSend{Content: content}
		if msg.ReplyTo != "" {
			msgSend.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: chatID}
		}
		_, err := d.session.ChannelMessageSendComplex(chatID, msgSend)
		return err
	}

	// For long results, split into chunks; only the first chunk replies.
	chunks := splitMessage(content, 2000)
	for i, chunk := range chunks {
		msgSend := &discordgo.MessageSend{Content: chunk}
		if i == 0 && msg.ReplyTo != "" {
			msgSend.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: chatID}
		}
		if _, err := d.session.ChannelMessageSendComplex(chatID, msgSend); err != nil {
			return err
		}
	}
	return nil
}

// SendReaction adds a reaction emoji to a message.
func (d *Discord) SendReaction(ctx context.Context, chatID, messageID, emoji string) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}
	return d.session.MessageReactionAdd(chatID, messageID, emoji)
}

// Receive returns the incoming messages channel.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

// IsConnected returns true if the bot is connected.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// onMessageCreate handles incoming Discord messages.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore messages from the bot itself and from other bots.
	if m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}

	if len(d.cfg.AllowedGuilds) > 0 && m.GuildID != "" && !contains(d.cfg.AllowedGuilds, m.GuildID) {
		return
	}
	if len(d.cfg.AllowedChannels) > 0 && !contains(d.cfg.AllowedChannels, m.ChannelID) {
		return
	}

	incoming := &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   ChannelName,
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		ChatID:    m.ChannelID,
		IsGroup:   m.GuildID != "",
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if m.ReferencedMessage != nil {
		incoming.ReplyTo = m.ReferencedMessage.ID
	}
	if ch, err := s.State.Channel(m.ChannelID); err == nil && ch != nil {
		incoming.ChatTitle = ch.Name
	}

	select {
	case d.messages <- incoming:
	default:
		d.logger.Warn("discord: message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// splitMessage breaks content on line boundaries when possible, hard-cutting
// only lines longer than the limit themselves.
func splitMessage(content string, limit int) []string {
	var chunks []string
	for len(content) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if content[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, content[:cut])
		content = content[cut:]
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}
