// Package whatsapp implements the WhatsApp channel for Valor using
// whatsmeow, a native Go WhatsApp Web API library.
//
// Features:
//   - QR code login with persistent session (SQLite)
//   - Text send/receive in groups and DMs
//   - Reply quoting
//   - Reactions (emoji)
//   - Automatic reconnection via whatsmeow
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/valor-bot/valor/pkg/valor/channels"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the session store.
)

// ChannelName identifies this channel in job records and config.
const ChannelName = "whatsapp"

// Config holds WhatsApp channel configuration.
type Config struct {
	// DatabasePath is the SQLite file used for session persistence.
	// The whatsmeow tables are prefixed with whatsmeow_ and can live
	// alongside the job database.
	DatabasePath string `yaml:"database_path"`

	// RespondToGroups enables responding in group chats.
	RespondToGroups bool `yaml:"respond_to_groups"`

	// RespondToDMs enables responding in direct messages.
	RespondToDMs bool `yaml:"respond_to_dms"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatabasePath:    "./data/whatsapp.db",
		RespondToGroups: true,
		RespondToDMs:    true,
	}
}

// WhatsApp implements channels.Channel.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	// messages is the channel for incoming messages.
	messages       chan *channels.IncomingMessage
	messagesClosed atomic.Bool

	connected atomic.Bool

	// groupNames caches group subjects so every job carries a chat title
	// without a round trip per message.
	groupNames   map[string]string
	groupNamesMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new WhatsApp channel instance.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsApp{
		cfg:        cfg,
		logger:     logger.With("component", "whatsapp"),
		messages:   make(chan *channels.IncomingMessage, 256),
		groupNames: make(map[string]string),
	}
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return ChannelName }

// Connect initializes the session store and opens the WhatsApp connection.
// On a first run with no linked device the QR login flow runs in the
// background; the QR code is printed to the log.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.DatabasePath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := w.getDevice(w.ctx, container)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}

	// Device name shown in WhatsApp's linked devices list.
	store.SetOSInfo("Valor", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true
	w.client.InitialAutoReconnect = true

	if w.client.Store.ID == nil {
		// First login, QR scan required.
		w.logger.Info("whatsapp: no existing session, QR code required")
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("whatsapp: QR login did not complete", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	w.connected.Store(true)
	w.logger.Info("whatsapp: connected (existing session)", "jid", w.client.Store.ID.String())
	return nil
}

// Disconnect gracefully closes the WhatsApp connection.
func (w *WhatsApp) Disconnect() error {
	w.connected.Store(false)
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	if w.messagesClosed.CompareAndSwap(false, true) {
		close(w.messages)
	}
	w.logger.Info("whatsapp: disconnected")
	return nil
}

// Send sends a text message, quoting replyTo when set.
func (w *WhatsApp) Send(ctx context.Context, chatID string, msg *channels.OutgoingMessage) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	jid, err := parseJID(chatID)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", chatID, err)
	}

	waMsg := buildTextMessage(msg.Content, msg.ReplyTo)
	if _, err := w.client.SendMessage(ctx, jid, waMsg); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// SendReaction sends an emoji reaction to a message.
func (w *WhatsApp) SendReaction(ctx context.Context, chatID, messageID, emoji string) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	jid, err := parseJID(chatID)
	if err != nil {
		return err
	}

	waMsg := w.client.BuildReaction(jid, *w.client.Store.ID, types.MessageID(messageID), emoji)
	_, err = w.client.SendMessage(ctx, jid, waMsg)
	return err
}

// Receive returns the incoming messages channel.
func (w *WhatsApp) Receive() <-chan *channels.IncomingMessage {
	return w.messages
}

// IsConnected returns true if WhatsApp is connected.
func (w *WhatsApp) IsConnected() bool {
	return w.connected.Load()
}

// getDevice retrieves the existing device or creates a new one.
func (w *WhatsApp) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR runs the QR login flow until success, timeout or cancel.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}
			switch evt.Event {
			case "code":
				w.logger.Info("whatsapp: scan this QR code with WhatsApp", "code", evt.Code)
			case "success":
				w.connected.Store(true)
				w.logger.Info("whatsapp: login successful")
				return nil
			case "timeout":
				return fmt.Errorf("QR code timeout")
			default:
				if evt.Error != nil {
					return fmt.Errorf("QR login error: %w", evt.Error)
				}
			}
		}
	}
}

// handleEvent dispatches whatsmeow events.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)
	case *events.Connected:
		w.connected.Store(true)
		w.logger.Info("whatsapp: connection established")
	case *events.Disconnected:
		w.connected.Store(false)
		w.logger.Warn("whatsapp: connection lost, whatsmeow will reconnect")
	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Error("whatsapp: logged out from phone, session invalid", "reason", evt.Reason)
	}
}

// handleMessageEvt converts a WhatsApp message event into an IncomingMessage.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	if evt.Info.IsFromMe {
		return
	}
	if evt.Info.Chat.Server == "broadcast" {
		return
	}

	isGroup := evt.Info.IsGroup
	if isGroup && !w.cfg.RespondToGroups {
		return
	}
	if !isGroup && !w.cfg.RespondToDMs {
		return
	}

	content := extractText(evt.Message)
	if content == "" {
		return
	}

	msg := &channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		Channel:   ChannelName,
		From:      evt.Info.Sender.String(),
		FromName:  evt.Info.PushName,
		ChatID:    evt.Info.Chat.String(),
		IsGroup:   isGroup,
		Content:   content,
		Timestamp: evt.Info.Timestamp,
	}
	if isGroup {
		msg.ChatTitle = w.groupName(evt.Info.Chat)
	}
	if ext := evt.Message.GetExtendedTextMessage(); ext != nil {
		if ctxInfo := ext.GetContextInfo(); ctxInfo != nil {
			msg.ReplyTo = ctxInfo.GetStanzaID()
		}
	}

	w.emitMessage(msg)
}

// groupName returns the cached group subject, fetching it once on first use.
func (w *WhatsApp) groupName(chat types.JID) string {
	w.groupNamesMu.Lock()
	if name, ok := w.groupNames[chat.String()]; ok {
		w.groupNamesMu.Unlock()
		return name
	}
	w.groupNamesMu.Unlock()

	info, err := w.client.GetGroupInfo(context.Background(), chat)
	if err != nil || info == nil {
		return ""
	}

	w.groupNamesMu.Lock()
	w.groupNames[chat.String()] = info.Name
	w.groupNamesMu.Unlock()
	return info.Name
}

// emitMessage forwards a message to the incoming channel without blocking.
func (w *WhatsApp) emitMessage(msg *channels.IncomingMessage) {
	if w.messagesClosed.Load() {
		return
	}
	select {
	case w.messages <- msg:
	case <-w.ctx.Done():
	default:
		w.logger.Warn("whatsapp: message buffer full, dropping message", "from", msg.From)
	}
}

// extractText pulls the text body out of the message variants Valor handles.
func extractText(waMsg *waE2E.Message) string {
	if waMsg == nil {
		return ""
	}
	if waMsg.Conversation != nil {
		return waMsg.GetConversation()
	}
	if ext := waMsg.ExtendedTextMessage; ext != nil {
		return ext.GetText()
	}
	// Captions on media count as text input.
	if img := waMsg.ImageMessage; img != nil {
		return img.GetCaption()
	}
	if vid := waMsg.VideoMessage; vid != nil {
		return vid.GetCaption()
	}
	return ""
}

// buildTextMessage wraps content in a waE2E message, quoting replyTo when set.
func buildTextMessage(content, replyTo string) *waE2E.Message {
	if replyTo == "" {
		return &waE2E.Message{Conversation: proto.String(content)}
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(content),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String(replyTo),
				QuotedMessage: &waE2E.Message{Conversation: proto.String("")},
			},
		},
	}
}

// parseJID converts a string JID to types.JID. Accepts bare phone numbers,
// user JIDs like "5511999999999@s.whatsapp.net" and group JIDs like
// "123456789-1234@g.us".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
