// manager.go aggregates all registered channels into one incoming stream
// and routes outgoing text and reactions back to the channel that owns the
// conversation. It is the concrete chat transport behind the delivery
// tracker and the watchdog notifier.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager orchestrates multiple channels.
type Manager struct {
	// channels stores all registered channels, indexed by name.
	channels map[string]Channel

	// messages is the aggregated stream receiving from every channel.
	messages chan *IncomingMessage

	logger   *slog.Logger
	listenWg sync.WaitGroup

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a channel manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		messages: make(chan *IncomingMessage, 256),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds a channel. Must be called before Start.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ch.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	m.channels[name] = ch
	m.logger.Info("channel registered", "channel", name)
	return nil
}

// Start connects all registered channels and begins listening. Channels that
// fail to connect are logged but do not block the rest.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	snapshot := make(map[string]Channel, len(m.channels))
	for k, v := range m.channels {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		m.logger.Warn("no channels registered, running without messaging")
		return nil
	}

	var connected int
	for name, ch := range snapshot {
		if err := ch.Connect(m.ctx); err != nil {
			m.logger.Error("channel connection failed", "channel", name, "error", err)
			continue
		}
		connected++
		m.logger.Info("channel connected", "channel", name)

		m.listenWg.Add(1)
		go func(c Channel) {
			defer m.listenWg.Done()
			m.listen(c)
		}(ch)
	}

	if connected == 0 {
		return fmt.Errorf("%w: no channel connected successfully", ErrConnectionFailed)
	}
	return nil
}

// Stop disconnects all channels and drains the listeners.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.listenWg.Wait()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			m.logger.Warn("channel disconnect failed", "channel", name, "error", err)
		}
	}
	close(m.messages)
}

// Messages returns the aggregated incoming stream.
func (m *Manager) Messages() <-chan *IncomingMessage {
	return m.messages
}

// SendText routes an outgoing text message to the named channel.
func (m *Manager) SendText(ctx context.Context, channel, chatID, text, replyTo string) error {
	ch, err := m.get(channel)
	if err != nil {
		return err
	}
	return ch.Send(ctx, chatID, &OutgoingMessage{Content: text, ReplyTo: replyTo})
}

// SendReaction routes a reaction to the named channel.
func (m *Manager) SendReaction(ctx context.Context, channel, chatID, messageID, emoji string) error {
	ch, err := m.get(channel)
	if err != nil {
		return err
	}
	return ch.SendReaction(ctx, chatID, messageID, emoji)
}

func (m *Manager) get(name string) (Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrChannelUnknown, name)
	}
	return ch, nil
}

// listen forwards one channel's messages into the aggregated stream.
func (m *Manager) listen(ch Channel) {
	for {
		select {
		case msg, ok := <-ch.Receive():
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			select {
			case m.messages <- msg:
			case <-m.ctx.Done():
				return
			}
		case <-m.ctx.Done():
			return
		}
	}
}
