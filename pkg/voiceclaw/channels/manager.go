package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns the registered channels and merges their incoming traffic
// into one stream of messages and one of button presses.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]Channel

	messages  chan *IncomingMessage
	callbacks chan *CallbackQuery

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:    logger.With("component", "channels"),
		channels:  make(map[string]Channel),
		messages:  make(chan *IncomingMessage, 256),
		callbacks: make(chan *CallbackQuery, 64),
	}
}

// Register adds a channel. Names must be unique.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[ch.Name()]; exists {
		return fmt.Errorf("channel %q already registered", ch.Name())
	}
	m.channels[ch.Name()] = ch
	return nil
}

// Start connects every channel and begins forwarding. A channel that fails
// to connect is logged and skipped; Start fails only if none connects.
func (m *Manager) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.channels) == 0 {
		return fmt.Errorf("no channels registered")
	}

	connected := 0
	for name, ch := range m.channels {
		if err := ch.Connect(ctx); err != nil {
			m.logger.Error("channel failed to connect", "channel", name, "error", err)
			continue
		}
		connected++
		m.wg.Add(1)
		go m.forward(ctx, ch)
		m.logger.Info("channel connected", "channel", name)
	}
	if connected == 0 {
		return fmt.Errorf("no channel could connect")
	}
	return nil
}

// Stop disconnects every channel and waits for the forwarders.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.RLock()
	for name, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			m.logger.Warn("channel disconnect failed", "channel", name, "error", err)
		}
	}
	m.mu.RUnlock()
	m.wg.Wait()
}

func (m *Manager) forward(ctx context.Context, ch Channel) {
	defer m.wg.Done()
	msgs, cbs := ch.Receive(), ch.Callbacks()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			select {
			case m.messages <- msg:
			case <-ctx.Done():
				return
			}
		case cb, ok := <-cbs:
			if !ok {
				cbs = nil
				continue
			}
			select {
			case m.callbacks <- cb:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Messages emits incoming messages from all channels.
func (m *Manager) Messages() <-chan *IncomingMessage { return m.messages }

// Callbacks emits button presses from all channels.
func (m *Manager) Callbacks() <-chan *CallbackQuery { return m.callbacks }

// Channel returns a registered channel by name.
func (m *Manager) Channel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

func (m *Manager) get(name string) (Channel, error) {
	ch, ok := m.Channel(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return ch, nil
}

// Send delivers a text message through the named channel.
func (m *Manager) Send(ctx context.Context, channel, to string, msg *OutgoingMessage) error {
	ch, err := m.get(channel)
	if err != nil {
		return err
	}
	return ch.Send(ctx, to, msg)
}

// SendMedia delivers a file through the named channel.
func (m *Manager) SendMedia(ctx context.Context, channel, to string, media *MediaMessage) error {
	ch, err := m.get(channel)
	if err != nil {
		return err
	}
	mc, ok := ch.(MediaChannel)
	if !ok {
		return ErrMediaNotSupported
	}
	return mc.SendMedia(ctx, to, media)
}

// DownloadMedia fetches the attachment of an incoming message.
func (m *Manager) DownloadMedia(ctx context.Context, msg *IncomingMessage) ([]byte, string, error) {
	ch, err := m.get(msg.Channel)
	if err != nil {
		return nil, "", err
	}
	mc, ok := ch.(MediaChannel)
	if !ok {
		return nil, "", ErrMediaNotSupported
	}
	return mc.DownloadMedia(ctx, msg)
}

// SendTyping shows a typing indicator where supported.
func (m *Manager) SendTyping(ctx context.Context, channel, to string) {
	ch, err := m.get(channel)
	if err != nil {
		return
	}
	if pc, ok := ch.(PresenceChannel); ok {
		if err := pc.SendTyping(ctx, to); err != nil {
			m.logger.Debug("typing indicator failed", "channel", channel, "error", err)
		}
	}
}

// AnswerCallback acknowledges a button press where supported.
func (m *Manager) AnswerCallback(ctx context.Context, cb *CallbackQuery, text string) error {
	ch, err := m.get(cb.Channel)
	if err != nil {
		return err
	}
	if ic, ok := ch.(InteractiveChannel); ok {
		return ic.AnswerCallback(ctx, cb.ID, text)
	}
	return nil
}

// EditMessage rewrites a sent message where supported, and otherwise sends
// the text as a new message.
func (m *Manager) EditMessage(ctx context.Context, channel, chatID, messageID, text string) error {
	ch, err := m.get(channel)
	if err != nil {
		return err
	}
	if ic, ok := ch.(InteractiveChannel); ok && messageID != "" {
		return ic.EditMessage(ctx, chatID, messageID, text)
	}
	return ch.Send(ctx, chatID, &OutgoingMessage{Content: text})
}

// HealthAll returns the health of every channel.
func (m *Manager) HealthAll() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]HealthStatus, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.Health()
	}
	return out
}
