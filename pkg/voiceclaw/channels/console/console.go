// Package console is a local channel for talking to the assistant from a
// terminal. Buttons are printed with numbers; typing ":<n>" presses one.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/channels"
)

// ChatID is the chat identifier of the console conversation.
const ChatID = "console"

// Config configures the console channel.
type Config struct {
	// User is the sender identity attached to typed messages.
	User string

	Prompt      string
	HistoryFile string
}

type lineReader interface {
	Readline() (string, error)
	Close() error
}

// Console reads lines from the terminal and prints replies.
type Console struct {
	cfg    Config
	logger *slog.Logger

	newReader func() (lineReader, io.Writer, error)
	reader    lineReader
	out       io.Writer
	outMu     sync.Mutex

	messages  chan *channels.IncomingMessage
	callbacks chan *channels.CallbackQuery

	connected atomic.Bool
	lastMsg   atomic.Value // time.Time
	seq       atomic.Int64

	// buttons maps the numbers printed last to their callback data.
	buttonsMu     sync.Mutex
	buttons       map[int]string
	buttonMessage string

	done chan struct{}
}

// New creates a console channel backed by readline.
func New(cfg Config, logger *slog.Logger) *Console {
	c := newConsole(cfg, logger)
	c.newReader = func() (lineReader, io.Writer, error) {
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          cfg.Prompt,
			HistoryFile:     cfg.HistoryFile,
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
		if err != nil {
			return nil, nil, err
		}
		return rl, rl.Stdout(), nil
	}
	return c
}

func newConsole(cfg Config, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.User == "" {
		cfg.User = "local"
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "you> "
	}
	return &Console{
		cfg:       cfg,
		logger:    logger.With("component", "console"),
		out:       os.Stdout,
		messages:  make(chan *channels.IncomingMessage, 16),
		callbacks: make(chan *channels.CallbackQuery, 16),
		buttons:   make(map[int]string),
	}
}

// Name returns "console".
func (c *Console) Name() string { return "console" }

// Connect opens the terminal and starts reading lines.
func (c *Console) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}
	reader, out, err := c.newReader()
	if err != nil {
		return fmt.Errorf("console: open terminal: %w", err)
	}
	c.reader = reader
	if out != nil {
		c.out = out
	}
	c.connected.Store(true)
	c.done = make(chan struct{})
	go c.readLoop(ctx)
	return nil
}

// Disconnect closes the terminal.
func (c *Console) Disconnect() error {
	if !c.connected.Swap(false) {
		return nil
	}
	return c.reader.Close()
}

// Done is closed when the user ends the session (EOF or interrupt).
func (c *Console) Done() <-chan struct{} {
	return c.done
}

func (c *Console) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		line, err := c.reader.Readline()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, readline.ErrInterrupt) && c.connected.Load() {
				c.logger.Warn("console: read failed", "error", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		c.lastMsg.Store(time.Now())

		if cb, ok := c.press(line); ok {
			select {
			case c.callbacks <- cb:
			case <-ctx.Done():
				return
			}
			continue
		}

		msg := &channels.IncomingMessage{
			ID:        "in-" + strconv.FormatInt(c.seq.Add(1), 10),
			Channel:   c.Name(),
			From:      c.cfg.User,
			FromName:  c.cfg.User,
			ChatID:    ChatID,
			Type:      channels.MessageText,
			Content:   line,
			Timestamp: time.Now(),
		}
		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// press turns ":<n>" into a button press when n was offered.
func (c *Console) press(line string) (*channels.CallbackQuery, bool) {
	if !strings.HasPrefix(line, ":") {
		return nil, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[1:]))
	if err != nil {
		return nil, false
	}
	c.buttonsMu.Lock()
	data, ok := c.buttons[n]
	msgID := c.buttonMessage
	c.buttonsMu.Unlock()
	if !ok {
		c.printf("no button %d\n", n)
		return nil, true
	}
	return &channels.CallbackQuery{
		ID:        "cb-" + strconv.FormatInt(c.seq.Add(1), 10),
		Channel:   c.Name(),
		From:      c.cfg.User,
		FromName:  c.cfg.User,
		ChatID:    ChatID,
		MessageID: msgID,
		Data:      data,
	}, true
}

// Send prints the message and its buttons.
func (c *Console) Send(_ context.Context, _ string, message *channels.OutgoingMessage) error {
	if !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	id := "out-" + strconv.FormatInt(c.seq.Add(1), 10)

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(message.Content)
	b.WriteString("\n")
	if len(message.Buttons) > 0 {
		c.buttonsMu.Lock()
		c.buttons = make(map[int]string)
		c.buttonMessage = id
		n := 0
		for _, row := range message.Buttons {
			for _, btn := range row {
				n++
				c.buttons[n] = btn.Data
				fmt.Fprintf(&b, "  [:%d] %s\n", n, btn.Text)
			}
		}
		c.buttonsMu.Unlock()
	}
	c.printf("%s\n", b.String())
	return nil
}

// SendMedia prints a placeholder for the attachment.
func (c *Console) SendMedia(_ context.Context, _ string, media *channels.MediaMessage) error {
	if !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	c.printf("[%s attachment %s, %d bytes]\n", media.Type, media.Filename, len(media.Data))
	return nil
}

// DownloadMedia is not supported: the console only carries text.
func (c *Console) DownloadMedia(context.Context, *channels.IncomingMessage) ([]byte, string, error) {
	return nil, "", channels.ErrMediaNotSupported
}

// AnswerCallback prints the acknowledgement.
func (c *Console) AnswerCallback(_ context.Context, _, text string) error {
	if text != "" {
		c.printf("(%s)\n", text)
	}
	return nil
}

// EditMessage prints the replacement text and retires the buttons it had.
func (c *Console) EditMessage(_ context.Context, _, messageID, text string) error {
	c.buttonsMu.Lock()
	if c.buttonMessage == messageID {
		c.buttons = make(map[int]string)
		c.buttonMessage = ""
	}
	c.buttonsMu.Unlock()
	c.printf("%s\n", text)
	return nil
}

// Receive returns the incoming messages channel.
func (c *Console) Receive() <-chan *channels.IncomingMessage { return c.messages }

// Callbacks returns the button press channel.
func (c *Console) Callbacks() <-chan *channels.CallbackQuery { return c.callbacks }

// IsConnected reports whether the terminal is open.
func (c *Console) IsConnected() bool { return c.connected.Load() }

// Health returns the channel health status.
func (c *Console) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := c.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{Connected: c.connected.Load(), LastMessageAt: lastAt}
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

var (
	_ channels.MediaChannel       = (*Console)(nil)
	_ channels.InteractiveChannel = (*Console)(nil)
)
