// Package channels defines the messaging transports the assistant talks
// through. Each transport implements Channel to receive messages and button
// presses and to send replies in a unified way.
package channels

import (
	"context"
	"errors"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageAudio    MessageType = "audio"
	MessageImage    MessageType = "image"
	MessageDocument MessageType = "document"
	MessageOther    MessageType = "other"
)

// Channel is implemented by every transport.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram", "console").
	Name() string

	// Connect starts receiving. It returns once the transport is ready.
	Connect(ctx context.Context) error

	// Disconnect stops receiving.
	Disconnect() error

	// Send delivers a text message, optionally with buttons.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive emits incoming messages.
	Receive() <-chan *IncomingMessage

	// Callbacks emits button presses.
	Callbacks() <-chan *CallbackQuery

	IsConnected() bool
	Health() HealthStatus
}

// MediaChannel is implemented by transports that carry files and voice.
type MediaChannel interface {
	Channel

	// SendMedia sends a file. Audio is delivered as a voice note when the
	// transport and format allow it.
	SendMedia(ctx context.Context, to string, media *MediaMessage) error

	// DownloadMedia fetches the media attached to an incoming message and
	// returns its bytes and MIME type.
	DownloadMedia(ctx context.Context, msg *IncomingMessage) ([]byte, string, error)
}

// PresenceChannel is implemented by transports with a typing indicator.
type PresenceChannel interface {
	Channel
	SendTyping(ctx context.Context, to string) error
}

// InteractiveChannel is implemented by transports whose buttons need an
// acknowledgement and whose messages can be edited afterwards.
type InteractiveChannel interface {
	Channel

	// AnswerCallback acknowledges a button press with an optional toast.
	AnswerCallback(ctx context.Context, callbackID, text string) error

	// EditMessage replaces the text of a sent message and drops its buttons.
	EditMessage(ctx context.Context, chatID, messageID, text string) error
}

// IncomingMessage is a message received from any channel.
type IncomingMessage struct {
	// ID is the message identifier in the source channel.
	ID string

	// Channel is the source channel name.
	Channel string

	// From is the sender identity on the platform.
	From string

	// FromName is the sender display name (if available).
	FromName string

	// ChatID is the chat the reply goes to.
	ChatID string

	IsGroup bool
	Type    MessageType

	// Content is the text, or the caption for media.
	Content string

	Timestamp time.Time

	// Media describes the attachment, if any.
	Media *MediaInfo
}

// IsVoice reports whether the message carries audio to transcribe.
func (m *IncomingMessage) IsVoice() bool {
	return m.Type == MessageAudio && m.Media != nil
}

// CallbackQuery is a button press.
type CallbackQuery struct {
	ID        string
	Channel   string
	From      string
	FromName  string
	ChatID    string
	MessageID string

	// Data is the button's callback data, e.g. "approve:<id>".
	Data string
}

// Button is an inline button. Data comes back in a CallbackQuery.
type Button struct {
	Text  string
	Data  string
	Style ButtonStyle
}

// ButtonStyle hints the button's colour where the transport supports it.
type ButtonStyle string

const (
	ButtonDefault ButtonStyle = ""
	ButtonPrimary ButtonStyle = "primary"
	ButtonSuccess ButtonStyle = "success"
	ButtonDanger  ButtonStyle = "danger"
)

// OutgoingMessage is a text message to send.
type OutgoingMessage struct {
	Content string

	// ReplyTo is the message being answered, if any.
	ReplyTo string

	// Buttons are laid out row by row.
	Buttons [][]Button
}

// MediaMessage is a file to send.
type MediaMessage struct {
	Type     MessageType
	Data     []byte
	MimeType string
	Filename string
	Caption  string
	ReplyTo  string
}

// MediaInfo describes media attached to an incoming message.
type MediaInfo struct {
	Type MessageType

	// FileID is the platform handle used to download the file.
	FileID   string
	MimeType string
	Filename string
	FileSize int64

	// Duration is in seconds (audio/video).
	Duration int
}

// HealthStatus is the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrUnknownChannel      = errors.New("unknown channel")
	ErrMediaNotSupported   = errors.New("media not supported by this channel")
	ErrMediaDownloadFailed = errors.New("failed to download media")
)
