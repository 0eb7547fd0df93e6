package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/channels"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/store"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/stt"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/tts"
)

// Reply modes stored in user settings.
const (
	ModeAuto  = "auto"
	ModeText  = "text"
	ModeVoice = "voice"
)

var errNoTranscriber = errors.New("speech-to-text is not configured")

// route is where the replies of a message or turn go.
type route struct {
	Channel string
	ChatID  string
	UserID  string
	Voice   bool
}

func routeOf(t store.Turn) route {
	return route{Channel: t.Channel, ChatID: t.ChatID, UserID: t.Requester, Voice: t.ReplyVoice}
}

// wantsVoice applies the reply mode: auto mirrors the inbound message.
func wantsVoice(mode string, inboundVoice bool) bool {
	switch mode {
	case ModeVoice:
		return true
	case ModeText:
		return false
	default:
		return inboundVoice
	}
}

// reply sends a final answer, as speech when the route asks for it. Any
// synthesis failure falls back to text.
func (o *Orchestrator) reply(ctx context.Context, rt route, text string) {
	if rt.Voice && o.Speech != nil {
		err := o.speak(ctx, rt, text)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		o.logger.Warn("voice reply failed, sending text", "chat_id", rt.ChatID, "error", err)
	}
	o.sendText(ctx, rt.Channel, rt.ChatID, text)
}

func (o *Orchestrator) speak(ctx context.Context, rt route, text string) error {
	engine := o.opts.DefaultEngine
	if u, err := o.Store.User(ctx, rt.UserID); err == nil && u.Settings.TTSEngine != "" {
		engine = tts.ParseEngine(u.Settings.TTSEngine)
	}
	audio, err := o.Speech.Speak(ctx, text, engine)
	if err != nil {
		return fmt.Errorf("synthesize with %s: %w", engine, err)
	}
	return o.Transport.SendMedia(ctx, rt.Channel, rt.ChatID, &channels.MediaMessage{
		Type:     channels.MessageAudio,
		Data:     audio.Data,
		MimeType: audio.MIMEType,
		Filename: audio.Filename,
	})
}

func (o *Orchestrator) sendText(ctx context.Context, channel, chatID, text string, buttons ...[]channels.Button) {
	if text == "" {
		return
	}
	msg := &channels.OutgoingMessage{Content: text, Buttons: buttons}
	if err := o.Transport.Send(ctx, channel, chatID, msg); err != nil {
		o.logger.Error("failed to send message",
			"channel", channel,
			"chat_id", chatID,
			"error", err,
		)
	}
}

// transcribe downloads and transcribes a voice message.
func (o *Orchestrator) transcribe(ctx context.Context, msg *channels.IncomingMessage) (string, error) {
	if o.Transcriber == nil {
		return "", errNoTranscriber
	}
	o.Transport.SendTyping(ctx, msg.Channel, msg.ChatID)

	data, _, err := o.Transport.DownloadMedia(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("download voice message: %w", err)
	}
	filename := "voice.ogg"
	if msg.Media != nil && msg.Media.Filename != "" {
		filename = msg.Media.Filename
	}
	text, err := o.Transcriber.Transcribe(ctx, data, filename)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", stt.ErrEmptyTranscript
	}
	return text, nil
}
