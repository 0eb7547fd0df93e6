package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/channels"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/llm"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/store"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/stt"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/tts"
)

const greeting = "👋 Hey! I'm your AI assistant.\n\n" +
	"🎙 Send me a voice message or just type.\n" +
	"Use /new to start a fresh conversation.\n" +
	"Use /settings to configure voice replies.\n" +
	"Use /help for all commands."

const helpText = "Available commands:\n" +
	"/start - Start / restart the bot\n" +
	"/new - Start a new conversation\n" +
	"/history - List recent conversations\n" +
	"/settings - Open settings menu\n" +
	"/help - Show help"

const summaryPrompt = "Summarize this conversation in 1-2 short sentences. Be concise and capture the key topic."

// handleMessage is the mailbox task for one inbound message.
func (o *Orchestrator) handleMessage(ctx context.Context, msg *channels.IncomingMessage) {
	start := time.Now()
	logger := o.logger.With(
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
		"from", msg.From,
		"msg_id", msg.ID,
	)
	logger.Info("incoming message",
		"type", string(msg.Type),
		"content_preview", preview(msg.Content, 50),
	)

	user, err := o.Store.EnsureUser(ctx, msg.From, msg.FromName)
	if err != nil {
		logger.Error("failed to load user", "error", err)
		o.sendText(ctx, msg.Channel, msg.ChatID, msgSomethingWrong)
		return
	}

	if o.handleCommand(ctx, msg, user) {
		logger.Info("command processed", "duration_ms", time.Since(start).Milliseconds())
		return
	}

	text := strings.TrimSpace(msg.Content)
	if msg.IsVoice() {
		text, err = o.transcribe(ctx, msg)
		if err != nil {
			logger.Warn("voice message not transcribed", "error", err)
			o.sendText(ctx, msg.Channel, msg.ChatID, "🤔 "+stt.FailureMessage)
			return
		}
		logger.Info("voice message transcribed", "chars", len(text))
	}
	if text == "" {
		logger.Debug("ignoring message without text")
		return
	}

	conv, err := o.Store.ActiveConversation(ctx, user.ID)
	if err != nil {
		logger.Error("failed to load conversation", "error", err)
		o.sendText(ctx, msg.Channel, msg.ChatID, msgSomethingWrong)
		return
	}
	saved, err := o.History.Append(ctx, conv.ID, store.Message{Role: llm.RoleUser, Content: text})
	switch {
	case err != nil && saved.ID == "":
		logger.Error("failed to store message", "conversation_id", conv.ID, "error", err)
		o.sendText(ctx, msg.Channel, msg.ChatID, msgSomethingWrong)
		return
	case err != nil:
		logger.Warn("message stored but compaction failed", "conversation_id", conv.ID, "error", err)
	}
	o.countMessage(ctx, user.ID, conv.ID)

	rt := route{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		UserID:  user.ID,
		Voice:   wantsVoice(user.Settings.ResponseMode, msg.IsVoice()),
	}
	o.respond(ctx, rt, conv.ID, 0, nil)

	logger.Info("message processed",
		"conversation_id", conv.ID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// handleCommand runs a chat command and reports whether the message was
// one. Unknown commands fall through to the model.
func (o *Orchestrator) handleCommand(ctx context.Context, msg *channels.IncomingMessage, user store.User) bool {
	content := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(content, "/") {
		return false
	}
	cmd, _, _ := strings.Cut(strings.ToLower(strings.Fields(content)[0]), "@")

	switch cmd {
	case "/start":
		o.sendText(ctx, msg.Channel, msg.ChatID, greeting)
	case "/help":
		o.sendText(ctx, msg.Channel, msg.ChatID, helpText)
	case "/new":
		if _, err := o.Reset(ctx, user.ID); err != nil {
			o.logger.Error("reset failed", "user_id", user.ID, "error", err)
			o.sendText(ctx, msg.Channel, msg.ChatID, msgSomethingWrong)
			return true
		}
		o.sendText(ctx, msg.Channel, msg.ChatID, "🆕 New conversation started!")
	case "/history":
		o.historyCommand(ctx, msg, user)
	case "/settings":
		o.settingsCommand(ctx, msg, user)
	default:
		return false
	}
	return true
}

func (o *Orchestrator) historyCommand(ctx context.Context, msg *channels.IncomingMessage, user store.User) {
	convs, err := o.Store.Conversations(ctx, user.ID, 10)
	if err != nil {
		o.logger.Error("failed to list conversations", "user_id", user.ID, "error", err)
		o.sendText(ctx, msg.Channel, msg.ChatID, msgSomethingWrong)
		return
	}
	if len(convs) == 0 {
		o.sendText(ctx, msg.Channel, msg.ChatID, "No conversations yet. Send a message to start!")
		return
	}

	rows := make([][]channels.Button, 0, len(convs))
	for _, c := range convs {
		rows = append(rows, []channels.Button{{Text: conversationLabel(c), Data: "conv:" + c.ID}})
	}
	o.sendText(ctx, msg.Channel, msg.ChatID, "📜 Recent conversations:", rows...)
}

func conversationLabel(c store.Conversation) string {
	switch {
	case c.Title != "" && c.Title != store.DefaultTitle:
		return preview(c.Title, 40)
	case c.Summary != "":
		return preview(c.Summary, 40)
	default:
		return c.CreatedAt.Local().Format("Jan 02, 15:04")
	}
}

func (o *Orchestrator) settingsCommand(ctx context.Context, msg *channels.IncomingMessage, user store.User) {
	engine := o.opts.DefaultEngine
	if user.Settings.TTSEngine != "" {
		engine = tts.ParseEngine(user.Settings.TTSEngine)
	}
	mode := user.Settings.ResponseMode
	if mode == "" {
		mode = ModeAuto
	}

	mark := func(on bool) string {
		if on {
			return "✅"
		}
		return "⬜"
	}
	engines := make([]channels.Button, 0, len(tts.Engines))
	for _, e := range tts.Engines {
		engines = append(engines, channels.Button{
			Text: mark(e == engine) + " " + e.DisplayName(),
			Data: "set_tts:" + string(e),
		})
	}
	modes := make([]channels.Button, 0, 3)
	for _, m := range []string{ModeAuto, ModeText, ModeVoice} {
		modes = append(modes, channels.Button{
			Text: mark(m == mode) + " " + modeLabel(m),
			Data: "set_mode:" + m,
		})
	}

	text := fmt.Sprintf("⚙️ Settings\n\nVoice engine: %s\nReply mode: %s", engine.DisplayName(), modeLabel(mode))
	o.sendText(ctx, msg.Channel, msg.ChatID, text, engines, modes)
}

func modeLabel(mode string) string {
	switch mode {
	case ModeText:
		return "🔤 Text Only"
	case ModeVoice:
		return "🎙 Voice Only"
	default:
		return "🤖 Auto"
	}
}

// switchConversation is the mailbox task behind a conv:<id> button.
func (o *Orchestrator) switchConversation(ctx context.Context, cb *channels.CallbackQuery, conversationID string) {
	conv, err := o.Store.SwitchConversation(ctx, cb.From, conversationID)
	if err != nil {
		o.logger.Warn("conversation switch failed", "user_id", cb.From, "conversation_id", conversationID, "error", err)
		o.answer(ctx, cb, "❌ Conversation not found.")
		return
	}
	o.answer(ctx, cb, "Conversation loaded!")

	msgs, err := o.Store.Messages(ctx, conv.ID)
	if err != nil {
		o.logger.Error("failed to load conversation", "conversation_id", conv.ID, "error", err)
		return
	}
	if len(msgs) == 0 {
		o.sendText(ctx, cb.Channel, cb.ChatID, "📂 Switched to this conversation. It's empty, send a message to start!")
		return
	}

	summary := conv.Summary
	if summary == "" {
		summary, err = o.summarizeConversation(ctx, msgs)
		if err != nil {
			o.logger.Warn("failed to summarize conversation", "conversation_id", conv.ID, "error", err)
			summary = fmt.Sprintf("%d messages in this conversation", len(msgs))
		} else if err := o.Store.SetConversationSummary(ctx, conv.ID, summary); err != nil {
			o.logger.Warn("failed to store conversation summary", "conversation_id", conv.ID, "error", err)
		}
	}
	o.sendText(ctx, cb.Channel, cb.ChatID, fmt.Sprintf(
		"📂 Switched to conversation (%d messages)\n\n📝 %s\n\nContinue where you left off!", len(msgs), summary))
}

func (o *Orchestrator) summarizeConversation(ctx context.Context, msgs []store.Message) (string, error) {
	if len(msgs) > 10 {
		msgs = msgs[len(msgs)-10:]
	}
	out, err := o.Model.CompleteText(ctx, summaryPrompt, transcript(msgs, 200))
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("model returned an empty summary")
	}
	return out, nil
}

func (o *Orchestrator) setEngine(ctx context.Context, cb *channels.CallbackQuery, name string) {
	engine := tts.ParseEngine(name)
	_, err := o.Store.UpdateSettings(ctx, cb.From, func(s *store.Settings) {
		s.TTSEngine = string(engine)
	})
	if err != nil {
		o.logger.Error("failed to update settings", "user_id", cb.From, "error", err)
		o.answer(ctx, cb, "⚠️ Could not save the setting.")
		return
	}
	if engine == tts.EngineXTTS {
		if r, ok := o.Speech.(interface{ ResetXTTS() }); ok {
			r.ResetXTTS()
		}
	}
	o.answer(ctx, cb, "TTS set to: "+engine.DisplayName())
}

func (o *Orchestrator) setMode(ctx context.Context, cb *channels.CallbackQuery, mode string) {
	switch mode {
	case ModeAuto, ModeText, ModeVoice:
	default:
		mode = ModeAuto
	}
	_, err := o.Store.UpdateSettings(ctx, cb.From, func(s *store.Settings) {
		s.ResponseMode = mode
	})
	if err != nil {
		o.logger.Error("failed to update settings", "user_id", cb.From, "error", err)
		o.answer(ctx, cb, "⚠️ Could not save the setting.")
		return
	}
	o.answer(ctx, cb, "Response mode: "+modeLabel(mode))
}

func (o *Orchestrator) answer(ctx context.Context, cb *channels.CallbackQuery, text string) {
	if err := o.Transport.AnswerCallback(ctx, cb, text); err != nil {
		o.logger.Debug("callback answer failed", "callback_id", cb.ID, "error", err)
	}
}

// transcript renders messages as "role: content" lines, each capped at
// limit bytes when limit is positive.
func transcript(msgs []store.Message, limit int) string {
	var b strings.Builder
	for _, m := range msgs {
		if len(m.ToolCalls) > 0 || m.Content == "" {
			continue
		}
		content := m.Content
		if limit > 0 {
			content = preview(content, limit)
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, content)
	}
	return b.String()
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
