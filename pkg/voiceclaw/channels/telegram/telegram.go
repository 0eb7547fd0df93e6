// Package telegram implements the Telegram channel using the Bot API
// directly over HTTP.
//
// Features:
//   - Long polling for updates (getUpdates)
//   - Text and voice messages; voice downloaded via getFile
//   - Inline keyboards and callback queries (approval and settings buttons)
//   - Voice replies (sendVoice) with sendAudio/sendDocument fallbacks
//   - Typing indicators (sendChatAction)
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/channels"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// maxMessageLength is Telegram's limit for one text message.
const maxMessageLength = 4096

// Config holds Telegram channel configuration.
type Config struct {
	// Token is the Bot API token (from @BotFather).
	Token string `yaml:"token"`

	// AllowedChats restricts which chat IDs the bot responds to.
	// Empty means respond to all chats.
	AllowedChats []int64 `yaml:"allowed_chats"`

	// ParseMode for outgoing messages ("HTML", "Markdown" or empty for
	// plain text).
	ParseMode string `yaml:"parse_mode"`

	// PollTimeout is the long-poll duration in seconds (default 30).
	PollTimeout int `yaml:"poll_timeout"`

	// APIURL overrides the Bot API base URL.
	APIURL string `yaml:"api_url"`
}

// Telegram implements channels.Channel, channels.MediaChannel,
// channels.PresenceChannel and channels.InteractiveChannel.
type Telegram struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	// baseURL is <api>/bot<token>; fileURL is <api>/file/bot<token>.
	baseURL string
	fileURL string

	messages  chan *channels.IncomingMessage
	callbacks chan *channels.CallbackQuery

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	// offset is the last processed update ID + 1.
	offset int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Telegram channel.
func New(cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	api := strings.TrimRight(cfg.APIURL, "/")
	if api == "" {
		api = DefaultAPIURL
	}
	return &Telegram{
		cfg:       cfg,
		logger:    logger.With("component", "telegram"),
		client:    &http.Client{Timeout: time.Duration(cfg.PollTimeout+30) * time.Second},
		baseURL:   api + "/bot" + cfg.Token,
		fileURL:   api + "/file/bot" + cfg.Token,
		messages:  make(chan *channels.IncomingMessage, 256),
		callbacks: make(chan *channels.CallbackQuery, 64),
	}
}

// Name returns "telegram".
func (t *Telegram) Name() string { return "telegram" }

// Connect verifies the token and starts the polling loop.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}
	if t.connected.Load() {
		return nil
	}

	t.ctx, t.cancel = context.WithCancel(ctx)

	me, err := t.getMe(t.ctx)
	if err != nil {
		t.cancel()
		return fmt.Errorf("telegram: failed to verify token: %w", err)
	}
	t.logger.Info("telegram: connected", "bot", me.Username, "id", me.ID)
	t.connected.Store(true)

	t.done = make(chan struct{})
	go t.pollLoop()
	return nil
}

// Disconnect stops the polling loop and waits for it to exit.
func (t *Telegram) Disconnect() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.done != nil {
		<-t.done
	}
	t.connected.Store(false)
	t.logger.Info("telegram: disconnected")
	return nil
}

// Send sends a text message. Long text is split across several messages;
// buttons go on the last one.
func (t *Telegram) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", to, err)
	}

	chunks := splitMessage(message.Content, maxMessageLength)
	for i, chunk := range chunks {
		payload := map[string]any{
			"chat_id": chatID,
			"text":    chunk,
		}
		if t.cfg.ParseMode != "" {
			payload["parse_mode"] = t.cfg.ParseMode
		}
		if i == 0 && message.ReplyTo != "" {
			if msgID, e := strconv.ParseInt(message.ReplyTo, 10, 64); e == nil {
				payload["reply_parameters"] = map[string]any{"message_id": msgID, "allow_sending_without_reply": true}
			}
		}
		if i == len(chunks)-1 {
			if markup := buildReplyMarkup(message.Buttons); markup != nil {
				payload["reply_markup"] = markup
			}
		}
		if _, err := t.apiCall(ctx, "sendMessage", payload); err != nil {
			return err
		}
	}
	return nil
}

// Receive returns the incoming messages channel.
func (t *Telegram) Receive() <-chan *channels.IncomingMessage { return t.messages }

// Callbacks returns the button press channel.
func (t *Telegram) Callbacks() <-chan *channels.CallbackQuery { return t.callbacks }

// IsConnected reports whether polling is running.
func (t *Telegram) IsConnected() bool { return t.connected.Load() }

// Health returns the channel health status.
func (t *Telegram) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := t.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     t.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(t.errorCount.Load()),
	}
}

// SendMedia uploads a file. Ogg/Opus audio goes out as a voice note, other
// audio as an audio file.
func (t *Telegram) SendMedia(ctx context.Context, to string, media *channels.MediaMessage) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", to, err)
	}

	method, field := "sendDocument", "document"
	switch media.Type {
	case channels.MessageAudio:
		if strings.HasPrefix(media.MimeType, "audio/ogg") {
			method, field = "sendVoice", "voice"
		} else {
			method, field = "sendAudio", "audio"
		}
	case channels.MessageImage:
		method, field = "sendPhoto", "photo"
	}
	return t.uploadFile(ctx, method, chatID, field, media)
}

// DownloadMedia resolves the file via getFile and downloads it.
func (t *Telegram) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	if msg.Media == nil || msg.Media.FileID == "" {
		return nil, "", channels.ErrMediaDownloadFailed
	}

	file, err := t.getFile(ctx, msg.Media.FileID)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: getFile failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.fileURL+"/"+file.FilePath, nil)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: creating download request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: telegram returned %d", channels.ErrMediaDownloadFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, "", fmt.Errorf("telegram: reading media: %w", err)
	}
	return data, msg.Media.MimeType, nil
}

// SendTyping sends a "typing..." chat action.
func (t *Telegram) SendTyping(ctx context.Context, to string) error {
	if !t.connected.Load() {
		return nil
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return nil
	}
	_, err = t.apiCall(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	})
	return err
}

// AnswerCallback acknowledges a button press.
func (t *Telegram) AnswerCallback(ctx context.Context, callbackID, text string) error {
	payload := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
	}
	_, err := t.apiCall(ctx, "answerCallbackQuery", payload)
	return err
}

// EditMessage replaces a message's text and removes its keyboard.
func (t *Telegram) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	cid, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", chatID, err)
	}
	mid, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid message ID %q: %w", messageID, err)
	}
	payload := map[string]any{
		"chat_id":    cid,
		"message_id": mid,
		"text":       text,
	}
	if t.cfg.ParseMode != "" {
		payload["parse_mode"] = t.cfg.ParseMode
	}
	_, err = t.apiCall(ctx, "editMessageText", payload)
	return err
}

// buildReplyMarkup builds an InlineKeyboardMarkup. Callback data is capped
// at Telegram's 64 bytes.
func buildReplyMarkup(rows [][]channels.Button) map[string]any {
	var keyboard [][]map[string]any
	for _, row := range rows {
		var out []map[string]any
		for _, b := range row {
			if b.Text == "" {
				continue
			}
			data := b.Data
			if data == "" {
				data = "noop"
			}
			if len(data) > 64 {
				data = data[:64]
			}
			btn := map[string]any{"text": styledText(b), "callback_data": data}
			if b.Style != channels.ButtonDefault {
				btn["style"] = string(b.Style)
			}
			out = append(out, btn)
		}
		if len(out) > 0 {
			keyboard = append(keyboard, out)
		}
	}
	if len(keyboard) == 0 {
		return nil
	}
	return map[string]any{"inline_keyboard": keyboard}
}

// styledText prefixes an emoji for clients without native button styles.
func styledText(b channels.Button) string {
	switch b.Style {
	case channels.ButtonSuccess:
		return "✅ " + b.Text
	case channels.ButtonDanger:
		return "❌ " + b.Text
	}
	return b.Text
}

// pollLoop runs the getUpdates long-polling loop.
func (t *Telegram) pollLoop() {
	defer close(t.done)
	t.logger.Info("telegram: polling started")
	backoff := time.Second

	for {
		select {
		case <-t.ctx.Done():
			t.logger.Info("telegram: polling stopped")
			return
		default:
		}

		updates, err := t.getUpdates(t.ctx, t.offset, 100, t.cfg.PollTimeout)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.errorCount.Add(1)
			t.logger.Warn("telegram: getUpdates error", "error", err, "backoff", backoff)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		t.errorCount.Store(0)

		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			t.processUpdate(u)
		}
	}
}

// processUpdate converts an update into an IncomingMessage or a
// CallbackQuery.
func (t *Telegram) processUpdate(u tgUpdate) {
	if u.CallbackQuery != nil {
		t.processCallback(u.CallbackQuery)
		return
	}

	msg := u.Message
	if msg == nil {
		return
	}
	if !t.allowed(msg.Chat.ID) {
		return
	}

	incoming := &channels.IncomingMessage{
		ID:        strconv.FormatInt(int64(msg.MessageID), 10),
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		IsGroup:   msg.Chat.Type == "group" || msg.Chat.Type == "supergroup",
		Type:      channels.MessageText,
		Content:   msg.Text,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}
	if msg.From != nil {
		incoming.From = strconv.FormatInt(msg.From.ID, 10)
		incoming.FromName = displayName(msg.From)
	}
	if incoming.Content == "" {
		incoming.Content = msg.Caption
	}

	switch {
	case msg.Voice != nil:
		incoming.Type = channels.MessageAudio
		incoming.Media = &channels.MediaInfo{
			Type:     channels.MessageAudio,
			FileID:   msg.Voice.FileID,
			MimeType: msg.Voice.MimeType,
			Filename: "voice.ogg",
			FileSize: msg.Voice.FileSize,
			Duration: msg.Voice.Duration,
		}
	case msg.Audio != nil:
		incoming.Type = channels.MessageAudio
		incoming.Media = &channels.MediaInfo{
			Type:     channels.MessageAudio,
			FileID:   msg.Audio.FileID,
			MimeType: msg.Audio.MimeType,
			Filename: msg.Audio.FileName,
			FileSize: msg.Audio.FileSize,
			Duration: msg.Audio.Duration,
		}
	case len(msg.Photo) > 0:
		incoming.Type = channels.MessageImage
	case msg.Document != nil:
		incoming.Type = channels.MessageDocument
	case msg.Text == "" && msg.Caption == "":
		incoming.Type = channels.MessageOther
	}

	t.lastMsg.Store(time.Now())
	select {
	case t.messages <- incoming:
	default:
		t.logger.Warn("telegram: message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

func (t *Telegram) processCallback(q *tgCallbackQuery) {
	cb := &channels.CallbackQuery{
		ID:      q.ID,
		Channel: "telegram",
		From:    strconv.FormatInt(q.From.ID, 10),
		Data:    q.Data,
	}
	cb.FromName = displayName(&q.From)
	if q.Message != nil {
		if !t.allowed(q.Message.Chat.ID) {
			return
		}
		cb.ChatID = strconv.FormatInt(q.Message.Chat.ID, 10)
		cb.MessageID = strconv.Itoa(q.Message.MessageID)
	}

	select {
	case t.callbacks <- cb:
	default:
		t.logger.Warn("telegram: callback buffer full, dropping callback", "callback_id", q.ID)
	}
}

func (t *Telegram) allowed(chatID int64) bool {
	if len(t.cfg.AllowedChats) == 0 {
		return true
	}
	for _, id := range t.cfg.AllowedChats {
		if id == chatID {
			return true
		}
	}
	return false
}

func displayName(u *tgUser) string {
	if n := strings.TrimSpace(u.FirstName + " " + u.LastName); n != "" {
		return n
	}
	return u.Username
}

// splitMessage cuts text into chunks of at most max bytes, preferring
// newline boundaries.
func splitMessage(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}
	var chunks []string
	for len(text) > max {
		cut := strings.LastIndex(text[:max], "\n")
		if cut <= 0 {
			cut = max
			for cut > 0 && text[cut]&0xC0 == 0x80 {
				cut--
			}
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// ---------- Telegram Bot API Types ----------

type tgUpdate struct {
	UpdateID      int64            `json:"update_id"`
	Message       *tgMessage       `json:"message"`
	CallbackQuery *tgCallbackQuery `json:"callback_query"`
}

type tgCallbackQuery struct {
	ID      string     `json:"id"`
	From    tgUser     `json:"from"`
	Message *tgMessage `json:"message"`
	Data    string     `json:"data"`
}

type tgMessage struct {
	MessageID int         `json:"message_id"`
	From      *tgUser     `json:"from"`
	Chat      tgChat      `json:"chat"`
	Date      int         `json:"date"`
	Text      string      `json:"text"`
	Caption   string      `json:"caption"`
	Voice     *tgAudio    `json:"voice"`
	Audio     *tgAudio    `json:"audio"`
	Photo     []tgFile    `json:"photo"`
	Document  *tgDocument `json:"document"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	IsBot     bool   `json:"is_bot"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"` // "private", "group", "supergroup", "channel"
}

type tgAudio struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	Duration int    `json:"duration"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

type tgDocument struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
}

type tgFile struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
	FileSize int64  `json:"file_size"`
}

// ---------- API Helpers ----------

// apiCall POSTs a JSON payload to a Bot API method.
func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(req, method)
}

func (t *Telegram) do(req *http.Request, method string) (json.RawMessage, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("telegram: decoding %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram: %s: %s", method, result.Description)
	}
	return result.Result, nil
}

func (t *Telegram) getMe(ctx context.Context) (*tgUser, error) {
	data, err := t.apiCall(ctx, "getMe", map[string]any{})
	if err != nil {
		return nil, err
	}
	var user tgUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("telegram: parsing getMe: %w", err)
	}
	return &user, nil
}

func (t *Telegram) getUpdates(ctx context.Context, offset int64, limit, timeoutSecs int) ([]tgUpdate, error) {
	data, err := t.apiCall(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"limit":           limit,
		"timeout":         timeoutSecs,
		"allowed_updates": []string{"message", "callback_query"},
	})
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parsing updates: %w", err)
	}
	return updates, nil
}

func (t *Telegram) getFile(ctx context.Context, fileID string) (*tgFile, error) {
	data, err := t.apiCall(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return nil, err
	}
	var file tgFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("telegram: parsing getFile: %w", err)
	}
	return &file, nil
}

// uploadFile sends a file with multipart form data.
func (t *Telegram) uploadFile(ctx context.Context, method string, chatID int64, field string, media *channels.MediaMessage) error {
	if len(media.Data) == 0 {
		return fmt.Errorf("telegram: media data is required for upload")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("chat_id", strconv.FormatInt(chatID, 10))
	if media.Caption != "" {
		_ = w.WriteField("caption", media.Caption)
	}
	if media.ReplyTo != "" {
		_ = w.WriteField("reply_to_message_id", media.ReplyTo)
	}

	filename := media.Filename
	if filename == "" {
		filename = "file"
	}
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return fmt.Errorf("telegram: creating form file: %w", err)
	}
	if _, err := part.Write(media.Data); err != nil {
		return fmt.Errorf("telegram: writing file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("telegram: closing form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, &buf)
	if err != nil {
		return fmt.Errorf("telegram: creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	_, err = t.do(req, method)
	return err
}

// Compile-time interface verification.
var (
	_ channels.Channel            = (*Telegram)(nil)
	_ channels.MediaChannel       = (*Telegram)(nil)
	_ channels.PresenceChannel    = (*Telegram)(nil)
	_ channels.InteractiveChannel = (*Telegram)(nil)
)
