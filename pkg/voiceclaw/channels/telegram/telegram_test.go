package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/channels"
)

// fakeBotAPI serves a scripted Bot API and records every call.
type fakeBotAPI struct {
	t       *testing.T
	mu      sync.Mutex
	calls   []apiCall
	updates []string
	served  bool
}

type apiCall struct {
	Method  string
	Payload map[string]any
	Form    map[string]string
	File    string
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/file/bottoken/") {
		_, _ = w.Write([]byte("OggS-voice"))
		return
	}
	method := strings.TrimPrefix(r.URL.Path, "/bottoken/")
	call := apiCall{Method: method}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if assert.NoError(f.t, r.ParseMultipartForm(1<<20)) {
			call.Form = map[string]string{}
			for k, v := range r.MultipartForm.Value {
				call.Form[k] = v[0]
			}
			for k, files := range r.MultipartForm.File {
				call.File = k + ":" + files[0].Filename
			}
		}
	} else {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &call.Payload)
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	var result string
	switch method {
	case "getMe":
		result = `{"id":42,"is_bot":true,"username":"voiceclaw_bot"}`
	case "getUpdates":
		if !f.served {
			f.served = true
			result = "[" + strings.Join(f.updates, ",") + "]"
		} else {
			f.mu.Unlock()
			select {
			case <-r.Context().Done():
			case <-time.After(200 * time.Millisecond):
			}
			_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
			return
		}
	case "getFile":
		result = `{"file_id":"voice-1","file_path":"voice/file_1.oga"}`
	case "sendMessage":
		if call.Payload["text"] == "fail" {
			f.mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
			return
		}
		result = `{"message_id":7}`
	default:
		result = `true`
	}
	f.mu.Unlock()
	_, _ = w.Write([]byte(`{"ok":true,"result":` + result + `}`))
}

func (f *fakeBotAPI) callsTo(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func connect(t *testing.T, api *fakeBotAPI, cfg Config) *Telegram {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	cfg.Token = "token"
	cfg.APIURL = srv.URL
	cfg.PollTimeout = 1
	tg := New(cfg, nil)
	require.NoError(t, tg.Connect(context.Background()))
	t.Cleanup(func() { _ = tg.Disconnect() })
	return tg
}

func TestReceiveMessagesAndCallbacks(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{t: t, updates: []string{
		`{"update_id":10,"message":{"message_id":1,"from":{"id":5,"first_name":"Ana"},"chat":{"id":100,"type":"private"},"date":1700000000,"text":"hello"}}`,
		`{"update_id":11,"message":{"message_id":2,"from":{"id":5,"username":"ana"},"chat":{"id":100,"type":"private"},"date":1700000001,"voice":{"file_id":"voice-1","duration":3,"mime_type":"audio/ogg","file_size":1200}}}`,
		`{"update_id":12,"message":{"message_id":3,"from":{"id":6},"chat":{"id":999,"type":"private"},"date":1700000002,"text":"not allowed"}}`,
		`{"update_id":13,"callback_query":{"id":"cb-1","from":{"id":5,"first_name":"Ana"},"message":{"message_id":7,"chat":{"id":100,"type":"private"}},"data":"approve:abc"}}`,
	}}
	tg := connect(t, api, Config{AllowedChats: []int64{100}})

	text := receive(t, tg.Receive())
	assert.Equal(t, "hello", text.Content)
	assert.Equal(t, "5", text.From)
	assert.Equal(t, "Ana", text.FromName)
	assert.Equal(t, "100", text.ChatID)
	assert.Equal(t, channels.MessageText, text.Type)

	voice := receive(t, tg.Receive())
	require.True(t, voice.IsVoice())
	assert.Equal(t, "voice-1", voice.Media.FileID)
	assert.Equal(t, "ana", voice.FromName)

	select {
	case cb := <-tg.Callbacks():
		assert.Equal(t, "cb-1", cb.ID)
		assert.Equal(t, "approve:abc", cb.Data)
		assert.Equal(t, "100", cb.ChatID)
		assert.Equal(t, "7", cb.MessageID)
	case <-time.After(3 * time.Second):
		t.Fatal("no callback")
	}

	select {
	case m := <-tg.Receive():
		t.Fatalf("message from a disallowed chat was delivered: %q", m.Content)
	case <-time.After(100 * time.Millisecond):
	}

	data, mime, err := tg.DownloadMedia(context.Background(), voice)
	require.NoError(t, err)
	assert.Equal(t, "OggS-voice", string(data))
	assert.Equal(t, "audio/ogg", mime)

	require.Eventually(t, func() bool { return len(api.callsTo("getUpdates")) >= 2 }, 3*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, 14, api.callsTo("getUpdates")[1].Payload["offset"])
}

func receive(t *testing.T, ch <-chan *channels.IncomingMessage) *channels.IncomingMessage {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestSendWithButtons(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{t: t}
	tg := connect(t, api, Config{})

	err := tg.Send(context.Background(), "100", &channels.OutgoingMessage{
		Content: "Approve?",
		Buttons: [][]channels.Button{{
			{Text: "Approve", Data: "approve:abc", Style: channels.ButtonSuccess},
			{Text: "Deny", Data: "deny:abc", Style: channels.ButtonDanger},
		}},
	})
	require.NoError(t, err)

	sent := api.callsTo("sendMessage")
	require.Len(t, sent, 1)
	assert.EqualValues(t, 100, sent[0].Payload["chat_id"])
	assert.NotContains(t, sent[0].Payload, "parse_mode")

	markup := sent[0].Payload["reply_markup"].(map[string]any)
	rows := markup["inline_keyboard"].([]any)
	require.Len(t, rows, 1)
	row := rows[0].([]any)
	require.Len(t, row, 2)
	assert.Equal(t, "✅ Approve", row[0].(map[string]any)["text"])
	assert.Equal(t, "approve:abc", row[0].(map[string]any)["callback_data"])
	assert.Equal(t, "deny:abc", row[1].(map[string]any)["callback_data"])

	err = tg.Send(context.Background(), "100", &channels.OutgoingMessage{Content: "fail"})
	assert.ErrorContains(t, err, "chat not found")

	assert.Error(t, tg.Send(context.Background(), "not-a-number", &channels.OutgoingMessage{Content: "x"}))
}

func TestSendMediaPicksMethod(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{t: t}
	tg := connect(t, api, Config{})
	ctx := context.Background()

	require.NoError(t, tg.SendMedia(ctx, "100", &channels.MediaMessage{
		Type: channels.MessageAudio, Data: []byte("OggS"), MimeType: "audio/ogg", Filename: "reply.ogg",
	}))
	require.NoError(t, tg.SendMedia(ctx, "100", &channels.MediaMessage{
		Type: channels.MessageAudio, Data: []byte("RIFF"), MimeType: "audio/wav", Filename: "reply.wav",
	}))

	voice := api.callsTo("sendVoice")
	require.Len(t, voice, 1)
	assert.Equal(t, "voice:reply.ogg", voice[0].File)
	assert.Equal(t, "100", voice[0].Form["chat_id"])

	audio := api.callsTo("sendAudio")
	require.Len(t, audio, 1)
	assert.Equal(t, "audio:reply.wav", audio[0].File)

	assert.Error(t, tg.SendMedia(ctx, "100", &channels.MediaMessage{Type: channels.MessageAudio}))
}

func TestCallbackHelpers(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{t: t}
	tg := connect(t, api, Config{ParseMode: "HTML"})
	ctx := context.Background()

	require.NoError(t, tg.AnswerCallback(ctx, "cb-1", "Approved"))
	require.NoError(t, tg.EditMessage(ctx, "100", "7", "Approved by Ana"))

	answers := api.callsTo("answerCallbackQuery")
	require.Len(t, answers, 1)
	assert.Equal(t, "cb-1", answers[0].Payload["callback_query_id"])

	edits := api.callsTo("editMessageText")
	require.Len(t, edits, 1)
	assert.EqualValues(t, 7, edits[0].Payload["message_id"])
	assert.Equal(t, "HTML", edits[0].Payload["parse_mode"])
}

func TestSendRequiresConnection(t *testing.T) {
	t.Parallel()
	tg := New(Config{Token: "x"}, nil)
	err := tg.Send(context.Background(), "1", &channels.OutgoingMessage{Content: "hi"})
	assert.ErrorIs(t, err, channels.ErrChannelDisconnected)
	assert.Error(t, New(Config{}, nil).Connect(context.Background()))
}

func TestSplitMessage(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))
	assert.Equal(t, []string{"line one", "line two"}, splitMessage("line one\nline two", 10))
	assert.Equal(t, []string{"abcdefghij", "klm"}, splitMessage("abcdefghijklm", 10))

	long := strings.Repeat("é", 10)
	for _, chunk := range splitMessage(long, 5) {
		assert.True(t, len(chunk) <= 5)
		assert.NotContains(t, chunk, "�")
	}
}
