package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/approval"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/channels"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/database"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/database/dbtest"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/history"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/llm"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/persona"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/risk"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/store"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/stt"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/tools"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/tts"
)

const (
	testChannel = "test"
	userID      = "user-1"
	userChat    = "chat-1"
	adminID     = "admin"
	adminChat   = "admins"
)

// ---------- Model ----------

type script func(msgs []llm.Message) (*llm.Response, error)

type fakeModel struct {
	mu       sync.Mutex
	script   script
	text     func(system, prompt string) (string, error)
	requests [][]llm.Message
	tools    [][]llm.ToolDefinition
	prompts  []string
}

func (m *fakeModel) Complete(_ context.Context, msgs []llm.Message, defs []llm.ToolDefinition) (*llm.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, msgs)
	m.tools = append(m.tools, defs)
	s := m.script
	m.mu.Unlock()
	if s == nil {
		return &llm.Response{Content: "ok"}, nil
	}
	return s(msgs)
}

func (m *fakeModel) CompleteText(_ context.Context, system, prompt string) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, system)
	fn := m.text
	m.mu.Unlock()
	if fn == nil {
		return "a short summary", nil
	}
	return fn(system, prompt)
}

func (m *fakeModel) setScript(s script) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = s
}

func (m *fakeModel) setText(fn func(system, prompt string) (string, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text = fn
}

func (m *fakeModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *fakeModel) request(i int) ([]llm.Message, []llm.ToolDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i], m.tools[i]
}

// trailingResults returns the tool results at the end of a request.
func trailingResults(msgs []llm.Message) []llm.Message {
	i := len(msgs)
	for i > 0 && msgs[i-1].Role == llm.RoleTool {
		i--
	}
	return msgs[i:]
}

// callThenAnswer requests calls on a fresh user message and, once results
// come back, answers with "done: " followed by the results.
func callThenAnswer(calls ...llm.ToolCall) script {
	return func(msgs []llm.Message) (*llm.Response, error) {
		results := trailingResults(msgs)
		if len(results) == 0 {
			return &llm.Response{ToolCalls: calls, FinishReason: "tool_calls"}, nil
		}
		outs := make([]string, len(results))
		for i, r := range results {
			outs[i] = r.Content
		}
		return &llm.Response{Content: "done: " + strings.Join(outs, " | ")}, nil
	}
}

func answer(text string) script {
	return func([]llm.Message) (*llm.Response, error) {
		return &llm.Response{Content: text}, nil
	}
}

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: args}
}

// ---------- Transport ----------

type outbound struct {
	Channel string
	ChatID  string
	Text    string
	Buttons [][]channels.Button
}

type fakeTransport struct {
	mu        sync.Mutex
	sent      []outbound
	media     []*channels.MediaMessage
	answers   []string
	edits     []string
	audio     []byte
	messages  chan *channels.IncomingMessage
	callbacks chan *channels.CallbackQuery
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		audio:     []byte("OggS voice"),
		messages:  make(chan *channels.IncomingMessage, 8),
		callbacks: make(chan *channels.CallbackQuery, 8),
	}
}

func (f *fakeTransport) Messages() <-chan *channels.IncomingMessage { return f.messages }
func (f *fakeTransport) Callbacks() <-chan *channels.CallbackQuery  { return f.callbacks }

func (f *fakeTransport) Send(_ context.Context, channel, to string, msg *channels.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, outbound{Channel: channel, ChatID: to, Text: msg.Content, Buttons: msg.Buttons})
	return nil
}

func (f *fakeTransport) SendMedia(_ context.Context, _, _ string, media *channels.MediaMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, media)
	return nil
}

func (f *fakeTransport) DownloadMedia(context.Context, *channels.IncomingMessage) ([]byte, string, error) {
	return f.audio, "audio/ogg", nil
}

func (f *fakeTransport) SendTyping(context.Context, string, string) {}

func (f *fakeTransport) AnswerCallback(_ context.Context, _ *channels.CallbackQuery, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeTransport) EditMessage(_ context.Context, _, _, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

// outbox returns the messages sent to a chat.
func (f *fakeTransport) outbox(chatID string) []outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []outbound
	for _, m := range f.sent {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) texts(chatID string) []string {
	var out []string
	for _, m := range f.outbox(chatID) {
		out = append(out, m.Text)
	}
	return out
}

func (f *fakeTransport) answered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.answers...)
}

func (f *fakeTransport) edited() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.edits...)
}

func (f *fakeTransport) sentMedia() []*channels.MediaMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*channels.MediaMessage(nil), f.media...)
}

// ---------- Speech ----------

type fakeSpeech struct {
	mu      sync.Mutex
	err     error
	spoken  []string
	engines []tts.Engine
	resets  int
}

func (s *fakeSpeech) Speak(_ context.Context, text string, engine tts.Engine) (tts.Audio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return tts.Audio{}, s.err
	}
	s.spoken = append(s.spoken, text)
	s.engines = append(s.engines, engine)
	return tts.Audio{Data: []byte("RIFF"), MIMEType: "audio/wav", Filename: "reply.wav"}, nil
}

func (s *fakeSpeech) ResetXTTS() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f fakeTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return f.text, f.err
}

var _ stt.Transcriber = fakeTranscriber{}

type fixedPersona struct{}

func (fixedPersona) Current() *persona.Persona {
	return &persona.Persona{Soul: "Be helpful and brief."}
}

// ---------- Tools ----------

type toolRuns struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *toolRuns) inc(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name]++
}

func (r *toolRuns) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

func testRegistry(t *testing.T, runs *toolRuns) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.Tool{
		Name:        "lookup",
		Description: "Look something up.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`),
		Handler: func(_ context.Context, c tools.Call) (string, error) {
			runs.inc("lookup")
			return fmt.Sprintf("found %v", c.Args["q"]), nil
		},
	}))
	require.NoError(t, reg.Register(tools.Tool{
		Name:        "deploy",
		Description: "Deploy a service.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"target":{"type":"string"}},"required":["target"]}`),
		Handler: func(_ context.Context, c tools.Call) (string, error) {
			runs.inc("deploy")
			return fmt.Sprintf("deployed %v", c.Args["target"]), nil
		},
	}))
	require.NoError(t, reg.Register(tools.Tool{
		Name:        "wipe",
		Description: "Wipe everything.",
		Handler: func(context.Context, tools.Call) (string, error) {
			runs.inc("wipe")
			return "wiped", nil
		},
	}))
	return reg
}

// ---------- Environment ----------

type envConfig struct {
	dbPath          string
	approvalTimeout time.Duration
	maxTokens       int
	opts            Options
	speech          tts.Synthesizer
	transcriber     stt.Transcriber
}

type env struct {
	t         *testing.T
	ctx       context.Context
	db        *database.DB
	store     *store.Store
	history   *history.Manager
	ledger    *approval.Ledger
	executor  *tools.Executor
	model     *fakeModel
	transport *fakeTransport
	runs      *toolRuns
	orch      *Orchestrator
}

func newEnv(t *testing.T, cfg envConfig) *env {
	t.Helper()

	var db *database.DB
	if cfg.dbPath != "" {
		db = dbtest.OpenAt(t, cfg.dbPath)
	} else {
		db = dbtest.Open(t)
	}
	logger := dbtest.Logger()
	if cfg.approvalTimeout == 0 {
		cfg.approvalTimeout = time.Minute
	}

	model := &fakeModel{}
	st := store.New(db, logger)
	hist := history.NewManager(st, history.ModelSummarizer{Model: model}, history.Options{MaxTokens: cfg.maxTokens}, logger)
	ledger := approval.NewLedger(db, approval.Options{
		Timeout:      cfg.approvalTimeout,
		PollInterval: 10 * time.Millisecond,
	}, logger)
	runs := &toolRuns{counts: make(map[string]int)}
	executor := tools.NewExecutor(db, testRegistry(t, runs), tools.ExecutorOptions{Timeout: 5 * time.Second}, logger)
	classifier, err := risk.NewClassifier(risk.Policy{ToolTiers: map[string]string{
		"lookup": "safe",
		"deploy": "risky",
		"wipe":   "blocked",
	}})
	require.NoError(t, err)

	opts := cfg.opts
	if opts.ApprovalChannel == "" {
		opts.ApprovalChannel, opts.ApprovalChatID = testChannel, adminChat
	}
	transport := newFakeTransport()
	orch, err := New(Deps{
		Store:       st,
		History:     hist,
		Ledger:      ledger,
		Executor:    executor,
		Classifier:  classifier,
		Model:       model,
		Persona:     fixedPersona{},
		Transport:   transport,
		Authorizer:  AdminList{adminID},
		Transcriber: cfg.transcriber,
		Speech:      cfg.speech,
	}, opts, logger)
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	return &env{
		t:         t,
		ctx:       context.Background(),
		db:        db,
		store:     st,
		history:   hist,
		ledger:    ledger,
		executor:  executor,
		model:     model,
		transport: transport,
		runs:      runs,
		orch:      orch,
	}
}

// send delivers a text message from the test user.
func (e *env) send(text string) {
	e.t.Helper()
	require.NoError(e.t, e.orch.HandleInbound(e.ctx, &channels.IncomingMessage{
		ID:       fmt.Sprintf("m-%d", time.Now().UnixNano()),
		Channel:  testChannel,
		From:     userID,
		FromName: "ana",
		ChatID:   userChat,
		Type:     channels.MessageText,
		Content:  text,
	}))
}

// sendVoice delivers a voice message from the test user.
func (e *env) sendVoice() {
	e.t.Helper()
	require.NoError(e.t, e.orch.HandleInbound(e.ctx, &channels.IncomingMessage{
		ID:      "voice-1",
		Channel: testChannel,
		From:    userID,
		ChatID:  userChat,
		Type:    channels.MessageAudio,
		Media:   &channels.MediaInfo{Type: channels.MessageAudio, FileID: "file-1", MimeType: "audio/ogg"},
	}))
}

func (e *env) idle() {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
	defer cancel()
	require.NoError(e.t, e.orch.Idle(ctx))
}

// waitPending waits until n approval requests are pending.
func (e *env) waitPending(n int) []approval.Request {
	e.t.Helper()
	var pending []approval.Request
	require.Eventually(e.t, func() bool {
		var err error
		pending, err = e.ledger.Pending(e.ctx)
		return err == nil && len(pending) == n
	}, 5*time.Second, 5*time.Millisecond)
	return pending
}

// waitPrompt waits for the approval prompt of a request in the admin chat.
func (e *env) waitPrompt(requestID string) outbound {
	e.t.Helper()
	var prompt outbound
	require.Eventually(e.t, func() bool {
		for _, m := range e.transport.outbox(adminChat) {
			if len(m.Buttons) > 0 && m.Buttons[0][0].Data == "approve:"+requestID {
				prompt = m
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	return prompt
}

func (e *env) activeConversation() store.Conversation {
	e.t.Helper()
	conv, err := e.store.ActiveConversation(e.ctx, userID)
	require.NoError(e.t, err)
	return conv
}

func (e *env) messages() []store.Message {
	e.t.Helper()
	msgs, err := e.store.Messages(e.ctx, e.activeConversation().ID)
	require.NoError(e.t, err)
	return msgs
}

func (e *env) unfinishedTurns() int {
	e.t.Helper()
	turns, err := e.store.UnfinishedTurns(e.ctx)
	require.NoError(e.t, err)
	return len(turns)
}

// incompleteCalls counts invocations not yet in the completed state.
func (e *env) incompleteCalls() int {
	e.t.Helper()
	var n int
	require.NoError(e.t, e.db.QueryRow(e.ctx,
		`SELECT COUNT(*) FROM tool_invocations WHERE state <> ?`, string(store.StateCompleted)).Scan(&n))
	return n
}

func roles(msgs []store.Message) []llm.Role {
	out := make([]llm.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}
