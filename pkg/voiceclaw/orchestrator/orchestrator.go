// Package orchestrator composes the assistant: it takes inbound messages,
// keeps the conversation history, asks the model for replies, and drives
// every requested tool call through classification, approval and execution
// before resuming the model turn.
//
// Each user has a FIFO mailbox; everything that mutates a conversation runs
// on it, one task at a time. Approval waits run outside the mailbox, and
// the continuation that appends their results is posted back onto it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/approval"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/channels"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/history"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/llm"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/persona"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/risk"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/scheduler"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/store"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/stt"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/tools"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/tts"
)

// Defaults for Options.
const (
	DefaultMaxIterations   = 5
	DefaultProfileEvery    = 10
	DefaultSweepSchedule   = "@every 30s"
	DefaultProfileSchedule = "@every 1m"
)

var (
	// ErrUnauthorized is returned when a resolver may not decide approvals.
	ErrUnauthorized = errors.New("resolver is not allowed to decide approvals")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator is closed")
)

// Model is the language model the orchestrator talks to. *llm.Client
// satisfies it.
type Model interface {
	Complete(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition) (*llm.Response, error)
	CompleteText(ctx context.Context, system, prompt string) (string, error)
}

// Transport delivers user traffic and carries replies. *channels.Manager
// satisfies it.
type Transport interface {
	Messages() <-chan *channels.IncomingMessage
	Callbacks() <-chan *channels.CallbackQuery
	Send(ctx context.Context, channel, to string, msg *channels.OutgoingMessage) error
	SendMedia(ctx context.Context, channel, to string, media *channels.MediaMessage) error
	DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error)
	SendTyping(ctx context.Context, channel, to string)
	AnswerCallback(ctx context.Context, cb *channels.CallbackQuery, text string) error
	EditMessage(ctx context.Context, channel, chatID, messageID, text string) error
}

// PersonaSource returns the persona currently in force.
type PersonaSource interface {
	Current() *persona.Persona
}

// Deps are the collaborators of an Orchestrator. Transcriber, Speech and
// Scheduler are optional.
type Deps struct {
	Store      *store.Store
	History    *history.Manager
	Ledger     *approval.Ledger
	Executor   *tools.Executor
	Classifier *risk.Classifier
	Model      Model
	Persona    PersonaSource
	Transport  Transport
	Authorizer Authorizer

	Transcriber stt.Transcriber
	Speech      tts.Synthesizer
	Scheduler   *scheduler.Scheduler
}

// Options tunes the orchestrator. Zero values take the defaults.
type Options struct {
	// MaxIterations bounds model round trips per user message.
	MaxIterations int

	// ProfileEvery is the number of user messages between profile updates.
	ProfileEvery int

	SweepSchedule   string
	ProfileSchedule string

	// DefaultEngine is the speech engine for users without a preference.
	DefaultEngine tts.Engine

	// ApprovalChannel and ApprovalChatID route approval prompts. When
	// unset, prompts go to the chat that triggered the request.
	ApprovalChannel string
	ApprovalChatID  string
}

func (o *Options) applyDefaults() {
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.ProfileEvery <= 0 {
		o.ProfileEvery = DefaultProfileEvery
	}
	if o.SweepSchedule == "" {
		o.SweepSchedule = DefaultSweepSchedule
	}
	if o.ProfileSchedule == "" {
		o.ProfileSchedule = DefaultProfileSchedule
	}
	if o.DefaultEngine == "" {
		o.DefaultEngine = tts.EnginePiper
	}
}

// Orchestrator drives conversations. Create it with New, feed it with
// HandleInbound and HandleDecision (or Run), and Close it on shutdown.
type Orchestrator struct {
	Deps
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mail   *mailbox

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	// work counts queued and running tasks, for Idle.
	work atomic.Int64

	profileMu  sync.Mutex
	profileDue map[string]string
}

// New checks the required collaborators and creates an orchestrator.
func New(deps Deps, opts Options, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case deps.Store == nil, deps.History == nil:
		return nil, fmt.Errorf("orchestrator needs a store and a history manager")
	case deps.Ledger == nil, deps.Executor == nil, deps.Classifier == nil:
		return nil, fmt.Errorf("orchestrator needs a ledger, an executor and a classifier")
	case deps.Model == nil, deps.Persona == nil, deps.Transport == nil:
		return nil, fmt.Errorf("orchestrator needs a model, a persona and a transport")
	}
	if deps.Authorizer == nil {
		deps.Authorizer = AdminList{}
	}
	opts.applyDefaults()

	logger = logger.With("component", "orchestrator")
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		Deps:       deps,
		opts:       opts,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		profileDue: make(map[string]string),
	}
	o.mail = newMailbox(logger, func(n int) { o.work.Add(-int64(n)) })
	return o, nil
}

// Run recovers interrupted work, starts the periodic jobs and serves the
// transport until ctx is done or the transport closes. It closes the
// orchestrator before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.Close()

	if err := o.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if o.Scheduler != nil {
		if err := o.scheduleJobs(); err != nil {
			return err
		}
		o.Scheduler.Start(o.ctx)
		defer o.Scheduler.Stop()
	}

	messages := o.Transport.Messages()
	callbacks := o.Transport.Callbacks()
	o.logger.Info("orchestrator running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if err := o.HandleInbound(ctx, msg); err != nil {
				o.logger.Warn("inbound message dropped", "error", err)
			}
		case cb, ok := <-callbacks:
			if !ok {
				return nil
			}
			o.spawn(func() { o.handleCallback(o.ctx, cb) })
		}
	}
}

func (o *Orchestrator) scheduleJobs() error {
	err := o.Scheduler.Add(scheduler.Job{
		ID:       "approval-sweeper",
		Schedule: o.opts.SweepSchedule,
		Timeout:  30 * time.Second,
		Run: func(ctx context.Context) error {
			n, err := o.Ledger.ExpireOverdue(ctx)
			if n > 0 {
				o.logger.Info("expired overdue approvals", "count", n)
			}
			return err
		},
	})
	if err != nil {
		return err
	}
	return o.Scheduler.Add(scheduler.Job{
		ID:       "profile-refresh",
		Schedule: o.opts.ProfileSchedule,
		Timeout:  2 * time.Minute,
		Run:      o.RefreshProfiles,
	})
}

// HandleInbound queues a message on its sender's mailbox.
func (o *Orchestrator) HandleInbound(ctx context.Context, msg *channels.IncomingMessage) error {
	if msg == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !o.enqueue(msg.From, func() { o.handleMessage(o.ctx, msg) }) {
		return ErrClosed
	}
	return nil
}

// Close stops accepting work, cancels in-flight turns and waits for them.
// Interrupted turns are picked up by Recover on the next start.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.mail.close()
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

// Idle waits until no mailbox task or background turn is pending. Tests
// use it to observe a settled state.
func (o *Orchestrator) Idle(ctx context.Context) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for o.work.Load() != 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

// enqueue posts fn on the mailbox of key.
func (o *Orchestrator) enqueue(key string, fn func()) bool {
	o.work.Add(1)
	ok := o.mail.post(key, func() {
		defer o.work.Add(-1)
		fn()
	})
	if !ok {
		o.work.Add(-1)
	}
	return ok
}

// spawn runs fn in a goroutine tracked by Close.
func (o *Orchestrator) spawn(fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.wg.Add(1)
	o.work.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.work.Add(-1)
		fn()
	}()
	return true
}
