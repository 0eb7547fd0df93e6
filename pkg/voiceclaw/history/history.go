// Package history keeps each conversation within a token budget. Messages
// are persisted with an estimated cost; when the running total passes the
// budget the oldest prefix is replaced by one model-written summary.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/store"
)

// Defaults for Options.
const (
	DefaultMaxTokens    = 4000
	DefaultLowWatermark = 0.7
	DefaultSummaryShare = 0.15
)

// SummaryPrefix starts the content of every compaction summary.
const SummaryPrefix = "[Previous conversation summary]: "

// Options sets the budget. Zero values take the defaults.
type Options struct {
	// MaxTokens is the per-conversation budget.
	MaxTokens int

	// LowWatermark is the fraction of MaxTokens a compaction reduces to.
	LowWatermark float64

	// SummaryShare is the fraction of MaxTokens reserved for the summary.
	SummaryShare float64
}

func (o *Options) applyDefaults() {
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.LowWatermark <= 0 || o.LowWatermark >= 1 {
		o.LowWatermark = DefaultLowWatermark
	}
	if o.SummaryShare <= 0 || o.SummaryShare >= o.LowWatermark {
		o.SummaryShare = DefaultSummaryShare
		if o.SummaryShare >= o.LowWatermark {
			o.SummaryShare = o.LowWatermark / 2
		}
	}
}

// Summarizer condenses a prefix of a conversation.
type Summarizer interface {
	Summarize(ctx context.Context, prefix []store.Message) (string, error)
}

// Manager owns conversation history. Safe for concurrent use; compaction is
// serialized per conversation.
type Manager struct {
	store      *store.Store
	summarizer Summarizer
	opts       Options
	logger     *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a history manager. A nil summarizer makes every
// compaction drop the prefix.
func NewManager(st *store.Store, summarizer Summarizer, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &Manager{
		store:      st,
		summarizer: summarizer,
		opts:       opts,
		logger:     logger.With("component", "history"),
		locks:      make(map[string]*sync.Mutex),
	}
}

// Options returns the effective settings.
func (m *Manager) Options() Options {
	return m.opts
}

// Append persists a message with its token cost, then compacts if needed.
func (m *Manager) Append(ctx context.Context, conversationID string, msg store.Message) (store.Message, error) {
	msg.ConversationID = conversationID
	msg.TokenCost = Estimate(msg)
	saved, err := m.store.AppendMessage(ctx, msg)
	if err != nil {
		return store.Message{}, fmt.Errorf("append message: %w", err)
	}
	if _, err := m.MaybeCompact(ctx, conversationID); err != nil {
		return saved, err
	}
	return saved, nil
}

// OpenTurn stores the assistant message that requested tools together with
// the turn and its invocations.
func (m *Manager) OpenTurn(ctx context.Context, nt store.NewTurn) (store.Turn, []store.Invocation, error) {
	nt.Assistant.TokenCost = Estimate(nt.Assistant)
	turn, invs, err := m.store.CreateTurn(ctx, nt)
	if err != nil {
		return store.Turn{}, nil, err
	}
	if _, err := m.MaybeCompact(ctx, turn.ConversationID); err != nil {
		return turn, invs, err
	}
	return turn, invs, nil
}

// ContinueTurn appends the tool results of an open turn and marks it
// continuing. store.ErrTurnClosed means another continuation or a reset
// got there first.
func (m *Manager) ContinueTurn(ctx context.Context, turn store.Turn, results []store.Message) error {
	for i := range results {
		results[i].ConversationID = turn.ConversationID
		results[i].TokenCost = Estimate(results[i])
	}
	if _, err := m.store.BeginContinuation(ctx, turn.ID, results); err != nil {
		return err
	}
	_, err := m.MaybeCompact(ctx, turn.ConversationID)
	return err
}

// FinishTurn closes a continuing turn with its final reply.
func (m *Manager) FinishTurn(ctx context.Context, turn store.Turn, reply *store.Message) error {
	if reply != nil {
		reply.ConversationID = turn.ConversationID
		reply.TokenCost = Estimate(*reply)
	}
	if err := m.store.CompleteTurn(ctx, turn.ID, reply); err != nil {
		return err
	}
	_, err := m.MaybeCompact(ctx, turn.ConversationID)
	return err
}

func (m *Manager) lock(conversationID string) func() {
	m.mu.Lock()
	l, ok := m.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[conversationID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}
