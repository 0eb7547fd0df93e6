package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/database/dbtest"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/llm"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(dbtest.Open(t), dbtest.Logger())
}

func newConversation(t *testing.T, s *store.Store) store.Conversation {
	t.Helper()
	ctx := context.Background()
	_, err := s.EnsureUser(ctx, "telegram:1", "ana")
	require.NoError(t, err)
	c, err := s.CreateConversation(ctx, "telegram:1", "")
	require.NoError(t, err)
	return c
}

func TestUsersAndSettings(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	u, err := s.EnsureUser(ctx, "telegram:7", "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", u.Username)

	u, err = s.EnsureUser(ctx, "telegram:7", "")
	require.NoError(t, err)
	assert.Equal(t, "bob", u.Username, "empty username keeps the stored one")

	st, err := s.UpdateSettings(ctx, "telegram:7", func(st *store.Settings) {
		st.TTSEngine = "xtts"
		st.ResponseMode = "voice"
	})
	require.NoError(t, err)
	assert.Equal(t, "xtts", st.TTSEngine)

	u, err = s.User(ctx, "telegram:7")
	require.NoError(t, err)
	assert.Equal(t, "voice", u.Settings.ResponseMode)

	n, err := s.CountMessage(ctx, "telegram:7")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.CountMessage(ctx, "telegram:7")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.SetProfile(ctx, "telegram:7", "likes jazz"))
	u, err = s.User(ctx, "telegram:7")
	require.NoError(t, err)
	assert.Equal(t, "likes jazz", u.ProfileSummary)

	_, err = s.User(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestActiveConversation(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	_, err := s.EnsureUser(ctx, "u", "")
	require.NoError(t, err)

	first, err := s.ActiveConversation(ctx, "u")
	require.NoError(t, err)
	again, err := s.ActiveConversation(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	second, err := s.CreateConversation(ctx, "u", "Trip")
	require.NoError(t, err)
	active, err := s.ActiveConversation(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	_, err = s.SwitchConversation(ctx, "u", first.ID)
	require.NoError(t, err)
	active, err = s.ActiveConversation(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)

	list, err := s.Conversations(ctx, "u", 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = s.EnsureUser(ctx, "other", "")
	require.NoError(t, err)
	_, err = s.SwitchConversation(ctx, "other", first.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppendAndReplacePrefix(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	c := newConversation(t, s)

	for i, text := range []string{"one", "two", "three", "four"} {
		m, err := s.AppendMessage(ctx, store.Message{
			ConversationID: c.ID, Role: llm.RoleUser, Content: text, TokenCost: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), m.Seq)
	}
	conv, err := s.Conversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, conv.TokenTotal)

	removed, err := s.ReplacePrefix(ctx, c.ID, 2, &store.Message{Role: llm.RoleSystem, Content: "sum", TokenCost: 5})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	msgs, err := s.Messages(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.True(t, msgs[0].IsSummary)
	assert.Equal(t, int64(1), msgs[0].Seq)
	assert.Equal(t, []string{"sum", "three", "four"}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content})

	conv, err = s.Conversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, conv.TokenTotal)

	m, err := s.AppendMessage(ctx, store.Message{ConversationID: c.ID, Role: llm.RoleAssistant, Content: "five"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), m.Seq, "sequence keeps growing after compaction")

	recent, err := s.RecentMessages(ctx, c.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "four", recent[0].Content)
	assert.Equal(t, "five", recent[1].Content)

	removed, err = s.ReplacePrefix(ctx, c.ID, 0, nil)
	require.NoError(t, err)
	assert.Zero(t, removed)

	_, err = s.AppendMessage(ctx, store.Message{ConversationID: "missing", Role: llm.RoleUser})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTurnLifecycle(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	c := newConversation(t, s)

	calls := []llm.ToolCall{
		{ID: "call_a", Name: "get_time", Arguments: "{}"},
		{ID: "call_b", Name: "run_command", Arguments: `{"command":"ls"}`},
	}
	turn, invs, err := s.CreateTurn(ctx, store.NewTurn{
		Turn:      store.Turn{ConversationID: c.ID, Channel: "telegram", ChatID: "42", Requester: "telegram:1"},
		Assistant: store.Message{Role: llm.RoleAssistant, ToolCalls: calls, TokenCost: 20},
		Invocations: []store.Invocation{
			{CallID: "call_a", ToolName: "get_time"},
			{CallID: "call_b", ToolName: "run_command", Arguments: `{"command":"ls"}`},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, store.TurnOpen, turn.Status)
	require.Len(t, invs, 2)
	assert.Equal(t, 1, invs[1].Position)

	msgs, err := s.Messages(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, calls, msgs[0].ToolCalls)
	assert.Equal(t, turn.AssistantMessageID, msgs[0].ID)

	require.NoError(t, s.SetInvocationTier(ctx, invs[1].ID, "risky"))
	require.NoError(t, s.SetInvocationState(ctx, invs[1].ID, store.StateAwaitingApproval))
	loaded, err := s.Invocations(ctx, turn.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateAwaitingApproval, loaded[1].State)
	assert.Equal(t, "risky", loaded[1].Tier)
	assert.Equal(t, "{}", loaded[0].Arguments)

	unfinished, err := s.UnfinishedTurns(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)

	results := []store.Message{
		{Role: llm.RoleTool, ToolCallID: "call_a", ToolName: "get_time", Content: "noon"},
		{Role: llm.RoleTool, ToolCallID: "call_b", ToolName: "run_command", Content: "a b"},
	}
	_, err = s.BeginContinuation(ctx, turn.ID, results)
	require.NoError(t, err)

	_, err = s.BeginContinuation(ctx, turn.ID, results)
	assert.ErrorIs(t, err, store.ErrTurnClosed, "results are appended once")
	msgs, err = s.Messages(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	next, _, err := s.CreateTurn(ctx, store.NewTurn{
		Turn:        store.Turn{ConversationID: c.ID, Iteration: 1},
		Assistant:   store.Message{Role: llm.RoleAssistant, ToolCalls: calls[:1]},
		Invocations: []store.Invocation{{CallID: "call_a", ToolName: "get_time"}},
		Supersedes:  turn.ID,
	})
	require.NoError(t, err)

	old, err := s.Turn(ctx, turn.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TurnDone, old.Status)

	_, err = s.BeginContinuation(ctx, next.ID, nil)
	require.NoError(t, err)
	reply := store.Message{Role: llm.RoleAssistant, Content: "done"}
	require.NoError(t, s.CompleteTurn(ctx, next.ID, &reply))
	assert.ErrorIs(t, s.CompleteTurn(ctx, next.ID, nil), store.ErrTurnClosed)

	unfinished, err = s.UnfinishedTurns(ctx)
	require.NoError(t, err)
	assert.Empty(t, unfinished)
}

func TestCancelTurns(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	c := newConversation(t, s)

	turn, _, err := s.CreateTurn(ctx, store.NewTurn{
		Turn:      store.Turn{ConversationID: c.ID},
		Assistant: store.Message{Role: llm.RoleAssistant},
	})
	require.NoError(t, err)

	ids, err := s.CancelTurns(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{turn.ID}, ids)

	_, err = s.BeginContinuation(ctx, turn.ID, []store.Message{{Role: llm.RoleTool, Content: "late"}})
	assert.ErrorIs(t, err, store.ErrTurnClosed)

	got, err := s.Turn(ctx, turn.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TurnCancelled, got.Status)

	_, err = s.Turn(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
