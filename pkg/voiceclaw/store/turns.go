package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/database"
)

// ErrTurnClosed is returned when a turn transition finds the turn no longer
// in the expected status (finished, cancelled or taken by someone else).
var ErrTurnClosed = errors.New("turn is not in the expected status")

// TurnStatus is the lifecycle of one model response that requested tools.
type TurnStatus string

const (
	TurnOpen       TurnStatus = "open"
	TurnContinuing TurnStatus = "continuing"
	TurnDone       TurnStatus = "done"
	TurnCancelled  TurnStatus = "cancelled"
)

// InvocationState tracks a tool call through the orchestrator.
type InvocationState string

const (
	StateReceived         InvocationState = "received"
	StateClassified       InvocationState = "classified"
	StateExecuting        InvocationState = "executing"
	StateAwaitingApproval InvocationState = "awaiting_approval"
	StateResolved         InvocationState = "resolved"
	StateCompleted        InvocationState = "completed"
)

// Turn groups the tool calls of one assistant message together with the
// route its eventual reply takes.
type Turn struct {
	ID                 string
	ConversationID     string
	AssistantMessageID string
	Status             TurnStatus

	Channel    string
	ChatID     string
	Requester  string
	ReplyVoice bool

	// Iteration counts model round trips within one user message.
	Iteration int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Invocation is one tool call requested by the model.
type Invocation struct {
	ID             string
	ConversationID string
	TurnID         string
	Position       int

	// CallID is the model's id for the call, echoed in the tool result.
	CallID    string
	ToolName  string
	Arguments string
	Tier      string
	State     InvocationState

	RequestedAt time.Time
}

// NewTurn is everything written when the model asks for tools.
type NewTurn struct {
	Turn        Turn
	Assistant   Message
	Invocations []Invocation

	// Supersedes is the continuing turn whose continuation produced this
	// one; it is marked done in the same transaction.
	Supersedes string
}

// CreateTurn stores the assistant message, the turn and its invocations
// atomically. Ids are assigned where empty.
func (s *Store) CreateTurn(ctx context.Context, nt NewTurn) (Turn, []Invocation, error) {
	now := s.now()
	t := nt.Turn
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = TurnOpen
	t.CreatedAt, t.UpdatedAt = now, now

	invs := make([]Invocation, len(nt.Invocations))
	copy(invs, nt.Invocations)

	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		if nt.Supersedes != "" {
			if err := s.moveTurnTx(ctx, tx, nt.Supersedes, TurnContinuing, TurnDone); err != nil {
				return err
			}
		}

		m := nt.Assistant
		m.ConversationID = t.ConversationID
		if err := s.appendTx(ctx, tx, &m); err != nil {
			return err
		}
		t.AssistantMessageID = m.ID

		_, err := tx.Exec(ctx, `
			INSERT INTO turns (id, conversation_id, assistant_message_id, status, channel, chat_id,
				requester, reply_voice, iteration, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.ConversationID, t.AssistantMessageID, string(t.Status), t.Channel, t.ChatID,
			t.Requester, database.Bool(t.ReplyVoice), t.Iteration,
			database.Millis(now), database.Millis(now))
		if err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}

		for i := range invs {
			inv := &invs[i]
			if inv.ID == "" {
				inv.ID = uuid.NewString()
			}
			inv.ConversationID = t.ConversationID
			inv.TurnID = t.ID
			inv.Position = i
			if inv.State == "" {
				inv.State = StateReceived
			}
			inv.RequestedAt = now
			if inv.Arguments == "" {
				inv.Arguments = "{}"
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO tool_invocations (id, conversation_id, turn_id, position, call_id, tool_name,
					arguments, tier, state, requested_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				inv.ID, inv.ConversationID, inv.TurnID, inv.Position, inv.CallID, inv.ToolName,
				inv.Arguments, inv.Tier, string(inv.State), database.Millis(now), database.Millis(now))
			if err != nil {
				return fmt.Errorf("insert tool invocation: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Turn{}, nil, err
	}
	return t, invs, nil
}

// BeginContinuation moves an open turn to continuing and appends the tool
// result messages in one transaction. It returns ErrTurnClosed when the
// turn is no longer open, in which case nothing is written.
func (s *Store) BeginContinuation(ctx context.Context, turnID string, results []Message) ([]Message, error) {
	out := make([]Message, len(results))
	copy(out, results)
	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := s.moveTurnTx(ctx, tx, turnID, TurnOpen, TurnContinuing); err != nil {
			return err
		}
		for i := range out {
			if err := s.appendTx(ctx, tx, &out[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteTurn marks a continuing turn done, appending the final reply when
// one is given.
func (s *Store) CompleteTurn(ctx context.Context, turnID string, reply *Message) error {
	return s.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := s.moveTurnTx(ctx, tx, turnID, TurnContinuing, TurnDone); err != nil {
			return err
		}
		if reply != nil {
			return s.appendTx(ctx, tx, reply)
		}
		return nil
	})
}

// CancelTurns cancels every unfinished turn of a conversation and returns
// their ids.
func (s *Store) CancelTurns(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id FROM turns
			WHERE conversation_id = ? AND status IN ('open', 'continuing')`, conversationID)
		if err != nil {
			return fmt.Errorf("select open turns: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE turns SET status = 'cancelled', updated_at = ?
			WHERE conversation_id = ? AND status IN ('open', 'continuing')`,
			s.nowMillis(), conversationID)
		if err != nil {
			return fmt.Errorf("cancel turns: %w", err)
		}
		return nil
	})
	return ids, err
}

// Turn loads one turn.
func (s *Store) Turn(ctx context.Context, id string) (Turn, error) {
	rows, err := s.db.Query(ctx, `SELECT `+turnColumns+` FROM turns WHERE id = ?`, id)
	if err != nil {
		return Turn{}, fmt.Errorf("load turn: %w", err)
	}
	turns, err := collectTurns(rows)
	if err != nil {
		return Turn{}, err
	}
	if len(turns) == 0 {
		return Turn{}, fmt.Errorf("turn %s: %w", id, ErrNotFound)
	}
	return turns[0], nil
}

// UnfinishedTurns returns open and continuing turns, oldest first.
func (s *Store) UnfinishedTurns(ctx context.Context) ([]Turn, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+turnColumns+` FROM turns
		WHERE status IN ('open', 'continuing')
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list unfinished turns: %w", err)
	}
	return collectTurns(rows)
}

// Invocations returns the calls of a turn in position order.
func (s *Store) Invocations(ctx context.Context, turnID string) ([]Invocation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, conversation_id, turn_id, position, call_id, tool_name, arguments, tier, state, requested_at
		FROM tool_invocations WHERE turn_id = ? ORDER BY position`, turnID)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		var (
			inv         Invocation
			state       string
			requestedAt int64
		)
		if err := rows.Scan(&inv.ID, &inv.ConversationID, &inv.TurnID, &inv.Position, &inv.CallID,
			&inv.ToolName, &inv.Arguments, &inv.Tier, &state, &requestedAt); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		inv.State = InvocationState(state)
		inv.RequestedAt = database.FromMillis(requestedAt)
		out = append(out, inv)
	}
	return out, rows.Err()
}

// SetInvocationState records the orchestrator state of a call.
func (s *Store) SetInvocationState(ctx context.Context, id string, state InvocationState) error {
	_, err := s.db.Exec(ctx, `UPDATE tool_invocations SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("set invocation %s state: %w", id, err)
	}
	return nil
}

// SetInvocationTier caches the classified tier on the call.
func (s *Store) SetInvocationTier(ctx context.Context, id, tier string) error {
	_, err := s.db.Exec(ctx, `UPDATE tool_invocations SET tier = ?, state = ?, updated_at = ? WHERE id = ?`,
		tier, string(StateClassified), s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("set invocation %s tier: %w", id, err)
	}
	return nil
}

func (s *Store) moveTurnTx(ctx context.Context, tx *database.Tx, id string, from, to TurnStatus) error {
	res, err := tx.Exec(ctx, `UPDATE turns SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), s.nowMillis(), id, string(from))
	if err != nil {
		return fmt.Errorf("move turn %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("move turn %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("turn %s %s -> %s: %w", id, from, to, ErrTurnClosed)
	}
	return nil
}

const turnColumns = `id, conversation_id, assistant_message_id, status, channel, chat_id, requester, reply_voice, iteration, created_at, updated_at`

func collectTurns(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
	Close() error
}) ([]Turn, error) {
	defer rows.Close()
	var out []Turn
	for rows.Next() {
		var (
			t                    Turn
			status               string
			voice                int
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.AssistantMessageID, &status, &t.Channel,
			&t.ChatID, &t.Requester, &voice, &t.Iteration, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Status = TurnStatus(status)
		t.ReplyVoice = voice != 0
		t.CreatedAt = database.FromMillis(createdAt)
		t.UpdatedAt = database.FromMillis(updatedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}
