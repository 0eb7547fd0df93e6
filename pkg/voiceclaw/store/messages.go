package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/database"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/llm"
)

// Message is one immutable entry of a conversation.
type Message struct {
	ID             string
	ConversationID string

	// Seq orders messages inside the conversation; assigned on append.
	Seq int64

	Role       llm.Role
	Content    string
	ToolCalls  []llm.ToolCall
	ToolCallID string
	ToolName   string

	// IsSummary marks the compaction summary that replaces older messages.
	IsSummary bool

	TokenCost int
	CreatedAt time.Time
}

const messageColumns = `id, conversation_id, seq, role, content, tool_calls, tool_call_id, tool_name, is_summary, token_cost, created_at`

// AppendMessage assigns the next sequence number and stores m. The
// conversation's token total grows by m.TokenCost.
func (s *Store) AppendMessage(ctx context.Context, m Message) (Message, error) {
	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		return s.appendTx(ctx, tx, &m)
	})
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *Store) appendTx(ctx context.Context, tx *database.Tx, m *Message) error {
	var next int64
	err := tx.QueryRow(ctx, `SELECT next_seq FROM conversations WHERE id = ?`, m.ConversationID).Scan(&next)
	if err != nil {
		return fmt.Errorf("append to conversation %s: %w", m.ConversationID, notFound(err))
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Seq = next
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	if err := s.insertMessage(ctx, tx, m); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE conversations
		SET next_seq = next_seq + 1, token_total = token_total + ?, updated_at = ?
		WHERE id = ?`,
		m.TokenCost, database.Millis(m.CreatedAt), m.ConversationID)
	if err != nil {
		return fmt.Errorf("advance conversation: %w", err)
	}
	return nil
}

func (s *Store) insertMessage(ctx context.Context, tx *database.Tx, m *Message) error {
	calls, err := encodeToolCalls(m.ToolCalls)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Seq, string(m.Role), m.Content, calls,
		m.ToolCallID, m.ToolName, database.Bool(m.IsSummary), m.TokenCost,
		database.Millis(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Messages returns the whole conversation in order.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return collectMessages(rows)
}

// RecentMessages returns up to n of the latest messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, n int) ([]Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
		) recent ORDER BY seq`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	return collectMessages(rows)
}

// ReplacePrefix removes every message with seq <= throughSeq and, when
// summary is non-nil, inserts it in their place at the lowest removed seq.
// The token total is recomputed from what remains. It returns the number
// of removed messages.
func (s *Store) ReplacePrefix(ctx context.Context, conversationID string, throughSeq int64, summary *Message) (int, error) {
	var removed int
	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		var first sql.NullInt64
		if err := tx.QueryRow(ctx, `
			SELECT MIN(seq), COUNT(*) FROM messages
			WHERE conversation_id = ? AND seq <= ?`, conversationID, throughSeq,
		).Scan(&first, &removed); err != nil {
			return fmt.Errorf("select prefix: %w", err)
		}
		if removed == 0 || !first.Valid {
			return nil
		}

		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE conversation_id = ? AND seq <= ?`,
			conversationID, throughSeq); err != nil {
			return fmt.Errorf("delete prefix: %w", err)
		}

		if summary != nil {
			summary.ConversationID = conversationID
			summary.Seq = first.Int64
			summary.IsSummary = true
			if summary.ID == "" {
				summary.ID = uuid.NewString()
			}
			if summary.CreatedAt.IsZero() {
				summary.CreatedAt = s.now()
			}
			if err := s.insertMessage(ctx, tx, summary); err != nil {
				return err
			}
		}

		_, err := tx.Exec(ctx, `
			UPDATE conversations SET token_total = (
				SELECT COALESCE(SUM(token_cost), 0) FROM messages WHERE conversation_id = ?
			), updated_at = ? WHERE id = ?`,
			conversationID, s.nowMillis(), conversationID)
		if err != nil {
			return fmt.Errorf("recompute token total: %w", err)
		}
		return nil
	})
	return removed, err
}

func collectMessages(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
	Close() error
}) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var (
			m         Message
			role      string
			calls     string
			isSummary int
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &role, &m.Content, &calls,
			&m.ToolCallID, &m.ToolName, &isSummary, &m.TokenCost, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = llm.Role(role)
		m.IsSummary = isSummary != 0
		m.CreatedAt = database.FromMillis(createdAt)
		if calls != "" {
			if err := json.Unmarshal([]byte(calls), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls of message %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func encodeToolCalls(calls []llm.ToolCall) (string, error) {
	if len(calls) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(calls)
	if err != nil {
		return "", fmt.Errorf("encode tool calls: %w", err)
	}
	return string(raw), nil
}
