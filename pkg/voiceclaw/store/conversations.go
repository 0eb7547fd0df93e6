package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/database"
)

// DefaultTitle names conversations that have no title yet.
const DefaultTitle = "New Chat"

// Conversation is a thread of messages owned by one user.
type Conversation struct {
	ID         string
	UserID     string
	Title      string
	Summary    string
	TokenTotal int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CreateConversation starts a conversation and makes it the user's active
// one.
func (s *Store) CreateConversation(ctx context.Context, userID, title string) (Conversation, error) {
	if title == "" {
		title = DefaultTitle
	}
	now := s.now()
	c := Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO conversations (id, user_id, title, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			c.ID, c.UserID, c.Title, database.Millis(now), database.Millis(now))
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		return s.setActiveTx(ctx, tx, userID, c.ID)
	})
	if err != nil {
		return Conversation{}, err
	}
	s.logger.Info("conversation created", "conversation_id", c.ID, "user_id", userID)
	return c, nil
}

// Conversation loads one conversation.
func (s *Store) Conversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, user_id, title, summary, token_total, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err != nil {
		return Conversation{}, fmt.Errorf("load conversation %s: %w", id, notFound(err))
	}
	return c, nil
}

// Conversations lists a user's conversations, most recently updated first.
func (s *Store) Conversations(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, title, summary, token_total, created_at, updated_at
		FROM conversations WHERE user_id = ?
		ORDER BY updated_at DESC, created_at DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ActiveConversation returns the user's active conversation, creating one
// when none is set or the stored one is gone.
func (s *Store) ActiveConversation(ctx context.Context, userID string) (Conversation, error) {
	u, err := s.User(ctx, userID)
	if err != nil {
		return Conversation{}, err
	}
	if id := u.Settings.ActiveConversation; id != "" {
		c, err := s.Conversation(ctx, id)
		if err == nil && c.UserID == userID {
			return c, nil
		}
	}
	return s.CreateConversation(ctx, userID, "")
}

// SwitchConversation makes an existing conversation of the user active.
func (s *Store) SwitchConversation(ctx context.Context, userID, conversationID string) (Conversation, error) {
	c, err := s.Conversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if c.UserID != userID {
		return Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	err = s.db.WithTx(ctx, func(tx *database.Tx) error {
		return s.setActiveTx(ctx, tx, userID, conversationID)
	})
	return c, err
}

// SetConversationSummary stores the short summary shown by /history.
func (s *Store) SetConversationSummary(ctx context.Context, id, summary string) error {
	if _, err := s.db.Exec(ctx, `UPDATE conversations SET summary = ? WHERE id = ?`, summary, id); err != nil {
		return fmt.Errorf("set conversation summary: %w", err)
	}
	return nil
}

// SetConversationTitle renames a conversation.
func (s *Store) SetConversationTitle(ctx context.Context, id, title string) error {
	if _, err := s.db.Exec(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, id); err != nil {
		return fmt.Errorf("set conversation title: %w", err)
	}
	return nil
}

func (s *Store) setActiveTx(ctx context.Context, tx *database.Tx, userID, conversationID string) error {
	u, err := s.loadUser(ctx, tx, userID)
	if err != nil {
		return err
	}
	u.Settings.ActiveConversation = conversationID
	raw, err := encodeSettings(u.Settings)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET settings = ? WHERE id = ?`, raw, userID); err != nil {
		return fmt.Errorf("set active conversation: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(sc scanner) (Conversation, error) {
	var (
		c                    Conversation
		createdAt, updatedAt int64
	)
	if err := sc.Scan(&c.ID, &c.UserID, &c.Title, &c.Summary, &c.TokenTotal, &createdAt, &updatedAt); err != nil {
		return Conversation{}, err
	}
	c.CreatedAt = database.FromMillis(createdAt)
	c.UpdatedAt = database.FromMillis(updatedAt)
	return c, nil
}
