package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/database"
)

// Settings are per-user preferences stored as a JSON object.
type Settings struct {
	ActiveConversation string `mapstructure:"active_conversation"`
	TTSEngine          string `mapstructure:"tts_engine"`
	ResponseMode       string `mapstructure:"response_mode"`

	// Extra keeps keys this version does not know about.
	Extra map[string]any `mapstructure:",remain"`
}

// User is a sender identity known to the assistant.
type User struct {
	ID             string
	Username       string
	ProfileSummary string
	Settings       Settings
	MessageCount   int
	CreatedAt      time.Time
}

// EnsureUser creates the user on first contact. A non-empty username
// refreshes the stored one.
func (s *Store) EnsureUser(ctx context.Context, id, username string) (User, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (id, username, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET username = excluded.username
		WHERE excluded.username <> ''`,
		id, username, s.nowMillis())
	if err != nil {
		return User{}, fmt.Errorf("ensure user %s: %w", id, err)
	}
	return s.User(ctx, id)
}

// User loads a user by id.
func (s *Store) User(ctx context.Context, id string) (User, error) {
	return s.loadUser(ctx, s.db, id)
}

func (s *Store) loadUser(ctx context.Context, q querier, id string) (User, error) {
	var (
		u         User
		settings  string
		createdAt int64
	)
	err := q.QueryRow(ctx, `
		SELECT id, username, profile_summary, settings, message_count, created_at
		FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.ProfileSummary, &settings, &u.MessageCount, &createdAt)
	if err != nil {
		return User{}, fmt.Errorf("load user %s: %w", id, notFound(err))
	}
	u.CreatedAt = database.FromMillis(createdAt)
	if u.Settings, err = decodeSettings(settings); err != nil {
		s.logger.Warn("ignoring unreadable user settings", "user_id", id, "error", err)
	}
	return u, nil
}

// UpdateSettings applies fn to the user's settings inside a transaction.
func (s *Store) UpdateSettings(ctx context.Context, id string, fn func(*Settings)) (Settings, error) {
	var out Settings
	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		u, err := s.loadUser(ctx, tx, id)
		if err != nil {
			return err
		}
		fn(&u.Settings)
		raw, err := encodeSettings(u.Settings)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE users SET settings = ? WHERE id = ?`, raw, id); err != nil {
			return fmt.Errorf("update settings: %w", err)
		}
		out = u.Settings
		return nil
	})
	return out, err
}

// SetProfile replaces the user's profile summary.
func (s *Store) SetProfile(ctx context.Context, id, profile string) error {
	if _, err := s.db.Exec(ctx, `UPDATE users SET profile_summary = ? WHERE id = ?`, profile, id); err != nil {
		return fmt.Errorf("set profile %s: %w", id, err)
	}
	return nil
}

// CountMessage increments the user's message counter and returns the new
// value.
func (s *Store) CountMessage(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE users SET message_count = message_count + 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("count message: %w", err)
		}
		err := tx.QueryRow(ctx, `SELECT message_count FROM users WHERE id = ?`, id).Scan(&n)
		return notFound(err)
	})
	return n, err
}

func decodeSettings(raw string) (Settings, error) {
	var out Settings
	if raw == "" {
		return out, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return out, fmt.Errorf("parse settings: %w", err)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(m); err != nil {
		return out, fmt.Errorf("decode settings: %w", err)
	}
	return out, nil
}

func encodeSettings(st Settings) (string, error) {
	m := make(map[string]any, len(st.Extra)+3)
	for k, v := range st.Extra {
		m[k] = v
	}
	set := func(key, value string) {
		if value == "" {
			delete(m, key)
			return
		}
		m[key] = value
	}
	set("active_conversation", st.ActiveConversation)
	set("tts_engine", st.TTSEngine)
	set("response_mode", st.ResponseMode)

	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode settings: %w", err)
	}
	return string(raw), nil
}
