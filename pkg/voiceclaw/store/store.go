// Package store persists users, conversations, messages, turns and tool
// invocations. Every multi-row change that recovery depends on happens in a
// single transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/database"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the conversation store. Safe for concurrent use.
type Store struct {
	db     *database.DB
	logger *slog.Logger
	now    func() time.Time
}

// New creates a store over a migrated database.
func New(db *database.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger.With("component", "store"),
		now:    time.Now,
	}
}

// querier is satisfied by both *database.DB and *database.Tx.
type querier interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) nowMillis() int64 {
	return database.Millis(s.now())
}

// notFound maps sql.ErrNoRows to ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
