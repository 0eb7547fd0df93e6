// Package dbtest opens migrated throwaway databases for tests.
package dbtest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/database"
)

// Logger discards output unless VOICECLAW_TEST_LOG is set.
func Logger() *slog.Logger {
	if os.Getenv("VOICECLAW_TEST_LOG") != "" {
		return slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Open returns a migrated SQLite database in a temp dir, closed on cleanup.
func Open(t testing.TB) *database.DB {
	t.Helper()
	return OpenAt(t, filepath.Join(t.TempDir(), "test.db"))
}

// OpenAt opens (and migrates) the SQLite file at path. Opening the same
// path twice simulates a process restart.
func OpenAt(t testing.TB, path string) *database.DB {
	t.Helper()

	cfg := database.DefaultConfig()
	cfg.SQLite.Path = path

	ctx := context.Background()
	db, err := database.Open(ctx, cfg, Logger())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
