package database

import (
	"fmt"
	"time"
)

// BackendType identifies the SQL engine behind the store.
type BackendType string

const (
	BackendSQLite     BackendType = "sqlite"
	BackendPostgreSQL BackendType = "postgresql"
)

// Config selects and configures the database backend.
type Config struct {
	// Backend is the database engine (default: "sqlite").
	Backend BackendType `yaml:"backend"`

	// SQLite configuration.
	SQLite SQLiteConfig `yaml:"sqlite"`

	// PostgreSQL configuration.
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	// Path to the database file (default: "./data/voiceclaw.db").
	Path string `yaml:"path"`

	// JournalMode (default: WAL).
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout in milliseconds (default: 5000).
	BusyTimeout int `yaml:"busy_timeout"`
}

// PostgreSQLConfig holds PostgreSQL configuration. URL wins over the
// discrete fields when both are set.
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DefaultConfig returns a SQLite configuration under ./data.
func DefaultConfig() Config {
	return Config{
		Backend: BackendSQLite,
		SQLite: SQLiteConfig{
			Path:        "./data/voiceclaw.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
	}
}

// Validate checks that the selected backend has what it needs to connect.
func (c Config) Validate() error {
	switch c.Backend {
	case "", BackendSQLite:
		return nil
	case BackendPostgreSQL:
		if c.PostgreSQL.URL == "" && c.PostgreSQL.Host == "" {
			return fmt.Errorf("postgresql backend needs url or host")
		}
		return nil
	default:
		return fmt.Errorf("unsupported database backend %q", c.Backend)
	}
}
