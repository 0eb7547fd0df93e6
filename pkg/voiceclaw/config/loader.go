package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/database"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/tts"
)

// envPattern matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([-?])([^}]*))?\}`)

// Load builds the configuration from defaults, the legacy environment and
// the YAML file at path. An empty path searches the candidate locations;
// finding no file is not an error.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config")
	loadEnvFiles()

	cfg := Default()
	if err := applyLegacyEnv(cfg); err != nil {
		return nil, err
	}

	if path == "" {
		path = FindConfigFile()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
		cfg.Path = path
		resolveRelativePaths(cfg, filepath.Dir(path))
		checkFilePermissions(path, logger)
		logger.Debug("config loaded", "path", path)
	}

	for _, s := range secrets {
		src, err := resolveSecret(cfg, s)
		if err != nil {
			logger.Debug("keyring lookup failed", "secret", s.name, "error", err)
		}
		if src != SourceNone {
			logger.Debug("secret resolved", "secret", s.name, "source", src)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. No environment fallbacks or
// keyring lookups are applied.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decode(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	expanded, err := expandEnv(string(data))
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("decoding yaml: %w", err)
	}
	return nil
}

// Save writes cfg to path with owner-only permissions, keeping the previous
// file as path.bak. Secrets are never written; they belong in the keyring
// or the environment.
func Save(cfg *Config, path string) error {
	out := *cfg
	for _, s := range secrets {
		if f := s.field(&out); !IsEnvReference(*f) {
			*f = ""
		}
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if prev, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".bak", prev, 0o600); err != nil {
			return fmt.Errorf("backing up config: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// FindConfigFile returns the first existing candidate config path, or "".
func FindConfigFile() string {
	candidates := []string{"config.yaml", "voiceclaw.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".voiceclaw", "config.yaml"))
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// DefaultPath is where setup writes a new config.
func DefaultPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".voiceclaw", "config.yaml")
	}
	return "config.yaml"
}

// IsEnvReference reports whether s is an unexpanded ${VAR} reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}")
}

// loadEnvFiles loads .env files without overriding the environment.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnv substitutes environment references. Unset variables without a
// modifier are left in place so secret resolution can see them.
func expandEnv(input string) (string, error) {
	var missing []error
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envPattern.FindStringSubmatch(match)
		name, mod, arg := m[1], m[2], m[3]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch mod {
		case "-":
			return arg
		case "?":
			if arg == "" {
				arg = "required environment variable not set"
			}
			missing = append(missing, fmt.Errorf("%s: %s", name, arg))
		}
		return match
	})
	if len(missing) > 0 {
		return "", errors.Join(missing...)
	}
	return out, nil
}

// applyLegacyEnv maps the flat environment variables of older deployments
// onto the structured config.
func applyLegacyEnv(cfg *Config) error {
	if v := os.Getenv("GROQ_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		applyDatabaseURL(&cfg.Database, v)
	}
	if v := os.Getenv("ADMIN_IDS"); v != "" {
		cfg.Approval.Admins = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("ADMIN_GROUP_ID")); v != "" {
		cfg.Approval.Channel = "telegram"
		cfg.Approval.ChatID = v
	}
	if v := os.Getenv("DEFAULT_TTS_ENGINE"); v != "" {
		cfg.TTS.DefaultEngine = string(tts.ParseEngine(v))
	}
	if v := os.Getenv("PIPER_MODEL_PATH"); v != "" {
		cfg.TTS.Piper.ModelPath = v
	}
	if v := os.Getenv("XTTS_SIDECAR_URL"); v != "" {
		cfg.TTS.XTTS.URL = v
	}
	if v := os.Getenv("MAX_CONTEXT_TOKENS"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("MAX_CONTEXT_TOKENS: %w", err)
		}
		cfg.Context.MaxTokens = n
	}
	return nil
}

// applyDatabaseURL selects PostgreSQL for postgres URLs and treats
// anything else as a SQLite location, e.g. sqlite+aiosqlite:///./data/bot.db.
func applyDatabaseURL(db *database.Config, raw string) {
	if strings.HasPrefix(raw, "postgres://") || strings.HasPrefix(raw, "postgresql://") {
		db.Backend = database.BackendPostgreSQL
		db.PostgreSQL.URL = raw
		return
	}
	db.Backend = database.BackendSQLite
	if _, rest, ok := strings.Cut(raw, ":///"); ok {
		raw = rest
	}
	db.SQLite.Path = raw
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// resolveRelativePaths anchors relative paths at the config file directory.
func resolveRelativePaths(cfg *Config, dir string) {
	for _, p := range []*string{
		&cfg.Database.SQLite.Path,
		&cfg.Persona.Dir,
		&cfg.Tools.WorkDir,
		&cfg.TTS.Piper.ModelPath,
	} {
		*p = resolvePath(*p, dir)
	}
}

func resolvePath(path, dir string) string {
	if path == "" || path == ":memory:" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// checkFilePermissions warns when group or others can read the config.
func checkFilePermissions(path string, logger *slog.Logger) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		logger.Warn("config file is readable by others",
			"path", path,
			"mode", fmt.Sprintf("%04o", mode),
			"fix", "chmod 600 "+path,
		)
	}
}
