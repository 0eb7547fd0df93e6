package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/database"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/database/dbtest"
)

func TestMain(m *testing.M) {
	keyring.MockInit()
	os.Exit(m.Run())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4000, cfg.Context.MaxTokens)
	assert.Equal(t, 0.7, cfg.Context.LowWatermark)
	assert.Equal(t, 10*time.Minute, cfg.Approval.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Approval.PollInterval)
	assert.Equal(t, "@every 30s", cfg.Approval.SweepSchedule)
	assert.Equal(t, 30*time.Second, cfg.Tools.CommandTimeout)
	assert.Equal(t, 4000, cfg.Tools.MaxOutputChars)
	assert.Equal(t, "llama-3.3-70b-versatile", cfg.LLM.Model)
	assert.Equal(t, 5, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 10, cfg.Profile.UpdateEvery)
	assert.Equal(t, "piper", cfg.TTS.DefaultEngine)
	assert.Equal(t, 90*time.Second, cfg.TTS.Timeout)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.LLM.Provider = "anthropic"
	cfg.Context.LowWatermark = 1.5
	cfg.Approval.SweepSchedule = "every now and then"
	cfg.Risk.BlockedPatterns = []string{"("}
	cfg.TTS.DefaultEngine = "espeak"
	cfg.Database.Backend = database.BackendPostgreSQL

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"llm.provider",
		"context.low_watermark",
		"approval.sweep_schedule",
		"risk:",
		"tts.default_engine",
		"database:",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestParse(t *testing.T) {
	t.Setenv("VC_TEST_MODEL", "gpt-4o-mini")

	cfg, err := Parse([]byte(`
llm:
  provider: openai
  model: ${VC_TEST_MODEL}
  base_url: ${VC_TEST_UNSET:-https://example.test/v1}
approval:
  timeout: 5m
  admins: ["42", "43"]
risk:
  tool_tiers:
    get_time: risky
`))
	require.NoError(t, err)

	assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, "https://example.test/v1", cfg.LLM.BaseURL)
	assert.Equal(t, 5*time.Minute, cfg.Approval.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Approval.PollInterval, "untouched fields keep defaults")
	assert.Equal(t, []string{"42", "43"}, cfg.Approval.Admins)
	assert.Equal(t, "risky", cfg.Risk.ToolTiers["get_time"])
}

func TestParseRequiredVariable(t *testing.T) {
	_, err := Parse([]byte("llm:\n  api_key: ${VC_TEST_REQUIRED:?set the model key}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VC_TEST_REQUIRED: set the model key")
}

func TestExpandEnvKeepsUnsetReferences(t *testing.T) {
	out, err := expandEnv("token: ${VC_TEST_NOT_SET}")
	require.NoError(t, err)
	assert.Equal(t, "token: ${VC_TEST_NOT_SET}", out)
}

func TestLoadPrecedence(t *testing.T) {
	t.Setenv("GROQ_MODEL", "from-env")
	t.Setenv("ADMIN_IDS", "1, 2,,3")
	t.Setenv("ADMIN_GROUP_ID", "-100200")
	t.Setenv("MAX_CONTEXT_TOKENS", "6000")
	t.Setenv("DEFAULT_TTS_ENGINE", "XTTS-v2")

	path := writeConfig(t, "llm:\n  model: from-file\n")
	cfg, err := Load(path, dbtest.Logger())
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.LLM.Model, "the file wins over the environment")
	assert.Equal(t, []string{"1", "2", "3"}, cfg.Approval.Admins)
	assert.Equal(t, "telegram", cfg.Approval.Channel)
	assert.Equal(t, "-100200", cfg.Approval.ChatID)
	assert.Equal(t, 6000, cfg.Context.MaxTokens)
	assert.Equal(t, "xtts", cfg.TTS.DefaultEngine)
	assert.Equal(t, path, cfg.Path)
}

func TestLoadRejectsBadLegacyValue(t *testing.T) {
	t.Setenv("MAX_CONTEXT_TOKENS", "lots")
	_, err := Load(writeConfig(t, ""), dbtest.Logger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_CONTEXT_TOKENS")
}

func TestApplyDatabaseURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		url     string
		backend database.BackendType
		path    string
		pgURL   string
	}{
		{url: "sqlite+aiosqlite:///./data/bot.db", backend: database.BackendSQLite, path: "./data/bot.db"},
		{url: "sqlite:////var/lib/bot.db", backend: database.BackendSQLite, path: "/var/lib/bot.db"},
		{url: "./plain.db", backend: database.BackendSQLite, path: "./plain.db"},
		{url: "postgres://u:p@db/voice", backend: database.BackendPostgreSQL, path: "./data/voiceclaw.db", pgURL: "postgres://u:p@db/voice"},
		{url: "postgresql://db/voice", backend: database.BackendPostgreSQL, path: "./data/voiceclaw.db", pgURL: "postgresql://db/voice"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			t.Parallel()
			db := database.DefaultConfig()
			applyDatabaseURL(&db, tt.url)
			assert.Equal(t, tt.backend, db.Backend)
			assert.Equal(t, tt.path, db.SQLite.Path)
			assert.Equal(t, tt.pgURL, db.PostgreSQL.URL)
		})
	}
}

func TestLoadResolvesSecrets(t *testing.T) {
	require.NoError(t, SetSecret(SecretLLMAPIKey, "gsk_from_keyring"))
	t.Cleanup(func() { _ = DeleteSecret(SecretLLMAPIKey) })
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:from-env")
	t.Setenv("BRAVE_API_KEY", "brave-from-env")

	path := writeConfig(t, `
llm:
  api_key: ${VC_TEST_NO_SUCH_KEY}
tools:
  search:
    brave_api_key: brave-in-file
`)
	cfg, err := Load(path, dbtest.Logger())
	require.NoError(t, err)

	assert.Equal(t, "gsk_from_keyring", cfg.LLM.APIKey)
	assert.Equal(t, "123:from-env", cfg.Channels.Telegram.Token)
	assert.Equal(t, "brave-in-file", cfg.Tools.Search.BraveAPIKey)
}

func TestLLMKeyFollowsProvider(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "gsk_groq")
	t.Setenv("GEMINI_API_KEY", "gemini-key")

	cfg, err := Load(writeConfig(t, "llm:\n  provider: gemini\n  model: gemini-2.5-flash\n"), dbtest.Logger())
	require.NoError(t, err)
	assert.Equal(t, "gemini-key", cfg.LLM.APIKey)
	assert.Equal(t, "gsk_groq", cfg.STT.APIKey)
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	path := writeConfig(t, `
database:
  sqlite:
    path: state/voice.db
persona:
  dir: /etc/voiceclaw/persona
`)
	cfg, err := Load(path, dbtest.Logger())
	require.NoError(t, err)

	dir := filepath.Dir(path)
	assert.Equal(t, filepath.Join(dir, "state", "voice.db"), cfg.Database.SQLite.Path)
	assert.Equal(t, "/etc/voiceclaw/persona", cfg.Persona.Dir)
}

func TestSave(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.LLM.APIKey = "gsk_super_secret"
	cfg.Channels.Telegram.Token = "${TELEGRAM_BOT_TOKEN}"
	cfg.Approval.Admins = []string{"42"}
	require.NoError(t, Save(cfg, path))
	assert.Equal(t, "gsk_super_secret", cfg.LLM.APIKey, "the caller's config is untouched")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "gsk_super_secret")
	assert.Contains(t, string(data), "${TELEGRAM_BOT_TOKEN}")

	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, back.Approval.Admins)
	assert.Equal(t, cfg.Approval.Timeout, back.Approval.Timeout)

	require.NoError(t, Save(cfg, path))
	_, err = os.Stat(path + ".bak")
	assert.NoError(t, err)
}

func TestSecretNames(t *testing.T) {
	assert.Contains(t, SecretNames(), SecretTelegramToken)
	assert.Error(t, SetSecret("root_password", "x"))
	assert.Error(t, SetSecret(SecretBraveAPIKey, ""))
	assert.NoError(t, DeleteSecret(SecretBraveAPIKey), "deleting a missing secret is fine")
	assert.True(t, KeyringAvailable())
}
