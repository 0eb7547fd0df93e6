package config

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/zalando/go-keyring"
)

// KeyringService is the service name secrets are stored under.
const KeyringService = "voiceclaw"

// Secret names accepted by SetSecret and friends.
const (
	SecretLLMAPIKey        = "llm_api_key"
	SecretTelegramToken    = "telegram_token"
	SecretSTTAPIKey        = "stt_api_key"
	SecretTTSAPIKey        = "tts_api_key"
	SecretBraveAPIKey      = "brave_api_key"
	SecretPostgresPassword = "postgres_password"
)

// secret binds a keyring entry to its config field and the environment
// variables that may also carry it.
type secret struct {
	name  string
	field func(*Config) *string
	env   func(*Config) []string
}

var secrets = []secret{
	{
		name:  SecretLLMAPIKey,
		field: func(c *Config) *string { return &c.LLM.APIKey },
		env: func(c *Config) []string {
			switch c.LLM.Provider {
			case ProviderOpenAI:
				return []string{"OPENAI_API_KEY"}
			case ProviderGemini:
				return []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}
			default:
				return []string{"GROQ_API_KEY"}
			}
		},
	},
	{
		name:  SecretTelegramToken,
		field: func(c *Config) *string { return &c.Channels.Telegram.Token },
		env:   envs("TELEGRAM_BOT_TOKEN"),
	},
	{
		name:  SecretSTTAPIKey,
		field: func(c *Config) *string { return &c.STT.APIKey },
		env:   envs("GROQ_API_KEY"),
	},
	{
		name:  SecretTTSAPIKey,
		field: func(c *Config) *string { return &c.TTS.OpenAI.APIKey },
		env:   envs("OPENAI_API_KEY"),
	},
	{
		name:  SecretBraveAPIKey,
		field: func(c *Config) *string { return &c.Tools.Search.BraveAPIKey },
		env:   envs("BRAVE_API_KEY"),
	},
	{
		name:  SecretPostgresPassword,
		field: func(c *Config) *string { return &c.Database.PostgreSQL.Password },
		env:   envs("PGPASSWORD"),
	},
}

func envs(names ...string) func(*Config) []string {
	return func(*Config) []string { return names }
}

// SecretNames lists the names accepted by SetSecret.
func SecretNames() []string {
	names := make([]string, len(secrets))
	for i, s := range secrets {
		names[i] = s.name
	}
	return names
}

func checkSecretName(name string) error {
	if !slices.Contains(SecretNames(), name) {
		return fmt.Errorf("unknown secret %q (known: %v)", name, SecretNames())
	}
	return nil
}

// SetSecret stores a secret in the OS keyring.
func SetSecret(name, value string) error {
	if err := checkSecretName(name); err != nil {
		return err
	}
	if value == "" {
		return errors.New("secret value is empty")
	}
	if err := keyring.Set(KeyringService, name, value); err != nil {
		return fmt.Errorf("storing %s in keyring: %w", name, err)
	}
	return nil
}

// GetSecret reads a secret from the OS keyring. A missing entry returns
// an empty string and no error.
func GetSecret(name string) (string, error) {
	v, err := keyring.Get(KeyringService, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s from keyring: %w", name, err)
	}
	return v, nil
}

// DeleteSecret removes a secret from the OS keyring. Deleting a missing
// entry is not an error.
func DeleteSecret(name string) error {
	if err := checkSecretName(name); err != nil {
		return err
	}
	err := keyring.Delete(KeyringService, name)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting %s from keyring: %w", name, err)
	}
	return nil
}

// KeyringAvailable reports whether the OS keyring can be written.
func KeyringAvailable() bool {
	const check = "__voiceclaw_check__"
	if err := keyring.Set(KeyringService, check, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(KeyringService, check)
	return true
}

// SecretSource reports where a resolved secret came from.
type SecretSource string

const (
	SourceNone    SecretSource = ""
	SourceFile    SecretSource = "file"
	SourceKeyring SecretSource = "keyring"
	SourceEnv     SecretSource = "env"
)

// resolveSecret fills one secret field. Values written in the file win
// unless they are still unresolved ${VAR} references.
func resolveSecret(cfg *Config, s secret) (SecretSource, error) {
	field := s.field(cfg)
	if *field != "" && !IsEnvReference(*field) {
		return SourceFile, nil
	}
	*field = ""

	v, err := GetSecret(s.name)
	if err != nil {
		// Headless hosts often have no keyring.
		return resolveSecretEnv(cfg, s, field), err
	}
	if v != "" {
		*field = v
		return SourceKeyring, nil
	}
	return resolveSecretEnv(cfg, s, field), nil
}

func resolveSecretEnv(cfg *Config, s secret, field *string) SecretSource {
	for _, name := range s.env(cfg) {
		if v := os.Getenv(name); v != "" {
			*field = v
			return SourceEnv
		}
	}
	return SourceNone
}

// Secrets returns the secret fields of c keyed by secret name.
func (c *Config) Secrets() map[string]string {
	out := make(map[string]string, len(secrets))
	for _, s := range secrets {
		out[s.name] = *s.field(c)
	}
	return out
}
