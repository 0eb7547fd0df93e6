// Package config defines the VoiceClaw configuration and loads it from YAML,
// .env files, the OS keyring and the legacy environment variables.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/approval"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/channels/telegram"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/database"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/history"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/llm"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/orchestrator"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/risk"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/scheduler"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/stt"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/tools"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/tts"
)

// LLM providers.
const (
	ProviderGroq   = "groq"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config holds all VoiceClaw configuration.
type Config struct {
	// Path is the file the configuration was loaded from, if any.
	Path string `yaml:"-"`

	Logging  LoggingConfig   `yaml:"logging"`
	Database database.Config `yaml:"database"`
	LLM      LLMConfig       `yaml:"llm"`

	// Context configures the conversation token budget.
	Context ContextConfig `yaml:"context"`

	Approval     ApprovalConfig     `yaml:"approval"`
	Tools        ToolsConfig        `yaml:"tools"`
	Risk         risk.Policy        `yaml:"risk"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Profile      ProfileConfig      `yaml:"profile"`
	STT          STTConfig          `yaml:"stt"`
	TTS          TTSConfig          `yaml:"tts"`
	Persona      PersonaConfig      `yaml:"persona"`
	Channels     ChannelsConfig     `yaml:"channels"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// LLMConfig configures the language model.
type LLMConfig struct {
	// Provider is groq, openai or gemini.
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`

	// BaseURL overrides the endpoint of OpenAI-compatible providers.
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Temperature    float32       `yaml:"temperature"`
	MaxTokens      int           `yaml:"max_tokens"`
}

// ContextConfig configures history compaction.
type ContextConfig struct {
	MaxTokens    int     `yaml:"max_tokens"`
	LowWatermark float64 `yaml:"low_watermark"`
	SummaryShare float64 `yaml:"summary_share"`
}

// ApprovalConfig configures the approval workflow.
type ApprovalConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	SweepSchedule string        `yaml:"sweep_schedule"`

	// Admins are the identities allowed to approve or deny.
	Admins []string `yaml:"admins"`

	// Channel and ChatID route approval prompts. Empty ChatID sends them
	// to the chat that triggered the request.
	Channel string `yaml:"channel"`
	ChatID  string `yaml:"chat_id"`
}

// ToolsConfig configures the built-in tools and the executor.
type ToolsConfig struct {
	// WorkDir is where run_command executes.
	WorkDir        string        `yaml:"work_dir"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	MaxOutputChars int           `yaml:"max_output_chars"`
	Search         SearchConfig  `yaml:"search"`
}

// SearchConfig configures web_search.
type SearchConfig struct {
	// Provider is duckduckgo or brave.
	Provider    string `yaml:"provider"`
	BraveAPIKey string `yaml:"brave_api_key"`
	MaxResults  int    `yaml:"max_results"`
}

// OrchestratorConfig bounds the model loop.
type OrchestratorConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

// ProfileConfig configures user profile refreshes.
type ProfileConfig struct {
	UpdateEvery int    `yaml:"update_every"`
	Schedule    string `yaml:"schedule"`
}

// STTConfig configures speech-to-text.
type STTConfig struct {
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Model    string        `yaml:"model"`
	Language string        `yaml:"language"`
	Timeout  time.Duration `yaml:"timeout"`
}

// TTSConfig configures the speech engines.
type TTSConfig struct {
	DefaultEngine string        `yaml:"default_engine"`
	Timeout       time.Duration `yaml:"timeout"`
	Voice         string        `yaml:"voice"`

	Piper  PiperConfig  `yaml:"piper"`
	XTTS   XTTSConfig   `yaml:"xtts"`
	OpenAI OpenAIConfig `yaml:"openai"`
}

// PiperConfig locates the piper CLI and its voice model.
type PiperConfig struct {
	Binary    string `yaml:"binary"`
	ModelPath string `yaml:"model_path"`
	LibPath   string `yaml:"lib_path"`
}

// XTTSConfig points at the XTTS sidecar.
type XTTSConfig struct {
	URL      string `yaml:"url"`
	Language string `yaml:"language"`
}

// OpenAIConfig configures the cloud speech endpoint.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Voice   string `yaml:"voice"`
}

// PersonaConfig locates the persona documents.
type PersonaConfig struct {
	Dir string `yaml:"dir"`
}

// ChannelsConfig configures the chat transports.
type ChannelsConfig struct {
	Telegram telegram.Config `yaml:"telegram"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: database.DefaultConfig(),
		LLM: LLMConfig{
			Provider:       ProviderGroq,
			Model:          llm.DefaultGroqModel,
			MaxRetries:     llm.DefaultMaxRetries,
			InitialBackoff: llm.DefaultInitialBackoff,
			MaxBackoff:     llm.DefaultMaxBackoff,
			RequestTimeout: llm.DefaultRequestTimeout,
			Temperature:    llm.DefaultTemperature,
			MaxTokens:      llm.DefaultMaxTokens,
		},
		Context: ContextConfig{
			MaxTokens:    history.DefaultMaxTokens,
			LowWatermark: history.DefaultLowWatermark,
			SummaryShare: history.DefaultSummaryShare,
		},
		Approval: ApprovalConfig{
			Timeout:       approval.DefaultTimeout,
			PollInterval:  approval.DefaultPollInterval,
			SweepSchedule: orchestrator.DefaultSweepSchedule,
			Channel:       "telegram",
		},
		Tools: ToolsConfig{
			CommandTimeout: tools.DefaultTimeout,
			MaxOutputChars: tools.DefaultMaxOutputChars,
			Search:         SearchConfig{Provider: tools.ProviderDuckDuckGo, MaxResults: 5},
		},
		Orchestrator: OrchestratorConfig{MaxIterations: orchestrator.DefaultMaxIterations},
		Profile: ProfileConfig{
			UpdateEvery: orchestrator.DefaultProfileEvery,
			Schedule:    orchestrator.DefaultProfileSchedule,
		},
		STT: STTConfig{
			BaseURL: stt.DefaultBaseURL,
			Model:   stt.DefaultModel,
			Timeout: stt.DefaultTimeout,
		},
		TTS: TTSConfig{
			DefaultEngine: string(tts.EnginePiper),
			Timeout:       tts.DefaultTimeout,
			Piper:         PiperConfig{ModelPath: "./data/models/piper/en_US-amy-medium.onnx"},
			XTTS:          XTTSConfig{URL: "http://localhost:8020", Language: "en"},
		},
		Persona: PersonaConfig{Dir: "./data/persona"},
	}
}

// Validate reports every impossible value at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		add("logging.format: must be text or json, got %q", c.Logging.Format)
	}

	if err := c.Database.Validate(); err != nil {
		add("database: %w", err)
	}

	switch c.LLM.Provider {
	case ProviderGroq, ProviderOpenAI, ProviderGemini:
	default:
		add("llm.provider: unsupported provider %q", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		add("llm.model: required")
	}
	if c.LLM.MaxTokens <= 0 {
		add("llm.max_tokens: must be positive")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		add("llm.temperature: must be between 0 and 2")
	}
	if c.LLM.MaxBackoff < c.LLM.InitialBackoff {
		add("llm.max_backoff: shorter than initial_backoff")
	}

	if c.Context.MaxTokens <= 0 {
		add("context.max_tokens: must be positive")
	}
	if c.Context.LowWatermark <= 0 || c.Context.LowWatermark >= 1 {
		add("context.low_watermark: must be between 0 and 1")
	}
	if c.Context.SummaryShare <= 0 || c.Context.SummaryShare >= c.Context.LowWatermark {
		add("context.summary_share: must be positive and below low_watermark")
	}

	if c.Approval.Timeout <= 0 {
		add("approval.timeout: must be positive")
	}
	if c.Approval.PollInterval <= 0 {
		add("approval.poll_interval: must be positive")
	}
	if err := scheduler.ParseSchedule(c.Approval.SweepSchedule); err != nil {
		add("approval.sweep_schedule: %w", err)
	}
	if slices.Contains(c.Approval.Admins, "") {
		add("approval.admins: empty identity")
	}

	if c.Tools.CommandTimeout <= 0 {
		add("tools.command_timeout: must be positive")
	}
	if c.Tools.MaxOutputChars <= 0 {
		add("tools.max_output_chars: must be positive")
	}
	switch c.Tools.Search.Provider {
	case tools.ProviderDuckDuckGo, tools.ProviderBrave:
	default:
		add("tools.search.provider: unsupported provider %q", c.Tools.Search.Provider)
	}
	if _, err := risk.NewClassifier(c.Risk); err != nil {
		add("risk: %w", err)
	}

	if c.Orchestrator.MaxIterations <= 0 {
		add("orchestrator.max_iterations: must be positive")
	}
	if c.Profile.UpdateEvery <= 0 {
		add("profile.update_every: must be positive")
	}
	if err := scheduler.ParseSchedule(c.Profile.Schedule); err != nil {
		add("profile.schedule: %w", err)
	}

	if !slices.Contains(tts.Engines, tts.Engine(c.TTS.DefaultEngine)) {
		add("tts.default_engine: unknown engine %q", c.TTS.DefaultEngine)
	}
	if c.TTS.Timeout <= 0 {
		add("tts.timeout: must be positive")
	}
	if c.STT.Timeout <= 0 {
		add("stt.timeout: must be positive")
	}
	if c.Persona.Dir == "" {
		add("persona.dir: required")
	}

	return errors.Join(errs...)
}

// AdminList returns the approvers as an authorizer.
func (c *Config) AdminList() orchestrator.AdminList {
	return orchestrator.AdminList(c.Approval.Admins)
}
