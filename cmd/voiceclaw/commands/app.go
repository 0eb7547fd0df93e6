package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/approval"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/config"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/database"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/history"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/llm"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/orchestrator"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/persona"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/risk"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/scheduler"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/store"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/stt"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/tools"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/tts"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// loadConfig loads the configuration named by --config (or found in the
// candidate locations) and builds the logger it asks for.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	cfg, err := config.Load(path, newLogger(os.Stderr, "warn", "text", verbose))
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, newLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format, verbose), nil
}

// newLogger builds the slog logger for the configured level and format.
// verbose forces debug.
func newLogger(w io.Writer, level, format string, verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openDatabase connects and applies pending migrations.
func openDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*database.DB, error) {
	if cfg.Database.Backend != database.BackendPostgreSQL {
		if err := ensureParentDir(cfg.Database.SQLite.Path); err != nil {
			return nil, err
		}
	}
	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return db, nil
}

func ensureParentDir(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating database dir: %w", err)
	}
	return nil
}

// newModel creates the retrying client for the configured provider.
func newModel(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*llm.Client, error) {
	var provider llm.Provider
	switch cfg.LLM.Provider {
	case config.ProviderGemini:
		p, err := llm.NewGemini(ctx, llm.GeminiConfig{APIKey: cfg.LLM.APIKey, Model: cfg.LLM.Model})
		if err != nil {
			return nil, fmt.Errorf("creating gemini client: %w", err)
		}
		provider = p
	case config.ProviderOpenAI:
		baseURL := cfg.LLM.BaseURL
		if baseURL == "" {
			baseURL = defaultOpenAIBaseURL
		}
		provider = llm.NewOpenAI(llm.OpenAIConfig{
			Name:    config.ProviderOpenAI,
			APIKey:  cfg.LLM.APIKey,
			BaseURL: baseURL,
			Model:   cfg.LLM.Model,
		})
	default:
		provider = llm.NewOpenAI(llm.OpenAIConfig{
			Name:    config.ProviderGroq,
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		})
	}
	if cfg.LLM.APIKey == "" {
		logger.Warn("no LLM API key configured", "provider", cfg.LLM.Provider,
			"fix", "voiceclaw secret set "+config.SecretLLMAPIKey)
	}

	temperature := cfg.LLM.Temperature
	return llm.NewClient(provider, llm.Options{
		MaxRetries:     cfg.LLM.MaxRetries,
		InitialBackoff: cfg.LLM.InitialBackoff,
		MaxBackoff:     cfg.LLM.MaxBackoff,
		RequestTimeout: cfg.LLM.RequestTimeout,
		Temperature:    &temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
	}, logger), nil
}

// newSpeech registers Piper plus every engine that has what it needs.
func newSpeech(cfg *config.Config, logger *slog.Logger) *tts.Manager {
	providers := map[tts.Engine]tts.Provider{
		tts.EnginePiper: tts.NewPiper(tts.PiperConfig{
			Binary:    cfg.TTS.Piper.Binary,
			ModelPath: cfg.TTS.Piper.ModelPath,
			LibPath:   cfg.TTS.Piper.LibPath,
		}),
	}
	if cfg.TTS.XTTS.URL != "" {
		providers[tts.EngineXTTS] = tts.NewXTTS(tts.XTTSConfig{
			URL:      cfg.TTS.XTTS.URL,
			Language: cfg.TTS.XTTS.Language,
		})
	}
	if cfg.TTS.OpenAI.APIKey != "" {
		providers[tts.EngineOpenAI] = tts.NewOpenAI(tts.OpenAIConfig{
			APIKey:  cfg.TTS.OpenAI.APIKey,
			BaseURL: cfg.TTS.OpenAI.BaseURL,
			Model:   cfg.TTS.OpenAI.Model,
			Voice:   cfg.TTS.OpenAI.Voice,
		})
	}
	return tts.NewManager(providers, tts.Options{Timeout: cfg.TTS.Timeout, Voice: cfg.TTS.Voice}, logger)
}

// buildOrchestrator wires every component around db and transport.
func buildOrchestrator(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *database.DB, transport orchestrator.Transport) (*orchestrator.Orchestrator, error) {
	model, err := newModel(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	pers, err := persona.Open(cfg.Persona.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("loading persona: %w", err)
	}
	classifier, err := risk.NewClassifier(cfg.Risk)
	if err != nil {
		return nil, fmt.Errorf("risk policy: %w", err)
	}

	st := store.New(db, logger)
	admins := cfg.AdminList()

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, tools.BuiltinOptions{
		Shell:          tools.Shell{Dir: cfg.Tools.WorkDir},
		CommandTimeout: cfg.Tools.CommandTimeout,
		Search: tools.SearchOptions{
			Provider:    cfg.Tools.Search.Provider,
			BraveAPIKey: cfg.Tools.Search.BraveAPIKey,
			MaxResults:  cfg.Tools.Search.MaxResults,
		},
		Persona: pers,
		IsAdmin: admins.CanResolve,
	})

	deps := orchestrator.Deps{
		Store: st,
		History: history.NewManager(st, history.ModelSummarizer{Model: model}, history.Options{
			MaxTokens:    cfg.Context.MaxTokens,
			LowWatermark: cfg.Context.LowWatermark,
			SummaryShare: cfg.Context.SummaryShare,
		}, logger),
		Ledger: newLedger(cfg, db, logger),
		Executor: tools.NewExecutor(db, registry, tools.ExecutorOptions{
			Timeout:        cfg.Tools.CommandTimeout,
			MaxOutputChars: cfg.Tools.MaxOutputChars,
		}, logger),
		Classifier: classifier,
		Model:      model,
		Persona:    pers,
		Transport:  transport,
		Authorizer: admins,
		Speech:     newSpeech(cfg, logger),
		Scheduler:  scheduler.New(logger),
	}
	if cfg.STT.APIKey != "" {
		deps.Transcriber = stt.NewWhisper(stt.Config{
			APIKey:   cfg.STT.APIKey,
			BaseURL:  cfg.STT.BaseURL,
			Model:    cfg.STT.Model,
			Language: cfg.STT.Language,
			Timeout:  cfg.STT.Timeout,
		}, logger)
	} else {
		logger.Warn("no speech-to-text key configured, voice messages will be refused",
			"fix", "voiceclaw secret set "+config.SecretSTTAPIKey)
	}

	return orchestrator.New(deps, orchestrator.Options{
		MaxIterations:   cfg.Orchestrator.MaxIterations,
		ProfileEvery:    cfg.Profile.UpdateEvery,
		SweepSchedule:   cfg.Approval.SweepSchedule,
		ProfileSchedule: cfg.Profile.Schedule,
		DefaultEngine:   tts.ParseEngine(cfg.TTS.DefaultEngine),
		ApprovalChannel: cfg.Approval.Channel,
		ApprovalChatID:  cfg.Approval.ChatID,
	}, logger)
}

func newLedger(cfg *config.Config, db *database.DB, logger *slog.Logger) *approval.Ledger {
	return approval.NewLedger(db, approval.Options{
		Timeout:      cfg.Approval.Timeout,
		PollInterval: cfg.Approval.PollInterval,
	}, logger)
}
