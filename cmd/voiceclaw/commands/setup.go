package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/config"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/llm"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/tts"
)

// newSetupCmd creates the `voiceclaw setup` wizard.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Create a config file interactively. Asks for the model provider, the
admins allowed to approve risky tools and the approval chat. Tokens and
API keys go to the OS keyring, never to the file.

Examples:
  voiceclaw setup
  voiceclaw setup --config ./config.yaml`,
		Args: cobra.NoArgs,
		RunE: runSetup,
	}
}

// setupAnswers are the values the wizard collects besides the config.
type setupAnswers struct {
	admins        string
	telegramToken string
	llmKey        string
	sttKey        string
	overwrite     bool
}

func runSetup(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.DefaultPath()
	}

	cfg := config.Default()
	if existing, err := config.Load(path, nil); err == nil && existing.Path == path {
		cfg = existing
	}
	ans := setupAnswers{admins: strings.Join(cfg.Approval.Admins, ",")}

	if _, err := os.Stat(path); err == nil {
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s exists. Update it?", path)).
			Value(&ans.overwrite)
		if err := huh.NewForm(huh.NewGroup(confirm)).Run(); err != nil {
			return wizardErr(err)
		}
		if !ans.overwrite {
			fmt.Fprintln(cmd.OutOrStdout(), "Setup cancelled.")
			return nil
		}
	}

	provider := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Language model provider").
			Options(
				huh.NewOption("Groq", config.ProviderGroq),
				huh.NewOption("OpenAI", config.ProviderOpenAI),
				huh.NewOption("Google Gemini", config.ProviderGemini),
			).
			Value(&cfg.LLM.Provider),
	))
	if err := provider.Run(); err != nil {
		return wizardErr(err)
	}
	cfg.LLM.Model = defaultModel(cfg.LLM.Provider, cfg.LLM.Model)

	engine := cfg.TTS.DefaultEngine
	engines := make([]huh.Option[string], 0, len(tts.Engines))
	for _, e := range tts.Engines {
		engines = append(engines, huh.NewOption(e.DisplayName(), string(e)))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Model").
				Value(&cfg.LLM.Model).
				Validate(required("model")),
			huh.NewInput().
				Title("API key for " + cfg.LLM.Provider).
				Description("Stored in the OS keyring. Leave empty to use an environment variable.").
				EchoMode(huh.EchoModePassword).
				Value(&ans.llmKey),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather. Stored in the OS keyring.").
				EchoMode(huh.EchoModePassword).
				Value(&ans.telegramToken),
			huh.NewInput().
				Title("Groq key for voice transcription").
				Description("Optional. Without it voice messages are refused.").
				EchoMode(huh.EchoModePassword).
				Value(&ans.sttKey),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Admin user IDs").
				Description("Comma-separated Telegram user IDs allowed to approve risky tools.").
				Value(&ans.admins).
				Validate(validateIDs),
			huh.NewInput().
				Title("Approval chat ID").
				Description("Group where approval requests are posted. Empty sends them to the requester's chat.").
				Value(&cfg.Approval.ChatID).
				Validate(optionalID),
			huh.NewSelect[string]().
				Title("Default voice engine").
				Options(engines...).
				Value(&engine),
		),
	)
	if err := form.Run(); err != nil {
		return wizardErr(err)
	}

	cfg.TTS.DefaultEngine = engine
	cfg.Approval.Admins = splitIDs(ans.admins)
	if cfg.Approval.ChatID != "" {
		cfg.Approval.Channel = "telegram"
	}

	out := cmd.OutOrStdout()
	storeSecrets(out, map[string]string{
		config.SecretLLMAPIKey:     ans.llmKey,
		config.SecretTelegramToken: ans.telegramToken,
		config.SecretSTTAPIKey:     ans.sttKey,
	})

	if err := config.Save(cfg, path); err != nil {
		return err
	}
	fmt.Fprintf(out, "Config written to %s.\nRun 'voiceclaw audit' to review it, then 'voiceclaw serve'.\n", path)
	return nil
}

func storeSecrets(out io.Writer, values map[string]string) {
	available := config.KeyringAvailable()
	for _, name := range config.SecretNames() {
		v := values[name]
		if v == "" {
			continue
		}
		if !available {
			fmt.Fprintf(out, "OS keyring not available: %s was not stored. Set it through the environment.\n", name)
			continue
		}
		if err := config.SetSecret(name, v); err != nil {
			fmt.Fprintf(out, "Could not store %s: %v\n", name, err)
			continue
		}
		fmt.Fprintf(out, "Stored %s in the keyring.\n", name)
	}
}

// defaultModel keeps current when it already belongs to provider.
func defaultModel(provider, current string) string {
	switch provider {
	case config.ProviderGemini:
		if !strings.HasPrefix(current, "gemini") {
			return llm.DefaultGeminiModel
		}
	case config.ProviderOpenAI:
		if current == "" || current == llm.DefaultGroqModel || strings.HasPrefix(current, "gemini") {
			return "gpt-4o-mini"
		}
	default:
		if current == "" || strings.HasPrefix(current, "gemini") || strings.HasPrefix(current, "gpt") {
			return llm.DefaultGroqModel
		}
	}
	return current
}

func required(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

func validateIDs(s string) error {
	for _, id := range splitIDs(s) {
		if err := optionalID(id); err != nil {
			return err
		}
	}
	return nil
}

func optionalID(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		return fmt.Errorf("%q is not a numeric ID", s)
	}
	return nil
}

func splitIDs(s string) []string {
	var ids []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, part)
		}
	}
	return ids
}

func wizardErr(err error) error {
	if errors.Is(err, huh.ErrUserAborted) {
		return errors.New("setup aborted")
	}
	return err
}
