package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/channels"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/channels/telegram"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/config"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the `voiceclaw serve` command that starts the bot.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Telegram bot",
		Long: `Start VoiceClaw as a service: connect to Telegram, resume any work
interrupted by the last shutdown and answer messages until stopped.

Examples:
  voiceclaw serve
  voiceclaw serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Channels.Telegram.Token == "" {
		return errors.New("no Telegram token configured: run 'voiceclaw secret set " + config.SecretTelegramToken + "'")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	transport := channels.NewManager(logger)
	if err := transport.Register(telegram.New(cfg.Channels.Telegram, logger)); err != nil {
		return err
	}

	orch, err := buildOrchestrator(ctx, cfg, logger, db, transport)
	if err != nil {
		return err
	}
	if err := transport.Start(ctx); err != nil {
		orch.Close()
		return fmt.Errorf("starting channels: %w", err)
	}
	defer transport.Stop()

	logger.Info("VoiceClaw running. Press Ctrl+C to stop.",
		"llm", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"admins", len(cfg.Approval.Admins),
	)
	return runUntilStopped(ctx, orch.Run, logger)
}
