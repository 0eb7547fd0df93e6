package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/channels"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/channels/console"
)

// newChatCmd creates the `voiceclaw chat` command, a local REPL over the
// same orchestrator the bot uses.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant in the terminal",
		Long: `Start an interactive session in the terminal. Buttons are numbered;
type ":<n>" to press one. Approval prompts appear in the same session and
the local user may resolve them.

Examples:
  voiceclaw chat
  voiceclaw chat --user alice`,
		RunE: runChat,
	}
	cmd.Flags().String("user", "local", "identity the session speaks as")
	return cmd
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	user, _ := cmd.Flags().GetString("user")
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); !verbose {
		// Keep the prompt readable.
		logger = newLogger(os.Stderr, "warn", cfg.Logging.Format, false)
	}

	// Approvals are answered in the terminal by the person at it.
	cfg.Approval.Channel = "console"
	cfg.Approval.ChatID = console.ChatID
	cfg.Approval.Admins = append(cfg.Approval.Admins, user)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	term := console.New(console.Config{
		User:        user,
		Prompt:      user + "> ",
		HistoryFile: filepath.Join(filepath.Dir(cfg.Persona.Dir), "chat_history"),
	}, logger)
	transport := channels.NewManager(logger)
	if err := transport.Register(term); err != nil {
		return err
	}

	orch, err := buildOrchestrator(ctx, cfg, logger, db, transport)
	if err != nil {
		return err
	}
	if err := transport.Start(ctx); err != nil {
		orch.Close()
		return fmt.Errorf("starting console: %w", err)
	}
	defer transport.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-term.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Println("VoiceClaw chat. /help lists commands, Ctrl+D exits.")
	return runUntilStopped(ctx, orch.Run, logger)
}

// runUntilStopped runs fn until ctx is done, then gives it shutdownTimeout
// to return.
func runUntilStopped(ctx context.Context, fn func(context.Context) error, logger *slog.Logger) error {
	errc := make(chan error, 1)
	go func() { errc <- fn(ctx) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, stopping...")
	select {
	case err := <-errc:
		logger.Info("shutdown complete")
		return err
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
		return nil
	}
}
