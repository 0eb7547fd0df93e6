// Package commands implements the VoiceClaw CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "voiceclaw",
		Short: "VoiceClaw - voice and text assistant with approval-gated tools",
		Long: `VoiceClaw is a voice and text assistant for Telegram. Tool calls are
classified by risk; risky ones wait for an admin to approve them.

Examples:
  voiceclaw setup
  voiceclaw serve
  voiceclaw chat
  voiceclaw approvals list`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSetupCmd(),
		newSecretCmd(),
		newMigrateCmd(),
		newApprovalsCmd(),
		newAuditCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}
