package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/config"
)

// newSecretCmd creates `voiceclaw secret`, which manages API keys and tokens
// in the OS keyring.
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets in the OS keyring",
		Long: `Store, remove and list the secrets VoiceClaw reads from the OS keyring.
Secrets in the keyring take precedence over environment variables and
never need to appear in the config file.

Names: ` + strings.Join(config.SecretNames(), ", ") + `

Examples:
  voiceclaw secret set telegram_token
  echo "$GROQ_API_KEY" | voiceclaw secret set llm_api_key
  voiceclaw secret list`,
	}
	cmd.AddCommand(newSecretSetCmd(), newSecretDeleteCmd(), newSecretListCmd())
	return cmd
}

func newSecretSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "set <name>",
		Short:     "Store a secret (read without echo)",
		Args:      cobra.ExactArgs(1),
		ValidArgs: config.SecretNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !config.KeyringAvailable() {
				return fmt.Errorf("OS keyring not available; export the secret as an environment variable instead")
			}
			value, err := readSecret(cmd.InOrStdin(), fmt.Sprintf("%s: ", args[0]))
			if err != nil {
				return err
			}
			if err := config.SetSecret(args[0], value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s in the keyring.\n", args[0])
			return nil
		},
	}
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "delete <name>",
		Short:     "Remove a secret",
		Args:      cobra.ExactArgs(1),
		ValidArgs: config.SecretNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.DeleteSecret(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from the keyring.\n", args[0])
			return nil
		},
	}
}

func newSecretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show which secrets are stored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			for _, name := range config.SecretNames() {
				v, err := config.GetSecret(name)
				switch {
				case err != nil:
					fmt.Fprintf(out, "  %-18s error: %v\n", name, err)
				case v == "":
					fmt.Fprintf(out, "  %-18s not set\n", name)
				default:
					fmt.Fprintf(out, "  %-18s set\n", name)
				}
			}
			return nil
		},
	}
}

// readSecret reads without echo from a terminal, or one line from piped
// input.
func readSecret(in io.Reader, prompt string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
