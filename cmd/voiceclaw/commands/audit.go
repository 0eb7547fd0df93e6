package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/audit"
)

// newAuditCmd creates `voiceclaw audit`.
func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check the configuration for security problems",
		Long: `Report settings that weaken the approval workflow or expose secrets:
missing approvers, plaintext keys, world-readable files and risky tools
lowered to safe.

Examples:
  voiceclaw audit
  voiceclaw audit --json`,
		Args: cobra.NoArgs,
		RunE: runAudit,
	}
	cmd.Flags().Bool("json", false, "print the report as JSON")
	cmd.Flags().Bool("strict", false, "exit non-zero on critical findings")
	return cmd
}

func runAudit(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	report := audit.Run(cfg)
	out := cmd.OutOrStdout()

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		for _, f := range report.Findings {
			fmt.Fprintf(out, "[%s] %s\n  %s\n  fix: %s\n\n", f.Severity, f.Title, f.Detail, f.Remediation)
		}
		fmt.Fprintln(out, report.Summary())
	}

	if strict, _ := cmd.Flags().GetBool("strict"); strict && report.CriticalCount > 0 {
		return fmt.Errorf("%d critical findings", report.CriticalCount)
	}
	return nil
}
