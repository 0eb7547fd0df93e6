package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/approval"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/orchestrator"
)

// newApprovalsCmd creates `voiceclaw approvals`, the operator path for
// resolving requests without Telegram. A running bot notices decisions
// made here on its next poll.
func newApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List and resolve pending approval requests",
		Long: `List pending approval requests and approve or deny them from the
command line. The resolver must be one of the configured admins.

Examples:
  voiceclaw approvals list
  voiceclaw approvals approve 3f2a... --as 123456789
  voiceclaw approvals deny 3f2a... --as 123456789`,
	}
	cmd.AddCommand(
		newApprovalsListCmd(),
		newResolveCmd("approve", "Approve a pending request", approval.Approve),
		newResolveCmd("deny", "Deny a pending request", approval.Deny),
	)
	return cmd
}

func newApprovalsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show pending requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := openDatabase(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			pending, err := newLedger(cfg, db, logger).Pending(cmd.Context())
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending approvals.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTOOL\tREQUESTER\tEXPIRES IN\tSUMMARY")
			for _, r := range pending {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.ToolName, r.Requester,
					time.Until(r.DeadlineAt).Round(time.Second), r.Summary)
			}
			return w.Flush()
		},
	}
}

func newResolveCmd(use, short string, verdict approval.Decision) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <request-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			resolver, _ := cmd.Flags().GetString("as")
			if !cfg.AdminList().CanResolve(resolver) {
				return fmt.Errorf("%w: %q", orchestrator.ErrUnauthorized, resolver)
			}

			db, err := openDatabase(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			req, err := newLedger(cfg, db, logger).Resolve(cmd.Context(), args[0], verdict, resolver)
			var conflict *approval.ConflictError
			switch {
			case errors.As(err, &conflict):
				return fmt.Errorf("request %s is already %s", conflict.ID, conflict.Current)
			case err != nil:
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Request %s %s (%s).\n", req.ID, req.Status, req.ToolName)
			return nil
		},
	}
	cmd.Flags().String("as", "", "admin identity resolving the request")
	_ = cmd.MarkFlagRequired("as")
	return cmd
}
