package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/remedyd/remedy/internal/store"
)

var (
	auditRunID string
	auditFixID string
	auditLimit int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the append-only audit log",
	Long: `Show the audit log of remediation decisions.

Every detection, generation, approval, denial, apply, verify, revert,
and kill-switch toggle is recorded with an actor and a machine-readable
reason code. Entries are never modified or deleted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return auditRun()
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditRunID, "run", "", "Filter by run id")
	auditCmd.Flags().StringVar(&auditFixID, "fix", "", "Filter by fix id")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of entries")
	rootCmd.AddCommand(auditCmd)
}

func auditRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	entries, err := s.ListAudit(context.Background(), store.AuditFilter{
		RunID: auditRunID,
		FixID: auditFixID,
		Limit: auditLimit,
	})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		ui.Info("No audit entries match.")
		return nil
	}

	table := ui.Table([]string{"Time", "Action", "Actor", "Run", "Fix", "Reason", "Detail"})
	for _, e := range entries {
		table.Append([]string{
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			string(e.Action),
			e.Actor,
			e.RunID,
			e.FixID,
			e.Reason,
			e.Detail,
		})
	}
	table.Render()
	return nil
}
