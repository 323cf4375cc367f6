package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/remedyd/remedy/internal/output"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show remediation runs",
	Long: `Show recent remediation runs, or detailed status for one run.

Without arguments, lists recent runs newest first. With a run id, shows
the run's fixes with their strategy, status, and approval level.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return statusDetailRun(args[0])
		}
		return statusListRun()
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "Maximum number of runs to list")
	rootCmd.AddCommand(statusCmd)
}

func statusListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	runs, err := s.ListRuns(context.Background(), statusLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		ui.Info("No remediation runs yet. Use 'remedy run <verdict-file>' to start one.")
		return nil
	}

	table := ui.Table([]string{"Run", "Verdict", "Status", "Fixes", "Health", "Started", "Reason"})
	for _, r := range runs {
		table.Append([]string{
			r.ID,
			r.VerdictID,
			output.StatusColor(string(r.Status)),
			fmt.Sprintf("%d", len(r.FixIDs)),
			output.HealthColor(r.HealthAfter),
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.Reason,
		})
	}
	table.Render()
	return nil
}

func statusDetailRun(runID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	fixes, err := s.ListFixes(ctx, runID)
	if err != nil {
		return err
	}

	ui.Info("Run %s  %s", run.ID, output.StatusColor(string(run.Status)))
	ui.Info("Verdict:  %s", run.VerdictID)
	ui.Info("Health:   %s -> %s", output.HealthColor(run.HealthBefore), output.HealthColor(run.HealthAfter))
	ui.Info("Started:  %s", run.StartedAt.Local().Format(time.RFC1123))
	if run.EndedAt != nil {
		ui.Info("Ended:    %s", run.EndedAt.Local().Format(time.RFC1123))
	}
	if run.Reason != "" {
		ui.Info("Reason:   %s", run.Reason)
	}

	if len(fixes) == 0 {
		return nil
	}
	fmt.Fprintln(ui.Out)
	table := ui.Table([]string{"Fix", "Issue", "Strategy", "Status", "Approval", "Files", "±Lines", "Reason"})
	for _, f := range fixes {
		table.Append([]string{
			f.ID,
			f.IssueID,
			string(f.Strategy),
			output.StatusColor(string(f.Status)),
			string(f.Approval),
			strings.Join(f.Patch.Files, ","),
			fmt.Sprintf("+%d/-%d", f.Patch.LinesAdded, f.Patch.LinesRemoved),
			f.Reason,
		})
	}
	table.Render()
	return nil
}
