package cmd

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"github.com/remedyd/remedy/internal/models"
	"github.com/remedyd/remedy/internal/store"
)

var decisionActor string

var approveCmd = &cobra.Command{
	Use:   "approve <fix-id>",
	Short: "Approve a review-required fix",
	Long: `Approve a fix waiting for review. A run blocked on this fix picks the
decision up and applies the patch.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideRun(args[0], true)
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny <fix-id>",
	Short: "Deny a review-required fix",
	Long:  `Deny a fix waiting for review. The waiting run blocks it and moves on.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideRun(args[0], false)
	},
}

func init() {
	approveCmd.Flags().StringVar(&decisionActor, "actor", "", "Who is deciding (default current user)")
	denyCmd.Flags().StringVar(&decisionActor, "actor", "", "Who is deciding (default current user)")
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(denyCmd)
}

func decideRun(fixID string, approved bool) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	fix, err := s.GetFix(ctx, fixID)
	if err != nil {
		return fmt.Errorf("fix not found: %s", fixID)
	}
	if fix.Status != models.FixStatusReviewRequired {
		ui.Warning("Fix %s is %s, not awaiting review; recording the decision anyway.", fixID, fix.Status)
	}

	actor := decisionActor
	if actor == "" {
		if u, err := user.Current(); err == nil {
			actor = u.Username
		} else {
			actor = os.Getenv("USER")
		}
	}

	if err := s.RecordApproval(ctx, &store.ApprovalDecision{
		FixID:     fixID,
		Approved:  approved,
		Actor:     actor,
		DecidedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	action := models.AuditApprove
	verb := "approved"
	if !approved {
		action = models.AuditDeny
		verb = "denied"
	}
	_ = s.AppendAudit(ctx, &models.AuditLogEntry{
		RunID:  fix.RunID,
		FixID:  fixID,
		Action: action,
		Actor:  actor,
		Reason: "external_decision",
	})

	ui.Success("Fix %s %s by %s", fixID, verb, actor)
	return nil
}
