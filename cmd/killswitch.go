package cmd

import (
	"context"
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/remedyd/remedy/internal/models"
	"github.com/remedyd/remedy/internal/output"
)

var killSwitchCmd = &cobra.Command{
	Use:   "kill-switch [on|off]",
	Short: "Show or set the global kill switch",
	Long: `Show or set the global kill switch.

While the switch is on, no run generates or applies fixes: in-flight
runs stop at their next phase boundary and new checks are denied. The
switch is persisted, so it holds across processes and restarts.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return killSwitchShowRun()
		}
		return killSwitchSetRun(args[0])
	},
}

func init() {
	rootCmd.AddCommand(killSwitchCmd)
}

func killSwitchShowRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	on, err := s.KillSwitch(context.Background())
	if err != nil {
		return err
	}
	if on {
		ui.Info("Kill switch: %s", output.Red("ON"))
	} else {
		ui.Info("Kill switch: %s", output.Green("off"))
	}
	return nil
}

func killSwitchSetRun(arg string) error {
	var on bool
	switch arg {
	case "on":
		on = true
	case "off":
		on = false
	default:
		return fmt.Errorf("argument must be 'on' or 'off', got %q", arg)
	}

	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := s.SetKillSwitch(ctx, on); err != nil {
		return err
	}

	actor := os.Getenv("USER")
	if u, err := user.Current(); err == nil {
		actor = u.Username
	}
	state := "off"
	if on {
		state = "on"
	}
	_ = s.AppendAudit(ctx, &models.AuditLogEntry{
		Action: models.AuditKillSwitch,
		Actor:  actor,
		Reason: state,
	})

	if on {
		ui.Warning("Kill switch ON: all remediation is halted.")
	} else {
		ui.Success("Kill switch off: remediation re-enabled.")
	}
	return nil
}
