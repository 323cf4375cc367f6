package cmd

import (
	"github.com/spf13/cobra"

	"github.com/remedyd/remedy/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets agents and editors observe runs, deliver approval decisions,
and trip the kill switch without shelling out to the CLI. Configure
with:

  {
    "mcpServers": {
      "remedy": { "command": "remedy", "args": ["mcp"] }
    }
  }

Available tools: remedy_list_runs, remedy_run_status, remedy_audit_log,
remedy_approve_fix, remedy_deny_fix, remedy_kill_switch`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		srv := mcp.NewServer(s)
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
