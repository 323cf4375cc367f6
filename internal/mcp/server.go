// Package mcp exposes the remediation data layer as MCP tools so agents
// and editors can observe runs, deliver approval decisions, and trip the
// kill switch from another process.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/remedyd/remedy/internal/models"
	"github.com/remedyd/remedy/internal/store"
)

// Server wraps the remedy data layer and exposes it as MCP tools.
type Server struct {
	store store.Store
}

// NewServer creates the MCP server wrapper.
func NewServer(s store.Store) *Server {
	return &Server{store: s}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("remedy", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listRunsTool())
	srv.AddTool(s.runStatusTool())
	srv.AddTool(s.auditLogTool())
	srv.AddTool(s.approveFixTool())
	srv.AddTool(s.denyFixTool())
	srv.AddTool(s.killSwitchTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// remedy_list_runs
func (s *Server) listRunsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remedy_list_runs",
		mcp.WithDescription("List recent remediation runs, newest first. Returns a JSON array with id, verdict_id, status, health_before, health_after, reason, and timestamps."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs to return (default 20)")),
	)
	return tool, s.handleListRuns
}

func (s *Server) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	runs, err := s.store.ListRuns(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}

	out := make([]map[string]any, len(runs))
	for i, r := range runs {
		out[i] = runOut(r)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal runs: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// remedy_run_status
func (s *Server) runStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remedy_run_status",
		mcp.WithDescription("Get one remediation run with all of its fixes: per-fix status, strategy, approval level, affected files, and failure reasons."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run id")),
	)
	return tool, s.handleRunStatus
}

func (s *Server) handleRunStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: run_id"), nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", runID)), nil
	}
	fixes, err := s.store.ListFixes(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list fixes: %v", err)), nil
	}

	fixOut := make([]map[string]any, len(fixes))
	for i, f := range fixes {
		fixOut[i] = map[string]any{
			"id":            f.ID,
			"issue_id":      f.IssueID,
			"root_cause_id": f.RootCauseID,
			"strategy":      f.Strategy,
			"status":        f.Status,
			"approval":      f.Approval,
			"files":         f.Patch.Files,
			"lines_changed": f.Patch.LinesChanged(),
			"reason":        f.Reason,
			"error":         f.Error,
		}
	}

	result := map[string]any{
		"run":   runOut(run),
		"fixes": fixOut,
	}
	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// remedy_audit_log
func (s *Server) auditLogTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remedy_audit_log",
		mcp.WithDescription("Read the append-only audit log, optionally filtered by run or fix. Entries carry an action, actor, machine-readable reason code, and detail."),
		mcp.WithString("run_id", mcp.Description("Filter by run id")),
		mcp.WithString("fix_id", mcp.Description("Filter by fix id")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 100)")),
	)
	return tool, s.handleAuditLog
}

func (s *Server) handleAuditLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.AuditFilter{
		RunID: request.GetString("run_id", ""),
		FixID: request.GetString("fix_id", ""),
		Limit: request.GetInt("limit", 100),
	}
	entries, err := s.store.ListAudit(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list audit entries: %v", err)), nil
	}

	out := make([]map[string]any, len(entries))
	for i, e := range entries {
		out[i] = map[string]any{
			"id":        e.ID,
			"run_id":    e.RunID,
			"fix_id":    e.FixID,
			"action":    e.Action,
			"actor":     e.Actor,
			"reason":    e.Reason,
			"detail":    e.Detail,
			"timestamp": e.Timestamp.Format(time.RFC3339),
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal audit entries: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// remedy_approve_fix
func (s *Server) approveFixTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remedy_approve_fix",
		mcp.WithDescription("Approve a review-required fix so the waiting run can apply it."),
		mcp.WithString("fix_id", mcp.Required(), mcp.Description("Fix id")),
		mcp.WithString("actor", mcp.Required(), mcp.Description("Who is approving")),
	)
	return tool, s.handleApproveFix
}

func (s *Server) handleApproveFix(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.decide(ctx, request, true)
}

// remedy_deny_fix
func (s *Server) denyFixTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remedy_deny_fix",
		mcp.WithDescription("Deny a review-required fix. The waiting run blocks it and moves on."),
		mcp.WithString("fix_id", mcp.Required(), mcp.Description("Fix id")),
		mcp.WithString("actor", mcp.Required(), mcp.Description("Who is denying")),
	)
	return tool, s.handleDenyFix
}

func (s *Server) handleDenyFix(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.decide(ctx, request, false)
}

func (s *Server) decide(ctx context.Context, request mcp.CallToolRequest, approved bool) (*mcp.CallToolResult, error) {
	fixID, err := request.RequireString("fix_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: fix_id"), nil
	}
	actor, err := request.RequireString("actor")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: actor"), nil
	}

	fix, err := s.store.GetFix(ctx, fixID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("fix not found: %s", fixID)), nil
	}

	decision := &store.ApprovalDecision{
		FixID:     fixID,
		Approved:  approved,
		Actor:     actor,
		DecidedAt: time.Now().UTC(),
	}
	if err := s.store.RecordApproval(ctx, decision); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to record decision: %v", err)), nil
	}

	action := models.AuditApprove
	verb := "approved"
	if !approved {
		action = models.AuditDeny
		verb = "denied"
	}
	_ = s.store.AppendAudit(ctx, &models.AuditLogEntry{
		RunID:  fix.RunID,
		FixID:  fixID,
		Action: action,
		Actor:  actor,
		Reason: "external_decision",
	})

	return mcp.NewToolResultText(fmt.Sprintf("fix %s %s by %s", fixID, verb, actor)), nil
}

// remedy_kill_switch
func (s *Server) killSwitchTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remedy_kill_switch",
		mcp.WithDescription("Set or clear the global kill switch. While on, no new fixes are generated or applied by any run."),
		mcp.WithBoolean("on", mcp.Required(), mcp.Description("true to activate, false to clear")),
		mcp.WithString("actor", mcp.Required(), mcp.Description("Who is toggling the switch")),
	)
	return tool, s.handleKillSwitch
}

func (s *Server) handleKillSwitch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	on, err := request.RequireBool("on")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: on"), nil
	}
	actor, err := request.RequireString("actor")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: actor"), nil
	}

	if err := s.store.SetKillSwitch(ctx, on); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to set kill switch: %v", err)), nil
	}

	state := "off"
	if on {
		state = "on"
	}
	_ = s.store.AppendAudit(ctx, &models.AuditLogEntry{
		Action: models.AuditKillSwitch,
		Actor:  actor,
		Reason: state,
	})
	return mcp.NewToolResultText("kill switch " + state), nil
}

func runOut(r *models.RemediationRun) map[string]any {
	out := map[string]any{
		"id":            r.ID,
		"verdict_id":    r.VerdictID,
		"status":        r.Status,
		"fix_ids":       r.FixIDs,
		"health_before": r.HealthBefore,
		"health_after":  r.HealthAfter,
		"reason":        r.Reason,
		"started_at":    r.StartedAt.Format(time.RFC3339),
	}
	if r.EndedAt != nil {
		out["ended_at"] = r.EndedAt.Format(time.RFC3339)
	}
	return out
}
