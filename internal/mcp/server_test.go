package mcp

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyd/remedy/internal/models"
	"github.com/remedyd/remedy/internal/store"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return NewServer(s), s
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func seedRun(t *testing.T, s store.Store) *models.RemediationRun {
	t.Helper()
	run := &models.RemediationRun{
		VerdictID: "verdict-1",
		Status:    models.RunStatusCompleted,
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func seedFix(t *testing.T, s store.Store, runID string) *models.RemediationFix {
	t.Helper()
	fix := &models.RemediationFix{
		RunID:    runID,
		IssueID:  "issue-1",
		Strategy: models.StrategyDirectPatch,
		Status:   models.FixStatusReviewRequired,
		Approval: models.ApprovalReviewRequired,
	}
	require.NoError(t, s.CreateFix(context.Background(), fix))
	return fix
}

func TestMCPServerRegistration(t *testing.T) {
	srv, _ := newTestServer(t)
	require.NotNil(t, srv.MCPServer())
}

func TestHandleListRuns(t *testing.T) {
	srv, s := newTestServer(t)
	run := seedRun(t, s)

	result, err := srv.handleListRuns(context.Background(), callToolReq("remedy_list_runs", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), run.ID)
}

func TestHandleRunStatus(t *testing.T) {
	srv, s := newTestServer(t)
	run := seedRun(t, s)
	fix := seedFix(t, s, run.ID)

	result, err := srv.handleRunStatus(context.Background(),
		callToolReq("remedy_run_status", map[string]any{"run_id": run.ID}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, run.ID)
	assert.Contains(t, text, fix.ID)
	assert.Contains(t, text, "review_required")
}

func TestHandleRunStatus_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleRunStatus(context.Background(),
		callToolReq("remedy_run_status", map[string]any{"run_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleApproveFix(t *testing.T) {
	srv, s := newTestServer(t)
	run := seedRun(t, s)
	fix := seedFix(t, s, run.ID)

	result, err := srv.handleApproveFix(context.Background(),
		callToolReq("remedy_approve_fix", map[string]any{"fix_id": fix.ID, "actor": "alice"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	decision, err := s.GetApproval(context.Background(), fix.ID)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.True(t, decision.Approved)
	assert.Equal(t, "alice", decision.Actor)
}

func TestHandleDenyFix(t *testing.T) {
	srv, s := newTestServer(t)
	run := seedRun(t, s)
	fix := seedFix(t, s, run.ID)

	result, err := srv.handleDenyFix(context.Background(),
		callToolReq("remedy_deny_fix", map[string]any{"fix_id": fix.ID, "actor": "bob"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	decision, err := s.GetApproval(context.Background(), fix.ID)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.False(t, decision.Approved)
}

func TestHandleApproveFix_Missing(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleApproveFix(context.Background(),
		callToolReq("remedy_approve_fix", map[string]any{"fix_id": "nope", "actor": "alice"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleKillSwitch(t *testing.T) {
	srv, s := newTestServer(t)

	result, err := srv.handleKillSwitch(context.Background(),
		callToolReq("remedy_kill_switch", map[string]any{"on": true, "actor": "alice"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	on, err := s.KillSwitch(context.Background())
	require.NoError(t, err)
	assert.True(t, on)

	result, err = srv.handleKillSwitch(context.Background(),
		callToolReq("remedy_kill_switch", map[string]any{"on": false, "actor": "alice"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	on, err = s.KillSwitch(context.Background())
	require.NoError(t, err)
	assert.False(t, on)
}

func TestHandleAuditLog(t *testing.T) {
	srv, s := newTestServer(t)
	run := seedRun(t, s)
	require.NoError(t, s.AppendAudit(context.Background(), &models.AuditLogEntry{
		RunID:  run.ID,
		Action: models.AuditDetect,
		Actor:  "engine",
		Reason: "security",
	}))

	result, err := srv.handleAuditLog(context.Background(),
		callToolReq("remedy_audit_log", map[string]any{"run_id": run.ID}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "detect")
	assert.Contains(t, text, "security")
}
