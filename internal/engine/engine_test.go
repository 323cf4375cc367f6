package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyd/remedy/internal/detect"
	"github.com/remedyd/remedy/internal/genfix"
	"github.com/remedyd/remedy/internal/models"
	"github.com/remedyd/remedy/internal/patch"
	"github.com/remedyd/remedy/internal/safety"
	"github.com/remedyd/remedy/internal/store"
)

const sampleFile = "app.txt"

const sampleContent = `alpha
beta
gamma
delta
`

const sampleDiff = `--- a/app.txt
+++ b/app.txt
@@ -1,4 +1,4 @@
 alpha
-beta
+BETA
 gamma
 delta
`

func sampleVerdict(severity string) *models.Verdict {
	return &models.Verdict{
		ID: "verdict-1",
		Items: []models.VerdictItem{
			{
				RuleID:    "SEC-101",
				Category:  "security",
				Severity:  severity,
				File:      sampleFile,
				StartLine: 2,
				EndLine:   2,
				Message:   "hardcoded credential beta",
			},
		},
	}
}

// staticDrafter always returns the same diff text.
type staticDrafter struct{ out string }

func (d staticDrafter) Draft(context.Context, genfix.DraftRequest) (string, error) {
	return d.out, nil
}

// seqHealth returns the configured states in order, repeating the last one.
type seqHealth struct {
	states []models.HealthState
	calls  int
}

func (h *seqHealth) Check(context.Context) (models.HealthState, error) {
	i := h.calls
	if i >= len(h.states) {
		i = len(h.states) - 1
	}
	h.calls++
	return h.states[i], nil
}

// decideApprovals answers every Await with the same decision.
type decideApprovals struct {
	decision *store.ApprovalDecision
}

func (s decideApprovals) Await(context.Context, string, time.Duration) (*store.ApprovalDecision, error) {
	return s.decision, nil
}

type harness struct {
	engine     *Engine
	store      store.Store
	safety     *safety.Controller
	applicator *patch.Applicator
	workdir    string
}

func newHarness(t *testing.T, drafter genfix.Drafter, health HealthChecker, approvals ApprovalSource) *harness {
	t.Helper()
	workdir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workdir, sampleFile), []byte(sampleContent), 0644))

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	ctrl := safety.New(safety.DefaultConfig(), nil, NewStoreHistory(s), nil)
	applicator := patch.NewApplicator(workdir, nil)

	eng := New(Config{ReviewTimeout: 50 * time.Millisecond}, Deps{
		Detector:       detect.New(detect.Options{}),
		Safety:         ctrl,
		Generator:      genfix.New(drafter, genfix.Options{InitialBackoff: time.Millisecond}),
		Applicator:     applicator,
		Store:          s,
		ContextBuilder: &FileContextBuilder{Workdir: workdir},
		Health:         health,
		Approvals:      approvals,
	})
	return &harness{engine: eng, store: s, safety: ctrl, applicator: applicator, workdir: workdir}
}

func (h *harness) readFile(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.workdir, sampleFile))
	require.NoError(t, err)
	return string(data)
}

func TestRunHappyPath(t *testing.T) {
	h := newHarness(t, staticDrafter{out: sampleDiff},
		&seqHealth{states: []models.HealthState{models.HealthPassing}}, nil)

	run, err := h.engine.Run(context.Background(), sampleVerdict("high"))
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, models.HealthPassing, run.HealthBefore)
	assert.Equal(t, models.HealthPassing, run.HealthAfter)
	require.NotNil(t, run.EndedAt)
	assert.Contains(t, h.readFile(t), "BETA")

	fixes, err := h.store.ListFixes(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	fix := fixes[0]
	assert.Equal(t, models.FixStatusVerified, fix.Status)
	assert.Equal(t, models.StrategyDirectPatch, fix.Strategy)
	assert.Equal(t, models.ApprovalAuto, fix.Approval)
	require.NotNil(t, fix.AppliedAt)

	// Backups are dropped once the run completes.
	assert.False(t, h.applicator.HasBackup(fix.ID))

	outcome, err := h.store.GetPatternOutcome(context.Background(), "security/SEC-101")
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, 1, outcome.Successes)
}

func TestRunAuditOrdering(t *testing.T) {
	h := newHarness(t, staticDrafter{out: sampleDiff},
		&seqHealth{states: []models.HealthState{models.HealthPassing}}, nil)

	run, err := h.engine.Run(context.Background(), sampleVerdict("high"))
	require.NoError(t, err)

	entries, err := h.store.ListAudit(context.Background(), store.AuditFilter{RunID: run.ID})
	require.NoError(t, err)

	var actions []models.AuditAction
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	want := []models.AuditAction{
		models.AuditDetect, models.AuditGenerate, models.AuditValidate,
		models.AuditApprove, models.AuditApply, models.AuditVerify,
	}
	idx := 0
	for _, a := range actions {
		if idx < len(want) && a == want[idx] {
			idx++
		}
	}
	assert.Equal(t, len(want), idx, "audit actions out of order: %v", actions)
}

func TestRunHealthRegressionRollsBack(t *testing.T) {
	h := newHarness(t, staticDrafter{out: sampleDiff},
		&seqHealth{states: []models.HealthState{models.HealthPassing, models.HealthFailing}}, nil)

	run, err := h.engine.Run(context.Background(), sampleVerdict("high"))
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusRolledBack, run.Status)
	assert.Equal(t, ReasonHealthRegression, run.Reason)
	assert.Equal(t, models.HealthFailing, run.HealthAfter)

	// The working tree is restored byte for byte.
	assert.Equal(t, sampleContent, h.readFile(t))

	fixes, err := h.store.ListFixes(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	assert.Equal(t, models.FixStatusReverted, fixes[0].Status)

	assert.True(t, h.safety.InCooldown())

	outcome, err := h.store.GetPatternOutcome(context.Background(), "security/SEC-101")
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, 0, outcome.Successes)
}

func TestRunKillSwitchAtStart(t *testing.T) {
	h := newHarness(t, staticDrafter{out: sampleDiff},
		&seqHealth{states: []models.HealthState{models.HealthPassing}}, nil)
	require.NoError(t, h.store.SetKillSwitch(context.Background(), true))

	run, err := h.engine.Run(context.Background(), sampleVerdict("high"))
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, ReasonKillSwitch, run.Reason)
	assert.Equal(t, sampleContent, h.readFile(t))

	fixes, err := h.store.ListFixes(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Empty(t, fixes)
}

func TestRunCriticalSeverityNeedsReview(t *testing.T) {
	approve := decideApprovals{decision: &store.ApprovalDecision{
		Approved: true, Actor: "alice", DecidedAt: time.Now(),
	}}
	h := newHarness(t, staticDrafter{out: sampleDiff},
		&seqHealth{states: []models.HealthState{models.HealthPassing}}, approve)

	run, err := h.engine.Run(context.Background(), sampleVerdict("critical"))
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Contains(t, h.readFile(t), "BETA")

	fixes, err := h.store.ListFixes(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	assert.Equal(t, models.FixStatusVerified, fixes[0].Status)
	assert.Equal(t, models.ApprovalReviewRequired, fixes[0].Approval)
}

func TestRunReviewDenied(t *testing.T) {
	deny := decideApprovals{decision: &store.ApprovalDecision{
		Approved: false, Actor: "bob", DecidedAt: time.Now(),
	}}
	h := newHarness(t, staticDrafter{out: sampleDiff},
		&seqHealth{states: []models.HealthState{models.HealthPassing}}, deny)

	run, err := h.engine.Run(context.Background(), sampleVerdict("critical"))
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, sampleContent, h.readFile(t))

	fixes, err := h.store.ListFixes(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	assert.Equal(t, models.FixStatusBlocked, fixes[0].Status)
	assert.Equal(t, ReasonDenied, fixes[0].Reason)
}

func TestRunReviewTimeout(t *testing.T) {
	timeout := decideApprovals{decision: nil}
	h := newHarness(t, staticDrafter{out: sampleDiff},
		&seqHealth{states: []models.HealthState{models.HealthPassing}}, timeout)

	run, err := h.engine.Run(context.Background(), sampleVerdict("critical"))
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, sampleContent, h.readFile(t))

	fixes, err := h.store.ListFixes(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	assert.Equal(t, models.FixStatusBlocked, fixes[0].Status)
	assert.Equal(t, ReasonReviewTimeout, fixes[0].Reason)
}

func TestRunNoActionableIssues(t *testing.T) {
	h := newHarness(t, staticDrafter{out: sampleDiff},
		&seqHealth{states: []models.HealthState{models.HealthPassing}}, nil)

	run, err := h.engine.Run(context.Background(), &models.Verdict{ID: "verdict-empty"})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, "no_actionable_issues", run.Reason)
	fixes, err := h.store.ListFixes(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Empty(t, fixes)
}

func TestRunUnparseableDraftFailsValidation(t *testing.T) {
	h := newHarness(t, staticDrafter{out: "this is not a diff"},
		&seqHealth{states: []models.HealthState{models.HealthPassing}}, nil)

	run, err := h.engine.Run(context.Background(), sampleVerdict("high"))
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, sampleContent, h.readFile(t))

	fixes, err := h.store.ListFixes(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	assert.Equal(t, models.FixStatusValidationFailed, fixes[0].Status)
	assert.Equal(t, "unparseable_diff", fixes[0].Reason)
}

func TestRunExcludedPathBlocksBeforeGeneration(t *testing.T) {
	workdir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workdir, sampleFile), []byte(sampleContent), 0644))

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	cfg := safety.DefaultConfig()
	cfg.ExcludePaths = []string{"*.txt"}
	ctrl := safety.New(cfg, nil, nil, nil)

	drafted := false
	drafter := genfix.DrafterFunc(func(context.Context, genfix.DraftRequest) (string, error) {
		drafted = true
		return sampleDiff, nil
	})

	eng := New(Config{}, Deps{
		Detector:   detect.New(detect.Options{}),
		Safety:     ctrl,
		Generator:  genfix.New(drafter, genfix.Options{}),
		Applicator: patch.NewApplicator(workdir, nil),
		Store:      s,
		Health:     &seqHealth{states: []models.HealthState{models.HealthPassing}},
		Approvals:  decideApprovals{},
	})

	run, err := eng.Run(context.Background(), sampleVerdict("high"))
	require.NoError(t, err)

	assert.False(t, drafted, "drafter should not run for an excluded path")
	fixes, err := s.ListFixes(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	assert.Equal(t, models.FixStatusBlocked, fixes[0].Status)
	assert.Equal(t, safety.ReasonExcludedPath, fixes[0].Reason)
}

func TestRunRateLimitAcrossFixes(t *testing.T) {
	workdir := t.TempDir()
	files := []string{"a.txt", "b.txt", "c.txt"}
	for _, f := range files {
		require.NoError(t, os.WriteFile(filepath.Join(workdir, f), []byte("one\ntwo\n"), 0644))
	}

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	cfg := safety.DefaultConfig()
	cfg.RateLimitMax = 2
	ctrl := safety.New(cfg, nil, nil, nil)

	// One root-cause group per file; the drafter answers with that file's diff.
	drafter := genfix.DrafterFunc(func(_ context.Context, req genfix.DraftRequest) (string, error) {
		f := req.Issue.File
		return "--- a/" + f + "\n+++ b/" + f + "\n@@ -1,2 +1,2 @@\n one\n-two\n+TWO\n", nil
	})

	verdict := &models.Verdict{ID: "verdict-multi"}
	for i, f := range files {
		verdict.Items = append(verdict.Items, models.VerdictItem{
			RuleID:    fmt.Sprintf("SEC-%d", i+1),
			Category:  "security",
			Severity:  "high",
			File:      f,
			StartLine: 2,
			EndLine:   2,
			Message:   "hardcoded credential in " + f,
		})
	}

	eng := New(Config{}, Deps{
		Detector:   detect.New(detect.Options{}),
		Safety:     ctrl,
		Generator:  genfix.New(drafter, genfix.Options{InitialBackoff: time.Millisecond}),
		Applicator: patch.NewApplicator(workdir, nil),
		Store:      s,
		Health:     &seqHealth{states: []models.HealthState{models.HealthPassing}},
	})

	run, err := eng.Run(context.Background(), verdict)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)

	fixes, err := s.ListFixes(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, fixes, 3)

	verified, blocked := 0, 0
	for _, f := range fixes {
		switch f.Status {
		case models.FixStatusVerified:
			verified++
		case models.FixStatusBlocked:
			blocked++
			assert.Equal(t, safety.ReasonRateLimited, f.Reason)
		default:
			t.Fatalf("unexpected fix status %s", f.Status)
		}
	}
	assert.Equal(t, 2, verified, "the window admits exactly the configured maximum")
	assert.Equal(t, 1, blocked)

	changed := 0
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(workdir, f))
		require.NoError(t, err)
		if strings.Contains(string(data), "TWO") {
			changed++
		}
	}
	assert.Equal(t, 2, changed, "only applied fixes reach the working tree")
}

func TestRunCancelledBeforeApply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	drafter := genfix.DrafterFunc(func(context.Context, genfix.DraftRequest) (string, error) {
		cancel() // cancel while generating, before the apply phase
		return sampleDiff, nil
	})
	h := newHarness(t, drafter,
		&seqHealth{states: []models.HealthState{models.HealthPassing}}, nil)

	run, err := h.engine.Run(ctx, sampleVerdict("high"))
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, ReasonCancelled, run.Reason)
	assert.Equal(t, sampleContent, h.readFile(t))
}
