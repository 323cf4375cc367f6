package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyd/remedy/internal/models"
)

// fakeClock advances only when told to.
type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

type fakeHistory map[string]PatternStats

func (f fakeHistory) PatternStats(key string) PatternStats { return f[key] }

func smallPatch(files ...string) models.PatchData {
	return models.PatchData{Files: files, LinesAdded: 2, LinesRemoved: 1}
}

func autoIssue() *models.RemediationIssue {
	return &models.RemediationIssue{
		ID:          "i1",
		Category:    models.CategoryStyle,
		Severity:    models.SeverityLow,
		File:        "a.go",
		StartLine:   3,
		RuleID:      "R1",
		AutoFixable: true,
	}
}

func directFix(files ...string) *models.RemediationFix {
	return &models.RemediationFix{
		ID:       "f1",
		Strategy: models.StrategyDirectPatch,
		Patch:    smallPatch(files...),
	}
}

func TestPreflight_KillSwitch(t *testing.T) {
	c := New(DefaultConfig(), newFakeClock(), nil, nil)
	c.SetKillSwitch(true, "tester")

	d := c.Preflight("run1", "f1", smallPatch("a.go"))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonKillSwitch, d.Reason)

	level, reason := c.Approval(autoIssue(), directFix("a.go"))
	assert.Equal(t, models.ApprovalBlocked, level)
	assert.Equal(t, ReasonKillSwitch, reason)
}

func TestPreflight_RateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitWindow = time.Hour
	cfg.RateLimitMax = 2
	clock := newFakeClock()
	c := New(cfg, clock, nil, nil)

	// Under the limit.
	assert.True(t, c.Preflight("r", "f1", smallPatch("a.go")).Allowed)
	c.RecordApplied("r", smallPatch("a.go"))
	assert.True(t, c.Preflight("r", "f2", smallPatch("b.go")).Allowed)
	c.RecordApplied("r", smallPatch("b.go"))

	// N+1 inside the window is rejected with rate_limited.
	d := c.Preflight("r", "f3", smallPatch("c.go"))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimited, d.Reason)

	// Window is wall-clock sliding, not calendar aligned.
	clock.Advance(61 * time.Minute)
	assert.True(t, c.Preflight("r2", "f4", smallPatch("c.go")).Allowed)
}

func TestPreflight_BlastRadius(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFilesPerFix = 2
	cfg.MaxLinesPerFix = 10
	cfg.MaxFilesPerRun = 3
	c := New(cfg, newFakeClock(), nil, nil)

	d := c.Preflight("r", "f1", smallPatch("a.go", "b.go", "c.go"))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBlastFilesPerFix, d.Reason)

	big := models.PatchData{Files: []string{"a.go"}, LinesAdded: 9, LinesRemoved: 9}
	d = c.Preflight("r", "f2", big)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBlastLinesPerFix, d.Reason)

	// Per-run total accumulates across applied fixes.
	c.RecordApplied("r", smallPatch("a.go", "b.go"))
	d = c.Preflight("r", "f3", smallPatch("c.go", "d.go"))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBlastFilesPerRun, d.Reason)

	// Another run has its own budget.
	assert.True(t, c.Preflight("other", "f4", smallPatch("c.go", "d.go")).Allowed)
}

func TestPreflight_ExcludedPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExcludePaths = []string{"vendor/*", "*.lock"}
	c := New(cfg, newFakeClock(), nil, nil)

	d := c.Preflight("r", "f1", smallPatch("vendor/dep.go"))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonExcludedPath, d.Reason)

	d = c.Preflight("r", "f2", smallPatch("go.lock"))
	assert.False(t, d.Allowed)

	assert.True(t, c.Preflight("r", "f3", smallPatch("internal/a.go")).Allowed)
}

func TestApproval_Mapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFilesPerFix = 4
	history := fakeHistory{
		"correctness/FAILS": {Attempts: 4, Successes: 1},
	}
	c := New(cfg, newFakeClock(), history, nil)

	// Small, low-severity, auto-fixable fix applies immediately.
	level, reason := c.Approval(autoIssue(), directFix("a.go"))
	assert.Equal(t, models.ApprovalAuto, level)
	assert.Equal(t, ReasonOK, reason)

	// Critical severity requires review.
	crit := autoIssue()
	crit.Severity = models.SeverityCritical
	level, reason = c.Approval(crit, directFix("a.go"))
	assert.Equal(t, models.ApprovalReviewRequired, level)
	assert.Equal(t, ReasonSeverity, reason)

	// Not auto-fixable requires review.
	manual := autoIssue()
	manual.AutoFixable = false
	level, _ = c.Approval(manual, directFix("a.go"))
	assert.Equal(t, models.ApprovalReviewRequired, level)

	// Suppressions always need sign-off.
	supp := directFix("a.go")
	supp.Strategy = models.StrategySuppress
	level, reason = c.Approval(autoIssue(), supp)
	assert.Equal(t, models.ApprovalReviewRequired, level)
	assert.Equal(t, ReasonCategory, reason)

	// Large blast escalates.
	level, reason = c.Approval(autoIssue(), directFix("a.go", "b.go", "c.go"))
	assert.Equal(t, models.ApprovalReviewRequired, level)
	assert.Equal(t, ReasonBlastFilesPerFix, reason)

	// Historically failing patterns escalate.
	failing := autoIssue()
	failing.Category = models.CategoryCorrectness
	failing.RuleID = "FAILS"
	level, reason = c.Approval(failing, directFix("a.go"))
	assert.Equal(t, models.ApprovalReviewRequired, level)
	assert.Equal(t, ReasonLowSuccessRate, reason)
}

func TestApproval_Deterministic(t *testing.T) {
	c := New(DefaultConfig(), newFakeClock(), nil, nil)
	for i := 0; i < 5; i++ {
		level, reason := c.Approval(autoIssue(), directFix("a.go"))
		assert.Equal(t, models.ApprovalAuto, level)
		assert.Equal(t, ReasonOK, reason)
	}
}

func TestCooldown_DowngradesAuto(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cooldown = 30 * time.Minute
	clock := newFakeClock()
	c := New(cfg, clock, nil, nil)

	c.RecordRollback()
	require.True(t, c.InCooldown())

	level, reason := c.Approval(autoIssue(), directFix("a.go"))
	assert.Equal(t, models.ApprovalReviewRequired, level)
	assert.Equal(t, ReasonCooldown, reason)

	clock.Advance(31 * time.Minute)
	assert.False(t, c.InCooldown())
	level, _ = c.Approval(autoIssue(), directFix("a.go"))
	assert.Equal(t, models.ApprovalAuto, level)
}

func TestDecisions_AreAudited(t *testing.T) {
	var actions []models.AuditAction
	var reasons []string
	audit := func(action models.AuditAction, fixID, reason, detail string) {
		actions = append(actions, action)
		reasons = append(reasons, reason)
	}

	cfg := DefaultConfig()
	cfg.RateLimitMax = 0 // disable
	c := New(cfg, newFakeClock(), nil, audit)

	c.SetKillSwitch(true, "tester")
	c.Preflight("r", "f1", smallPatch("a.go"))
	c.SetKillSwitch(false, "tester")

	require.Len(t, actions, 3)
	assert.Equal(t, models.AuditKillSwitch, actions[0])
	assert.Equal(t, models.AuditDeny, actions[1])
	assert.Equal(t, ReasonKillSwitch, reasons[1])
	assert.Equal(t, models.AuditKillSwitch, actions[2])
}
