// Package safety is the stateful guardrail evaluator: kill switch, rate
// limiting, blast-radius checks, approval gating, and cooldown tracking.
// All state lives behind one mutex because rate counters and blast totals
// are shared across concurrently-evaluated fixes.
package safety

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/remedyd/remedy/internal/models"
)

// Reason codes attached to every decision.
const (
	ReasonOK               = "ok"
	ReasonKillSwitch       = "kill_switch"
	ReasonRateLimited      = "rate_limited"
	ReasonBlastFilesPerFix = "blast_radius_files_per_fix"
	ReasonBlastLinesPerFix = "blast_radius_lines_per_fix"
	ReasonBlastFilesPerRun = "blast_radius_files_per_run"
	ReasonExcludedPath     = "excluded_path"
	ReasonCooldown         = "cooldown"
	ReasonLowSuccessRate   = "low_success_rate"
	ReasonSeverity         = "severity_policy"
	ReasonCategory         = "category_policy"
)

// Clock supplies time for rate-window and cooldown accounting, injectable
// for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Config is the controller's policy surface.
type Config struct {
	KillSwitch bool

	RateLimitWindow time.Duration
	RateLimitMax    int

	MaxFilesPerFix int
	MaxLinesPerFix int
	MaxFilesPerRun int

	// ExcludePaths are glob patterns (filepath.Match) a fix may never touch.
	ExcludePaths []string

	Cooldown time.Duration
}

// DefaultConfig returns conservative limits.
func DefaultConfig() Config {
	return Config{
		RateLimitWindow: time.Hour,
		RateLimitMax:    5,
		MaxFilesPerFix:  3,
		MaxLinesPerFix:  200,
		MaxFilesPerRun:  10,
		Cooldown:        30 * time.Minute,
	}
}

// Decision is the outcome of a guardrail check.
type Decision struct {
	Allowed bool
	Reason  string
	Detail  string
}

func allow() Decision { return Decision{Allowed: true, Reason: ReasonOK} }

func deny(reason, detail string) Decision {
	return Decision{Allowed: false, Reason: reason, Detail: detail}
}

// PatternStats is the historical outcome record for one issue pattern.
type PatternStats struct {
	Attempts  int
	Successes int
}

// Rate returns the success rate, or 1 when there is no history yet.
func (p PatternStats) Rate() float64 {
	if p.Attempts == 0 {
		return 1
	}
	return float64(p.Successes) / float64(p.Attempts)
}

// History supplies pattern success rates to the approval gateway.
type History interface {
	PatternStats(key string) PatternStats
}

// noHistory is used when no history source is wired.
type noHistory struct{}

func (noHistory) PatternStats(string) PatternStats { return PatternStats{} }

// AuditFunc receives every allow/deny/downgrade decision with its reason.
type AuditFunc func(action models.AuditAction, fixID, reason, detail string)

// Controller evaluates all guardrails. Shared across runs.
type Controller struct {
	mu sync.Mutex

	cfg     Config
	clock   Clock
	history History
	audit   AuditFunc

	killSwitch    bool
	applied       []time.Time    // apply timestamps inside the sliding window
	runFiles      map[string]int // files touched so far per run
	cooldownUntil time.Time
}

// New creates a Controller. clock, history and audit may be nil.
func New(cfg Config, clock Clock, history History, audit AuditFunc) *Controller {
	if clock == nil {
		clock = SystemClock{}
	}
	if history == nil {
		history = noHistory{}
	}
	if audit == nil {
		audit = func(models.AuditAction, string, string, string) {}
	}
	return &Controller{
		cfg:        cfg,
		clock:      clock,
		history:    history,
		audit:      audit,
		killSwitch: cfg.KillSwitch,
		runFiles:   make(map[string]int),
	}
}

// SetKillSwitch toggles the process-wide kill switch.
func (c *Controller) SetKillSwitch(on bool, actor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killSwitch = on
	state := "off"
	if on {
		state = "on"
	}
	c.audit(models.AuditKillSwitch, "", state, "actor="+actor)
}

// RefreshKillSwitch mirrors an externally persisted switch state into the
// controller without writing an audit entry. The audited toggle path is
// SetKillSwitch.
func (c *Controller) RefreshKillSwitch(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killSwitch = on
}

// KillSwitchActive reports the current switch state. Checked by the engine
// at every phase boundary.
func (c *Controller) KillSwitchActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killSwitch
}

// Preflight evaluates a candidate patch before generation proceeds to
// application: kill switch, excluded paths, blast radius on the declared
// intent, then the rate limiter. The same checks run again on the actual
// produced diff via CheckPatch, since intent and output may diverge.
func (c *Controller) Preflight(runID, fixID string, patch models.PatchData) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.evaluate(runID, patch)
	if !d.Allowed {
		c.audit(models.AuditDeny, fixID, d.Reason, d.Detail)
	}
	return d
}

// CheckPatch re-evaluates blast radius and path exclusions against the
// produced diff.
func (c *Controller) CheckPatch(runID, fixID string, patch models.PatchData) Decision {
	return c.Preflight(runID, fixID, patch)
}

// evaluate runs the guardrail checks. Caller holds the lock.
func (c *Controller) evaluate(runID string, patch models.PatchData) Decision {
	if c.killSwitch {
		return deny(ReasonKillSwitch, "kill switch active")
	}

	for _, file := range patch.Files {
		for _, pattern := range c.cfg.ExcludePaths {
			if ok, _ := filepath.Match(pattern, file); ok {
				return deny(ReasonExcludedPath, file+" matches "+pattern)
			}
		}
	}

	if c.cfg.MaxFilesPerFix > 0 && len(patch.Files) > c.cfg.MaxFilesPerFix {
		return deny(ReasonBlastFilesPerFix, "")
	}
	if c.cfg.MaxLinesPerFix > 0 && patch.LinesChanged() > c.cfg.MaxLinesPerFix {
		return deny(ReasonBlastLinesPerFix, "")
	}
	if c.cfg.MaxFilesPerRun > 0 && c.runFiles[runID]+len(patch.Files) > c.cfg.MaxFilesPerRun {
		return deny(ReasonBlastFilesPerRun, "")
	}

	if c.cfg.RateLimitMax > 0 && c.windowCount() >= c.cfg.RateLimitMax {
		return deny(ReasonRateLimited, "")
	}

	return allow()
}

// windowCount prunes expired timestamps and returns the number of fixes
// applied inside the sliding window. Caller holds the lock.
func (c *Controller) windowCount() int {
	cutoff := c.clock.Now().Add(-c.cfg.RateLimitWindow)
	kept := c.applied[:0]
	for _, t := range c.applied {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.applied = kept
	return len(c.applied)
}

// Approval maps (category, severity, blast size, historical success rate,
// cooldown state) to an approval level. Deterministic given the same inputs.
func (c *Controller) Approval(issue *models.RemediationIssue, fix *models.RemediationFix) (models.ApprovalLevel, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.killSwitch {
		c.audit(models.AuditDeny, fix.ID, ReasonKillSwitch, "")
		return models.ApprovalBlocked, ReasonKillSwitch
	}

	level := models.ApprovalAuto
	reason := ReasonOK

	// Severity policy: critical findings never auto-apply.
	if issue.Severity == models.SeverityCritical {
		level, reason = models.ApprovalReviewRequired, ReasonSeverity
	}

	// Non-auto-fixable categories are never auto-applied; suppressions
	// always need sign-off.
	if !issue.AutoFixable || fix.Strategy == models.StrategySuppress {
		level, reason = models.ApprovalReviewRequired, ReasonCategory
	}

	// Large-but-legal patches get a human: more than half either per-fix
	// budget escalates.
	if c.cfg.MaxFilesPerFix > 0 && len(fix.Patch.Files)*2 > c.cfg.MaxFilesPerFix {
		if level == models.ApprovalAuto {
			level, reason = models.ApprovalReviewRequired, ReasonBlastFilesPerFix
		}
	}

	// Patterns that keep failing stop auto-applying.
	stats := c.history.PatternStats(issue.PatternKey())
	if stats.Attempts >= 3 && stats.Rate() < 0.5 {
		level, reason = models.ApprovalReviewRequired, ReasonLowSuccessRate
	}

	// Cooldown after a rollback downgrades auto approvals.
	if level == models.ApprovalAuto && c.clock.Now().Before(c.cooldownUntil) {
		level, reason = models.ApprovalReviewRequired, ReasonCooldown
	}

	action := models.AuditApprove
	if level == models.ApprovalBlocked {
		action = models.AuditDeny
	}
	c.audit(action, fix.ID, reason, "level="+string(level))
	return level, reason
}

// RecordApplied accounts an applied fix against the rate window and the
// run's file total.
func (c *Controller) RecordApplied(runID string, patch models.PatchData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = append(c.applied, c.clock.Now())
	c.runFiles[runID] += len(patch.Files)
}

// RecordRollback enters the cooldown window. Called on any rollback so the
// same bad pattern is not repeated immediately.
func (c *Controller) RecordRollback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cooldownUntil = c.clock.Now().Add(c.cfg.Cooldown)
	c.audit(models.AuditNote, "", ReasonCooldown, "cooldown until "+c.cooldownUntil.UTC().Format(time.RFC3339))
}

// InCooldown reports whether the post-rollback cooldown is active.
func (c *Controller) InCooldown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock.Now().Before(c.cooldownUntil)
}

// ForgetRun drops per-run accounting once a run reaches a terminal state.
func (c *Controller) ForgetRun(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runFiles, runID)
}
