// Package engine orchestrates remediation runs: it sequences detection,
// generation, safety gating, application and health checking, emits
// lifecycle events, and persists the audit trail.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/remedyd/remedy/internal/detect"
	"github.com/remedyd/remedy/internal/genfix"
	"github.com/remedyd/remedy/internal/models"
	"github.com/remedyd/remedy/internal/patch"
	"github.com/remedyd/remedy/internal/safety"
	"github.com/remedyd/remedy/internal/store"
)

// Run-level reason codes.
const (
	ReasonKillSwitch       = safety.ReasonKillSwitch
	ReasonCancelled        = "cancelled"
	ReasonHealthRegression = "health_regression"
	ReasonReviewTimeout    = "review_timeout"
	ReasonDenied           = "denied"
	ReasonApplyFailed      = "apply_failed"
)

// Actor written on engine-originated audit entries.
const actorEngine = "engine"

// Config tunes the orchestrator.
type Config struct {
	// ReviewTimeout bounds the wait for an external approval signal on a
	// review-required fix; on expiry the fix is blocked, not dropped.
	ReviewTimeout time.Duration
	// Policy controls generator strategy selection.
	Policy genfix.Policy
}

// Deps are the engine's collaborators. Detector, Safety, Generator,
// Applicator and Store are required; the rest default.
type Deps struct {
	Detector   *detect.Detector
	Safety     *safety.Controller
	Generator  *genfix.Generator
	Applicator *patch.Applicator
	Store      store.Store

	ContextBuilder ContextBuilder
	Health         HealthChecker
	Approvals      ApprovalSource
	Sink           Sink
	Log            *zap.Logger
}

// Engine runs the remediation state machine. Safe for concurrent runs;
// all cross-run accounting lives in the shared safety controller.
type Engine struct {
	cfg Config

	detector   *detect.Detector
	safety     *safety.Controller
	generator  *genfix.Generator
	applicator *patch.Applicator
	store      store.Store

	contextBuilder ContextBuilder
	health         HealthChecker
	approvals      ApprovalSource
	sink           Sink
	log            *zap.Logger
}

// New creates an Engine.
func New(cfg Config, deps Deps) *Engine {
	if cfg.ReviewTimeout <= 0 {
		cfg.ReviewTimeout = 10 * time.Minute
	}
	if deps.Sink == nil {
		deps.Sink = NopSink{}
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Approvals == nil {
		deps.Approvals = &StoreApprovalSource{Store: deps.Store}
	}
	return &Engine{
		cfg:            cfg,
		detector:       deps.Detector,
		safety:         deps.Safety,
		generator:      deps.Generator,
		applicator:     deps.Applicator,
		store:          deps.Store,
		contextBuilder: deps.ContextBuilder,
		health:         deps.Health,
		approvals:      deps.Approvals,
		sink:           deps.Sink,
		log:            deps.Log,
	}
}

// Run executes one remediation cycle over the verdict and returns the
// finished run record. Errors are reserved for infrastructure failures;
// policy rejections and per-fix failures end up in statuses and the audit
// log instead.
func (e *Engine) Run(ctx context.Context, verdict *models.Verdict) (*models.RemediationRun, error) {
	run := &models.RemediationRun{
		VerdictID: verdict.ID,
		Status:    models.RunStatusPending,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	e.emit(EventRunStarted, run.ID, "", "verdict="+verdict.ID)

	state := &runState{run: run, verdict: verdict}

	if err := e.phases(ctx, state); err != nil {
		// Phase errors already decided the terminal status.
		e.log.Warn("run ended early", zap.String("run_id", run.ID), zap.Error(err))
	}

	e.safety.ForgetRun(run.ID)
	return run, nil
}

// runState carries one run's working set between phases.
type runState struct {
	run     *models.RemediationRun
	verdict *models.Verdict
	issues  map[string]*models.RemediationIssue
	groups  []*models.RootCause
	fixes   []*models.RemediationFix
	applied []*models.RemediationFix
}

// phases drives the run state machine in order. Any returned error has
// already been translated into a terminal run status.
func (e *Engine) phases(ctx context.Context, st *runState) error {
	if err := e.enterPhase(ctx, st, models.RunStatusDetecting); err != nil {
		return err
	}
	e.detect(ctx, st)
	if len(st.groups) == 0 {
		e.finishRun(ctx, st, models.RunStatusCompleted, "no_actionable_issues")
		return nil
	}

	if err := e.enterPhase(ctx, st, models.RunStatusGenerating); err != nil {
		return err
	}
	e.generate(ctx, st)

	if err := e.enterPhase(ctx, st, models.RunStatusAwaitingApproval); err != nil {
		return err
	}
	e.approve(ctx, st)

	if err := e.enterPhase(ctx, st, models.RunStatusApplying); err != nil {
		return err
	}
	st.run.HealthBefore = e.checkHealth(ctx)
	e.apply(ctx, st)
	if ctx.Err() != nil {
		// Cancellation after applying started: the in-flight fix finished
		// apply-or-abort inside apply(); now revert everything applied.
		e.rollback(ctx, st, ReasonCancelled)
		return ctx.Err()
	}

	if len(st.applied) == 0 {
		e.finishRun(ctx, st, models.RunStatusCompleted, "")
		return nil
	}

	if err := e.enterPhase(ctx, st, models.RunStatusHealthCheck); err != nil {
		return err
	}
	st.run.HealthAfter = e.checkHealth(ctx)
	e.emit(EventHealthChecked, st.run.ID, "", string(st.run.HealthAfter))

	if st.run.HealthAfter == models.HealthFailing {
		e.rollback(ctx, st, ReasonHealthRegression)
		return nil
	}

	e.verify(ctx, st)
	e.applicator.PurgeRun(st.run.ID)
	e.finishRun(ctx, st, models.RunStatusCompleted, "")
	return nil
}

// enterPhase is the single phase-transition gate: it refuses entry when
// the run is cancelled or the kill switch is active, otherwise persists
// the new status.
func (e *Engine) enterPhase(ctx context.Context, st *runState, status models.RunStatus) error {
	if err := ctx.Err(); err != nil {
		e.finishRun(ctx, st, models.RunStatusFailed, ReasonCancelled)
		return err
	}
	if e.killSwitchActive(ctx) {
		e.finishRun(ctx, st, models.RunStatusFailed, ReasonKillSwitch)
		return fmt.Errorf("kill switch active")
	}
	st.run.Status = status
	if err := e.store.UpdateRun(ctx, st.run); err != nil {
		e.log.Error("persist run status", zap.String("run_id", st.run.ID), zap.Error(err))
	}
	return nil
}

// killSwitchActive consults the in-memory controller and the persisted
// switch state, mirroring the latter into the controller.
func (e *Engine) killSwitchActive(ctx context.Context) bool {
	if on, err := e.store.KillSwitch(ctx); err == nil {
		e.safety.RefreshKillSwitch(on)
	}
	return e.safety.KillSwitchActive()
}

// --- detect ---

func (e *Engine) detect(ctx context.Context, st *runState) {
	res := e.detector.Extract(st.verdict)

	st.issues = make(map[string]*models.RemediationIssue, len(res.Issues))
	for _, issue := range res.Issues {
		st.issues[issue.ID] = issue
		e.audit(ctx, st.run.ID, "", models.AuditDetect, string(issue.Category),
			fmt.Sprintf("%s %s:%d %s", issue.RuleID, issue.File, issue.StartLine, issue.Message))
	}
	for _, note := range res.Skipped {
		e.audit(ctx, st.run.ID, "", models.AuditNote, "malformed_item", note)
	}

	// Only groups whose representative issue has a resolvable location can
	// be fixed; the rest are recorded and skipped.
	for _, rc := range res.RootCauses {
		rep := e.representative(st, rc)
		if rep == nil || !rep.HasLocation() {
			e.audit(ctx, st.run.ID, "", models.AuditNote, "unresolved_location",
				fmt.Sprintf("root cause %s has no fixable location", rc.ID))
			continue
		}
		st.groups = append(st.groups, rc)
	}
	e.emit(EventDetected, st.run.ID, "", fmt.Sprintf("issues=%d groups=%d", len(res.Issues), len(st.groups)))
}

// representative picks the group's primary issue: the earliest located
// issue, by (line, id) for determinism.
func (e *Engine) representative(st *runState, rc *models.RootCause) *models.RemediationIssue {
	var best *models.RemediationIssue
	ids := make([]string, len(rc.IssueIDs))
	copy(ids, rc.IssueIDs)
	sort.Strings(ids)
	for _, id := range ids {
		issue := st.issues[id]
		if issue == nil {
			continue
		}
		if best == nil || issue.StartLine < best.StartLine ||
			(issue.StartLine == best.StartLine && issue.ID < best.ID) {
			best = issue
		}
	}
	return best
}

// --- generate ---

// generate drafts and validates a fix per root-cause group. Groups that
// touch distinct files run concurrently; groups sharing a file run in
// sequence within one worker. Application is serialized later regardless.
func (e *Engine) generate(ctx context.Context, st *runState) {
	byFile := make(map[string][]*models.RootCause)
	var order []string
	for _, rc := range st.groups {
		if _, ok := byFile[rc.File]; !ok {
			order = append(order, rc.File)
		}
		byFile[rc.File] = append(byFile[rc.File], rc)
	}

	results := make([][]*models.RemediationFix, len(order))
	g, gctx := errgroup.WithContext(ctx)
	for i, file := range order {
		causes := byFile[file]
		g.Go(func() error {
			var fixes []*models.RemediationFix
			for _, rc := range causes {
				if fix := e.generateOne(gctx, st, rc); fix != nil {
					fixes = append(fixes, fix)
				}
			}
			results[i] = fixes
			return nil
		})
	}
	_ = g.Wait()

	for _, fixes := range results {
		st.fixes = append(st.fixes, fixes...)
	}
	for _, fix := range st.fixes {
		st.run.FixIDs = append(st.run.FixIDs, fix.ID)
	}
	if err := e.store.UpdateRun(ctx, st.run); err != nil {
		e.log.Error("persist run fix ids", zap.Error(err))
	}
}

// generateOne runs preflight, drafting and validation for one root cause.
// Returns nil only when the fix could not even be recorded.
func (e *Engine) generateOne(ctx context.Context, st *runState, rc *models.RootCause) *models.RemediationFix {
	rep := e.representative(st, rc)
	group := make([]*models.RemediationIssue, 0, len(rc.IssueIDs))
	for _, id := range rc.IssueIDs {
		if issue := st.issues[id]; issue != nil {
			group = append(group, issue)
		}
	}

	// Preflight on declared intent before spending a generation call.
	intent := e.declaredIntent(rc, group)
	if d := e.safety.Preflight(st.run.ID, "", intent); !d.Allowed {
		fix := &models.RemediationFix{
			RunID:       st.run.ID,
			IssueID:     rep.ID,
			RootCauseID: rc.ID,
			Strategy:    genfix.SelectStrategy(rep, group, e.cfg.Policy),
			Status:      models.FixStatusBlocked,
			Approval:    models.ApprovalBlocked,
			Reason:      d.Reason,
		}
		e.persistFix(ctx, fix)
		e.audit(ctx, st.run.ID, fix.ID, models.AuditDeny, d.Reason, d.Detail)
		e.emit(EventFixBlocked, st.run.ID, fix.ID, d.Reason)
		return fix
	}

	var fctx genfix.FixContext
	if e.contextBuilder != nil {
		var err error
		if fctx, err = e.contextBuilder.Build(ctx, rep); err != nil {
			e.audit(ctx, st.run.ID, "", models.AuditNote, "context_error", err.Error())
			fctx = genfix.FixContext{}
		}
	}
	fctx.SuggestedFix = e.suggestedFix(st, rep)

	fix := e.generator.Generate(ctx, rep, group, fctx, e.cfg.Policy)
	fix.RunID = st.run.ID
	e.persistFix(ctx, fix)

	if fix.Status != models.FixStatusGenerated {
		e.audit(ctx, st.run.ID, fix.ID, models.AuditGenerate, fix.Reason, fix.Error)
		return fix
	}
	e.audit(ctx, st.run.ID, fix.ID, models.AuditGenerate, safety.ReasonOK,
		fmt.Sprintf("strategy=%s files=%d lines=%d", fix.Strategy, len(fix.Patch.Files), fix.Patch.LinesChanged()))
	e.emit(EventFixGenerated, st.run.ID, fix.ID, string(fix.Strategy))

	// Re-check blast radius on the actual diff; intent and output diverge.
	if d := e.safety.CheckPatch(st.run.ID, fix.ID, fix.Patch); !d.Allowed {
		fix.Status = models.FixStatusBlocked
		fix.Approval = models.ApprovalBlocked
		fix.Reason = d.Reason
		e.updateFix(ctx, fix)
		e.audit(ctx, st.run.ID, fix.ID, models.AuditDeny, d.Reason, d.Detail)
		e.emit(EventFixBlocked, st.run.ID, fix.ID, d.Reason)
		return fix
	}

	if res := e.applicator.Validate(fix.Patch); !res.OK {
		fix.Status = models.FixStatusValidationFailed
		fix.Reason = res.Reason
		fix.Error = res.Detail
		e.updateFix(ctx, fix)
		e.audit(ctx, st.run.ID, fix.ID, models.AuditValidate, res.Reason, res.Detail)
		return fix
	}
	fix.Status = models.FixStatusValidated
	e.updateFix(ctx, fix)
	e.audit(ctx, st.run.ID, fix.ID, models.AuditValidate, safety.ReasonOK, "")
	e.emit(EventFixValidated, st.run.ID, fix.ID, "")
	return fix
}

// declaredIntent estimates blast radius before generation: the group's
// file plus the issue line spans.
func (e *Engine) declaredIntent(rc *models.RootCause, group []*models.RemediationIssue) models.PatchData {
	lines := 0
	for _, issue := range group {
		span := issue.EndLine - issue.StartLine + 1
		if span < 1 {
			span = 1
		}
		lines += span
	}
	return models.PatchData{Files: []string{rc.File}, LinesAdded: lines}
}

// suggestedFix finds the verdict's suggested-fix text for the issue, if any.
func (e *Engine) suggestedFix(st *runState, issue *models.RemediationIssue) string {
	for _, item := range st.verdict.Items {
		if item.RuleID == issue.RuleID && item.Message == issue.Message {
			return item.SuggestedFix
		}
	}
	return ""
}

// --- approve ---

// approve runs the approval gateway over every validated fix, then waits
// for external signals on review-required fixes.
func (e *Engine) approve(ctx context.Context, st *runState) {
	var pending []*models.RemediationFix

	for _, fix := range st.fixes {
		if fix.Status != models.FixStatusValidated {
			continue
		}
		issue := st.issues[fix.IssueID]
		level, reason := e.safety.Approval(issue, fix)
		fix.Approval = level

		switch level {
		case models.ApprovalAuto:
			fix.Status = models.FixStatusApproved
			e.audit(ctx, st.run.ID, fix.ID, models.AuditApprove, reason, "level=auto")
			e.emit(EventFixApproved, st.run.ID, fix.ID, "auto")
		case models.ApprovalReviewRequired:
			fix.Status = models.FixStatusReviewRequired
			e.audit(ctx, st.run.ID, fix.ID, models.AuditNote, reason, "level=review_required")
			pending = append(pending, fix)
		case models.ApprovalBlocked:
			fix.Status = models.FixStatusBlocked
			fix.Reason = reason
			e.audit(ctx, st.run.ID, fix.ID, models.AuditDeny, reason, "level=blocked")
			e.emit(EventFixBlocked, st.run.ID, fix.ID, reason)
		}
		e.updateFix(ctx, fix)
	}

	// The run pauses here awaiting external signals; on timeout the fix is
	// blocked, not silently dropped.
	for _, fix := range pending {
		if e.killSwitchActive(ctx) || ctx.Err() != nil {
			fix.Status = models.FixStatusBlocked
			fix.Reason = ReasonKillSwitch
			e.updateFix(ctx, fix)
			e.audit(ctx, st.run.ID, fix.ID, models.AuditDeny, ReasonKillSwitch, "")
			continue
		}

		decision, err := e.approvals.Await(ctx, fix.ID, e.cfg.ReviewTimeout)
		switch {
		case err != nil || decision == nil:
			fix.Status = models.FixStatusBlocked
			fix.Reason = ReasonReviewTimeout
			e.audit(ctx, st.run.ID, fix.ID, models.AuditDeny, ReasonReviewTimeout, "")
			e.emit(EventFixBlocked, st.run.ID, fix.ID, ReasonReviewTimeout)
		case decision.Approved:
			fix.Status = models.FixStatusApproved
			e.audit(ctx, st.run.ID, fix.ID, models.AuditApprove, safety.ReasonOK, "actor="+decision.Actor)
			e.emit(EventFixApproved, st.run.ID, fix.ID, "by "+decision.Actor)
		default:
			fix.Status = models.FixStatusBlocked
			fix.Reason = ReasonDenied
			e.audit(ctx, st.run.ID, fix.ID, models.AuditDeny, ReasonDenied, "actor="+decision.Actor)
			e.emit(EventFixBlocked, st.run.ID, fix.ID, ReasonDenied)
		}
		e.updateFix(ctx, fix)
	}
}

// --- apply ---

// apply writes approved fixes to the working tree, serialized: per file to
// avoid interleaved writes and globally with respect to blast accounting.
func (e *Engine) apply(ctx context.Context, st *runState) {
	for _, fix := range st.fixes {
		if fix.Status != models.FixStatusApproved {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if e.killSwitchActive(ctx) {
			fix.Status = models.FixStatusBlocked
			fix.Reason = ReasonKillSwitch
			e.updateFix(ctx, fix)
			e.audit(ctx, st.run.ID, fix.ID, models.AuditDeny, ReasonKillSwitch, "")
			continue
		}

		// Final guardrail pass: rate and blast budgets may have been eaten
		// by fixes applied since approval.
		if d := e.safety.CheckPatch(st.run.ID, fix.ID, fix.Patch); !d.Allowed {
			fix.Status = models.FixStatusBlocked
			fix.Reason = d.Reason
			e.updateFix(ctx, fix)
			e.audit(ctx, st.run.ID, fix.ID, models.AuditDeny, d.Reason, d.Detail)
			e.emit(EventFixBlocked, st.run.ID, fix.ID, d.Reason)
			continue
		}

		if err := e.applicator.Apply(st.run.ID, fix); err != nil {
			// Partial writes were already restored by the applicator.
			fix.Status = models.FixStatusFailed
			fix.Reason = ReasonApplyFailed
			fix.Error = err.Error()
			e.updateFix(ctx, fix)
			e.audit(ctx, st.run.ID, fix.ID, models.AuditNote, ReasonApplyFailed, err.Error())
			continue
		}

		now := time.Now().UTC()
		fix.Status = models.FixStatusApplied
		fix.AppliedAt = &now
		e.updateFix(ctx, fix)
		e.safety.RecordApplied(st.run.ID, fix.Patch)
		e.audit(ctx, st.run.ID, fix.ID, models.AuditApply, safety.ReasonOK,
			fmt.Sprintf("files=%v", fix.Patch.Files))
		e.emit(EventFixApplied, st.run.ID, fix.ID, "")
		st.applied = append(st.applied, fix)
	}
}

// checkHealth queries the injected health signal; absence degrades to
// unknown, which never triggers a rollback.
func (e *Engine) checkHealth(ctx context.Context) models.HealthState {
	if e.health == nil {
		return models.HealthUnknown
	}
	state, err := e.health.Check(ctx)
	if err != nil {
		e.log.Warn("health check error", zap.Error(err))
		return models.HealthUnknown
	}
	return state
}

// --- rollback / verify ---

// rollback reverts every fix applied in this run, most recent first, and
// finishes the run. Per the run invariant the status is rolled_back only
// when at least one fix was actually reverted.
func (e *Engine) rollback(ctx context.Context, st *runState, reason string) {
	for i := len(st.applied) - 1; i >= 0; i-- {
		fix := st.applied[i]
		if err := e.applicator.Revert(fix.ID); err != nil {
			e.log.Error("revert failed", zap.String("fix_id", fix.ID), zap.Error(err))
			continue
		}
		fix.Status = models.FixStatusReverted
		e.updateFix(ctx, fix)
		e.audit(ctx, st.run.ID, fix.ID, models.AuditRevert, reason, "")
		e.emit(EventFixReverted, st.run.ID, fix.ID, reason)
		if issue := st.issues[fix.IssueID]; issue != nil {
			_ = e.store.RecordPatternOutcome(context.WithoutCancel(ctx), issue.PatternKey(), false)
		}
	}
	e.applicator.PurgeRun(st.run.ID)

	if len(st.applied) > 0 {
		e.safety.RecordRollback()
		e.audit(ctx, st.run.ID, "", models.AuditNote, safety.ReasonCooldown, "cooldown entered after rollback")
		e.emit(EventRolledBack, st.run.ID, "", reason)
		e.finishRun(ctx, st, models.RunStatusRolledBack, reason)
		return
	}
	e.finishRun(ctx, st, models.RunStatusFailed, reason)
}

// verify marks applied fixes verified after a passing health check and
// feeds the pattern history.
func (e *Engine) verify(ctx context.Context, st *runState) {
	for _, fix := range st.applied {
		fix.Status = models.FixStatusVerified
		e.updateFix(ctx, fix)
		e.audit(ctx, st.run.ID, fix.ID, models.AuditVerify, safety.ReasonOK, "")
		if issue := st.issues[fix.IssueID]; issue != nil {
			_ = e.store.RecordPatternOutcome(ctx, issue.PatternKey(), true)
		}
	}
}

// finishRun persists the terminal status and emits the closing event.
func (e *Engine) finishRun(ctx context.Context, st *runState, status models.RunStatus, reason string) {
	now := time.Now().UTC()
	st.run.Status = status
	st.run.Reason = reason
	st.run.EndedAt = &now
	if err := e.store.UpdateRun(context.WithoutCancel(ctx), st.run); err != nil {
		e.log.Error("persist terminal run status", zap.String("run_id", st.run.ID), zap.Error(err))
	}

	switch status {
	case models.RunStatusCompleted:
		e.emit(EventRunCompleted, st.run.ID, "", reason)
	case models.RunStatusRolledBack:
		// EventRolledBack already emitted by rollback.
	default:
		e.emit(EventRunFailed, st.run.ID, "", reason)
	}
	e.log.Info("run finished",
		zap.String("run_id", st.run.ID),
		zap.String("status", string(status)),
		zap.String("reason", reason),
	)
}

// --- helpers ---

// Persistence detaches from cancellation: a cancelled run must still
// record its statuses and audit trail.

func (e *Engine) persistFix(ctx context.Context, fix *models.RemediationFix) {
	if err := e.store.CreateFix(context.WithoutCancel(ctx), fix); err != nil {
		e.log.Error("persist fix", zap.Error(err))
	}
}

func (e *Engine) updateFix(ctx context.Context, fix *models.RemediationFix) {
	if err := e.store.UpdateFix(context.WithoutCancel(ctx), fix); err != nil {
		e.log.Error("update fix", zap.String("fix_id", fix.ID), zap.Error(err))
	}
}

func (e *Engine) audit(ctx context.Context, runID, fixID string, action models.AuditAction, reason, detail string) {
	entry := &models.AuditLogEntry{
		RunID:  runID,
		FixID:  fixID,
		Action: action,
		Actor:  actorEngine,
		Reason: reason,
		Detail: detail,
	}
	if err := e.store.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		e.log.Error("append audit", zap.Error(err))
	}
}

func (e *Engine) emit(t EventType, runID, fixID, detail string) {
	e.sink.Emit(Event{Type: t, RunID: runID, FixID: fixID, Detail: detail, Time: time.Now().UTC()})
}
