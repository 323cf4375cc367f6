package models

import "time"

// FixStrategy is how a fix intends to resolve its issue.
type FixStrategy string

const (
	StrategyDirectPatch  FixStrategy = "direct_patch"
	StrategyRefactor     FixStrategy = "refactor"
	StrategyConfigChange FixStrategy = "config_change"
	StrategySuppress     FixStrategy = "suppress"
)

// FixStatus is the state of a fix within its run.
type FixStatus string

const (
	FixStatusPending          FixStatus = "pending"
	FixStatusGenerated        FixStatus = "generated"
	FixStatusValidated        FixStatus = "validated"
	FixStatusApproved         FixStatus = "approved"
	FixStatusReviewRequired   FixStatus = "review_required"
	FixStatusBlocked          FixStatus = "blocked"
	FixStatusApplied          FixStatus = "applied"
	FixStatusVerified         FixStatus = "verified"
	FixStatusReverted         FixStatus = "reverted"
	FixStatusGenerationFailed FixStatus = "generation_failed"
	FixStatusValidationFailed FixStatus = "validation_failed"
	FixStatusFailed           FixStatus = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s FixStatus) Terminal() bool {
	switch s {
	case FixStatusVerified, FixStatusReverted, FixStatusBlocked,
		FixStatusGenerationFailed, FixStatusValidationFailed, FixStatusFailed:
		return true
	}
	return false
}

// ApprovalLevel is the policy classification of a fix.
type ApprovalLevel string

const (
	ApprovalAuto           ApprovalLevel = "auto"
	ApprovalReviewRequired ApprovalLevel = "review_required"
	ApprovalBlocked        ApprovalLevel = "blocked"
)

// PatchData describes a produced patch. Immutable once produced;
// re-derived if the fix is regenerated.
type PatchData struct {
	Diff         string
	Files        []string
	LinesAdded   int
	LinesRemoved int
	Bytes        int
}

// LinesChanged is the total line delta used for blast-radius checks.
func (p PatchData) LinesChanged() int {
	return p.LinesAdded + p.LinesRemoved
}

// RemediationFix is one candidate fix for an issue or root-cause group.
// Created by the generator, mutated only by the engine/applicator.
type RemediationFix struct {
	ID          string
	RunID       string
	IssueID     string
	RootCauseID string
	Strategy    FixStrategy
	Status      FixStatus
	Patch       PatchData
	Approval    ApprovalLevel
	Reason      string // machine-readable reason code for rejections/failures
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	AppliedAt   *time.Time
}
