package models

import "time"

// RunStatus is the state of a remediation run.
type RunStatus string

const (
	RunStatusPending          RunStatus = "pending"
	RunStatusDetecting        RunStatus = "detecting"
	RunStatusGenerating       RunStatus = "generating"
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
	RunStatusApplying         RunStatus = "applying"
	RunStatusHealthCheck      RunStatus = "health_check"
	RunStatusCompleted        RunStatus = "completed"
	RunStatusRolledBack       RunStatus = "rolled_back"
	RunStatusFailed           RunStatus = "failed"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusRolledBack, RunStatusFailed:
		return true
	}
	return false
}

// HealthState is the health signal observed before/after applying fixes.
type HealthState string

const (
	HealthUnknown HealthState = "unknown"
	HealthPassing HealthState = "passing"
	HealthFailing HealthState = "failing"
)

// RemediationRun is one remediation cycle over a verdict. It is the unit
// of rollback and of audit grouping.
type RemediationRun struct {
	ID           string
	VerdictID    string
	FixIDs       []string
	Status       RunStatus
	HealthBefore HealthState
	HealthAfter  HealthState
	Reason       string // reason code when failed/rolled back
	StartedAt    time.Time
	EndedAt      *time.Time
}
