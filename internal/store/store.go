package store

import (
	"context"
	"time"

	"github.com/remedyd/remedy/internal/models"
)

// AuditFilter selects audit log entries.
type AuditFilter struct {
	RunID string
	FixID string
	Limit int
}

// ApprovalDecision is an externally delivered approve/deny signal for a
// review-required fix.
type ApprovalDecision struct {
	FixID     string
	Approved  bool
	Actor     string
	DecidedAt time.Time
}

// PatternOutcome aggregates historical fix outcomes for one issue pattern.
type PatternOutcome struct {
	Key       string
	Attempts  int
	Successes int
	UpdatedAt time.Time
}

// Store defines the persistence interface for remedy.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *models.RemediationRun) error
	GetRun(ctx context.Context, id string) (*models.RemediationRun, error)
	ListRuns(ctx context.Context, limit int) ([]*models.RemediationRun, error)
	UpdateRun(ctx context.Context, run *models.RemediationRun) error

	// Fixes
	CreateFix(ctx context.Context, fix *models.RemediationFix) error
	GetFix(ctx context.Context, id string) (*models.RemediationFix, error)
	ListFixes(ctx context.Context, runID string) ([]*models.RemediationFix, error)
	UpdateFix(ctx context.Context, fix *models.RemediationFix) error

	// Audit log (append-only)
	AppendAudit(ctx context.Context, entry *models.AuditLogEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*models.AuditLogEntry, error)

	// External approval signals
	RecordApproval(ctx context.Context, decision *ApprovalDecision) error
	GetApproval(ctx context.Context, fixID string) (*ApprovalDecision, error)

	// Pattern success history for the approval gateway
	RecordPatternOutcome(ctx context.Context, key string, success bool) error
	GetPatternOutcome(ctx context.Context, key string) (*PatternOutcome, error)

	// Kill switch state, shared across processes
	SetKillSwitch(ctx context.Context, on bool) error
	KillSwitch(ctx context.Context) (bool, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
