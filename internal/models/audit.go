package models

import "time"

// AuditAction is the kind of event an audit entry records.
type AuditAction string

const (
	AuditDetect     AuditAction = "detect"
	AuditGenerate   AuditAction = "generate"
	AuditValidate   AuditAction = "validate"
	AuditApprove    AuditAction = "approve"
	AuditDeny       AuditAction = "deny"
	AuditApply      AuditAction = "apply"
	AuditVerify     AuditAction = "verify"
	AuditRevert     AuditAction = "revert"
	AuditKillSwitch AuditAction = "kill_switch_toggle"
	AuditNote       AuditAction = "note"
)

// AuditLogEntry is one append-only record of what happened. Entries are
// never mutated or deleted; the log is the sole source of truth.
type AuditLogEntry struct {
	ID        string
	RunID     string
	FixID     string // optional
	Action    AuditAction
	Actor     string
	Reason    string // machine-readable reason code
	Detail    string
	Timestamp time.Time
}
