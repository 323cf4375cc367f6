package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// IssueCategory classifies what kind of problem an issue reports.
type IssueCategory string

const (
	CategorySecurity        IssueCategory = "security"
	CategoryCorrectness     IssueCategory = "correctness"
	CategoryPerformance     IssueCategory = "performance"
	CategoryStyle           IssueCategory = "style"
	CategoryMaintainability IssueCategory = "maintainability"
	CategoryDocumentation   IssueCategory = "documentation"
)

// IssueSeverity represents how urgent an issue is.
type IssueSeverity string

const (
	SeverityCritical IssueSeverity = "critical"
	SeverityHigh     IssueSeverity = "high"
	SeverityMedium   IssueSeverity = "medium"
	SeverityLow      IssueSeverity = "low"
)

// severityRank orders severities for floor comparisons. Higher is worse.
var severityRank = map[IssueSeverity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// SeverityAtLeast returns the more severe of a and floor.
func SeverityAtLeast(a, floor IssueSeverity) IssueSeverity {
	if severityRank[a] < severityRank[floor] {
		return floor
	}
	return a
}

// RemediationIssue is one classified, location-resolved problem extracted
// from a verdict item. Immutable after creation.
type RemediationIssue struct {
	ID          string
	Category    IssueCategory
	Severity    IssueSeverity
	File        string // empty when the location could not be resolved
	StartLine   int    // 0 when unknown
	EndLine     int
	RuleID      string
	Message     string
	AutoFixable bool
	RootCauseID string // back-reference, not owning
	CreatedAt   time.Time
}

// HasLocation reports whether a file/line location was resolved.
func (i *RemediationIssue) HasLocation() bool {
	return i.File != "" && i.StartLine > 0
}

// PatternKey identifies the (category, rule) pattern for success-rate history.
func (i *RemediationIssue) PatternKey() string {
	return string(i.Category) + "/" + i.RuleID
}

// IssueID derives the stable identity hash for an issue.
func IssueID(category IssueCategory, file string, line int, message string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d|%s", category, file, line, message))
	return hex.EncodeToString(sum[:])[:16]
}

// RootCause groups issues believed to share one underlying defect.
// An issue belongs to at most one root cause at a time.
type RootCause struct {
	ID       string
	Category IssueCategory
	File     string
	IssueIDs []string
}
