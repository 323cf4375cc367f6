package detect

import (
	"regexp"
	"strings"

	"github.com/remedyd/remedy/internal/models"
)

// categoryPattern maps rule ids / message text to a category. Patterns are
// checked in order; first match wins.
type categoryPattern struct {
	category models.IssueCategory
	match    *regexp.Regexp
}

var categoryPatterns = []categoryPattern{
	{models.CategorySecurity, regexp.MustCompile(`(?i)\b(security|injection|xss|csrf|secret|credential|unsanitized|traversal|crypto|auth)\b`)},
	{models.CategoryCorrectness, regexp.MustCompile(`(?i)\b(bug|incorrect|wrong|nil pointer|null|race|deadlock|off.by.one|overflow|undefined|crash|panic|error handling|unchecked)\b`)},
	{models.CategoryPerformance, regexp.MustCompile(`(?i)\b(slow|performance|allocat|n\+1|inefficien|quadratic|leak|latency)\b`)},
	{models.CategoryDocumentation, regexp.MustCompile(`(?i)\b(doc|comment|readme|godoc|typo in doc)\b`)},
	{models.CategoryMaintainability, regexp.MustCompile(`(?i)\b(complex|duplicat|dead code|unused|refactor|coupling|long function)\b`)},
	{models.CategoryStyle, regexp.MustCompile(`(?i)\b(style|format|naming|lint|whitespace|convention|gofmt)\b`)},
}

// severityFloors prevents categories from being reported below a minimum.
// Security findings never downgrade below medium.
var severityFloors = map[models.IssueCategory]models.IssueSeverity{
	models.CategorySecurity:    models.SeverityMedium,
	models.CategoryCorrectness: models.SeverityLow,
}

// autoFixableCategories is the allow-list for autonomous fixing.
var autoFixableCategories = map[models.IssueCategory]bool{
	models.CategorySecurity:      true,
	models.CategoryCorrectness:   true,
	models.CategoryStyle:         true,
	models.CategoryDocumentation: true,
}

// ambiguityDenyPatterns mark messages whose intent is too ambiguous to fix
// without a human. Checked against the lowercased message.
var ambiguityDenyPatterns = []string{
	"design decision",
	"architecture",
	"consider whether",
	"may be intentional",
	"trade-off",
	"tradeoff",
	"needs discussion",
}

// classifyCategory assigns a category from the rule id and message.
// The verdict's category hint is honored when it names a known category;
// otherwise the pattern table decides. Defaults to maintainability.
func classifyCategory(hint, ruleID, message string) models.IssueCategory {
	switch models.IssueCategory(strings.ToLower(strings.TrimSpace(hint))) {
	case models.CategorySecurity:
		return models.CategorySecurity
	case models.CategoryCorrectness:
		return models.CategoryCorrectness
	case models.CategoryPerformance:
		return models.CategoryPerformance
	case models.CategoryStyle:
		return models.CategoryStyle
	case models.CategoryMaintainability:
		return models.CategoryMaintainability
	case models.CategoryDocumentation:
		return models.CategoryDocumentation
	}

	subject := ruleID + " " + message
	for _, p := range categoryPatterns {
		if p.match.MatchString(subject) {
			return p.category
		}
	}
	return models.CategoryMaintainability
}

// classifySeverity parses the verdict severity and imposes the category floor.
func classifySeverity(raw string, category models.IssueCategory) models.IssueSeverity {
	var sev models.IssueSeverity
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical":
		sev = models.SeverityCritical
	case "high":
		sev = models.SeverityHigh
	case "medium":
		sev = models.SeverityMedium
	default:
		sev = models.SeverityLow
	}
	if floor, ok := severityFloors[category]; ok {
		sev = models.SeverityAtLeast(sev, floor)
	}
	return sev
}

// isAmbiguous reports whether the message matches the ambiguity deny-list.
func isAmbiguous(message string) bool {
	lower := strings.ToLower(message)
	for _, p := range ambiguityDenyPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
