// Package detect turns verification verdicts into classified, deduplicated,
// location-resolved remediation issues and root-cause groups.
package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/remedyd/remedy/internal/models"
)

// DefaultGroupWindow is the line distance within which same-file,
// same-category issues are considered one root cause.
const DefaultGroupWindow = 10

// Options tune the detector. Zero values fall back to defaults.
type Options struct {
	// GroupWindow is the root-cause line-distance window. The grouping
	// heuristic is a policy parameter, not an algorithmic guarantee.
	GroupWindow int
}

// Detector extracts issues from verdicts using static classification tables.
type Detector struct {
	groupWindow int
}

// New creates a Detector.
func New(opts Options) *Detector {
	w := opts.GroupWindow
	if w <= 0 {
		w = DefaultGroupWindow
	}
	return &Detector{groupWindow: w}
}

// Result is the outcome of one extraction.
type Result struct {
	Issues     []*models.RemediationIssue
	RootCauses []*models.RootCause
	// Skipped holds one note per malformed verdict item that was dropped.
	Skipped []string
}

// locationRe matches "path/to/file.ext:123" style references in free text.
var locationRe = regexp.MustCompile(`([\w./-]+\.\w+):(\d+)`)

// Extract classifies every verdict item into a RemediationIssue and groups
// the results into root causes. Malformed items are skipped with a note,
// never aborting the extraction. Duplicate identities are dropped.
func (d *Detector) Extract(verdict *models.Verdict) *Result {
	res := &Result{}
	if verdict == nil {
		return res
	}

	seen := make(map[string]bool)
	now := time.Now().UTC()

	for i, item := range verdict.Items {
		if strings.TrimSpace(item.Message) == "" {
			res.Skipped = append(res.Skipped, fmt.Sprintf("item %d: empty message", i))
			continue
		}
		if item.RuleID == "" {
			res.Skipped = append(res.Skipped, fmt.Sprintf("item %d: missing rule id", i))
			continue
		}

		category := classifyCategory(item.Category, item.RuleID, item.Message)
		severity := classifySeverity(item.Severity, category)
		file, start, end := resolveLocation(item)

		issue := &models.RemediationIssue{
			ID:        models.IssueID(category, file, start, item.Message),
			Category:  category,
			Severity:  severity,
			File:      file,
			StartLine: start,
			EndLine:   end,
			RuleID:    item.RuleID,
			Message:   item.Message,
			CreatedAt: now,
		}
		issue.AutoFixable = autoFixableCategories[category] &&
			issue.HasLocation() &&
			!isAmbiguous(item.Message)

		if seen[issue.ID] {
			continue
		}
		seen[issue.ID] = true
		res.Issues = append(res.Issues, issue)
	}

	res.RootCauses = d.group(res.Issues)
	return res
}

// resolveLocation returns the issue location from explicit item fields,
// falling back to a best-effort scan of the message text. Unresolved
// locations are kept empty.
func resolveLocation(item models.VerdictItem) (file string, start, end int) {
	if item.File != "" && item.StartLine > 0 {
		end = item.EndLine
		if end < item.StartLine {
			end = item.StartLine
		}
		return item.File, item.StartLine, end
	}

	if m := locationRe.FindStringSubmatch(item.Message); m != nil {
		line, err := strconv.Atoi(m[2])
		if err == nil && line > 0 {
			return m[1], line, line
		}
	}

	if item.File != "" {
		// File known but no line; usable for grouping, not auto-fixing.
		return item.File, 0, 0
	}
	return "", 0, 0
}

// group buckets issues into root causes by (category, file) when their
// locations fall within the line-distance window. The input is sorted into
// a canonical order first, so grouping is deterministic and independent of
// verdict iteration order. Issues without a file or a resolved line each
// form their own group.
func (d *Detector) group(issues []*models.RemediationIssue) []*models.RootCause {
	sorted := make([]*models.RemediationIssue, len(issues))
	copy(sorted, issues)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.File != b.File {
			return a.File < b.File
		}
		if a.StartLine != b.StartLine {
			return a.StartLine < b.StartLine
		}
		return a.ID < b.ID
	})

	var causes []*models.RootCause
	var current *models.RootCause
	var lastLine int

	flush := func() {
		if current != nil {
			current.ID = rootCauseID(current)
			causes = append(causes, current)
			current = nil
		}
	}

	for _, issue := range sorted {
		// Only line-located issues join a group: an unlocated issue sorts
		// first within its (category, file) bucket and must not seed a
		// group that located issues then collapse into.
		joins := current != nil &&
			issue.File != "" &&
			issue.StartLine > 0 &&
			lastLine > 0 &&
			current.Category == issue.Category &&
			current.File == issue.File &&
			issue.StartLine-lastLine <= d.groupWindow

		if !joins {
			flush()
			current = &models.RootCause{Category: issue.Category, File: issue.File}
		}
		current.IssueIDs = append(current.IssueIDs, issue.ID)
		lastLine = issue.StartLine
	}
	flush()

	// Back-reference issues to their cause.
	byID := make(map[string]*models.RemediationIssue, len(issues))
	for _, issue := range issues {
		byID[issue.ID] = issue
	}
	for _, rc := range causes {
		sort.Strings(rc.IssueIDs)
		for _, id := range rc.IssueIDs {
			byID[id].RootCauseID = rc.ID
		}
	}
	return causes
}

// rootCauseID hashes the group key plus sorted member ids so the same issue
// set always yields the same id.
func rootCauseID(rc *models.RootCause) string {
	ids := make([]string, len(rc.IssueIDs))
	copy(ids, rc.IssueIDs)
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(string(rc.Category) + "|" + rc.File + "|" + strings.Join(ids, ",")))
	return hex.EncodeToString(sum[:])[:16]
}
