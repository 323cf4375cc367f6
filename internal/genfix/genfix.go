// Package genfix builds fix candidates: it selects a strategy for an issue
// or root-cause group, asks the injected patch-drafting capability for a
// unified diff, and packages the result as a RemediationFix.
package genfix

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/remedyd/remedy/internal/models"
	"github.com/remedyd/remedy/internal/patch"
)

// FixContext is the code context supplied by an external context-builder.
// The generator defines what it needs, not how it is built.
type FixContext struct {
	FileContent    string
	WindowStart    int
	WindowEnd      int
	RelatedSymbols []string
	PriorPatterns  []string
	SuggestedFix   string
}

// DraftRequest is the structured request handed to the drafting capability.
type DraftRequest struct {
	Issue    *models.RemediationIssue
	Group    []*models.RemediationIssue // all issues of the root cause
	Strategy models.FixStrategy
	Context  FixContext
	Feedback string // validation feedback when retrying, empty otherwise
}

// Drafter is the injected patch-drafting capability: a pure function from
// (issue, context, strategy) to raw unified-diff text. Replaceable by a
// deterministic stub in tests.
type Drafter interface {
	Draft(ctx context.Context, req DraftRequest) (string, error)
}

// DrafterFunc adapts a function to the Drafter interface.
type DrafterFunc func(ctx context.Context, req DraftRequest) (string, error)

func (f DrafterFunc) Draft(ctx context.Context, req DraftRequest) (string, error) {
	return f(ctx, req)
}

// Policy controls strategy selection.
type Policy struct {
	// AllowSuppress permits the suppress strategy (documented suppression,
	// not a behavior change). Off by default.
	AllowSuppress bool
	// SuppressRules lists rule ids suppression is permitted for.
	SuppressRules []string
}

// configExtensions mark files whose issues resolve via a config edit.
var configExtensions = map[string]bool{
	".yaml": true, ".yml": true, ".toml": true, ".json": true, ".ini": true, ".env": true,
}

// SelectStrategy picks how to fix an issue. Multi-location root-cause
// groups refactor together; config files get config changes; suppression
// only when policy explicitly permits the rule; everything else is a
// minimal direct patch.
func SelectStrategy(issue *models.RemediationIssue, group []*models.RemediationIssue, policy Policy) models.FixStrategy {
	if policy.AllowSuppress {
		for _, rule := range policy.SuppressRules {
			if rule == issue.RuleID {
				return models.StrategySuppress
			}
		}
	}
	if len(group) > 1 {
		return models.StrategyRefactor
	}
	if configExtensions[strings.ToLower(filepath.Ext(issue.File))] {
		return models.StrategyConfigChange
	}
	return models.StrategyDirectPatch
}

// Options tune the generator.
type Options struct {
	// MaxRetries bounds drafting retries after the first attempt.
	MaxRetries uint64
	// InitialBackoff seeds the exponential backoff between retries.
	InitialBackoff time.Duration
	// RetryOnValidationFailure enables one retry with parse feedback when
	// the drafted output is not a usable diff. Default off: it is ambiguous
	// whether retry-with-feedback is safe.
	RetryOnValidationFailure bool
}

// Generator turns issues into fix candidates via the drafting capability.
type Generator struct {
	drafter Drafter
	opts    Options
}

// New creates a Generator.
func New(drafter Drafter, opts Options) *Generator {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 2
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	return &Generator{drafter: drafter, opts: opts}
}

// Generate drafts a fix for the issue (and its group, when refactoring).
// Drafting errors are retried with exponential backoff up to the bound and
// then surface as status generation_failed. Output that does not parse as
// a unified diff becomes validation_failed and is not retried unless
// RetryOnValidationFailure is set.
func (g *Generator) Generate(ctx context.Context, issue *models.RemediationIssue, group []*models.RemediationIssue, fctx FixContext, policy Policy) *models.RemediationFix {
	now := time.Now().UTC()
	fix := &models.RemediationFix{
		IssueID:     issue.ID,
		RootCauseID: issue.RootCauseID,
		Strategy:    SelectStrategy(issue, group, policy),
		Status:      models.FixStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	req := DraftRequest{Issue: issue, Group: group, Strategy: fix.Strategy, Context: fctx}

	raw, err := g.draftWithRetry(ctx, req)
	if err != nil {
		fix.Status = models.FixStatusGenerationFailed
		fix.Reason = "draft_error"
		fix.Error = err.Error()
		return fix
	}

	data, perr := parseDraft(raw)
	if perr != nil && g.opts.RetryOnValidationFailure {
		req.Feedback = perr.Error()
		if raw, err = g.draftWithRetry(ctx, req); err == nil {
			data, perr = parseDraft(raw)
		}
	}
	if perr != nil {
		fix.Status = models.FixStatusValidationFailed
		fix.Reason = "unparseable_diff"
		fix.Error = perr.Error()
		return fix
	}

	fix.Patch = data
	fix.Status = models.FixStatusGenerated
	return fix
}

// draftWithRetry calls the drafter under the retry policy.
func (g *Generator) draftWithRetry(ctx context.Context, req DraftRequest) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.opts.InitialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(b, g.opts.MaxRetries), ctx)

	return backoff.RetryWithData(func() (string, error) {
		raw, err := g.drafter.Draft(ctx, req)
		if err != nil {
			return "", err
		}
		return raw, nil
	}, policy)
}

// parseDraft strips markdown fencing and parses the diff.
func parseDraft(raw string) (models.PatchData, error) {
	text := stripFences(raw)
	if strings.TrimSpace(text) == "" {
		return models.PatchData{}, fmt.Errorf("drafter returned empty output")
	}
	_, data, err := patch.Parse(text)
	if err != nil {
		return models.PatchData{}, err
	}
	return data, nil
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.SplitN(text, "\n", 2)
	if len(lines) > 1 {
		text = lines[1]
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text) + "\n"
}
