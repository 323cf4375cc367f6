package genfix

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyd/remedy/internal/models"
)

const validDiff = `--- a/x.go
+++ b/x.go
@@ -1,1 +1,1 @@
-var A = 1
+var A = 2
`

func styleIssue() *models.RemediationIssue {
	return &models.RemediationIssue{
		ID:          "i1",
		Category:    models.CategoryStyle,
		Severity:    models.SeverityLow,
		File:        "x.go",
		StartLine:   1,
		RuleID:      "R1",
		Message:     "lint issue",
		AutoFixable: true,
	}
}

func fastOptions() Options {
	return Options{MaxRetries: 2, InitialBackoff: time.Millisecond}
}

func TestSelectStrategy(t *testing.T) {
	issue := styleIssue()

	tests := []struct {
		name   string
		issue  *models.RemediationIssue
		group  []*models.RemediationIssue
		policy Policy
		want   models.FixStrategy
	}{
		{"single location", issue, []*models.RemediationIssue{issue}, Policy{}, models.StrategyDirectPatch},
		{"multi-location group", issue, []*models.RemediationIssue{issue, styleIssue()}, Policy{}, models.StrategyRefactor},
		{
			"config file",
			&models.RemediationIssue{ID: "i2", File: "app.yaml", RuleID: "R2"},
			nil, Policy{}, models.StrategyConfigChange,
		},
		{
			"suppress requires policy",
			issue, []*models.RemediationIssue{issue},
			Policy{AllowSuppress: true, SuppressRules: []string{"R1"}},
			models.StrategySuppress,
		},
		{
			"suppress denied without policy",
			issue, []*models.RemediationIssue{issue},
			Policy{SuppressRules: []string{"R1"}},
			models.StrategyDirectPatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectStrategy(tt.issue, tt.group, tt.policy))
		})
	}
}

func TestGenerate_Success(t *testing.T) {
	var gotReq DraftRequest
	drafter := DrafterFunc(func(ctx context.Context, req DraftRequest) (string, error) {
		gotReq = req
		return validDiff, nil
	})
	g := New(drafter, fastOptions())

	issue := styleIssue()
	fix := g.Generate(context.Background(), issue, []*models.RemediationIssue{issue}, FixContext{FileContent: "var A = 1\n"}, Policy{})

	assert.Equal(t, models.FixStatusGenerated, fix.Status)
	assert.Equal(t, models.StrategyDirectPatch, fix.Strategy)
	assert.Equal(t, []string{"x.go"}, fix.Patch.Files)
	assert.Equal(t, 1, fix.Patch.LinesAdded)
	assert.Equal(t, issue.ID, fix.IssueID)
	assert.Equal(t, models.StrategyDirectPatch, gotReq.Strategy)
}

func TestGenerate_StripsMarkdownFences(t *testing.T) {
	drafter := DrafterFunc(func(ctx context.Context, req DraftRequest) (string, error) {
		return "```diff\n" + validDiff + "```", nil
	})
	g := New(drafter, fastOptions())

	fix := g.Generate(context.Background(), styleIssue(), nil, FixContext{}, Policy{})
	assert.Equal(t, models.FixStatusGenerated, fix.Status)
	assert.Equal(t, []string{"x.go"}, fix.Patch.Files)
}

func TestGenerate_RetriesDraftErrors(t *testing.T) {
	attempts := 0
	drafter := DrafterFunc(func(ctx context.Context, req DraftRequest) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("model overloaded")
		}
		return validDiff, nil
	})
	g := New(drafter, fastOptions())

	fix := g.Generate(context.Background(), styleIssue(), nil, FixContext{}, Policy{})
	assert.Equal(t, models.FixStatusGenerated, fix.Status)
	assert.Equal(t, 3, attempts, "two retries after the first failure")
}

func TestGenerate_GenerationFailedAfterBound(t *testing.T) {
	attempts := 0
	drafter := DrafterFunc(func(ctx context.Context, req DraftRequest) (string, error) {
		attempts++
		return "", errors.New("model overloaded")
	})
	g := New(drafter, fastOptions())

	fix := g.Generate(context.Background(), styleIssue(), nil, FixContext{}, Policy{})
	assert.Equal(t, models.FixStatusGenerationFailed, fix.Status)
	assert.Equal(t, "draft_error", fix.Reason)
	assert.Equal(t, 3, attempts, "initial attempt plus MaxRetries")
	assert.NotEmpty(t, fix.Error)
}

func TestGenerate_UnparseableOutputNotRetried(t *testing.T) {
	attempts := 0
	drafter := DrafterFunc(func(ctx context.Context, req DraftRequest) (string, error) {
		attempts++
		return "I cannot produce a diff, sorry.", nil
	})
	g := New(drafter, fastOptions())

	fix := g.Generate(context.Background(), styleIssue(), nil, FixContext{}, Policy{})
	assert.Equal(t, models.FixStatusValidationFailed, fix.Status)
	assert.Equal(t, "unparseable_diff", fix.Reason)
	assert.Equal(t, 1, attempts, "validation failures are not retried by default")
}

func TestGenerate_RetryWithFeedbackWhenEnabled(t *testing.T) {
	attempts := 0
	var feedback string
	drafter := DrafterFunc(func(ctx context.Context, req DraftRequest) (string, error) {
		attempts++
		if attempts == 1 {
			return "not a diff", nil
		}
		feedback = req.Feedback
		return validDiff, nil
	})
	opts := fastOptions()
	opts.RetryOnValidationFailure = true
	g := New(drafter, opts)

	fix := g.Generate(context.Background(), styleIssue(), nil, FixContext{}, Policy{})
	assert.Equal(t, models.FixStatusGenerated, fix.Status)
	assert.Equal(t, 2, attempts)
	assert.NotEmpty(t, feedback, "retry carries the parse failure as feedback")
}

func TestGenerate_ContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	drafter := DrafterFunc(func(ctx context.Context, req DraftRequest) (string, error) {
		return "", errors.New("unavailable")
	})
	g := New(drafter, fastOptions())

	fix := g.Generate(ctx, styleIssue(), nil, FixContext{}, Policy{})
	require.Equal(t, models.FixStatusGenerationFailed, fix.Status)
}
