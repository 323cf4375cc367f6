// Package llm implements the patch-drafting capability with the Anthropic API.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/remedyd/remedy/internal/genfix"
	"github.com/remedyd/remedy/internal/models"
)

// Drafter asks the Anthropic API for unified-diff patches. It implements
// genfix.Drafter.
type Drafter struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewDrafter creates a Drafter with the given API key and model.
func NewDrafter(apiKey, model string) *Drafter {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Drafter{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildPrompt constructs the system and user prompts for patch drafting.
func buildPrompt(req genfix.DraftRequest) (system string, user string) {
	system = `You draft minimal code patches for automated remediation. Return ONLY a unified diff:
- Use "--- a/<path>" and "+++ b/<path>" headers with paths relative to the repository root
- Use standard "@@ -start,count +start,count @@" hunk headers with correct counts
- Scope the diff to the minimum necessary hunks; do not reformat unrelated code
- Touch only the file(s) the issue names
- Never include markdown fencing, commentary, or explanation, only the diff`

	switch req.Strategy {
	case models.StrategyRefactor:
		system += "\n- Fix every listed occurrence of the shared root cause in one coherent change"
	case models.StrategyConfigChange:
		system += "\n- Resolve the issue by editing configuration values only, not code behavior"
	case models.StrategySuppress:
		system += "\n- Add a documented suppression comment for the rule; do not change behavior"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Issue [%s/%s] %s", req.Issue.Category, req.Issue.Severity, req.Issue.RuleID)
	if req.Issue.File != "" {
		fmt.Fprintf(&sb, " at %s:%d-%d", req.Issue.File, req.Issue.StartLine, req.Issue.EndLine)
	}
	sb.WriteString("\n")
	sb.WriteString(req.Issue.Message)
	sb.WriteString("\n")

	if len(req.Group) > 1 {
		sb.WriteString("\nRelated occurrences of the same root cause:\n")
		for _, issue := range req.Group {
			if issue.ID == req.Issue.ID {
				continue
			}
			fmt.Fprintf(&sb, "- %s:%d %s\n", issue.File, issue.StartLine, issue.Message)
		}
	}

	if req.Context.FileContent != "" {
		fmt.Fprintf(&sb, "\nCurrent content of %s (lines %d-%d):\n", req.Issue.File, req.Context.WindowStart, req.Context.WindowEnd)
		sb.WriteString(req.Context.FileContent)
		sb.WriteString("\n")
	}
	if len(req.Context.RelatedSymbols) > 0 {
		sb.WriteString("\nRelated symbols: ")
		sb.WriteString(strings.Join(req.Context.RelatedSymbols, ", "))
		sb.WriteString("\n")
	}
	if req.Context.SuggestedFix != "" {
		sb.WriteString("\nSuggested fix from the verifier:\n")
		sb.WriteString(req.Context.SuggestedFix)
		sb.WriteString("\n")
	}
	if req.Feedback != "" {
		sb.WriteString("\nYour previous attempt was rejected:\n")
		sb.WriteString(req.Feedback)
		sb.WriteString("\nProduce a corrected diff.\n")
	}

	user = sb.String()
	return
}

// Draft sends the request to the LLM and returns the raw diff text.
func (d *Drafter) Draft(ctx context.Context, req genfix.DraftRequest) (string, error) {
	systemPrompt, userPrompt := buildPrompt(req)

	msg, err := d.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     d.model,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}
	return text, nil
}
