package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/remedyd/remedy/internal/genfix"
	"github.com/remedyd/remedy/internal/models"
	"github.com/remedyd/remedy/internal/safety"
	"github.com/remedyd/remedy/internal/store"
)

// ContextBuilder supplies the code context the generator needs. Built by
// an external collaborator; the engine only defines the contract.
type ContextBuilder interface {
	Build(ctx context.Context, issue *models.RemediationIssue) (genfix.FixContext, error)
}

// FileContextBuilder reads a window of the issue's file from the workdir.
type FileContextBuilder struct {
	Workdir string
	// Window is the number of lines of context on each side of the issue.
	Window int
}

func (b *FileContextBuilder) Build(_ context.Context, issue *models.RemediationIssue) (genfix.FixContext, error) {
	if issue.File == "" {
		return genfix.FixContext{}, nil
	}
	data, err := os.ReadFile(filepath.Join(b.Workdir, issue.File))
	if err != nil {
		return genfix.FixContext{}, err
	}

	window := b.Window
	if window <= 0 {
		window = 40
	}
	lines := strings.Split(string(data), "\n")
	start := issue.StartLine - window
	if start < 1 {
		start = 1
	}
	end := issue.EndLine + window
	if end > len(lines) || issue.EndLine == 0 {
		end = len(lines)
	}
	// Line ranges come from the verdict and can be stale; a range past the
	// end of the file clamps to the tail instead of slicing out of bounds.
	if start > end {
		start = end
	}

	return genfix.FixContext{
		FileContent: strings.Join(lines[start-1:end], "\n"),
		WindowStart: start,
		WindowEnd:   end,
	}, nil
}

// HealthChecker supplies the post-apply health signal, e.g. by rerunning
// a check suite.
type HealthChecker interface {
	Check(ctx context.Context) (models.HealthState, error)
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) (models.HealthState, error)

func (f HealthCheckerFunc) Check(ctx context.Context) (models.HealthState, error) {
	return f(ctx)
}

// ApprovalSource delivers external approval signals for review-required
// fixes. Await returns nil when the timeout expires without a decision.
type ApprovalSource interface {
	Await(ctx context.Context, fixID string, timeout time.Duration) (*store.ApprovalDecision, error)
}

// StoreApprovalSource polls the store's approvals table so the signal can
// arrive from another process (CLI or MCP tool).
type StoreApprovalSource struct {
	Store store.Store
	Poll  time.Duration
}

func (s *StoreApprovalSource) Await(ctx context.Context, fixID string, timeout time.Duration) (*store.ApprovalDecision, error) {
	poll := s.Poll
	if poll <= 0 {
		poll = time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		decision, err := s.Store.GetApproval(ctx, fixID)
		if err != nil {
			return nil, err
		}
		if decision != nil {
			return decision, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
		}
	}
}

// storeHistory adapts the store's pattern outcomes to safety.History.
type storeHistory struct {
	store store.Store
}

func (h storeHistory) PatternStats(key string) safety.PatternStats {
	p, err := h.store.GetPatternOutcome(context.Background(), key)
	if err != nil || p == nil {
		return safety.PatternStats{}
	}
	return safety.PatternStats{Attempts: p.Attempts, Successes: p.Successes}
}

// NewStoreHistory exposes stored pattern outcomes as the safety
// controller's history source.
func NewStoreHistory(s store.Store) safety.History {
	return storeHistory{store: s}
}
