package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/remedyd/remedy/internal/models"
	"github.com/remedyd/remedy/internal/syntax"
)

// ValidationResult is the outcome of a dry-run validation.
type ValidationResult struct {
	OK     bool
	Reason string // reason code when not OK
	Detail string
}

// Validation reason codes.
const (
	ValidationConflict   = "patch_conflict"
	ValidationSyntax     = "syntax_error"
	ValidationBadDiff    = "malformed_diff"
	ValidationOutsideSet = "outside_affected_set"
	ValidationBadPath    = "unsafe_path"
)

// Applicator applies and reverts patches inside one working directory.
// A backup of each touched file's pre-image is retained for the lifetime
// of the owning run.
type Applicator struct {
	workdir string
	syntax  *syntax.Registry

	mu       sync.Mutex
	backups  map[string]map[string]*preimage // fixID -> rel path -> pre-image
	fixRuns  map[string][]string             // runID -> fixIDs with backups
	reverted map[string]bool
}

// preimage records a file's content before a fix touched it.
// existed=false marks a file the fix created.
type preimage struct {
	existed bool
	content []byte
	mode    os.FileMode
}

// NewApplicator creates an Applicator rooted at workdir.
func NewApplicator(workdir string, reg *syntax.Registry) *Applicator {
	if reg == nil {
		reg = syntax.NewRegistry()
	}
	return &Applicator{
		workdir:  workdir,
		syntax:   reg,
		backups:  make(map[string]map[string]*preimage),
		fixRuns:  make(map[string][]string),
		reverted: make(map[string]bool),
	}
}

// safeRel rejects absolute paths and traversal outside the workdir.
func (a *Applicator) safeRel(p string) (string, error) {
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("absolute path %q not allowed", p)
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the working directory", p)
	}
	return clean, nil
}

// Validate dry-runs the patch against current file content without writing
// anything. The resulting content is syntax-checked when a checker for the
// file's language is registered; otherwise validation degrades to the
// dry-run-apply check alone.
func (a *Applicator) Validate(patch models.PatchData) ValidationResult {
	files, _, err := Parse(patch.Diff)
	if err != nil {
		return ValidationResult{Reason: ValidationBadDiff, Detail: err.Error()}
	}

	declared := make(map[string]bool, len(patch.Files))
	for _, f := range patch.Files {
		declared[f] = true
	}

	for _, fd := range files {
		if !declared[fd.Path] {
			return ValidationResult{Reason: ValidationOutsideSet,
				Detail: fd.Path + " not in declared affected-file set"}
		}
		rel, err := a.safeRel(fd.Path)
		if err != nil {
			return ValidationResult{Reason: ValidationBadPath, Detail: err.Error()}
		}

		after, err := a.dryRun(rel, fd)
		if err != nil {
			return ValidationResult{Reason: ValidationConflict, Detail: err.Error()}
		}
		if fd.IsDeleted {
			continue
		}
		if err := a.syntax.Check(rel, after); err != nil {
			return ValidationResult{Reason: ValidationSyntax, Detail: err.Error()}
		}
	}
	return ValidationResult{OK: true}
}

// dryRun computes the post-apply content of one file without writing it.
func (a *Applicator) dryRun(rel string, fd FileDiff) ([]byte, error) {
	abs := filepath.Join(a.workdir, rel)
	var current []byte
	if fd.IsNew {
		if _, err := os.Stat(abs); err == nil {
			return nil, fmt.Errorf("%s: already exists, cannot create", rel)
		}
	} else {
		var err error
		current, err = os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", rel, err)
		}
	}
	if fd.IsDeleted {
		// A deletion must still match the current content.
		if _, err := applyHunks(string(current), fd.Hunks); err != nil {
			return nil, err
		}
		return nil, nil
	}
	after, err := applyHunks(string(current), fd.Hunks)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rel, err)
	}
	return []byte(after), nil
}

// Apply writes the patch to the working tree, atomically per fix: either
// all hunks for the fix land or none do. Pre-images are backed up before
// the first write. Any file outside the declared affected set is rejected
// before writing.
func (a *Applicator) Apply(runID string, fix *models.RemediationFix) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if res := a.Validate(fix.Patch); !res.OK {
		return fmt.Errorf("%s: %s", res.Reason, res.Detail)
	}

	files, _, err := Parse(fix.Patch.Diff)
	if err != nil {
		return err
	}

	// Stage everything in memory first so a conflict cannot strand a
	// half-written fix.
	type staged struct {
		rel     string
		content []byte // nil = delete
		pre     *preimage
	}
	var plan []staged
	for _, fd := range files {
		rel, err := a.safeRel(fd.Path)
		if err != nil {
			return err
		}
		after, err := a.dryRun(rel, fd)
		if err != nil {
			return err
		}

		pre := &preimage{mode: 0644}
		abs := filepath.Join(a.workdir, rel)
		if info, err := os.Stat(abs); err == nil {
			content, err := os.ReadFile(abs)
			if err != nil {
				return fmt.Errorf("backup %s: %w", rel, err)
			}
			pre.existed = true
			pre.content = content
			pre.mode = info.Mode()
		}

		if fd.IsDeleted {
			plan = append(plan, staged{rel: rel, content: nil, pre: pre})
		} else {
			plan = append(plan, staged{rel: rel, content: after, pre: pre})
		}
	}

	backups := make(map[string]*preimage, len(plan))
	var written []staged
	for _, st := range plan {
		backups[st.rel] = st.pre
		abs := filepath.Join(a.workdir, st.rel)
		var werr error
		if st.content == nil {
			werr = os.Remove(abs)
		} else {
			if werr = os.MkdirAll(filepath.Dir(abs), 0755); werr == nil {
				werr = os.WriteFile(abs, st.content, st.pre.mode)
			}
		}
		if werr != nil {
			// Mid-write failure: restore everything already written.
			for _, w := range written {
				a.restore(w.rel, w.pre)
			}
			return fmt.Errorf("apply %s: %w", st.rel, werr)
		}
		written = append(written, st)
	}

	a.backups[fix.ID] = backups
	a.fixRuns[runID] = append(a.fixRuns[runID], fix.ID)
	delete(a.reverted, fix.ID)
	return nil
}

// restore writes a pre-image back, removing files the fix created.
func (a *Applicator) restore(rel string, pre *preimage) {
	abs := filepath.Join(a.workdir, rel)
	if !pre.existed {
		_ = os.Remove(abs)
		return
	}
	_ = os.MkdirAll(filepath.Dir(abs), 0755)
	_ = os.WriteFile(abs, pre.content, pre.mode)
}

// Revert restores the retained pre-images exactly. Idempotent: reverting a
// fix that was already reverted (or never applied) is a no-op, not an error.
func (a *Applicator) Revert(fixID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	backups, ok := a.backups[fixID]
	if !ok || a.reverted[fixID] {
		return nil
	}
	for rel, pre := range backups {
		a.restore(rel, pre)
	}
	a.reverted[fixID] = true
	return nil
}

// HasBackup reports whether a fix's pre-images are still retained.
func (a *Applicator) HasBackup(fixID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.backups[fixID]
	return ok
}

// PurgeRun drops the backups for a finished run. After this, revert is no
// longer possible for the run's fixes.
func (a *Applicator) PurgeRun(runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, fixID := range a.fixRuns[runID] {
		delete(a.backups, fixID)
		delete(a.reverted, fixID)
	}
	delete(a.fixRuns, runID)
}
