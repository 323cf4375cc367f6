// Package patch parses unified diffs and applies them to a working tree
// with pre-image backups and idempotent revert.
package patch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/remedyd/remedy/internal/models"
)

// LineOp is one diff line operation.
type LineOp byte

const (
	OpContext LineOp = ' '
	OpAdd     LineOp = '+'
	OpDelete  LineOp = '-'
)

// Line is one line within a hunk.
type Line struct {
	Op   LineOp
	Text string
}

// Hunk is one contiguous change block.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// FileDiff is the set of hunks for one file.
type FileDiff struct {
	Path      string // path relative to the workdir
	IsNew     bool   // created by this diff
	IsDeleted bool   // removed by this diff
	Hunks     []Hunk
}

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// stripPrefix removes the conventional a/ b/ prefixes from diff paths.
func stripPrefix(p string) string {
	p = strings.TrimSpace(p)
	// Drop anything after a tab (timestamps in some diff dialects).
	if i := strings.IndexByte(p, '\t'); i >= 0 {
		p = p[:i]
	}
	for _, prefix := range []string{"a/", "b/"} {
		if strings.HasPrefix(p, prefix) {
			return p[len(prefix):]
		}
	}
	return p
}

// Parse reads a unified diff into per-file hunk sets and derives the
// PatchData the safety controller evaluates for blast radius.
func Parse(diff string) ([]FileDiff, models.PatchData, error) {
	data := models.PatchData{Diff: diff, Bytes: len(diff)}

	lines := strings.Split(diff, "\n")
	var files []FileDiff
	var current *FileDiff
	var hunk *Hunk

	flushHunk := func() error {
		if hunk == nil {
			return nil
		}
		oldN, newN := 0, 0
		for _, l := range hunk.Lines {
			switch l.Op {
			case OpContext:
				oldN++
				newN++
			case OpDelete:
				oldN++
			case OpAdd:
				newN++
			}
		}
		if oldN != hunk.OldLines || newN != hunk.NewLines {
			return fmt.Errorf("hunk at -%d,+%d: header counts do not match body", hunk.OldStart, hunk.NewStart)
		}
		current.Hunks = append(current.Hunks, *hunk)
		hunk = nil
		return nil
	}
	flushFile := func() error {
		if err := flushHunk(); err != nil {
			return err
		}
		if current != nil {
			if current.Path == "" {
				return fmt.Errorf("diff names no usable path")
			}
			files = append(files, *current)
			current = nil
		}
		return nil
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "--- "):
			if err := flushFile(); err != nil {
				return nil, data, err
			}
			current = &FileDiff{}
			oldPath := stripPrefix(line[4:])
			if oldPath == "/dev/null" {
				current.IsNew = true
			} else {
				current.Path = oldPath
			}

		case strings.HasPrefix(line, "+++ "):
			if current == nil {
				return nil, data, fmt.Errorf("line %d: +++ without ---", i+1)
			}
			newPath := stripPrefix(line[4:])
			if newPath == "/dev/null" {
				current.IsDeleted = true
			} else {
				current.Path = newPath
			}

		case strings.HasPrefix(line, "@@"):
			if current == nil {
				return nil, data, fmt.Errorf("line %d: hunk outside file section", i+1)
			}
			if err := flushHunk(); err != nil {
				return nil, data, err
			}
			m := hunkHeaderRe.FindStringSubmatch(line)
			if m == nil {
				return nil, data, fmt.Errorf("line %d: malformed hunk header %q", i+1, line)
			}
			hunk = &Hunk{
				OldStart: atoiDefault(m[1], 0),
				OldLines: atoiDefault(m[2], 1),
				NewStart: atoiDefault(m[3], 0),
				NewLines: atoiDefault(m[4], 1),
			}

		case hunk != nil && len(line) > 0 && (line[0] == ' ' || line[0] == '+' || line[0] == '-'):
			l := Line{Op: LineOp(line[0]), Text: line[1:]}
			hunk.Lines = append(hunk.Lines, l)
			switch l.Op {
			case OpAdd:
				data.LinesAdded++
			case OpDelete:
				data.LinesRemoved++
			}

		case hunk != nil && line == `\ No newline at end of file`:
			// Marker only, nothing to record.

		case hunk != nil && line == "" && hunkIncomplete(hunk):
			// Bare empty line inside an unfinished hunk: context for an
			// empty source line (some producers drop the leading space).
			hunk.Lines = append(hunk.Lines, Line{Op: OpContext, Text: ""})

		default:
			// Headers ("diff --git", "index ...") and blank separators.
		}
	}
	if err := flushFile(); err != nil {
		return nil, data, err
	}

	if len(files) == 0 {
		return nil, data, fmt.Errorf("diff contains no file changes")
	}
	for _, f := range files {
		data.Files = append(data.Files, f.Path)
	}
	return files, data, nil
}

// hunkIncomplete reports whether the hunk body has consumed fewer lines
// than its header promises.
func hunkIncomplete(h *Hunk) bool {
	oldN, newN := 0, 0
	for _, l := range h.Lines {
		switch l.Op {
		case OpContext:
			oldN++
			newN++
		case OpDelete:
			oldN++
		case OpAdd:
			newN++
		}
	}
	return oldN < h.OldLines || newN < h.NewLines
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// applyHunks applies a file's hunks to its current content. Strict match:
// every context and delete line must equal the current content at the hunk
// position, otherwise the hunk conflicts.
func applyHunks(content string, hunks []Hunk) (string, error) {
	// Preserve the presence/absence of a trailing newline.
	trailingNL := strings.HasSuffix(content, "\n")
	src := strings.Split(content, "\n")
	if trailingNL {
		src = src[:len(src)-1]
	}
	if content == "" {
		src = nil
	}

	var out []string
	cursor := 0 // next unconsumed index in src (0-based)

	for _, h := range hunks {
		start := h.OldStart - 1
		if h.OldLines == 0 {
			// Pure insertion: OldStart is the line after which to insert.
			start = h.OldStart
		}
		if start < cursor || start > len(src) {
			return "", fmt.Errorf("hunk at line %d: overlaps or out of range", h.OldStart)
		}
		out = append(out, src[cursor:start]...)
		cursor = start

		for _, l := range h.Lines {
			switch l.Op {
			case OpContext, OpDelete:
				if cursor >= len(src) {
					return "", fmt.Errorf("hunk at line %d: runs past end of file", h.OldStart)
				}
				if src[cursor] != l.Text {
					return "", fmt.Errorf("hunk at line %d: content mismatch at line %d: have %q, want %q",
						h.OldStart, cursor+1, src[cursor], l.Text)
				}
				if l.Op == OpContext {
					out = append(out, l.Text)
				}
				cursor++
			case OpAdd:
				out = append(out, l.Text)
			}
		}
	}
	out = append(out, src[cursor:]...)

	result := strings.Join(out, "\n")
	if trailingNL || content == "" {
		if len(out) > 0 {
			result += "\n"
		}
	}
	return result, nil
}
