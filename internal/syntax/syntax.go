// Package syntax provides per-language syntax checkers used to validate
// patched file content before it is applied.
package syntax

import (
	"fmt"
	"go/parser"
	"go/token"
	"path/filepath"
	"strings"
)

// Checker validates that content parses for its language.
type Checker func(filename string, content []byte) error

// Registry maps file extensions to checkers. Files with no registered
// checker pass; validation degrades to the dry-run-apply check alone.
type Registry struct {
	checkers map[string]Checker
}

// NewRegistry returns a registry with the built-in checkers.
func NewRegistry() *Registry {
	r := &Registry{checkers: make(map[string]Checker)}
	r.Register(".go", CheckGo)
	return r
}

// Register adds or replaces the checker for an extension (".go").
func (r *Registry) Register(ext string, c Checker) {
	r.checkers[strings.ToLower(ext)] = c
}

// Supported reports whether a checker exists for the file's language.
func (r *Registry) Supported(filename string) bool {
	_, ok := r.checkers[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// Check runs the file's checker if one is registered.
func (r *Registry) Check(filename string, content []byte) error {
	c, ok := r.checkers[strings.ToLower(filepath.Ext(filename))]
	if !ok {
		return nil
	}
	if err := c(filename, content); err != nil {
		return fmt.Errorf("%s: %w", filename, err)
	}
	return nil
}

// CheckGo parses Go source with go/parser.
func CheckGo(filename string, content []byte) error {
	fset := token.NewFileSet()
	_, err := parser.ParseFile(fset, filename, content, parser.AllErrors)
	return err
}
