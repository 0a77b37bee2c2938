// Package pathguard checks agent-requested file paths against a permitted root.
package pathguard

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Check is the outcome of a path validation.
type Check struct {
	// Valid reports whether the path may be accessed.
	Valid bool
	// Resolved is the absolute, lexically cleaned path when Valid is true.
	Resolved string
	// Error describes why the path was rejected when Valid is false.
	Error string
}

// Validate resolves requested and reports whether it stays inside root.
// Resolution is lexical, so paths that do not exist yet are checked the same
// way as existing ones. When allowEscape is true every path is accepted.
func Validate(requested string, root string, allowEscape bool) Check {
	resolved, err := filepath.Abs(requested)
	if err != nil {
		return Check{Error: fmt.Sprintf("cannot resolve path %s: %v", requested, err)}
	}
	if allowEscape {
		return Check{Valid: true, Resolved: resolved}
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return Check{Error: fmt.Sprintf("cannot resolve root %s: %v", root, err)}
	}
	if !within(resolved, rootAbs) {
		return Check{
			Error: fmt.Sprintf("path %s is outside the allowed working directory %s", requested, rootAbs),
		}
	}
	return Check{Valid: true, Resolved: resolved}
}

// within reports whether target equals root or is a strict descendant of it.
func within(target string, root string) bool {
	if target == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(target, prefix)
}
