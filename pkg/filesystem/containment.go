package filesystem

import (
	"fmt"
	"path/filepath"
	"strings"
)

// IsOrContains returns true if candidate, once resolved to an absolute
// cleaned path, is equal to root or is contained within it. It's used to
// enforce invariant I1 (metadata and ledger paths strictly outside the
// watched root) and property P4 (override rejection).
func IsOrContains(root, candidate string) (bool, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false, fmt.Errorf("unable to resolve root path: %w", err)
	}
	absCandidate, err := filepath.Abs(candidate)
	if err != nil {
		return false, fmt.Errorf("unable to resolve candidate path: %w", err)
	}
	absRoot = filepath.Clean(absRoot)
	absCandidate = filepath.Clean(absCandidate)

	if absCandidate == absRoot {
		return true, nil
	}

	rel, err := filepath.Rel(absRoot, absCandidate)
	if err != nil {
		return false, nil
	}
	if rel == "." {
		return true, nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false, nil
	}
	return true, nil
}
