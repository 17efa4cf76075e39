// Package conflict implements the 3-way conflict detector and resolver of
// spec.md §4.8-4.9. Grounded on the Python original's
// bidirectional/conflict_detector.py (the case analysis and the mtime
// tolerance rationale are carried over verbatim in meaning) and, for error
// wrapping idiom, on github.com/pkg/errors as used across the wider
// example pack for annotated errors.
package conflict

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// Type tags the kind of conflict detected between a local and remote side.
type Type string

const (
	BothModified              Type = "BothModified"
	LocalDeletedRemoteModified Type = "LocalDeletedRemoteModified"
	RemoteDeletedLocalModified Type = "RemoteDeletedLocalModified"
	BothCreated               Type = "BothCreated"
	MoveConflict              Type = "MoveConflict"
)

// DefaultTolerance is the default mtime-equality tolerance τ (spec.md
// §4.8): cross-host clocks and copy tools commonly drift by small amounts,
// so two mtimes within this window are treated as the same edit rather
// than a divergence.
const DefaultTolerance = 2 * time.Second

// Side is one side's view of a path's metadata for conflict detection.
type Side struct {
	Exists   bool
	Mtime    float64 // unix seconds
	Size     int64
	Checksum string
}

// Conflict describes one detected 3-way divergence on a single path.
type Conflict struct {
	Type       Type
	Path       string
	Local      Side
	Remote     Side
	Base       *Side
	Details    string
	DetectedAt time.Time
}

// Detector compares a local side, a remote side, and an optional common
// ancestor ("base") side for one path.
type Detector struct {
	// HashEnabled, when true, prefers checksum comparison over mtime
	// tolerance whenever both sides carry a checksum.
	HashEnabled bool
	// Tolerance is the mtime-equality window τ. Zero means DefaultTolerance.
	Tolerance time.Duration
}

// NewDetector constructs a Detector with the given hash-comparison setting
// and tolerance (0 selects DefaultTolerance).
func NewDetector(hashEnabled bool, tolerance time.Duration) *Detector {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Detector{HashEnabled: hashEnabled, Tolerance: tolerance}
}

// Detect runs the spec.md §4.8 case analysis and returns the conflict (if
// any) for one path.
func (d *Detector) Detect(path string, local, remote Side, base *Side) (*Conflict, error) {
	baseExists := base != nil && base.Exists

	switch {
	case !local.Exists && !remote.Exists:
		// Case 1: neither exists.
		return nil, nil

	case local.Exists != remote.Exists && baseExists:
		// Case 2: exactly one side exists and base exists.
		if local.Exists {
			return d.newConflict(RemoteDeletedLocalModified, path, local, remote, base, "remote deleted the path while local modified it"), nil
		}
		return d.newConflict(LocalDeletedRemoteModified, path, local, remote, base, "local deleted the path while remote modified it"), nil

	case local.Exists != remote.Exists && !baseExists:
		// Case 3: exactly one side exists, no base: propagate creation.
		return nil, nil

	case local.Exists && remote.Exists && !baseExists:
		// Case 4: both exist, base is non-existent.
		if !d.identical(local, remote) {
			return d.newConflict(BothCreated, path, local, remote, base, "both sides created the path independently"), nil
		}
		return nil, nil

	case local.Exists && remote.Exists && d.identical(local, remote):
		// Case 5: both exist and are identical.
		return nil, nil

	case local.Exists && remote.Exists && baseExists && !d.identical(local, *base) && !d.identical(remote, *base):
		// Case 6: both exist, base exists, both sides differ from base.
		return d.newConflict(BothModified, path, local, remote, base, "both sides independently modified the path since the common ancestor"), nil

	default:
		// Case 7.
		return nil, nil
	}
}

// DetectBatch runs Detect over a set of paths, returning only the conflicts
// found. A per-path lookup error is wrapped with the offending path and
// aborts the batch, since a partial batch result would let some paths skip
// detection silently.
func (d *Detector) DetectBatch(paths []string, lookup func(path string) (local, remote Side, base *Side, err error)) ([]Conflict, error) {
	conflicts := make([]Conflict, 0)
	for _, p := range paths {
		local, remote, base, err := lookup(p)
		if err != nil {
			return nil, errors.Wrapf(err, "looking up metadata for %q", p)
		}
		c, err := d.Detect(p, local, remote, base)
		if err != nil {
			return nil, errors.Wrapf(err, "detecting conflict for %q", p)
		}
		if c != nil {
			conflicts = append(conflicts, *c)
		}
	}
	return conflicts, nil
}

func (d *Detector) newConflict(t Type, path string, local, remote Side, base *Side, details string) *Conflict {
	return &Conflict{
		Type:       t,
		Path:       path,
		Local:      local,
		Remote:     remote,
		Base:       base,
		Details:    details,
		DetectedAt: time.Now().UTC(),
	}
}

// identical implements spec.md §4.8's "files are identical iff" rule: equal
// exists-bits (always true when both are passed to this function from
// Detect's guards), equal sizes, then checksum comparison if enabled and
// both sides carry one, else mtime-tolerance comparison.
func (d *Detector) identical(a, b Side) bool {
	if a.Exists != b.Exists {
		return false
	}
	if !a.Exists {
		return true
	}
	if a.Size != b.Size {
		return false
	}
	if d.HashEnabled && a.Checksum != "" && b.Checksum != "" {
		return a.Checksum == b.Checksum
	}
	return math.Abs(a.Mtime-b.Mtime) <= d.Tolerance.Seconds()
}

// Mirror returns the conflict that would be detected had local and remote
// been swapped, per property P7: RemoteDeletedLocalModified and
// LocalDeletedRemoteModified swap, and every other type is unchanged.
func (c Conflict) Mirror() Conflict {
	m := c
	m.Local, m.Remote = c.Remote, c.Local
	switch c.Type {
	case RemoteDeletedLocalModified:
		m.Type = LocalDeletedRemoteModified
	case LocalDeletedRemoteModified:
		m.Type = RemoteDeletedLocalModified
	}
	return m
}
