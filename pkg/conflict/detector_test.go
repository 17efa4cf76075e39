package conflict

import (
	"testing"
	"time"
)

func TestDetectNeitherExists(t *testing.T) {
	d := NewDetector(false, 0)
	c, err := d.Detect("a.txt", Side{}, Side{}, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if c != nil {
		t.Errorf("expected no conflict, got %+v", c)
	}
}

// TestDetectOneSideDeletedWithBase grounds case 2 of spec.md §4.8: one side
// deleted a path that existed in the common ancestor while the other kept
// modifying it.
func TestDetectOneSideDeletedWithBase(t *testing.T) {
	d := NewDetector(false, 0)
	base := Side{Exists: true, Mtime: 100, Size: 10}

	c, err := d.Detect("a.txt", Side{}, Side{Exists: true, Mtime: 200, Size: 20}, &base)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if c == nil || c.Type != LocalDeletedRemoteModified {
		t.Fatalf("expected LocalDeletedRemoteModified, got %+v", c)
	}

	c, err = d.Detect("a.txt", Side{Exists: true, Mtime: 200, Size: 20}, Side{}, &base)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if c == nil || c.Type != RemoteDeletedLocalModified {
		t.Fatalf("expected RemoteDeletedLocalModified, got %+v", c)
	}
}

// TestDetectOneSideCreatedNoBase grounds case 3: one side created a path
// with no prior base, which propagates as a plain creation, not a conflict.
func TestDetectOneSideCreatedNoBase(t *testing.T) {
	d := NewDetector(false, 0)
	c, err := d.Detect("a.txt", Side{}, Side{Exists: true, Mtime: 1, Size: 1}, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if c != nil {
		t.Errorf("expected no conflict for plain creation, got %+v", c)
	}
}

// TestDetectBothCreatedIndependently grounds case 4: both sides created the
// same path with no base, differing content.
func TestDetectBothCreatedIndependently(t *testing.T) {
	d := NewDetector(false, 0)
	local := Side{Exists: true, Mtime: 100, Size: 10}
	remote := Side{Exists: true, Mtime: 200, Size: 20}

	c, err := d.Detect("a.txt", local, remote, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if c == nil || c.Type != BothCreated {
		t.Fatalf("expected BothCreated, got %+v", c)
	}
}

func TestDetectBothIdenticalNoConflict(t *testing.T) {
	d := NewDetector(false, 0)
	side := Side{Exists: true, Mtime: 100, Size: 10}
	c, err := d.Detect("a.txt", side, side, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if c != nil {
		t.Errorf("expected identical sides to produce no conflict, got %+v", c)
	}
}

// TestDetectBothModifiedSinceBase grounds case 6: both sides diverge from a
// shared base.
func TestDetectBothModifiedSinceBase(t *testing.T) {
	d := NewDetector(false, 0)
	base := Side{Exists: true, Mtime: 100, Size: 10}
	local := Side{Exists: true, Mtime: 200, Size: 20}
	remote := Side{Exists: true, Mtime: 300, Size: 30}

	c, err := d.Detect("a.txt", local, remote, &base)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if c == nil || c.Type != BothModified {
		t.Fatalf("expected BothModified, got %+v", c)
	}
}

// TestDetectOneSideMatchesBase grounds case 7: one side is unchanged from
// base, so the other side's edit simply propagates without a conflict.
func TestDetectOneSideMatchesBase(t *testing.T) {
	d := NewDetector(false, 0)
	base := Side{Exists: true, Mtime: 100, Size: 10}
	local := base
	remote := Side{Exists: true, Mtime: 300, Size: 30}

	c, err := d.Detect("a.txt", local, remote, &base)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if c != nil {
		t.Errorf("expected no conflict when one side matches base, got %+v", c)
	}
}

// TestIdenticalMtimeTolerance grounds the τ tolerance window of spec.md
// §4.8: mtimes within Tolerance are treated as the same edit.
func TestIdenticalMtimeTolerance(t *testing.T) {
	d := NewDetector(false, 2*time.Second)
	a := Side{Exists: true, Mtime: 100.0, Size: 10}
	b := Side{Exists: true, Mtime: 101.5, Size: 10}
	if !d.identical(a, b) {
		t.Errorf("expected mtimes within tolerance to be identical")
	}
	c := Side{Exists: true, Mtime: 103.5, Size: 10}
	if d.identical(a, c) {
		t.Errorf("expected mtimes outside tolerance to differ")
	}
}

func TestIdenticalPrefersChecksumWhenHashEnabled(t *testing.T) {
	d := NewDetector(true, 2*time.Second)
	a := Side{Exists: true, Mtime: 100, Size: 10, Checksum: "abc"}
	b := Side{Exists: true, Mtime: 999, Size: 10, Checksum: "abc"}
	if !d.identical(a, b) {
		t.Errorf("expected matching checksums to override mtime divergence")
	}
	c := Side{Exists: true, Mtime: 100, Size: 10, Checksum: "xyz"}
	if d.identical(a, c) {
		t.Errorf("expected differing checksums to be non-identical despite matching mtime")
	}
}

// TestMirrorSwapsDeletionDirection grounds property P7: detecting a
// conflict from the opposite side swaps the deletion-direction type and the
// Local/Remote sides, leaving every other type unchanged.
func TestMirrorSwapsDeletionDirection(t *testing.T) {
	c := Conflict{Type: LocalDeletedRemoteModified, Local: Side{Exists: false}, Remote: Side{Exists: true, Size: 1}}
	m := c.Mirror()
	if m.Type != RemoteDeletedLocalModified {
		t.Errorf("expected mirrored type RemoteDeletedLocalModified, got %s", m.Type)
	}
	if m.Local != c.Remote || m.Remote != c.Local {
		t.Errorf("expected sides swapped")
	}

	both := Conflict{Type: BothModified, Local: Side{Size: 1}, Remote: Side{Size: 2}}
	mb := both.Mirror()
	if mb.Type != BothModified {
		t.Errorf("expected BothModified to be unchanged by Mirror, got %s", mb.Type)
	}
}

func TestDetectBatchWrapsLookupError(t *testing.T) {
	d := NewDetector(false, 0)
	lookupErr := errFixture("boom")
	_, err := d.DetectBatch([]string{"a.txt"}, func(path string) (Side, Side, *Side, error) {
		return Side{}, Side{}, nil, lookupErr
	})
	if err == nil {
		t.Fatalf("expected wrapped error")
	}
}

type errFixture string

func (e errFixture) Error() string { return string(e) }
