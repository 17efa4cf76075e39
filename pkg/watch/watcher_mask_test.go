package watch

import "testing"

func TestEventMaskAllows(t *testing.T) {
	cases := []struct {
		mask   EventMask
		kind   Kind
		allows bool
	}{
		{MaskCreate, CreateFile, true},
		{MaskCreate, CreateDir, true},
		{MaskCreate, CloseWrite, false},
		{MaskCloseWrite, CloseWrite, true},
		{MaskModify, Modify, true},
		{MaskAttrib, Attrib, true},
		{MaskDelete, DeleteFile, true},
		{MaskDelete, DeleteDir, true},
		{MaskMove, Move, true},
		{MaskMove, CreateFile, false},
		{MaskAll, DeleteFile, true},
		{MaskAll, CloseWrite, true},
	}
	for _, c := range cases {
		if got := c.mask.allows(c.kind); got != c.allows {
			t.Errorf("mask %b allows(%s) = %v, want %v", c.mask, c.kind, got, c.allows)
		}
	}
}

func TestMaskFromDisabled(t *testing.T) {
	m := MaskFromDisabled(nil)
	if m != MaskAll {
		t.Errorf("expected no disabled names to yield MaskAll, got %b", m)
	}

	m = MaskFromDisabled([]string{"Delete", " move ", "bogus"})
	if m&MaskDelete != 0 {
		t.Errorf("expected MaskDelete cleared")
	}
	if m&MaskMove != 0 {
		t.Errorf("expected MaskMove cleared")
	}
	if m&MaskCreate == 0 || m&MaskCloseWrite == 0 || m&MaskModify == 0 || m&MaskAttrib == 0 {
		t.Errorf("expected every other bit to remain set, got %b", m)
	}

	m = MaskFromDisabled([]string{"close_write"})
	if m&MaskCloseWrite != 0 {
		t.Errorf("expected close_write alias to clear MaskCloseWrite")
	}
}
