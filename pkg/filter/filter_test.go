package filter

import "testing"

func TestShouldIgnoreBuiltins(t *testing.T) {
	f, err := New(nil, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := []struct {
		path   string
		ignore bool
	}{
		{"/w/.foo.swp", true},
		{"/w/notes~", true},
		{"/w/upload.part", true},
		{"/w/upload.crdownload", true},
		{"/w/.DS_Store", true},
		{"/w/sub/Thumbs.db", true},
		{"/w/a.txt", false},
		{"/w/report.pdf", false},
	}

	for _, c := range cases {
		if got := f.ShouldIgnore(c.path); got != c.ignore {
			t.Errorf("ShouldIgnore(%q) = %v, want %v", c.path, got, c.ignore)
		}
	}
}

func TestShouldIgnoreUserPatternsRequireOptIn(t *testing.T) {
	f, err := New([]string{`\.swp$`}, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// userEnabled is false, so the pattern is not compiled and must not
	// apply.
	if f.ShouldIgnore("/w/foo.custom.swp") {
		t.Errorf("user pattern applied despite enableUser=false")
	}
}

func TestShouldIgnoreUserPatternsEnabled(t *testing.T) {
	f, err := New([]string{`^secret-`}, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !f.ShouldIgnore("/w/secret-key.pem") {
		t.Errorf("expected user pattern to match basename")
	}
	if f.ShouldIgnore("/w/public.pem") {
		t.Errorf("unexpected match for non-matching path")
	}
}

func TestNewRejectsInvalidUserPattern(t *testing.T) {
	_, err := New([]string{"("}, true)
	if err == nil {
		t.Fatalf("expected error for invalid pattern")
	}
	var patternErr *PatternError
	if !asPatternError(err, &patternErr) {
		t.Fatalf("expected *PatternError, got %T", err)
	}
}

func asPatternError(err error, target **PatternError) bool {
	pe, ok := err.(*PatternError)
	if ok {
		*target = pe
	}
	return ok
}

// TestPatternCount grounds the engine's filterStats snapshot (spec.md
// §4.11): user patterns only count when enabled, matching ShouldIgnore.
func TestPatternCount(t *testing.T) {
	builtinOnly, err := New([]string{`^secret-`}, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	base := builtinOnly.PatternCount()
	if base == 0 {
		t.Fatalf("expected a positive built-in pattern count")
	}

	withUser, err := New([]string{`^secret-`}, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := withUser.PatternCount(); got != base+1 {
		t.Errorf("expected PatternCount to include the enabled user pattern: got %d, want %d", got, base+1)
	}
}
