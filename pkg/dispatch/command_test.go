package dispatch

import (
	"strings"
	"testing"
	"time"

	"github.com/sersync-go/sersync/pkg/config"
	"github.com/sersync-go/sersync/pkg/watch"
)

func testConfig() *config.Config {
	return &config.Config{
		WatchedRoot: "/w",
		RsyncFlags:  []string{"-artuz"},
	}
}

func testRemote() config.RemoteConfig {
	return config.RemoteConfig{Name: "r1", Addr: "10.0.0.2", Module: "data", Mode: config.ModeOneway, Enabled: true}
}

// TestBuildCommandSimpleCreate covers S1: a CloseWrite on /w/a.txt against
// a daemon-transport remote.
func TestBuildCommandSimpleCreate(t *testing.T) {
	event := watch.Merged{Event: watch.Event{Kind: watch.CloseWrite, Path: "/w/a.txt", Timestamp: time.Now()}}
	inv, idempotent, err := BuildCommand(event, testRemote(), testConfig(), func(string) bool { return true })
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	if idempotent {
		t.Fatalf("expected non-idempotent command")
	}
	got := strings.Join(inv.Args, " ")
	want := "-artuz /w/a.txt 10.0.0.2::data/a.txt"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// TestBuildCommandIdempotentDelete covers P8: a DeleteFile whose source and
// parent are both already gone returns idempotent=true with no invocation.
func TestBuildCommandIdempotentDelete(t *testing.T) {
	event := watch.Merged{Event: watch.Event{Kind: watch.DeleteFile, Path: "/w/gone.txt", Timestamp: time.Now()}}
	inv, idempotent, err := BuildCommand(event, testRemote(), testConfig(), func(string) bool { return false })
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	if !idempotent || inv != nil {
		t.Fatalf("expected idempotent delete with nil invocation, got idempotent=%v inv=%v", idempotent, inv)
	}
}

// TestBuildCommandDeleteDirRewrite covers S2: a DeleteDir whose source is
// missing but whose parent exists is rewritten to operate on the parent
// with a trailing slash.
func TestBuildCommandDeleteDirRewrite(t *testing.T) {
	event := watch.Merged{Event: watch.Event{Kind: watch.DeleteDir, Path: "/w/dir", Timestamp: time.Now()}}
	exists := func(p string) bool { return p == "/w" }
	inv, idempotent, err := BuildCommand(event, testRemote(), testConfig(), exists)
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	if idempotent {
		t.Fatalf("expected a rewritten command, not idempotent no-op")
	}
	joined := strings.Join(inv.Args, " ")
	if !strings.Contains(joined, "/w/ ") && !strings.HasSuffix(joined, "/w/") {
		t.Errorf("expected rewritten source /w/, got %q", joined)
	}
	if !strings.Contains(joined, "--delete") {
		t.Errorf("expected --delete flag, got %q", joined)
	}
}

func TestBuildCommandSSHTransport(t *testing.T) {
	remote := testRemote()
	remote.SSH = true
	event := watch.Merged{Event: watch.Event{Kind: watch.CloseWrite, Path: "/w/a.txt", Timestamp: time.Now()}}
	inv, _, err := BuildCommand(event, remote, testConfig(), func(string) bool { return true })
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	joined := strings.Join(inv.Args, " ")
	if !strings.Contains(joined, "-e ssh") {
		t.Errorf("expected -e ssh, got %q", joined)
	}
	if !strings.Contains(joined, "10.0.0.2:data/a.txt") {
		t.Errorf("expected ssh-style destination, got %q", joined)
	}
}

func TestBuildFullDirectoryCommand(t *testing.T) {
	inv := BuildFullDirectoryCommand(testRemote(), testConfig(), []string{`\.tmp$`})
	joined := strings.Join(inv.Args, " ")
	if !strings.Contains(joined, "--exclude=\\.tmp$") {
		t.Errorf("expected exclude flag, got %q", joined)
	}
	if !strings.HasSuffix(joined, "10.0.0.2::data/") {
		t.Errorf("expected trailing-slash daemon destination, got %q", joined)
	}
}

func TestInterpretExitCoercesDeleteExit23(t *testing.T) {
	inv := &Invocation{Args: []string{"--delete", "/w/", "host::mod/"}}
	if !interpretExit(23, "rsync: No such file or directory", inv) {
		t.Errorf("expected exit 23 with marker to be coerced to success for a delete invocation")
	}
	if interpretExit(23, "rsync: No such file or directory", &Invocation{Args: []string{"/w/a.txt", "host::mod/a.txt"}}) {
		t.Errorf("exit 23 must not be coerced for a non-delete invocation")
	}
	if interpretExit(1, "some other error", inv) {
		t.Errorf("exit 1 must never be coerced")
	}
}
