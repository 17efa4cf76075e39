package engine

import (
	"context"
	"testing"
	"time"

	"github.com/sersync-go/sersync/pkg/config"
	"github.com/sersync-go/sersync/pkg/watch"
)

func watchEventAt(path string) watch.Event {
	return watch.Event{Kind: watch.CloseWrite, Path: path, Timestamp: time.Now()}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		WatchedRoot: t.TempDir(),
		RsyncFlags:  []string{"-artuz"},
		Remotes: []config.RemoteConfig{
			{Name: "r1", Addr: "10.0.0.2", Module: "data", Mode: config.ModeOneway, Enabled: true},
		},
	}
}

func TestNewWiresOptionalComponentsOnlyWhenConfigured(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.ledger != nil || e.executor != nil {
		t.Errorf("expected no ledger/executor without a configured ledger path")
	}
	if e.scheduler != nil {
		t.Errorf("expected no scheduler when disabled")
	}

	cfg2 := testConfig(t)
	cfg2.Ledger.Path = t.TempDir() + "/ledger.sh"
	cfg2.Scheduler.Enabled = true
	e2, err := New(cfg2, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e2.ledger == nil || e2.executor == nil {
		t.Errorf("expected ledger/executor to be constructed when a path is configured")
	}
	if e2.scheduler == nil {
		t.Errorf("expected scheduler to be constructed when enabled")
	}
}

func TestOnRawEventFiltersIgnoredPaths(t *testing.T) {
	cfg := testConfig(t)
	cfg.Filter.Enabled = true
	cfg.Filter.Patterns = []string{`\.ignored$`}
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	e.onRawEvent(watchEventAt(cfg.WatchedRoot + "/a.ignored"))
	e.onRawEvent(watchEventAt(cfg.WatchedRoot + "/a.txt"))
	e.coalescer.Flush()

	stats := e.Stats()
	if stats.EventsProcessed != 2 {
		t.Errorf("expected 2 events processed, got %d", stats.EventsProcessed)
	}
	if stats.FilesFiltered != 1 {
		t.Errorf("expected 1 event filtered, got %d", stats.FilesFiltered)
	}

	select {
	case merged := <-e.coalescer.Output():
		if merged.Path != cfg.WatchedRoot+"/a.txt" {
			t.Errorf("expected only the non-ignored path to reach the coalescer, got %q", merged.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the non-ignored event to reach the coalescer output")
	}
}

// TestFanOutTeesEventsToWorkersAndCoordinators grounds spec.md §4.10's
// requirement that a bidirectional coordinator's local stream is the same
// stream the unidirectional dispatcher consumes, tee'd in.
func TestFanOutTeesEventsToWorkersAndCoordinators(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	feed := make(chan watch.Event, 1)
	e.AddCoordinator(nil, feed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.fanOut(ctx)

	path := cfg.WatchedRoot + "/a.txt"
	e.onRawEvent(watchEventAt(path))
	e.coalescer.Flush()

	select {
	case merged := <-e.workQueue:
		if merged.Path != path {
			t.Errorf("unexpected path on work queue: %q", merged.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the event to reach the work queue")
	}

	select {
	case ev := <-feed:
		if ev.Path != path {
			t.Errorf("unexpected path on coordinator feed: %q", ev.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the event to be teed to the coordinator feed")
	}
}

func TestStatsString(t *testing.T) {
	s := Stats{EventsProcessed: 1000, FilesSynced: 2000, WatcherRunning: true}
	out := s.String()
	if out == "" {
		t.Fatalf("expected non-empty stats string")
	}
}
