package queue

import (
	"testing"
	"time"

	"github.com/sersync-go/sersync/pkg/watch"
)

func newTestCoalescer() *Coalescer {
	return New(time.Hour, 16, nil)
}

func drain(t *testing.T, c *Coalescer) []watch.Merged {
	t.Helper()
	var out []watch.Merged
	for {
		select {
		case m := <-c.Output():
			out = append(out, m)
		default:
			return out
		}
	}
}

// TestPriorityMonotonicity covers P3/B1: Create, Modify, Delete within one
// window collapses to a single DeleteFile.
func TestPriorityMonotonicity(t *testing.T) {
	c := newTestCoalescer()
	now := time.Now()
	c.Push(watch.Event{Kind: watch.CreateFile, Path: "/w/a.txt", Timestamp: now})
	c.Push(watch.Event{Kind: watch.Modify, Path: "/w/a.txt", Timestamp: now.Add(time.Millisecond)})
	c.Push(watch.Event{Kind: watch.DeleteFile, Path: "/w/a.txt", Timestamp: now.Add(2 * time.Millisecond)})
	c.Flush()

	merged := drain(t, c)
	if len(merged) != 1 {
		t.Fatalf("expected 1 merged event, got %d", len(merged))
	}
	if merged[0].Kind != watch.DeleteFile {
		t.Errorf("expected DeleteFile, got %s", merged[0].Kind)
	}
	if merged[0].MergedCount != 3 {
		t.Errorf("expected MergedCount=3, got %d", merged[0].MergedCount)
	}
}

// TestAncestorDeleteSuppression covers P2: events strictly under a deleted
// directory in the same window are suppressed.
func TestAncestorDeleteSuppression(t *testing.T) {
	c := newTestCoalescer()
	now := time.Now()
	c.Push(watch.Event{Kind: watch.CreateDir, Path: "/w/dir", Timestamp: now})
	c.Push(watch.Event{Kind: watch.CreateFile, Path: "/w/dir/x", Timestamp: now})
	c.Push(watch.Event{Kind: watch.DeleteDir, Path: "/w/dir", Timestamp: now.Add(time.Millisecond)})
	c.Flush()

	merged := drain(t, c)
	if len(merged) != 1 {
		t.Fatalf("expected exactly DeleteDir(/w/dir) to survive, got %d events: %+v", len(merged), merged)
	}
	if merged[0].Path != "/w/dir" || merged[0].Kind != watch.DeleteDir {
		t.Errorf("expected DeleteDir(/w/dir), got %+v", merged[0])
	}
}

// TestSeparateWindowsOrdering covers B2: a CreateDir in one window followed
// by a CreateFile inside it in the next window emits two events in order.
func TestSeparateWindowsOrdering(t *testing.T) {
	c := newTestCoalescer()
	now := time.Now()
	c.Push(watch.Event{Kind: watch.CreateDir, Path: "/w/dir", Timestamp: now})
	c.Flush()
	c.Push(watch.Event{Kind: watch.CreateFile, Path: "/w/dir/x", Timestamp: now.Add(time.Second)})
	c.Flush()

	merged := drain(t, c)
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged events across 2 windows, got %d", len(merged))
	}
	if merged[0].Kind != watch.CreateDir || merged[1].Kind != watch.CreateFile {
		t.Errorf("unexpected order: %+v", merged)
	}
}

// TestUnrelatedPathsNotSuppressed ensures only strict descendants of a
// deleted directory are suppressed, not siblings or the directory itself.
func TestUnrelatedPathsNotSuppressed(t *testing.T) {
	c := newTestCoalescer()
	now := time.Now()
	c.Push(watch.Event{Kind: watch.DeleteDir, Path: "/w/dir", Timestamp: now})
	c.Push(watch.Event{Kind: watch.CreateFile, Path: "/w/dir-sibling.txt", Timestamp: now})
	c.Flush()

	merged := drain(t, c)
	if len(merged) != 2 {
		t.Fatalf("expected both events to survive (sibling isn't a descendant), got %d", len(merged))
	}
}

// TestDepthReflectsPendingAndOutput grounds the engine's queueStats
// snapshot (spec.md §4.11): Depth counts both events still buffered under
// the window and merged events already waiting in the output FIFO.
func TestDepthReflectsPendingAndOutput(t *testing.T) {
	c := newTestCoalescer()
	if got := c.Depth(); got != 0 {
		t.Fatalf("expected depth 0 on an empty coalescer, got %d", got)
	}

	now := time.Now()
	c.Push(watch.Event{Kind: watch.CreateFile, Path: "/w/a.txt", Timestamp: now})
	c.Push(watch.Event{Kind: watch.CreateFile, Path: "/w/b.txt", Timestamp: now})
	if got := c.Depth(); got != 2 {
		t.Fatalf("expected depth 2 with two pending events, got %d", got)
	}

	c.Flush()
	if got := c.Depth(); got != 2 {
		t.Fatalf("expected depth 2 after flush moves events to the output FIFO, got %d", got)
	}

	<-c.Output()
	<-c.Output()
	if got := c.Depth(); got != 0 {
		t.Fatalf("expected depth 0 after draining the output FIFO, got %d", got)
	}
}
