package bidirectional

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sersync-go/sersync/pkg/config"
	"github.com/sersync-go/sersync/pkg/conflict"
	"github.com/sersync-go/sersync/pkg/metadata"
	"github.com/sersync-go/sersync/pkg/watch"
)

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Idle: "Idle", Starting: "Starting", Running: "Running",
		BufferingEvents: "BufferingEvents", Reconciling: "Reconciling",
		Stopping: "Stopping", Stopped: "Stopped", State(99): "Unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestPreferDirection(t *testing.T) {
	cases := []struct {
		policy config.ConflictPolicy
		want   string
	}{
		{config.PolicyKeepOlder, "older"},
		{config.PolicyKeepLocal, "local"},
		{config.PolicyKeepRemote, "remote"},
		{config.PolicyKeepNewer, "newer"},
		{config.PolicyBackupBoth, "newer"},
	}
	for _, c := range cases {
		if got := preferDirection(c.policy); got != c.want {
			t.Errorf("preferDirection(%s) = %q, want %q", c.policy, got, c.want)
		}
	}
}

func TestRelKey(t *testing.T) {
	if got := relKey("/w", "/w/sub/a.txt"); got != "sub/a.txt" {
		t.Errorf("relKey = %q, want sub/a.txt", got)
	}
}

func TestFlushWindowAndReconcileTimeoutDefaults(t *testing.T) {
	c := &Coordinator{}
	if c.flushWindow() != DefaultFlushWindow {
		t.Errorf("expected default flush window")
	}
	if c.reconcileTimeout() != DefaultReconcileTimeout {
		t.Errorf("expected default reconcile timeout")
	}
	c.FlushWindow = time.Second
	c.ReconcileTimeout = time.Minute
	if c.flushWindow() != time.Second || c.reconcileTimeout() != time.Minute {
		t.Errorf("expected configured values to take precedence")
	}
}

type fakeReconciler struct {
	mu     sync.Mutex
	calls  []ReconcileOptions
	notify chan struct{}
}

func (f *fakeReconciler) Reconcile(ctx context.Context, opts ReconcileOptions) error {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	f.mu.Unlock()
	if f.notify != nil {
		select {
		case f.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

func (f *fakeReconciler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeData struct{}

func (fakeData) ReadLocal(string) ([]byte, error)  { return []byte("local"), nil }
func (fakeData) ReadRemote(string) ([]byte, error) { return []byte("remote"), nil }

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeReconciler) {
	t.Helper()
	root, base := t.TempDir(), t.TempDir()
	store, err := metadata.Open(root, "r1", base, nil)
	if err != nil {
		t.Fatalf("metadata.Open: %v", err)
	}
	rec := &fakeReconciler{notify: make(chan struct{}, 8)}
	remote := config.RemoteConfig{Name: "r1", ConflictPolicy: config.PolicyKeepNewer}
	c := New(remote, root, store, conflict.NewDetector(false, 0), conflict.NewResolver(store.ConflictsDir(), nil, nil), rec, fakeData{}, nil, nil, nil)
	return c, rec
}

// TestFlushBufferDetectsConflictAndReconciles covers the flush path: a path
// with both a local and a remote event, where the remote metadata diverges
// from the local store's recorded state, should produce a conflict
// resolution and still invoke the peer reconciler.
func TestFlushBufferDetectsConflictAndReconciles(t *testing.T) {
	c, rec := newTestCoordinator(t)

	path := c.LocalRoot + "/a.txt"
	c.bufferLocal(watch.Event{Kind: watch.CloseWrite, Path: path, Timestamp: time.Now()})
	c.bufferRemote(RemoteEvent{
		Event:    watch.Event{Kind: watch.CloseWrite, Path: path, Timestamp: time.Now()},
		Metadata: conflict.Side{Exists: true, Mtime: 99999, Size: 999},
	})

	c.flushBuffer(context.Background())

	select {
	case <-rec.notify:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected reconciler to be invoked after flush")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.calls) != 1 {
		t.Fatalf("expected exactly one reconcile call, got %d", len(rec.calls))
	}
	if rec.calls[0].PreferDirection != "newer" {
		t.Errorf("expected prefer direction newer, got %q", rec.calls[0].PreferDirection)
	}
}

func TestFlushBufferNoopWhenBufferEmpty(t *testing.T) {
	c, rec := newTestCoordinator(t)
	c.flushBuffer(context.Background())

	select {
	case <-rec.notify:
		t.Fatalf("expected no reconcile call for an empty buffer")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManualSyncInvokesReconcileAndReturns(t *testing.T) {
	c, rec := newTestCoordinator(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	runCtx, runCancel := context.WithCancel(context.Background())
	go func() { runDone <- c.Run(runCtx) }()

	// Drain the initial-fullReconcile notification Run issues at Starting.
	select {
	case <-rec.notify:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected initial full reconcile before Run enters its loop")
	}

	if err := c.ManualSync(ctx, nil, "local"); err != nil {
		t.Errorf("ManualSync: %v", err)
	}
	select {
	case <-rec.notify:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected ManualSync to trigger a reconcile call")
	}
	if rec.callCount() != 2 {
		t.Errorf("expected exactly 2 reconcile calls (initial + manual), got %d", rec.callCount())
	}

	runCancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not exit after cancellation")
	}
}
