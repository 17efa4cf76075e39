// Package bidirectional implements the coordinator of spec.md §4.10: it
// merges local and remote change streams into a keyed buffer, detects and
// resolves conflicts against the metadata store, and drives an external
// peer reconciler. Grounded on the teacher's state-machine-with-mutex
// session lifecycle (pkg/filesystem/watching's own start/stop bookkeeping)
// and on the Python original's bidirectional/sync_coordinator.py for the
// buffer-then-flush shape.
package bidirectional

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sersync-go/sersync/pkg/config"
	"github.com/sersync-go/sersync/pkg/conflict"
	"github.com/sersync-go/sersync/pkg/logging"
	"github.com/sersync-go/sersync/pkg/metadata"
	"github.com/sersync-go/sersync/pkg/watch"
)

// State enumerates the coordinator lifecycle of spec.md §4.10: "Idle →
// Starting → Running → Stopping → Stopped", with Running substates
// BufferingEvents and Reconciling.
type State int32

const (
	Idle State = iota
	Starting
	Running
	BufferingEvents
	Reconciling
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case BufferingEvents:
		return "BufferingEvents"
	case Reconciling:
		return "Reconciling"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// DefaultFlushWindow is the buffer flush interval (spec.md §4.10: "default
// 5s").
const DefaultFlushWindow = 5 * time.Second

// DefaultReconcileTimeout bounds one peer reconciler invocation.
const DefaultReconcileTimeout = 2 * time.Minute

// RemoteEvent is the remote-peer counterpart of watch.Event: same shape,
// carrying the peer's view of the path's metadata alongside it, since the
// remote ingress mechanism (spec.md §4.10: "delivered by an out-of-band
// mechanism not specified here") is expected to ship metadata with the
// event rather than requiring a synchronous round trip to fetch it.
type RemoteEvent struct {
	watch.Event
	Metadata conflict.Side
}

// ReconcileOptions parameterizes one invocation of the peer reconciler
// (spec.md §4.10: "paired roots, ignore patterns, prefer-direction...,
// batch+fastcheck flags, and the backup-on-conflict flag").
type ReconcileOptions struct {
	LocalRoot        string
	RemoteRoot       string
	Ignore           []string
	PreferDirection  string
	Batch            bool
	FastCheck        bool
	BackupOnConflict bool
	PathFilter       []string
}

// PeerReconciler is an external two-way synchronizer the coordinator
// drives; its concrete implementation (an rsync-based or other two-way
// sync tool) is outside this module's scope.
type PeerReconciler interface {
	Reconcile(ctx context.Context, opts ReconcileOptions) error
}

// DataSource fetches raw bytes for a path on either side, used only when a
// conflict resolution needs to write a backup.
type DataSource interface {
	ReadLocal(path string) ([]byte, error)
	ReadRemote(path string) ([]byte, error)
}

type pathBuffer struct {
	local  *watch.Event
	remote *RemoteEvent
}

// Coordinator owns one (localRoot, peer) pairing's bidirectional lifecycle.
type Coordinator struct {
	Remote     config.RemoteConfig
	LocalRoot  string
	Store      *metadata.Store
	Detector   *conflict.Detector
	Resolver   *conflict.Resolver
	Reconciler PeerReconciler
	Data       DataSource
	Logger     *logging.Logger

	FlushWindow      time.Duration
	ReconcileTimeout time.Duration

	localEvents  <-chan watch.Event
	remoteEvents <-chan RemoteEvent
	manualCh     chan manualRequest

	state int32

	mu sync.Mutex // non-reentrant guard around one Reconciling pass

	bufMu sync.Mutex
	buf   map[string]*pathBuffer
}

type manualRequest struct {
	pathFilter    []string
	forceDirection string
	done          chan error
}

// New constructs a Coordinator. localEvents should be a tee of the same
// stream the unidirectional dispatcher consumes; remoteEvents is fed by the
// caller's remote ingress mechanism.
func New(remote config.RemoteConfig, localRoot string, store *metadata.Store, detector *conflict.Detector, resolver *conflict.Resolver, reconciler PeerReconciler, data DataSource, localEvents <-chan watch.Event, remoteEvents <-chan RemoteEvent, logger *logging.Logger) *Coordinator {
	return &Coordinator{
		Remote:           remote,
		LocalRoot:        localRoot,
		Store:            store,
		Detector:         detector,
		Resolver:         resolver,
		Reconciler:       reconciler,
		Data:             data,
		Logger:           logger,
		FlushWindow:      DefaultFlushWindow,
		ReconcileTimeout: DefaultReconcileTimeout,
		localEvents:      localEvents,
		remoteEvents:     remoteEvents,
		manualCh:         make(chan manualRequest, 4),
		buf:              make(map[string]*pathBuffer),
		state:            int32(Idle),
	}
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *Coordinator) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
}

// ManualSync requests an on-demand reconcile, optionally scoped to
// pathFilter and forcing a direction, per spec.md §4.10.
func (c *Coordinator) ManualSync(ctx context.Context, pathFilter []string, forceDirection string) error {
	done := make(chan error, 1)
	req := manualRequest{pathFilter: pathFilter, forceDirection: forceDirection, done: done}
	select {
	case c.manualCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the coordinator until ctx is cancelled: an initial full
// reconcile, then a loop merging local/remote events into the buffer,
// flushing on FlushWindow, periodically sweeping at Remote.SyncInterval,
// and servicing ManualSync requests.
func (c *Coordinator) Run(ctx context.Context) error {
	c.setState(Starting)
	if err := c.fullReconcile(ctx, nil, ""); err != nil && c.Logger != nil {
		c.Logger.Warn(fmt.Errorf("initial full reconcile for remote %s: %w", c.Remote.Name, err))
	}
	c.setState(Running)

	flush := time.NewTicker(c.flushWindow())
	defer flush.Stop()

	var sweep *time.Ticker
	var sweepC <-chan time.Time
	if c.Remote.SyncInterval > 0 {
		sweep = time.NewTicker(time.Duration(c.Remote.SyncInterval) * time.Minute)
		defer sweep.Stop()
		sweepC = sweep.C
	}

	for {
		c.setState(BufferingEvents)
		select {
		case <-ctx.Done():
			c.setState(Stopping)
			c.flushBuffer(ctx)
			c.setState(Stopped)
			return nil

		case e, ok := <-c.localEvents:
			if !ok {
				c.localEvents = nil
				continue
			}
			c.bufferLocal(e)

		case e, ok := <-c.remoteEvents:
			if !ok {
				c.remoteEvents = nil
				continue
			}
			c.bufferRemote(e)

		case <-flush.C:
			c.flushBuffer(ctx)

		case <-sweepC:
			c.setState(Reconciling)
			if err := c.fullReconcile(ctx, nil, ""); err != nil && c.Logger != nil {
				c.Logger.Warn(fmt.Errorf("periodic full reconcile for remote %s: %w", c.Remote.Name, err))
			}

		case req := <-c.manualCh:
			c.setState(Reconciling)
			req.done <- c.fullReconcile(ctx, req.pathFilter, req.forceDirection)
		}
	}
}

func (c *Coordinator) flushWindow() time.Duration {
	if c.FlushWindow <= 0 {
		return DefaultFlushWindow
	}
	return c.FlushWindow
}

func (c *Coordinator) bufferLocal(e watch.Event) {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	pb := c.buf[e.Path]
	if pb == nil {
		pb = &pathBuffer{}
		c.buf[e.Path] = pb
	}
	ev := e
	pb.local = &ev
}

func (c *Coordinator) bufferRemote(e RemoteEvent) {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	pb := c.buf[e.Path]
	if pb == nil {
		pb = &pathBuffer{}
		c.buf[e.Path] = pb
	}
	ev := e
	pb.remote = &ev
}

// flushBuffer implements spec.md §4.10's flush algorithm: group by path,
// detect conflicts only where both a local and a remote event target the
// same path, resolve them, then invoke the reconciler (bounded by
// ReconcileTimeout, asynchronous relative to the buffering loop).
func (c *Coordinator) flushBuffer(ctx context.Context) {
	c.bufMu.Lock()
	pending := c.buf
	c.buf = make(map[string]*pathBuffer)
	c.bufMu.Unlock()

	if len(pending) == 0 {
		return
	}

	c.setState(Reconciling)
	defer c.setState(Running)

	conflicts := make([]conflict.Conflict, 0)
	for path, pb := range pending {
		if pb.local == nil || pb.remote == nil {
			continue
		}
		localMeta, _ := c.Store.Get(relKey(c.LocalRoot, path))
		localSide := conflict.Side{Exists: pb.local.Kind != watch.DeleteFile && pb.local.Kind != watch.DeleteDir, Mtime: localMeta.Mtime, Size: localMeta.Size, Checksum: localMeta.Checksum}
		remoteSide := pb.remote.Metadata

		conf, err := c.Detector.Detect(path, localSide, remoteSide, nil)
		if err != nil {
			if c.Logger != nil {
				c.Logger.Warn(fmt.Errorf("detecting conflict for %q: %w", path, err))
			}
			continue
		}
		if conf != nil {
			conflicts = append(conflicts, *conf)
		}
	}

	for _, conf := range conflicts {
		policy := c.Remote.ConflictPolicy
		res, err := c.Resolver.Resolve(conf, policy, c.readLocal(conf.Path), c.readRemote(conf.Path))
		if err != nil {
			if c.Logger != nil {
				c.Logger.Warn(fmt.Errorf("resolving conflict for %q: %w", conf.Path, err))
			}
			continue
		}
		if c.Logger != nil {
			c.Logger.Printf("conflict on %s resolved via %s: chose %s", conf.Path, res.StrategyUsed, res.Chosen)
		}
	}

	go func() {
		rctx, cancel := context.WithTimeout(ctx, c.reconcileTimeout())
		defer cancel()
		if err := c.reconcile(rctx, ReconcileOptions{
			LocalRoot:        c.LocalRoot,
			RemoteRoot:       c.Remote.Module,
			PreferDirection:  preferDirection(c.Remote.ConflictPolicy),
			Batch:            true,
			FastCheck:        true,
			BackupOnConflict: c.Remote.ConflictPolicy == config.PolicyBackupBoth,
		}); err != nil && c.Logger != nil {
			c.Logger.Warn(fmt.Errorf("peer reconcile for remote %s: %w", c.Remote.Name, err))
		}
	}()
}

func (c *Coordinator) reconcileTimeout() time.Duration {
	if c.ReconcileTimeout <= 0 {
		return DefaultReconcileTimeout
	}
	return c.ReconcileTimeout
}

func (c *Coordinator) reconcile(ctx context.Context, opts ReconcileOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Reconciler == nil {
		return nil
	}
	return c.Reconciler.Reconcile(ctx, opts)
}

// fullReconcile triggers an unconditional full two-way reconcile, used both
// at startup and on the periodic sweep (spec.md §4.10).
func (c *Coordinator) fullReconcile(ctx context.Context, pathFilter []string, forceDirection string) error {
	rctx, cancel := context.WithTimeout(ctx, c.reconcileTimeout())
	defer cancel()
	direction := forceDirection
	if direction == "" {
		direction = preferDirection(c.Remote.ConflictPolicy)
	}
	return c.reconcile(rctx, ReconcileOptions{
		LocalRoot:        c.LocalRoot,
		RemoteRoot:       c.Remote.Module,
		PreferDirection:  direction,
		Batch:            true,
		FastCheck:        true,
		BackupOnConflict: c.Remote.ConflictPolicy == config.PolicyBackupBoth,
		PathFilter:       pathFilter,
	})
}

func (c *Coordinator) readLocal(path string) conflict.ByteSource {
	return func() ([]byte, error) {
		if c.Data == nil {
			return nil, nil
		}
		return c.Data.ReadLocal(path)
	}
}

func (c *Coordinator) readRemote(path string) conflict.ByteSource {
	return func() ([]byte, error) {
		if c.Data == nil {
			return nil, nil
		}
		return c.Data.ReadRemote(path)
	}
}

// preferDirection maps a conflict policy to the reconciler's prefer
// direction, defaulting to "newer" (spec.md §4.10).
func preferDirection(policy config.ConflictPolicy) string {
	switch policy {
	case config.PolicyKeepOlder:
		return "older"
	case config.PolicyKeepLocal:
		return "local"
	case config.PolicyKeepRemote:
		return "remote"
	default:
		return "newer"
	}
}

func relKey(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return rel
}
