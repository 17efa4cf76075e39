// Package engine is the composition root described in spec.md §4.11: it
// wires the watcher, coalescer, worker pool, dispatcher, scheduler, and
// ledger executor into one lifecycle and exposes a statistics snapshot.
// Grounded on the teacher's top-level session-manager start/stop ordering
// convention (bounded-timeout reverse-order stop) and on
// dustin/go-humanize for the human-readable stats the teacher's CLI output
// favors elsewhere.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	humanize "github.com/dustin/go-humanize"

	"github.com/sersync-go/sersync/pkg/bidirectional"
	"github.com/sersync-go/sersync/pkg/config"
	"github.com/sersync-go/sersync/pkg/dispatch"
	"github.com/sersync-go/sersync/pkg/filter"
	"github.com/sersync-go/sersync/pkg/ledger"
	"github.com/sersync-go/sersync/pkg/logging"
	"github.com/sersync-go/sersync/pkg/queue"
	"github.com/sersync-go/sersync/pkg/scheduler"
	"github.com/sersync-go/sersync/pkg/watch"
)

// Stats is the statistics snapshot exposed by spec.md §4.11.
type Stats struct {
	Uptime          time.Duration
	EventsProcessed uint64
	FilesSynced     uint64
	FilesFiltered   uint64
	SyncSuccess     uint64
	SyncFailed      uint64
	WatcherRunning  bool
	QueueDepth      int
	DispatcherBusy  bool
	FilterPatterns  int
}

// String renders the snapshot using the same style as the teacher's
// humanize-backed log lines.
func (s Stats) String() string {
	return fmt.Sprintf(
		"uptime=%s events=%s synced=%s filtered=%s success=%s failed=%s watcher=%t",
		s.Uptime.Round(time.Second),
		humanize.Comma(int64(s.EventsProcessed)),
		humanize.Comma(int64(s.FilesSynced)),
		humanize.Comma(int64(s.FilesFiltered)),
		humanize.Comma(int64(s.SyncSuccess)),
		humanize.Comma(int64(s.SyncFailed)),
		s.WatcherRunning,
	)
}

// StopTimeout bounds each component's shutdown step.
const StopTimeout = 10 * time.Second

// Engine owns every long-lived component for one watched root.
type Engine struct {
	cfg    *config.Config
	logger *logging.Logger

	filter     *filter.Filter
	coalescer  *queue.Coalescer
	watcher    *watch.Watcher
	dispatcher *dispatch.Dispatcher
	ledger     *ledger.Ledger
	executor   *ledger.Executor
	scheduler  *scheduler.Scheduler

	coordinators     []*bidirectional.Coordinator
	coordinatorFeeds []chan<- watch.Event

	// workQueue is what workerLoop actually consumes. It's fed by a single
	// fan-out goroutine reading coalescer.Output(), which also tees every
	// event to each registered coordinator's local feed (spec.md §4.10:
	// the coordinator's local stream is "the same stream the unidirectional
	// dispatcher consumes, tee'd in").
	workQueue chan watch.Merged

	startedAt time.Time

	eventsProcessed uint64
	filesSynced     uint64
	filesFiltered   uint64
	syncSuccess     uint64
	syncFailed      uint64

	watcherRunning int32

	cancel context.CancelFunc
	wg     sync.WaitGroup

	fullSyncMu sync.Mutex
}

// New constructs an Engine from cfg. Callers must call cfg.Validate first;
// New does not re-validate.
func New(cfg *config.Config, logger *logging.Logger) (*Engine, error) {
	f, err := filter.New(cfg.Filter.Patterns, cfg.Filter.Enabled)
	if err != nil {
		return nil, fmt.Errorf("constructing filter: %w", err)
	}

	window := time.Duration(cfg.CoalesceWindowSecs) * time.Second
	if window <= 0 {
		window = queue.DefaultWindow
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = queue.DefaultCapacity
	}
	c := queue.New(window, capacity, logger)

	var l *ledger.Ledger
	var exec *ledger.Executor
	if cfg.Ledger.Path != "" {
		l = ledger.New(cfg.Ledger.Path, logger)
		interval := time.Duration(cfg.Ledger.TickIntervalSecs) * time.Second
		exec = ledger.NewExecutor(l, interval, logger)
	}

	d := dispatch.New(cfg, logger, l)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(cfg.Scheduler, fullSyncAdapter{d}, logger)
	}

	return &Engine{
		cfg:        cfg,
		logger:     logger,
		filter:     f,
		coalescer:  c,
		dispatcher: d,
		ledger:     l,
		executor:   exec,
		scheduler:  sched,
		workQueue:  make(chan watch.Merged, capacity),
	}, nil
}

// fullSyncAdapter satisfies scheduler.FullSyncer using the dispatcher.
type fullSyncAdapter struct{ d *dispatch.Dispatcher }

func (a fullSyncAdapter) FullSync(ctx context.Context, excludes []string) dispatch.FullSyncOutcome {
	return a.d.DispatchFull(ctx, excludes)
}

// AddCoordinator registers a bidirectional coordinator for a two-way
// remote; it is started and stopped alongside the engine. localFeed is the
// send side of the channel the coordinator was constructed with as its
// local-event source: Start fans every coalesced event out to it alongside
// the worker pool, per spec.md §4.10.
func (e *Engine) AddCoordinator(c *bidirectional.Coordinator, localFeed chan<- watch.Event) {
	e.coordinators = append(e.coordinators, c)
	e.coordinatorFeeds = append(e.coordinatorFeeds, localFeed)
}

// Start brings up every component in the order spec.md §4.11 names: queue
// auto-flush, watcher, N worker loops, optional scheduler loop, optional
// bidirectional coordinators, optional ledger executor.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.startedAt = time.Now()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.coalescer.Run(ctx)
	}()

	mask := watch.MaskFromDisabled(e.cfg.EventMaskDisabled)
	w, err := watch.New(e.cfg.WatchedRoot, mask, watch.DefaultMoveCorrelationWindow, e.logger, e.onRawEvent)
	if err != nil {
		cancel()
		return fmt.Errorf("starting watcher: %w", err)
	}
	e.watcher = w
	atomic.StoreInt32(&e.watcherRunning, 1)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.fanOut(ctx)
	}()

	workers := e.cfg.WorkerCount
	if workers <= 0 {
		workers = dispatch.DefaultWorkerCount
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.workerLoop(ctx)
		}()
	}

	if e.scheduler != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.scheduler.Run(ctx, e.cfg.Scheduler.Enabled)
		}()
	}

	for _, coord := range e.coordinators {
		coord := coord
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := coord.Run(ctx); err != nil && e.logger != nil {
				e.logger.Warn(fmt.Errorf("bidirectional coordinator for remote %s stopped: %w", coord.Remote.Name, err))
			}
		}()
	}

	if e.executor != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.executor.Run(ctx)
		}()
	}

	return nil
}

// onRawEvent is the Watcher callback. It must not block (spec.md §9): it
// hands the event to the coalescer, which owns its own buffering.
func (e *Engine) onRawEvent(ev watch.Event) {
	atomic.AddUint64(&e.eventsProcessed, 1)
	if e.filter.ShouldIgnore(ev.Path) {
		atomic.AddUint64(&e.filesFiltered, 1)
		return
	}
	e.coalescer.Push(ev)
}

// fanOut is the sole consumer of the coalescer's output. It forwards each
// merged event to the worker pool's queue and tees the underlying event to
// every registered bidirectional coordinator's local feed, so a twoway
// remote's conflict detection sees the same stream the dispatcher acts on
// (spec.md §4.10). A coordinator feed that's full is skipped rather than
// blocking the dispatch path; the coordinator's periodic full reconcile
// covers whatever a dropped tee misses.
func (e *Engine) fanOut(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case merged, ok := <-e.coalescer.Output():
			if !ok {
				return
			}
			for _, feed := range e.coordinatorFeeds {
				select {
				case feed <- merged.Event:
				default:
					if e.logger != nil {
						e.logger.Debugf("coordinator feed full, dropping tee of %s", merged.Path)
					}
				}
			}
			select {
			case e.workQueue <- merged:
			case <-ctx.Done():
				return
			}
		}
	}
}

// workerLoop consumes merged events from the work queue and dispatches
// them.
func (e *Engine) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case merged, ok := <-e.workQueue:
			if !ok {
				return
			}
			e.dispatchSafely(ctx, merged)
		}
	}
}

func (e *Engine) dispatchSafely(ctx context.Context, merged watch.Merged) {
	defer func() {
		if r := recover(); r != nil && e.logger != nil {
			e.logger.Errorf("worker panicked handling %s: %v", merged.Path, r)
		}
	}()
	agg := e.dispatcher.Dispatch(ctx, merged)
	atomic.AddUint64(&e.filesSynced, 1)
	if agg.AllSuccess {
		atomic.AddUint64(&e.syncSuccess, 1)
	} else {
		atomic.AddUint64(&e.syncFailed, 1)
	}
}

// FullSync triggers an immediate full-directory dispatch across every
// remote. It is idempotent with respect to concurrent callers: only one
// full sync runs at a time, later callers wait for the in-flight one.
func (e *Engine) FullSync(ctx context.Context) dispatch.FullSyncOutcome {
	e.fullSyncMu.Lock()
	defer e.fullSyncMu.Unlock()
	return e.dispatcher.DispatchFull(ctx, e.cfg.Scheduler.Excludes)
}

// Stop cancels the context every loop started by Start runs under, stops the
// watcher, and then waits up to StopTimeout in total for those loops to
// exit, logging a warning if they have not. Components are not stopped one
// at a time in reverse start order, and there is no separate timeout per
// component.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.watcher != nil {
		e.watcher.Stop()
		atomic.StoreInt32(&e.watcherRunning, 0)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(StopTimeout):
		if e.logger != nil {
			e.logger.Warn(fmt.Errorf("engine stop timed out after %s waiting for loops to exit", StopTimeout))
		}
	}
}

// Stats returns a point-in-time snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Uptime:          time.Since(e.startedAt),
		EventsProcessed: atomic.LoadUint64(&e.eventsProcessed),
		FilesSynced:     atomic.LoadUint64(&e.filesSynced),
		FilesFiltered:   atomic.LoadUint64(&e.filesFiltered),
		SyncSuccess:     atomic.LoadUint64(&e.syncSuccess),
		SyncFailed:      atomic.LoadUint64(&e.syncFailed),
		WatcherRunning:  atomic.LoadInt32(&e.watcherRunning) == 1,
		QueueDepth:      e.coalescer.Depth() + len(e.workQueue),
		DispatcherBusy:  e.dispatcher.Busy(),
		FilterPatterns:  e.filter.PatternCount(),
	}
}
