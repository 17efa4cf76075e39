// Package queue implements the time-windowed event coalescer described in
// spec.md §4.3: per-path event accumulation, priority-based merging,
// ancestor-delete suppression, and a bounded output FIFO with blocking
// back-pressure (never a silent drop). Grounded on the teacher's
// pkg/filesystem/watching non-recursive watcher run loop
// (watch_non_recursive_linux.go), which uses the same
// timer-plus-pending-map coalescing shape, generalized here from "dirty
// path set" to full per-path event merging with priority and suppression.
package queue

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sersync-go/sersync/pkg/logging"
	"github.com/sersync-go/sersync/pkg/watch"
)

// DefaultWindow is the default coalescing window duration (spec.md §4.3).
const DefaultWindow = 5 * time.Second

// DefaultCapacity is the default bound on the output FIFO (spec.md §4.3).
const DefaultCapacity = 10000

// Coalescer accumulates events per path and, at window expiry, publishes at
// most one merged event per path to a bounded output FIFO.
type Coalescer struct {
	window   time.Duration
	capacity int
	logger   *logging.Logger

	mu      sync.Mutex
	pending map[string][]watch.Event

	output chan watch.Merged

	timer *time.Timer

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Coalescer with the given window and output capacity. If
// window or capacity are non-positive, the package defaults are used.
func New(window time.Duration, capacity int, logger *logging.Logger) *Coalescer {
	if window <= 0 {
		window = DefaultWindow
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Coalescer{
		window:   window,
		capacity: capacity,
		logger:   logger,
		pending:  make(map[string][]watch.Event),
		output:   make(chan watch.Merged, capacity),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Output returns the channel on which merged events are published. It is
// bounded at the configured capacity; producers (this package's own flush
// goroutine) block rather than drop when it's full, which is the required
// back-pressure behavior (spec.md §4.3, §5).
func (c *Coalescer) Output() <-chan watch.Merged {
	return c.output
}

// Depth reports the current queue depth for the engine's statistics
// snapshot (spec.md §4.11's queueStats): events still buffered awaiting
// their window, plus merged events already sitting in the output FIFO.
func (c *Coalescer) Depth() int {
	c.mu.Lock()
	pending := 0
	for _, events := range c.pending {
		pending += len(events)
	}
	c.mu.Unlock()
	return pending + len(c.output)
}

// Push appends an event to its path's pending group and arms (or leaves
// armed) the window timer. It satisfies invariant I2 indirectly: Flush, not
// Push, is what collapses a path's pending slice down to a single merged
// event.
func (c *Coalescer) Push(e watch.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := e.Path
	c.pending[key] = append(c.pending[key], e)

	if c.timer == nil {
		c.timer = time.AfterFunc(c.window, c.fire)
	}
}

// fire is invoked by the window timer; it flushes under the lock and then
// re-arms nothing (a new timer is only created by the next Push).
func (c *Coalescer) fire() {
	c.mu.Lock()
	c.timer = nil
	pending := c.pending
	c.pending = make(map[string][]watch.Event)
	c.mu.Unlock()

	c.publish(pending)
}

// Flush forces an immediate flush of whatever is currently pending,
// bypassing the timer. It's exposed for callers that need a deterministic
// drain point (tests, and Coalescer.Stop).
func (c *Coalescer) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	pending := c.pending
	c.pending = make(map[string][]watch.Event)
	c.mu.Unlock()

	c.publish(pending)
}

// publish implements the flush algorithm from spec.md §4.3: collect
// delete-dir ancestors, merge each group by priority, drop descendants of a
// deleted ancestor, and send the survivors to the output channel (blocking
// if it's full).
func (c *Coalescer) publish(pending map[string][]watch.Event) {
	if len(pending) == 0 {
		return
	}

	deletedDirs := make([]string, 0)
	for path, events := range pending {
		for _, e := range events {
			if e.Kind == watch.DeleteDir {
				deletedDirs = append(deletedDirs, path)
				break
			}
		}
	}

	// Process deterministically so that tests (and log output) aren't at
	// the mercy of Go's randomized map iteration order.
	paths := make([]string, 0, len(pending))
	for path := range pending {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		events := pending[path]
		merged := mergeGroup(events)

		if merged.Kind != watch.DeleteDir && hasStrictAncestor(path, deletedDirs) {
			if c.logger != nil {
				c.logger.Debugf("suppressing %s under deleted ancestor", path)
			}
			continue
		}

		select {
		case c.output <- merged:
		case <-c.stopCh:
			return
		}
	}
}

// mergeGroup collapses a path's pending events into the single
// highest-priority one, per the order in spec.md §4.3. Ties (equal
// priority) retain arrival order, i.e. the earliest event of the winning
// priority tier is kept, since it's the most representative timestamp for
// that tier.
func mergeGroup(events []watch.Event) watch.Merged {
	best := events[0]
	bestPriority := watch.Priority(best.Kind)
	for _, e := range events[1:] {
		if p := watch.Priority(e.Kind); p > bestPriority {
			best = e
			bestPriority = p
		}
	}
	return watch.Merged{Event: best, MergedCount: len(events)}
}

// hasStrictAncestor reports whether path has a strict ancestor in dirs.
func hasStrictAncestor(path string, dirs []string) bool {
	for _, d := range dirs {
		if path == d {
			continue
		}
		if strings.HasPrefix(path, d+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Run ties the coalescer's lifetime to ctx. Window expiry is handled by the
// timer that Push arms, not by Run; Run's ticker does not flush. Run
// returns once ctx is cancelled or Stop is called, after performing one
// final Flush to drain any pending group
// (lifecycle note in spec.md §3: "the coalescer starts empty and is
// drained on stop").
func (c *Coalescer) Run(ctx context.Context) {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Flush()
			return
		case <-c.stopCh:
			c.Flush()
			return
		case <-ticker.C:
			// No flush happens here: the AfterFunc timer armed by Push
			// already fires at window expiry and is not reset by later
			// pushes.
		}
	}
}

// Stop terminates Run and performs a final flush.
func (c *Coalescer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.doneCh
}
