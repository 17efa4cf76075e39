// Package scheduler implements the periodic full-reconciliation trigger of
// spec.md §4.6: a single ticker that, when enabled, fires a full-directory
// dispatch across all remotes. Grounded on the teacher's ticker-driven
// loop shape used throughout pkg/filesystem/watching's run loops.
package scheduler

import (
	"context"
	"time"

	"github.com/sersync-go/sersync/pkg/config"
	"github.com/sersync-go/sersync/pkg/contextutil"
	"github.com/sersync-go/sersync/pkg/dispatch"
	"github.com/sersync-go/sersync/pkg/logging"
)

// FullSyncer performs a full-directory dispatch across every enabled
// remote. The engine supplies an adapter over its dispatcher.
type FullSyncer interface {
	FullSync(ctx context.Context, excludes []string) dispatch.FullSyncOutcome
}

// Scheduler ticks at a configured interval and triggers a full sync. It
// also exposes TriggerNow for on-demand full syncs, satisfying spec.md
// §4.6's "periodic and on-demand" requirement.
type Scheduler struct {
	interval time.Duration
	excludes []string
	syncer   FullSyncer
	logger   *logging.Logger
	trigger  chan struct{}
}

// New creates a Scheduler. When Run is called with enabled set to false it
// does not tick, but it keeps serving TriggerNow until ctx is cancelled,
// since on-demand full sync is independent of the periodic schedule.
func New(cfg config.SchedulerConfig, syncer FullSyncer, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		interval: time.Duration(cfg.IntervalMinutes) * time.Minute,
		excludes: cfg.Excludes,
		syncer:   syncer,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// TriggerNow requests an immediate full sync on the next loop iteration.
// It never blocks: if a trigger is already pending, this is a no-op.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run drives the scheduler loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, enabled bool) {
	var tickerC <-chan time.Time
	if enabled && s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tickerC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickerC:
			s.runOnce(ctx)
		case <-s.trigger:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil && s.logger != nil {
			s.logger.Errorf("scheduler tick panicked: %v", r)
		}
	}()
	// The ticker and trigger cases in Run's select can both be ready
	// alongside ctx.Done at shutdown; skip starting a fresh full
	// reconciliation if the engine is already stopping.
	if contextutil.IsCancelled(ctx) {
		return
	}
	if s.logger != nil {
		s.logger.Printf("starting full reconciliation across all remotes")
	}
	result := s.syncer.FullSync(ctx, s.excludes)
	if s.logger != nil && !result.AllSuccess {
		s.logger.Warnf("full reconciliation did not fully succeed on every remote")
	}
}
