package dispatch

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	humanize "github.com/dustin/go-humanize"

	"github.com/sersync-go/sersync/pkg/config"
	"github.com/sersync-go/sersync/pkg/logging"
	"github.com/sersync-go/sersync/pkg/watch"
)

// DefaultRsyncPath is the rsync executable name resolved via PATH, used
// when no override is configured.
const DefaultRsyncPath = "rsync"

// DefaultWorkerCount is the default size of the worker pool consuming
// merged events, per spec.md §4.4.
const DefaultWorkerCount = 10

// PerRemoteOutcome pairs a remote's name with its Outcome.
type PerRemoteOutcome struct {
	Remote  string
	Invocation *Invocation
	Outcome Outcome
}

// Aggregate is the combined outcome of dispatching one event to every
// enabled remote: allSuccess = AND across remotes (spec.md §4.4).
type Aggregate struct {
	Event      watch.Merged
	PerRemote  []PerRemoteOutcome
	AllSuccess bool
}

// FullSyncOutcome is the combined outcome of one full-directory dispatch
// across every enabled remote (spec.md §4.4 "Full-directory mode"); it has
// no associated Event since it isn't triggered by one.
type FullSyncOutcome struct {
	PerRemote  []PerRemoteOutcome
	AllSuccess bool
}

// FailureRecorder is implemented by the failure ledger; the dispatcher
// calls it for every per-remote failure that isn't a cancellation (spec.md
// §5: cancelled outcomes are logged but never appended to the ledger).
type FailureRecorder interface {
	Record(remote config.RemoteConfig, event watch.Merged, invocation *Invocation, outcome Outcome) error
}

// Dispatcher consumes merged events and drives rsync against every enabled
// remote.
type Dispatcher struct {
	Config    *config.Config
	RsyncPath string
	Logger    *logging.Logger
	Recorder  FailureRecorder

	// StatSource reports whether a path currently exists; overridable for
	// tests. Defaults to an os.Stat-based check.
	StatSource func(string) bool

	inFlight int32
}

// New creates a Dispatcher for cfg.
func New(cfg *config.Config, logger *logging.Logger, recorder FailureRecorder) *Dispatcher {
	return &Dispatcher{
		Config:    cfg,
		RsyncPath: DefaultRsyncPath,
		Logger:    logger,
		Recorder:  recorder,
		StatSource: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

// Dispatch builds and runs the invocation for event against every enabled
// remote, in parallel, and returns the aggregate outcome. Failures (other
// than cancellations) are handed to the configured FailureRecorder.
func (d *Dispatcher) Dispatch(ctx context.Context, event watch.Merged) Aggregate {
	atomic.AddInt32(&d.inFlight, 1)
	defer atomic.AddInt32(&d.inFlight, -1)

	enabled := make([]config.RemoteConfig, 0, len(d.Config.Remotes))
	for _, r := range d.Config.Remotes {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}

	results := make([]PerRemoteOutcome, len(enabled))
	var wg sync.WaitGroup
	for i, remote := range enabled {
		wg.Add(1)
		go func(i int, remote config.RemoteConfig) {
			defer wg.Done()
			results[i] = d.dispatchOne(ctx, event, remote)
		}(i, remote)
	}
	wg.Wait()

	agg := Aggregate{Event: event, PerRemote: results, AllSuccess: true}
	for _, r := range results {
		if !r.Outcome.Success {
			agg.AllSuccess = false
		}
	}
	return agg
}

// DispatchFull runs a full-directory rsync invocation (spec.md §4.4
// "Full-directory mode") against every enabled remote, in parallel.
func (d *Dispatcher) DispatchFull(ctx context.Context, excludes []string) FullSyncOutcome {
	atomic.AddInt32(&d.inFlight, 1)
	defer atomic.AddInt32(&d.inFlight, -1)

	enabled := make([]config.RemoteConfig, 0, len(d.Config.Remotes))
	for _, r := range d.Config.Remotes {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}

	results := make([]PerRemoteOutcome, len(enabled))
	var wg sync.WaitGroup
	for i, remote := range enabled {
		wg.Add(1)
		go func(i int, remote config.RemoteConfig) {
			defer wg.Done()
			invocation := BuildFullDirectoryCommand(remote, d.Config, excludes)
			timeout := time.Duration(d.Config.TransferTimeout) * time.Second
			outcome := runRsync(ctx, d.rsyncPath(), invocation, timeout)
			if d.Logger != nil {
				if outcome.Success {
					d.Logger.Printf("full sync to remote %s complete", remote.Name)
				} else if !outcome.Cancelled {
					d.Logger.Warnf("full sync to remote %s failed (exit %d): %s", remote.Name, outcome.ExitCode, firstLine(outcome.Stderr))
				} else {
					d.Logger.Printf("full sync to remote %s cancelled", remote.Name)
				}
			}
			results[i] = PerRemoteOutcome{Remote: remote.Name, Invocation: invocation, Outcome: outcome}
		}(i, remote)
	}
	wg.Wait()

	out := FullSyncOutcome{PerRemote: results, AllSuccess: true}
	for _, r := range results {
		if !r.Outcome.Success {
			out.AllSuccess = false
		}
	}
	return out
}

func (d *Dispatcher) dispatchOne(ctx context.Context, event watch.Merged, remote config.RemoteConfig) PerRemoteOutcome {
	invocation, idempotent, err := BuildCommand(event, remote, d.Config, d.StatSource)
	if err != nil {
		return PerRemoteOutcome{Remote: remote.Name, Outcome: Outcome{Err: err}}
	}
	if idempotent {
		if d.Logger != nil {
			d.Logger.Debugf("delete of already-absent %s: treating as success for remote %s", event.Path, remote.Name)
		}
		return PerRemoteOutcome{Remote: remote.Name, Outcome: Outcome{Success: true}}
	}

	timeout := time.Duration(d.Config.TransferTimeout) * time.Second
	outcome := runRsync(ctx, d.rsyncPath(), invocation, timeout)

	if d.Logger != nil {
		if outcome.Success {
			d.Logger.Debugf("synced %s to %s (%s)", event.Path, remote.Name, humanize.Bytes(uint64(len(outcome.Stdout))))
		} else if !outcome.Cancelled {
			d.Logger.Warnf("sync of %s to %s failed (exit %d): %s", event.Path, remote.Name, outcome.ExitCode, firstLine(outcome.Stderr))
		} else {
			d.Logger.Printf("sync of %s to %s cancelled", event.Path, remote.Name)
		}
	}

	if !outcome.Success && !outcome.Cancelled && d.Recorder != nil {
		if err := d.Recorder.Record(remote, event, invocation, outcome); err != nil && d.Logger != nil {
			d.Logger.Error(err)
		}
	}

	return PerRemoteOutcome{Remote: remote.Name, Invocation: invocation, Outcome: outcome}
}

// Busy reports whether a Dispatch or DispatchFull call is currently in
// flight, for the engine's statistics snapshot (spec.md §4.11's
// dispatcherStats).
func (d *Dispatcher) Busy() bool {
	return atomic.LoadInt32(&d.inFlight) > 0
}

func (d *Dispatcher) rsyncPath() string {
	if d.RsyncPath == "" {
		return DefaultRsyncPath
	}
	return d.RsyncPath
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
