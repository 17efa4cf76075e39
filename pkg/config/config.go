// Package config defines the plain data types an external configuration
// loader (the XML loader named in spec.md §1 is out of scope for this
// module) populates to drive the engine. It also implements the
// validation spec.md requires at construction time — in particular
// invariant I1 and property P4, rejecting any metadata or ledger path that
// falls inside the watched root.
package config

import (
	"fmt"

	"github.com/sersync-go/sersync/pkg/filesystem"
)

// RemoteMode selects whether a remote participates in one-way propagation
// only or in full bidirectional reconciliation.
type RemoteMode string

const (
	ModeOneway RemoteMode = "oneway"
	ModeTwoway RemoteMode = "twoway"
)

// ConflictPolicy names a default resolution strategy for a twoway remote,
// mirroring the resolver strategy tags in spec.md §4.9.
type ConflictPolicy string

const (
	PolicyKeepNewer ConflictPolicy = "newer"
	PolicyKeepOlder ConflictPolicy = "older"
	PolicyKeepLarger ConflictPolicy = "larger"
	PolicyKeepLocal  ConflictPolicy = "local"
	PolicyKeepRemote ConflictPolicy = "remote"
	PolicyBackupBoth ConflictPolicy = "backup"
	PolicyManual     ConflictPolicy = "manual"
	PolicySkip       ConflictPolicy = "skip"
)

// RemoteConfig describes one rsync endpoint. It is immutable for the
// duration of a run, per spec.md §3.
type RemoteConfig struct {
	// Name uniquely identifies the remote within a run; it's used to derive
	// the metadata-store slug.
	Name string
	// Addr is the remote host (and, for SSH transport, optional user@).
	Addr string
	// Module is the rsync daemon module name (daemon transport) or the
	// remote filesystem path (SSH transport).
	Module string
	// SSH selects SSH transport (host:module/relpath) over daemon
	// transport (host::module/relpath).
	SSH bool
	// Mode selects oneway propagation or twoway reconciliation.
	Mode RemoteMode
	// ConflictPolicy is the default resolution strategy for twoway mode.
	ConflictPolicy ConflictPolicy
	// SyncInterval is the periodic full two-way reconcile interval for
	// twoway mode.
	SyncInterval int
	// Port, if non-zero, is passed as --port=<n>.
	Port int
	// Enabled allows a configured remote to be temporarily disabled
	// without removing its configuration.
	Enabled bool
}

// FilterConfig controls the Filter component.
type FilterConfig struct {
	Enabled  bool
	Patterns []string
}

// LedgerConfig controls the failure ledger and its executor.
type LedgerConfig struct {
	Path              string
	TickIntervalSecs  int
}

// SchedulerConfig controls the periodic full-reconciliation trigger.
type SchedulerConfig struct {
	Enabled         bool
	IntervalMinutes int
	Excludes        []string
}

// BidirectionalConfig controls the peer coordinator.
type BidirectionalConfig struct {
	Enabled        bool
	MetadataBaseDir string
	MaxBackupCount int
	TimeTolerance  int // seconds, default 2 per spec.md §4.8
}

// Config is the fully assembled configuration the engine is constructed
// from.
type Config struct {
	WatchedRoot string
	Remotes     []RemoteConfig

	RsyncFlags        []string
	AuthPasswordFile  string
	TransferTimeout   int // seconds, 0 disables --timeout
	EventMaskDisabled []string

	Filter        FilterConfig
	CoalesceWindowSecs int
	QueueCapacity      int
	WorkerCount        int

	Scheduler     SchedulerConfig
	Ledger        LedgerConfig
	Bidirectional BidirectionalConfig
}

// Validate checks the configuration for the fatal errors named in spec.md
// §7 ("configuration errors... fatal at startup"): a missing watched root,
// a malformed remote, and any metadata/ledger path placed inside the
// watched root (invariant I1).
func (c *Config) Validate() error {
	if c.WatchedRoot == "" {
		return fmt.Errorf("watched root must be specified")
	}
	if len(c.Remotes) == 0 {
		return fmt.Errorf("at least one remote must be configured")
	}
	for i, r := range c.Remotes {
		if r.Addr == "" || r.Module == "" {
			return fmt.Errorf("remote %d (%s): addr and module are required", i, r.Name)
		}
		if r.Mode != ModeOneway && r.Mode != ModeTwoway {
			return fmt.Errorf("remote %d (%s): invalid mode %q", i, r.Name, r.Mode)
		}
	}
	if c.Ledger.Path != "" {
		inside, err := filesystem.IsOrContains(c.WatchedRoot, c.Ledger.Path)
		if err != nil {
			return fmt.Errorf("unable to validate ledger path: %w", err)
		}
		if inside {
			return fmt.Errorf("ledger path %q must be outside watched root %q", c.Ledger.Path, c.WatchedRoot)
		}
	}
	if c.Bidirectional.Enabled && c.Bidirectional.MetadataBaseDir != "" {
		inside, err := filesystem.IsOrContains(c.WatchedRoot, c.Bidirectional.MetadataBaseDir)
		if err != nil {
			return fmt.Errorf("unable to validate metadata base directory: %w", err)
		}
		if inside {
			return fmt.Errorf("metadata base directory %q must be outside watched root %q", c.Bidirectional.MetadataBaseDir, c.WatchedRoot)
		}
	}
	return nil
}
