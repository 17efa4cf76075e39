//go:build !linux

package watch

import (
	"errors"
	"time"

	"github.com/sersync-go/sersync/pkg/logging"
)

// ErrPlatformNotSupported is returned by New on platforms other than Linux.
// The core targets the Linux inotify facility named in spec.md §4.2; a
// kqueue/ReadDirectoryChangesW adapter would live here following the same
// Callback contract but isn't implemented by this module.
var ErrPlatformNotSupported = errors.New("recursive inotify watching is only supported on linux")

// Watcher is an opaque placeholder on unsupported platforms.
type Watcher struct{}

// New always fails on unsupported platforms.
func New(_ string, _ EventMask, _ time.Duration, _ *logging.Logger, _ Callback) (*Watcher, error) {
	return nil, ErrPlatformNotSupported
}

// Stop is a no-op placeholder.
func (w *Watcher) Stop() {}

// Wait is a no-op placeholder.
func (w *Watcher) Wait() error { return nil }
