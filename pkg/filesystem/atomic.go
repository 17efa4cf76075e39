// Package filesystem provides the small set of filesystem primitives shared
// by the metadata store and failure ledger: atomic file writes and path
// containment checks. Adapted from the teacher's pkg/filesystem/atomic.go.
package filesystem

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sersync-go/sersync/pkg/logging"
	"github.com/sersync-go/sersync/pkg/must"
)

const (
	// TemporaryNamePrefix is the file name prefix of the temporary files
	// WriteFileAtomic creates. No built-in filter pattern matches it, so such
	// a file created inside a watched tree is not filtered out.
	TemporaryNamePrefix = ".sersync-temporary-"
)

// WriteFileAtomic writes data to path atomically by first writing it to a
// temporary file in the same directory and then renaming the temporary file
// into place. This satisfies invariant I4 (sync-state atomicity) and
// property P5: a reader never observes a truncated or partially written
// file, since rename is atomic on a conventional filesystem.
func WriteFileAtomic(path string, data []byte, permissions os.FileMode, logger *logging.Logger) error {
	directory := filepath.Dir(path)

	temporary, err := os.CreateTemp(directory, TemporaryNamePrefix)
	if err != nil {
		return fmt.Errorf("unable to create temporary file: %w", err)
	}

	if _, err = temporary.Write(data); err != nil {
		must.Close(temporary, logger)
		must.OSRemove(temporary.Name(), logger)
		return fmt.Errorf("unable to write data to temporary file: %w", err)
	}

	if err = temporary.Close(); err != nil {
		must.OSRemove(temporary.Name(), logger)
		return fmt.Errorf("unable to close temporary file: %w", err)
	}

	if err = os.Chmod(temporary.Name(), permissions); err != nil {
		must.OSRemove(temporary.Name(), logger)
		return fmt.Errorf("unable to change file permissions: %w", err)
	}

	if err = os.Rename(temporary.Name(), path); err != nil {
		must.OSRemove(temporary.Name(), logger)
		return fmt.Errorf("unable to rename file into place: %w", err)
	}

	return nil
}
