// Package must wraps cleanup operations whose errors are worth logging but
// never worth propagating (closing a file we're about to discard, removing a
// stale temporary file, etc.), matching the teacher's pkg/must convention of
// keeping such error handling out of caller call sites.
package must

import (
	"io"
	"os"

	"github.com/sersync-go/sersync/pkg/logging"
)

// Close closes c, logging (rather than returning) any error.
func Close(c io.Closer, logger *logging.Logger) {
	if err := c.Close(); err != nil {
		logger.Warnf("unable to close: %v", err)
	}
}

// OSRemove removes the named file, logging (rather than returning) any
// error other than the file not existing.
func OSRemove(name string, logger *logging.Logger) {
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		logger.Warnf("unable to remove %q: %v", name, err)
	}
}
