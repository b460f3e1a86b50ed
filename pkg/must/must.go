// Package must provides best-effort cleanup helpers: operations that should
// succeed in the common case but whose failure, in a cleanup path, isn't
// worth aborting the caller over. Each helper logs a warning instead of
// propagating or panicking.
package must

import (
	"io"
	"os"

	"github.com/o4sync/o4/pkg/logging"
)

// Close closes c, logging a warning on failure.
func Close(c io.Closer, logger *logging.Logger) {
	if err := c.Close(); err != nil {
		logger.Warnf("unable to close: %s", err.Error())
	}
}

// OSRemove removes the file at path, logging a warning on failure.
func OSRemove(path string, logger *logging.Logger) {
	if err := os.Remove(path); err != nil {
		logger.Warnf("unable to remove %s: %s", path, err.Error())
	}
}

// Succeed logs a warning describing what failed if err is non-nil.
func Succeed(err error, description string, logger *logging.Logger) {
	if err != nil {
		logger.Warnf("unable to %s: %s", description, err.Error())
	}
}
