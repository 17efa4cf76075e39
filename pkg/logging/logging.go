package logging

import (
	"log"
	"os"
)

func init() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.Ldate | log.Ltime)
}

// SetRootLevel adjusts RootLogger's level in place. Sublogger copies the
// level when it creates a sub-logger, so sub-loggers already derived from
// RootLogger keep their old level; only those derived afterwards pick up
// the change. Intended to be called once at process startup from a CLI flag.
func SetRootLevel(level Level) {
	RootLogger.level = level
}
