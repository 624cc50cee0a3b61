// Package logging provides a shared component-tagged zerolog logger for the
// mail store. Every package constructor takes a logger produced here rather
// than building its own, so log lines from different components can be
// filtered consistently.
package logging

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	once    sync.Once
	base    zerolog.Logger
	verbose bool
)

// SetVerbose toggles debug-level logging for all components. Call before
// the first WithComponent call for it to take effect on the base logger.
func SetVerbose(v bool) {
	verbose = v
}

func initBase() {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

// WithComponent returns a logger tagged with component=<name>, e.g.
// logging.WithComponent("account") or logging.WithComponent("indexer").
func WithComponent(component string) zerolog.Logger {
	once.Do(initBase)
	return base.With().Str("component", component).Logger()
}
