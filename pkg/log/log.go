// Package log owns the process-wide zerolog root logger and hands out
// component-scoped children. Until Init runs the root is a no-op, so
// packages constructed directly in tests stay silent without any
// logging setup.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root every component child derives from.
var Logger = zerolog.Nop()

// Config selects the root logger's level and encoding.
type Config struct {
	// Level is a zerolog level name (trace, debug, info, warn, error).
	// Unknown or empty values fall back to info rather than failing
	// startup over a typo'd flag.
	Level string
	// JSONOutput emits machine-readable JSON lines; off, a console
	// writer renders human-readable output.
	JSONOutput bool
	// Output defaults to stdout.
	Output io.Writer
}

// Init replaces the root logger. Level is applied per-logger, not via
// the global zerolog level, so embedding callers keep their own roots.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
