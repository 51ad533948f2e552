// Package corelog provides the structured logger shared by every component
// of the account runtime.
package corelog

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config controls how the root logger is initialized.
type Config struct {
	// Level is the minimum level that will be logged ("debug", "info",
	// "warn", "error"). Defaults to "info" when empty.
	Level string

	// Console enables human-readable console output instead of JSON.
	// Account contexts embedded in a GUI host typically want JSON so the
	// host can forward structured log records; a CLI host wants console.
	Console bool

	// Writer overrides the log output sink. Defaults to os.Stderr.
	Writer io.Writer
}

var (
	root       zerolog.Logger
	rootInited bool
	initMu     sync.Mutex
)

// Init configures the package-level root logger. Safe to call once at
// process startup; subsequent calls replace the root logger for callers
// that have not yet captured a component logger.
func Init(cfg Config) {
	initMu.Lock()
	defer initMu.Unlock()

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	if cfg.Console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	root = zerolog.New(w).Level(level).With().Timestamp().Logger()
	rootInited = true
}

// WithComponent returns a logger tagged with the given component name,
// initializing the root logger with defaults on first use if Init was
// never called.
func WithComponent(name string) zerolog.Logger {
	initMu.Lock()
	if !rootInited {
		initMu.Unlock()
		Init(Config{Level: "info"})
		initMu.Lock()
	}
	l := root
	initMu.Unlock()
	return l.With().Str("component", name).Logger()
}
