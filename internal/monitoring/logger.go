// Package monitoring builds the process logger, counters and periodic stats
// reports shared by the serial channels, the framer and the frame store.
package monitoring

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options configures NewLogger.
type Options struct {
	// Level is one of trace, debug, info, warn, error or off.
	Level string
	// Format is "console" for human output or "json" for services.
	Format string
	// Out defaults to os.Stderr.
	Out io.Writer
}

// ParseLevel maps a level name to a zerolog level. The empty string is info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "off", "disabled", "none":
		return zerolog.Disabled, nil
	}
	return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
}

// NewLogger returns a logger writing to opts.Out. The logger is returned by
// value and passed to every component that logs.
func NewLogger(opts Options) (zerolog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	switch strings.ToLower(opts.Format) {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", opts.Format)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// Printf adapts a logger to the printf style hook some libraries expect.
// Messages are logged at debug level with trailing newlines trimmed.
func Printf(log zerolog.Logger) func(format string, v ...any) {
	return func(format string, v ...any) {
		log.Debug().Msg(strings.TrimRight(fmt.Sprintf(format, v...), "\n"))
	}
}
