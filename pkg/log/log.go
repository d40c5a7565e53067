// Package log provides structured logging built on zerolog, shared by the
// supervisor, worker, and API server.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured by Init.
var Logger zerolog.Logger

// Level mirrors zerolog's levels under names local to this package.
type Level string

const (
	Debug Level = "debug"
	Info  Level = "info"
	Warn  Level = "warn"
	Error Level = "error"
)

// Config controls how Init sets up the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init configures the global Logger. In JSON mode it writes RFC3339-
// timestamped JSON lines; otherwise it uses a human-readable console
// writer, matching a typical dev/prod logging split.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	switch cfg.Level {
	case Debug:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case Warn:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case Error:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}

	Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID returns a child logger tagged with a federation node id.
func WithNodeID(nodeID string) zerolog.Logger {
	return Logger.With().Str("node_id", nodeID).Logger()
}

// WithSlotID returns a child logger tagged with a slot id.
func WithSlotID(slotID string) zerolog.Logger {
	return Logger.With().Str("slot_id", slotID).Logger()
}

func Info(msg string)           { Logger.Info().Msg(msg) }
func Debug(msg string)          { Logger.Debug().Msg(msg) }
func Warn(msg string)           { Logger.Warn().Msg(msg) }
func Error(err error, msg string) { Logger.Error().Err(err).Msg(msg) }
func Errorf(err error, format string, args ...any) {
	Logger.Error().Err(err).Msgf(format, args...)
}
func Fatal(err error, msg string) { Logger.Fatal().Err(err).Msg(msg) }

func init() {
	Init(Config{Level: Info, JSONOutput: false})
}
