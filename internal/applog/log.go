// Package applog provides structured logging for the tunnel server
// using zerolog.
package applog

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance; session and server code derive
// scoped loggers from it via With().
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().
		Level(zerolog.InfoLevel)
}

// SetLevel sets the global log level by name, defaulting to info for
// anything unrecognized.
func SetLevel(level string) {
	switch level {
	case "trace":
		Logger = Logger.Level(zerolog.TraceLevel)
	case "debug":
		Logger = Logger.Level(zerolog.DebugLevel)
	case "info":
		Logger = Logger.Level(zerolog.InfoLevel)
	case "warn", "warning":
		Logger = Logger.Level(zerolog.WarnLevel)
	case "error":
		Logger = Logger.Level(zerolog.ErrorLevel)
	case "disabled", "none":
		Logger = Logger.Level(zerolog.Disabled)
	default:
		Logger = Logger.Level(zerolog.InfoLevel)
	}
}

// SetJSON switches the global logger to JSON output, suited to
// container log collection rather than an interactive terminal.
func SetJSON() {
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(Logger.GetLevel())
}

func Trace() *zerolog.Event { return Logger.Trace() }
func Debug() *zerolog.Event { return Logger.Debug() }
func Info() *zerolog.Event  { return Logger.Info() }
func Warn() *zerolog.Event  { return Logger.Warn() }
func Error() *zerolog.Event { return Logger.Error() }
func Fatal() *zerolog.Event { return Logger.Fatal() }
