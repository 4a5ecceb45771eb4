package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init initializes the logger
func Init(level, format string) {
	InitWithWriter(level, format, os.Stdout)
}

// InitWithWriter initializes the logger with a custom output
func InitWithWriter(level, format string, out io.Writer) {
	// Set log level
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	// Set format
	if format == "console" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	}
}

// Get returns the global logger
func Get() zerolog.Logger {
	return log.Logger
}

// Component returns a sub-logger tagged with the name of a subsystem
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
