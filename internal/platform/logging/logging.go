// Package logging builds the process logger. Components receive a
// zerolog.Logger value; nothing in the module writes through the global logger.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"go.elastic.co/ecszerolog"
)

// Options controls the output format and verbosity.
type Options struct {
	// Format is "console", "json" or "ecs". Empty picks console in
	// development and json elsewhere.
	Format string
	Level  string
	Env    string
	App    string
}

// New returns a logger writing to stdout.
func New(opts Options) zerolog.Logger {
	return NewWithWriter(os.Stdout, opts)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	format := opts.Format
	if format == "" {
		format = "json"
		if opts.Env == "development" {
			format = "console"
		}
	}

	var logger zerolog.Logger
	switch format {
	case "ecs":
		logger = ecszerolog.New(w)
	case "console":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	default:
		logger = zerolog.New(w).With().Timestamp().Logger()
	}

	logger = logger.Level(level)
	if opts.App != "" {
		logger = logger.With().Str("app", opts.App).Logger()
	}
	return logger
}
