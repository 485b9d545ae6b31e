/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options tune the process logger.
type Options struct {
	Environment string
	Level       string    // overrides the environment default when set
	Output      io.Writer // console output, os.Stderr when nil
	JSON        bool      // write JSON instead of the console format
	Additional  io.Writer // second sink receiving JSON, e.g. the log buffer
}

// Setup configures zerolog for the process.
func Setup(environment string) zerolog.Logger {
	return SetupWithWriter(environment, nil)
}

// SetupWithWriter configures zerolog with an additional writer (e.g., for log buffer).
func SetupWithWriter(environment string, additionalWriter io.Writer) zerolog.Logger {
	return New(Options{Environment: environment, Additional: additionalWriter})
}

// New builds a logger from opts and installs it as the global logger.
func New(opts Options) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level := zerolog.InfoLevel
	if opts.Environment == "development" {
		level = zerolog.DebugLevel
	}
	if opts.Level != "" {
		if parsed, err := zerolog.ParseLevel(opts.Level); err == nil {
			level = parsed
		}
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	var writer io.Writer = zerolog.ConsoleWriter{Out: out}
	if opts.JSON {
		writer = out
	}
	if opts.Additional != nil {
		// the additional sink always receives the JSON encoding
		writer = zerolog.MultiLevelWriter(writer, opts.Additional)
	}

	logger := zerolog.New(writer).With().Timestamp().Logger().Level(level)
	log.Logger = logger
	return logger
}
