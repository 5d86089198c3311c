// Package logging configures the global zerolog logger shared by every service.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Configure sets the global level and output format. format is "console" or "json".
func Configure(level, format string) error {
	return ConfigureOutput(level, format, os.Stderr)
}

// ConfigureOutput is Configure with an explicit destination.
func ConfigureOutput(level, format string, out io.Writer) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(lvl)

	switch format {
	case "", "console":
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	case "json":
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}

// Level picks the effective level, debug winning over the configured one.
func Level(configured string, debug bool) string {
	if debug {
		return "debug"
	}
	if configured == "" {
		return "info"
	}
	return configured
}
