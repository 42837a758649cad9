package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// serviceName is stamped onto every log line so gateway logs are
// identifiable once aggregated alongside other services.
const serviceName = "quantgate-gateway"

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // Enable pretty console output
	Env    string // deployment environment, e.g. "production", "staging"; stamped as a field when set
}

// New creates the process-wide structured logger. Every component logger
// (sandbox, live-dispatcher, streaming-hub, ...) derives from this one via
// .With().Str("component", name).Logger(), never its own zerolog.New.
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	ctx := zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", serviceName)
	if cfg.Env != "" {
		ctx = ctx.Str("env", cfg.Env)
	}
	return ctx.Logger()
}

// Component derives a child logger tagged for one of the gateway's named
// components (sandbox, live-dispatcher, streaming-hub, order-router, ...),
// the same "component" field every package in this repo attaches on top
// of the base logger New returns.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// SetGlobalLogger sets the package-level logger used by any third-party
// code that logs through zerolog's global log.Logger rather than an
// injected instance.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
