// Package log provides structured logging shared by every confman component.
// Beyond the usual component/node context fields, WithErr folds
// pkg/confmanerr's Kind taxonomy into the log line itself: every warning or
// error logged against a classified failure carries a "kind" field matching
// the Kind pkg/httpapi's writeError switches on, so a log line and the HTTP
// response it corresponds to can be correlated without re-deriving the
// classification by hand.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ancrist/confman/pkg/confmanerr"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID creates a child logger with node_id field
func WithNodeID(nodeID string) zerolog.Logger {
	return Logger.With().Str("node_id", nodeID).Logger()
}

// WithNamespace creates a child logger with namespace field
func WithNamespace(ns string) zerolog.Logger {
	return Logger.With().Str("namespace", ns).Logger()
}

// WithBlobID creates a child logger with blob_id field
func WithBlobID(blobID string) zerolog.Logger {
	return Logger.With().Str("blob_id", blobID).Logger()
}

// WithKind creates a child logger tagged with a confmanerr.Kind, so the
// failure classification pkg/httpapi's writeError switches on to pick an
// HTTP status is also queryable on the log line that reported it.
func WithKind(kind confmanerr.Kind) zerolog.Logger {
	return Logger.With().Str("kind", string(kind)).Logger()
}

// WithErr creates a child logger with err attached, and, if err carries a
// *confmanerr.Error, its Kind as a "kind" field alongside it.
func WithErr(err error) zerolog.Logger {
	ctx := Logger.With().Err(err)
	if kind := confmanerr.KindOf(err); kind != "" {
		ctx = ctx.Str("kind", string(kind))
	}
	return ctx.Logger()
}

func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
