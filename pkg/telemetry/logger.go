package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var logLevels = map[string]zerolog.Level{
	"trace": zerolog.TraceLevel,
	"debug": zerolog.DebugLevel,
	"info":  zerolog.InfoLevel,
	"warn":  zerolog.WarnLevel,
	"error": zerolog.ErrorLevel,
	"fatal": zerolog.FatalLevel,
}

// NewLogger builds the process logger. Every component derives its logger
// from the one returned here with Component. The configured level is applied
// as the global level so SetGlobalLevel can later raise or lower it.
func NewLogger(cfg LoggingConfig) (zerolog.Logger, error) {
	writer, err := openOutput(cfg.Output)
	if err != nil {
		return zerolog.Nop(), err
	}
	return NewLoggerTo(writer, cfg)
}

// NewLoggerTo is NewLogger writing to w.
func NewLoggerTo(w io.Writer, cfg LoggingConfig) (zerolog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(w).With().Timestamp().Logger()
	if cfg.EnableCaller {
		logger = logger.With().Caller().Logger()
	}
	return logger, nil
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	default:
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		return file, nil
	}
}

// ParseLevel converts a configured level name to a zerolog level.
func ParseLevel(level string) (zerolog.Level, error) {
	l, ok := logLevels[strings.ToLower(level)]
	if !ok {
		return zerolog.NoLevel, fmt.Errorf("invalid log level: %s", level)
	}
	return l, nil
}

// SetGlobalLevel changes the minimum level of every logger in the process,
// including the loggers components already hold.
func SetGlobalLevel(level string) error {
	l, err := ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(l)
	return nil
}

// Component returns a child logger tagged with a component name.
func Component(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// WithFlightID adds a flight_id field to the logger.
func WithFlightID(logger zerolog.Logger, flightID string) zerolog.Logger {
	return logger.With().Str("flight_id", flightID).Logger()
}

// WithResource adds workspace_id and resource_id fields to the logger.
func WithResource(logger zerolog.Logger, workspaceID, resourceID string) zerolog.Logger {
	return logger.With().
		Str("workspace_id", workspaceID).
		Str("resource_id", resourceID).
		Logger()
}

// WithTrace adds the trace and span ids of the span in ctx, if any.
func WithTrace(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	traceID, spanID := TraceID(ctx), SpanID(ctx)
	if traceID == "" {
		return logger
	}
	return logger.With().
		Str("trace_id", traceID).
		Str("span_id", spanID).
		Logger()
}
