// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	JSON       bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		if cfg.JSON {
			writers = append(writers, os.Stderr)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:         os.Stderr,
				TimeFormat:  time.RFC3339,
				FormatLevel: formatLevel,
			})
		}
	}

	// File writer with rotation
	if cfg.File && cfg.FilePath != "" {
		logDir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(logDir, 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stderr
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	return zerolog.New(writer).
		With().
		Timestamp().
		Caller().
		Logger()
}

func formatLevel(i interface{}) string {
	ll, ok := i.(string)
	if !ok {
		return "???"
	}
	switch ll {
	case "debug":
		return "\033[36mDBG\033[0m"
	case "info":
		return "\033[32mINF\033[0m"
	case "warn":
		return "\033[33mWRN\033[0m"
	case "error":
		return "\033[31mERR\033[0m"
	default:
		return ll
	}
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetDebugLevel sets the global log level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// WithInstrument adds an instrument ID to the logger context.
func WithInstrument(logger zerolog.Logger, instrumentID string) zerolog.Logger {
	return logger.With().Str("instrument_id", instrumentID).Logger()
}

// WithAlert adds an alert ID to the logger context.
func WithAlert(logger zerolog.Logger, alertID string) zerolog.Logger {
	return logger.With().Str("alert_id", alertID).Logger()
}

// WithComponent adds a component name to the logger context.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// LogTrigger logs an alert trigger.
func LogTrigger(logger zerolog.Logger, alertID, triggerID, message string, price decimal.Decimal) {
	logger.Info().
		Str("event", "trigger").
		Str("alert_id", alertID).
		Str("trigger_id", triggerID).
		Str("price", price.String()).
		Str("message", message).
		Msg("Alert triggered")
}

// LogPass logs the outcome of an evaluation pass.
func LogPass(logger zerolog.Logger, instrumentID string, evaluated, fired, skipped int, duration time.Duration) {
	logger.Debug().
		Str("event", "pass").
		Str("instrument_id", instrumentID).
		Int("evaluated", evaluated).
		Int("fired", fired).
		Int("skipped", skipped).
		Dur("duration", duration).
		Msg("Evaluation pass completed")
}

// LogObservation logs a recorded price observation.
func LogObservation(logger zerolog.Logger, ticker string, price decimal.Decimal, source string) {
	logger.Debug().
		Str("event", "observation").
		Str("ticker", ticker).
		Str("price", price.String()).
		Str("source", source).
		Msg("Price recorded")
}

// LogSkip logs an alert that was skipped during evaluation.
func LogSkip(logger zerolog.Logger, alertID string, err error) {
	logger.Warn().
		Str("event", "skip").
		Str("alert_id", alertID).
		Err(err).
		Msg("Alert skipped")
}
