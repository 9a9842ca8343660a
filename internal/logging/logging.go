package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Canonical field names used across the service.
const (
	FieldComponent   = "component"
	FieldEvent       = "event"
	FieldGroupID     = "group_id"
	FieldRequesterID = "requester_id"
	FieldSupporterID = "supporter_id"
	FieldEntryID     = "entry_id"
	FieldReason      = "reason"
	FieldTimerKey    = "timer_key"
	FieldChannelID   = "channel_id"
)

// Config captures options for building the base logger.
type Config struct {
	Level   string    // "debug", "info", ...; defaults to info
	Format  string    // "json" (default) or "console"
	Output  io.Writer // defaults to os.Stdout
	Service string    // attached to every entry; defaults to "livehelp"
}

// New builds the base logger. An unknown level falls back to info.
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && parsed != zerolog.NoLevel {
			level = parsed
		}
	}
	zerolog.TimeFieldFormat = time.RFC3339

	writer := cfg.Output
	if writer == nil {
		writer = os.Stdout
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "console") {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	}

	service := cfg.Service
	if service == "" {
		service = "livehelp"
	}

	return zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

// WithComponent returns a child logger annotated with the component name.
func WithComponent(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str(FieldComponent, component).Logger()
}

// Nop returns a disabled logger, handy for tests and optional wiring.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
