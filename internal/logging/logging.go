// Package logging builds the process logger from configuration.
package logging

import (
	"io"
	"log/slog"
	"strings"

	"nutrirag/internal/config"
	"nutrirag/internal/domain"
)

// New returns a text or JSON slog logger writing to w at the configured level.
func New(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(defaultString(cfg.Level, "info")))); err != nil {
		return nil, domain.NewConfigError("log.level", "%v", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(defaultString(cfg.Format, "text")) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, domain.NewConfigError("log.format", "unknown format %q", cfg.Format)
	}
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
