// Package logging configures the process-wide slog logger. Diagnostics go to
// stderr so they never interleave with the MCP stdio transport on stdout.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// TextHandler is a slog.Handler that writes compact, grep-friendly lines:
//
//	2025-11-03T10:15:30.123 INFO  message key=value group.key=value
type TextHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	prefix string // dotted group prefix, "" at top level
	attrs  string // preformatted attrs from WithAttrs
}

// NewTextHandler creates a TextHandler writing to w at the given level.
func NewTextHandler(w io.Writer, level slog.Level) *TextHandler {
	return &TextHandler{
		mu:    &sync.Mutex{},
		out:   w,
		level: level,
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *TextHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle writes the record as a single line.
func (h *TextHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format("2006-01-02T15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(fmt.Sprintf("%-5s", r.Level.String()))
	b.WriteByte(' ')
	b.WriteString(r.Message)
	b.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		b.WriteString(formatAttr(h.prefix, a))
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

// WithAttrs returns a handler with the attributes preformatted into every line.
func (h *TextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		b.WriteString(formatAttr(h.prefix, a))
	}
	nh.attrs = b.String()
	return &nh
}

// WithGroup returns a handler that prefixes subsequent keys with name.
func (h *TextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	if h.prefix != "" {
		nh.prefix = h.prefix + "." + name
	} else {
		nh.prefix = name
	}
	return &nh
}

// formatAttr renders one attribute as " key=value". Group attributes flatten
// into dotted keys.
func formatAttr(prefix string, a slog.Attr) string {
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}

	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		var b strings.Builder
		for _, ga := range v.Group() {
			b.WriteString(formatAttr(key, ga))
		}
		return b.String()
	case slog.KindTime:
		return " " + key + "=" + v.Time().Format(time.RFC3339)
	case slog.KindDuration:
		return " " + key + "=" + v.Duration().String()
	case slog.KindString:
		s := v.String()
		if strings.ContainsAny(s, " \t") {
			return " " + key + "=" + fmt.Sprintf("%q", s)
		}
		return " " + key + "=" + s
	default:
		return " " + key + "=" + fmt.Sprint(v.Any())
	}
}

// Setup installs the default slog logger and returns it.
func Setup(w io.Writer, logLevel string, useJSON bool) *slog.Logger {
	level := parseLevel(logLevel)

	var handler slog.Handler
	if useJSON {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = NewTextHandler(w, level)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
