// Package logging builds the *slog.Logger values passed to every component.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
)

// Option configures a logger created with New.
type Option func(*options)

type options struct {
	level  slog.Level
	json   bool
	writer io.Writer
	prefix string
}

// WithLevel parses debug, info, warn or error. Unknown names keep the default.
func WithLevel(level string) Option {
	return func(o *options) {
		switch strings.ToLower(strings.TrimSpace(level)) {
		case "debug":
			o.level = slog.LevelDebug
		case "info", "":
			o.level = slog.LevelInfo
		case "warn", "warning":
			o.level = slog.LevelWarn
		case "error":
			o.level = slog.LevelError
		}
	}
}

func WithDebug(debug bool) Option {
	return func(o *options) {
		if debug {
			o.level = slog.LevelDebug
		}
	}
}

// WithJSON switches from the human handler to slog's JSON handler.
func WithJSON(json bool) Option {
	return func(o *options) { o.json = json }
}

// WithWriter overrides the output writer. Defaults to os.Stderr so hook
// output on stdout stays clean.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithPrefix labels every human-readable line.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// New returns a logger writing colorized text through charmbracelet/log, or
// JSON when WithJSON is set.
func New(opts ...Option) *slog.Logger {
	o := &options{level: slog.LevelInfo}
	for _, opt := range opts {
		opt(o)
	}
	var w io.Writer = os.Stderr
	if o.writer != nil {
		w = o.writer
	}

	if o.json {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: o.level}))
	}
	h := charmlog.NewWithOptions(w, charmlog.Options{
		Level:           charmlog.Level(o.level),
		Prefix:          o.prefix,
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})
	return slog.New(h)
}

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(nopHandler{})
}

// OrNop returns l, or Nop when l is nil.
func OrNop(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Nop()
	}
	return l
}

type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopHandler) WithGroup(string) slog.Handler           { return h }
