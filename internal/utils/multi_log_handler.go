package utils

import (
	"context"
	"log/slog"
)

// MultiLogHandler fans one slog record out to several handlers. The
// client daemon uses it to log to the terminal and the log file at
// different levels with a single slog.Logger.
type MultiLogHandler struct {
	targets []slog.Handler
}

func NewMultiLogHandler(targets ...slog.Handler) *MultiLogHandler {
	return &MultiLogHandler{targets: targets}
}

// Enabled reports whether any target wants records at this level.
func (m *MultiLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, t := range m.targets {
		if t.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle delivers the record to every target that accepts its level.
// The last error wins; the record still reaches the other targets.
func (m *MultiLogHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	for _, t := range m.targets {
		if !t.Enabled(ctx, r.Level) {
			continue
		}
		if e := t.Handle(ctx, r); e != nil {
			err = e
		}
	}
	return err
}

func (m *MultiLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.targets))
	for i, t := range m.targets {
		next[i] = t.WithAttrs(attrs)
	}
	return NewMultiLogHandler(next...)
}

func (m *MultiLogHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.targets))
	for i, t := range m.targets {
		next[i] = t.WithGroup(name)
	}
	return NewMultiLogHandler(next...)
}
