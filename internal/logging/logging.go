// Package logging provides the shared silent-logger default used by
// every renderopt manager. Managers accept a *slog.Logger in their
// config; when none is given they fall back to Nop so that logging is
// zero-cost until the application opts in via renderopt.SetLogger.
package logging

import (
	"context"
	"log/slog"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip message formatting entirely,
// making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// Nop returns a logger that silently discards all output.
func Nop() *slog.Logger { return slog.New(nopHandler{}) }

// Or returns l if non-nil, otherwise the nop logger.
func Or(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Nop()
	}
	return l
}
