package renderopt

import (
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/renderopt/internal/logging"
)

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(logging.Nop())
}

// SetLogger configures the default logger used by renderopt and its
// sub-packages. By default renderopt produces no log output; pass nil
// to restore that silent behavior.
//
// SetLogger is safe for concurrent use: it stores the new logger
// atomically. Components take their logger at construction time, so
// SetLogger affects orchestrators created afterwards.
//
// Log levels used by renderopt:
//   - [slog.LevelDebug]: internal diagnostics (cache activity, state changes)
//   - [slog.LevelInfo]: lifecycle events (GC passes, hot reloads)
//   - [slog.LevelWarn]: non-fatal issues (budget pressure, rejected deletes)
//
// Example:
//
//	// Enable info-level logging to stderr:
//	renderopt.SetLogger(slog.Default())
//
//	// Enable debug-level logging for full diagnostics:
//	renderopt.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = logging.Nop()
	}
	loggerPtr.Store(l)
}

// Logger returns the current logger used by renderopt. Sub-components
// receive it at construction unless their config overrides it.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
