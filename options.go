package renderopt

import (
	"log/slog"
	"time"

	"github.com/gogpu/renderopt/event"
	"github.com/gogpu/renderopt/resource"
	"github.com/gogpu/renderopt/shader"
)

// Default orchestrator thresholds.
const (
	// DefaultFrameBudget is the per-frame time budget (one 60fps frame).
	DefaultFrameBudget = time.Second / 60

	// DefaultMaxStateChanges is the per-frame state-change ceiling
	// before a performance warning fires.
	DefaultMaxStateChanges = 1000

	// DefaultMaxDrawCalls is the per-frame draw-call ceiling before a
	// performance warning fires.
	DefaultMaxDrawCalls = 2000

	// DefaultMaintenanceInterval is how many frames pass between
	// automatic cache/pool maintenance runs.
	DefaultMaintenanceInterval = 100
)

// Options configures a FrameOrchestrator. The zero value gets
// defaults applied by New.
type Options struct {
	// Resources configures the resource manager. Its Events and Logger
	// fields inherit the orchestrator's when unset.
	Resources resource.Config

	// Shaders configures the shader cache. Its Events and Logger
	// fields inherit the orchestrator's when unset.
	Shaders shader.Config

	// FrameBudget is the frame-time threshold for performance
	// warnings. Defaults to DefaultFrameBudget if <= 0.
	FrameBudget time.Duration

	// MaxStateChanges is the per-frame state-change threshold.
	// Defaults to DefaultMaxStateChanges if 0.
	MaxStateChanges uint64

	// MaxDrawCalls is the per-frame draw-call threshold.
	// Defaults to DefaultMaxDrawCalls if 0.
	MaxDrawCalls int

	// MaintenanceInterval is the frame period for automatic cache and
	// pool maintenance. Defaults to DefaultMaintenanceInterval if 0.
	MaintenanceInterval uint64

	// Events receives notifications from the orchestrator and, unless
	// they override it, from every sub-component. Defaults to a no-op
	// sink.
	Events event.Sink

	// Logger receives diagnostics. Defaults to the package logger.
	Logger *slog.Logger
}

// withDefaults fills unset fields and propagates events/logger into
// the sub-component configs.
func (o Options) withDefaults() Options {
	if o.FrameBudget <= 0 {
		o.FrameBudget = DefaultFrameBudget
	}
	if o.MaxStateChanges == 0 {
		o.MaxStateChanges = DefaultMaxStateChanges
	}
	if o.MaxDrawCalls == 0 {
		o.MaxDrawCalls = DefaultMaxDrawCalls
	}
	if o.MaintenanceInterval == 0 {
		o.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if o.Events == nil {
		o.Events = event.NopSink()
	}
	if o.Logger == nil {
		o.Logger = Logger()
	}

	if o.Resources.Events == nil {
		o.Resources.Events = o.Events
	}
	if o.Resources.Logger == nil {
		o.Resources.Logger = o.Logger
	}
	if o.Shaders.Events == nil {
		o.Shaders.Events = o.Events
	}
	if o.Shaders.Logger == nil {
		o.Shaders.Logger = o.Logger
	}
	return o
}
