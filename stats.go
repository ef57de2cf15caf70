package renderopt

import (
	"fmt"
	"time"
)

// FrameStats summarizes one completed frame.
type FrameStats struct {
	// Frame is the frame number, starting at 1.
	Frame uint64

	// FrameTime is the BeginFrame-to-EndFrame wall time.
	FrameTime time.Duration

	// BatchesSubmitted is how many batches AddBatch received.
	BatchesSubmitted int

	// BatchesRendered is how many batches remained after merging.
	BatchesRendered int

	// DrawCalls is the number of draw calls issued to the device.
	DrawCalls int

	// InstancedDrawCalls is how many of those were instanced.
	InstancedDrawCalls int

	// StateChanges is the number of device state changes issued.
	StateChanges uint64

	// StateChangesSkipped is the number of redundant state changes
	// suppressed by the deduplicator.
	StateChangesSkipped uint64

	// ResourceBytes is the resource manager's tracked memory.
	ResourceBytes uint64

	// ShaderBytes is the shader cache's footprint estimate.
	ShaderBytes uint64
}

// String returns a human-readable summary.
func (s FrameStats) String() string {
	return fmt.Sprintf("Frame %d[%.2fms, %d/%d batches, %d draws, %d state changes]",
		s.Frame, float64(s.FrameTime.Microseconds())/1000,
		s.BatchesRendered, s.BatchesSubmitted, s.DrawCalls, s.StateChanges)
}

// Performance metric names carried on PerformanceWarning events.
const (
	MetricFrameTime    = "frameTime"
	MetricStateChanges = "stateChanges"
	MetricDrawCalls    = "drawCalls"
)
