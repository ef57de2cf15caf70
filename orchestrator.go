package renderopt

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gogpu/renderopt/backend"
	"github.com/gogpu/renderopt/batch"
	"github.com/gogpu/renderopt/event"
	"github.com/gogpu/renderopt/pool"
	"github.com/gogpu/renderopt/resource"
	"github.com/gogpu/renderopt/shader"
	"github.com/gogpu/renderopt/state"
)

// Frame protocol errors.
var (
	// ErrFrameActive is returned by BeginFrame while a frame is open.
	ErrFrameActive = errors.New("renderopt: frame already in progress")

	// ErrNoFrame is returned by in-frame operations outside a frame.
	ErrNoFrame = errors.New("renderopt: no frame in progress")

	// ErrClosed is returned when operating on a closed orchestrator.
	ErrClosed = errors.New("renderopt: orchestrator closed")
)

// FrameOrchestrator ties the optimization components into a
// begin-frame/end-frame protocol. One orchestrator drives one device;
// its frame methods are meant to be called from the single goroutine
// driving the render loop, and are serialized internally so misuse
// from another goroutine corrupts nothing.
type FrameOrchestrator struct {
	mu sync.Mutex

	device    backend.Device
	resources *resource.Manager
	shaders   *shader.Cache
	buffers   *pool.BufferPool
	dedup     *state.Deduplicator
	batches   *batch.Optimizer

	frameBudget     time.Duration
	maxStateChanges uint64
	maxDrawCalls    int
	maintenanceEach uint64

	events event.Sink
	logger *slog.Logger

	inFrame    bool
	closed     bool
	frame      uint64
	frameStart time.Time

	submitted int
	rendered  int
	draws     int
	instanced int

	last FrameStats
}

// New creates an orchestrator and all its components on the given
// device. The device must already be initialized. Close releases
// everything the components allocated.
func New(device backend.Device, opts Options) *FrameOrchestrator {
	opts = opts.withDefaults()

	return &FrameOrchestrator{
		device:          device,
		resources:       resource.NewManager(device, opts.Resources),
		shaders:         shader.NewCache(device, shader.NewLibrary(), opts.Shaders),
		buffers:         pool.New(device, opts.Events, opts.Logger),
		dedup:           state.New(device, opts.Events, opts.Logger),
		batches:         batch.NewOptimizer(opts.Events, opts.Logger),
		frameBudget:     opts.FrameBudget,
		maxStateChanges: opts.MaxStateChanges,
		maxDrawCalls:    opts.MaxDrawCalls,
		maintenanceEach: opts.MaintenanceInterval,
		events:          opts.Events,
		logger:          opts.Logger,
	}
}

// Resources returns the resource manager.
func (f *FrameOrchestrator) Resources() *resource.Manager { return f.resources }

// Shaders returns the shader cache.
func (f *FrameOrchestrator) Shaders() *shader.Cache { return f.shaders }

// Buffers returns the buffer pool.
func (f *FrameOrchestrator) Buffers() *pool.BufferPool { return f.buffers }

// State returns the state deduplicator.
func (f *FrameOrchestrator) State() *state.Deduplicator { return f.dedup }

// BeginFrame opens a new frame: bumps the frame counter, resets the
// per-frame counters and discards last frame's batches.
func (f *FrameOrchestrator) BeginFrame() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if f.inFrame {
		return ErrFrameActive
	}

	f.inFrame = true
	f.frame++
	f.frameStart = time.Now()
	f.submitted = 0
	f.rendered = 0
	f.draws = 0
	f.instanced = 0
	f.dedup.ResetStateChangeCount()
	f.batches.Clear()
	return nil
}

// AddBatch submits one batch to the current frame.
func (f *FrameOrchestrator) AddBatch(b *batch.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.inFrame {
		return ErrNoFrame
	}
	f.batches.AddBatch(b)
	f.submitted++
	return nil
}

// ExecuteOptimizedRender sorts, merges and submits the frame's
// batches. For each merged batch it routes the pipeline state through
// the deduplicator, applies the batch uniforms, then issues the draw
// calls. May be called once per frame; calling it again submits
// whatever batches were added since.
func (f *FrameOrchestrator) ExecuteOptimizedRender() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.inFrame {
		return ErrNoFrame
	}

	merged := f.batches.MergeBatches()
	for _, b := range merged {
		if err := f.renderBatch(b); err != nil {
			return err
		}
	}
	f.rendered += len(merged)
	f.batches.Clear()
	return nil
}

// renderBatch issues one merged batch. Caller must hold f.mu.
func (f *FrameOrchestrator) renderBatch(b *batch.Batch) error {
	f.dedup.UseProgram(b.Program)
	f.dedup.BindVertexArray(b.VertexArray)

	units := make([]int, 0, len(b.Textures))
	for unit := range b.Textures {
		units = append(units, unit)
	}
	sort.Ints(units)
	for _, unit := range units {
		f.dedup.BindTexture(unit, b.Textures[unit])
	}

	names := make([]string, 0, len(b.Uniforms))
	for name := range b.Uniforms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := f.device.SetUniform(b.Program, name, b.Uniforms[name]); err != nil {
			return fmt.Errorf("renderopt: batch %q uniform %q: %w", b.ID, name, err)
		}
	}

	for _, dc := range b.Draws {
		if dc.Instances > 1 {
			f.device.DrawInstanced(dc.Mode, dc.First, dc.Count, dc.Instances)
			f.instanced++
		} else {
			f.device.Draw(dc.Mode, dc.First, dc.Count)
		}
		f.draws++
	}
	return nil
}

// EndFrame closes the frame: computes frame statistics, raises a
// PerformanceWarning per breached threshold, and every
// maintenance-interval frames runs shader-cache and buffer-pool
// maintenance.
func (f *FrameOrchestrator) EndFrame() (FrameStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.inFrame {
		return FrameStats{}, ErrNoFrame
	}
	f.inFrame = false

	elapsed := time.Since(f.frameStart)
	stateChanges := f.dedup.StateChangeCount()
	skipped := f.dedup.SkippedCount()

	stats := FrameStats{
		Frame:               f.frame,
		FrameTime:           elapsed,
		BatchesSubmitted:    f.submitted,
		BatchesRendered:     f.rendered,
		DrawCalls:           f.draws,
		InstancedDrawCalls:  f.instanced,
		StateChanges:        stateChanges,
		StateChangesSkipped: skipped,
		ResourceBytes:       f.resources.Stats().UsedBytes,
		ShaderBytes:         f.shaders.MemoryUsage(),
	}
	f.last = stats

	if elapsed > f.frameBudget {
		f.warn(MetricFrameTime, elapsed.Seconds()*1000, f.frameBudget.Seconds()*1000)
	}
	if stateChanges > f.maxStateChanges {
		f.warn(MetricStateChanges, float64(stateChanges), float64(f.maxStateChanges))
	}
	if f.draws > f.maxDrawCalls {
		f.warn(MetricDrawCalls, float64(f.draws), float64(f.maxDrawCalls))
	}

	if f.maintenanceEach > 0 && f.frame%f.maintenanceEach == 0 {
		f.shaders.Cleanup(false)
		f.buffers.Cleanup()
		f.logger.Debug("renderopt: frame maintenance", "frame", f.frame)
	}

	f.logger.Debug("renderopt: frame complete", "stats", stats)
	return stats, nil
}

// warn emits one PerformanceWarning. Caller must hold f.mu.
func (f *FrameOrchestrator) warn(metric string, value, threshold float64) {
	f.events.Emit(event.PerformanceWarning{
		Metric:    metric,
		Value:     value,
		Threshold: threshold,
		Frame:     f.frame,
	})
	f.logger.Warn("renderopt: performance threshold exceeded",
		"metric", metric, "value", value, "threshold", threshold, "frame", f.frame)
}

// Frame returns the current frame number.
func (f *FrameOrchestrator) Frame() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame
}

// LastFrameStats returns the statistics of the last completed frame.
func (f *FrameOrchestrator) LastFrameStats() FrameStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// Close shuts down every component: the shader cache frees its
// programs, the buffer pool frees its buffers and the resource
// manager disposes all remaining objects.
func (f *FrameOrchestrator) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.inFrame = false
	f.mu.Unlock()

	f.shaders.Close()
	f.buffers.Destroy()
	f.resources.Close()
}
