// Package state suppresses redundant device state changes. Drivers
// charge for every bind and toggle even when the value does not
// change; the Deduplicator shadows the device state and forwards only
// the calls that actually change something.
package state

import (
	"log/slog"
	"sync"

	"github.com/gogpu/renderopt/backend"
	"github.com/gogpu/renderopt/event"
	"github.com/gogpu/renderopt/internal/logging"
)

// Names of the tracked state fields, carried on StateChanged events.
const (
	FieldProgram     = "program"
	FieldVertexArray = "vertexArray"
	FieldBuffer      = "buffer"
	FieldTexture     = "texture"
	FieldViewport    = "viewport"
	FieldBlend       = "blend"
	FieldDepthTest   = "depthTest"
	FieldCullFace    = "cullFace"
)

// toggle is a tri-state bool: unknown until first set.
type toggle struct {
	value bool
	known bool
}

func (t *toggle) set(v bool) bool {
	if t.known && t.value == v {
		return false
	}
	t.value = v
	t.known = true
	return true
}

// Deduplicator shadows device state and skips setter calls that would
// not change it. After construction (and after Invalidate) every
// field is unknown, so the first set of each always reaches the
// device.
//
// Deduplicator is safe for concurrent use, though the render loop is
// expected to be its only caller.
type Deduplicator struct {
	mu sync.Mutex

	device backend.Device
	events event.Sink
	logger *slog.Logger

	program     backend.ProgramID
	programSet  bool
	vertexArray backend.VertexArrayID
	vaSet       bool
	buffers     map[backend.BufferType]backend.BufferID
	textures    map[int]backend.TextureID
	viewport    backend.Viewport
	viewportSet bool
	blend       toggle
	depthTest   toggle
	cullFace    toggle

	changes uint64
	skipped uint64
}

// New creates a deduplicator with no known state. A nil events sink
// disables notifications; a nil logger silences diagnostics.
func New(device backend.Device, events event.Sink, logger *slog.Logger) *Deduplicator {
	if events == nil {
		events = event.NopSink()
	}
	return &Deduplicator{
		device:   device,
		events:   events,
		logger:   logging.Or(logger),
		buffers:  make(map[backend.BufferType]backend.BufferID),
		textures: make(map[int]backend.TextureID),
	}
}

// changed records one issued state change. Caller must hold d.mu.
func (d *Deduplicator) changed(field string) {
	d.changes++
	d.events.Emit(event.StateChanged{Field: field})
}

// UseProgram binds the program unless it is already bound. Reports
// whether a device call was issued.
func (d *Deduplicator) UseProgram(id backend.ProgramID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.programSet && d.program == id {
		d.skipped++
		return false
	}
	d.device.UseProgram(id)
	d.program = id
	d.programSet = true
	d.changed(FieldProgram)
	return true
}

// BindVertexArray binds the vertex array unless it is already bound.
func (d *Deduplicator) BindVertexArray(id backend.VertexArrayID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.vaSet && d.vertexArray == id {
		d.skipped++
		return false
	}
	d.device.BindVertexArray(id)
	d.vertexArray = id
	d.vaSet = true
	d.changed(FieldVertexArray)
	return true
}

// BindBuffer binds a buffer to its target unless it is already bound
// there.
func (d *Deduplicator) BindBuffer(target backend.BufferType, id backend.BufferID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if bound, ok := d.buffers[target]; ok && bound == id {
		d.skipped++
		return false
	}
	d.device.BindBuffer(target, id)
	d.buffers[target] = id
	d.changed(FieldBuffer)
	return true
}

// BindTexture binds a texture to a unit unless it is already bound
// there.
func (d *Deduplicator) BindTexture(unit int, id backend.TextureID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if bound, ok := d.textures[unit]; ok && bound == id {
		d.skipped++
		return false
	}
	d.device.BindTexture(unit, id)
	d.textures[unit] = id
	d.changed(FieldTexture)
	return true
}

// SetViewport sets the viewport unless it already matches.
func (d *Deduplicator) SetViewport(v backend.Viewport) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.viewportSet && d.viewport == v {
		d.skipped++
		return false
	}
	d.device.SetViewport(v)
	d.viewport = v
	d.viewportSet = true
	d.changed(FieldViewport)
	return true
}

// SetBlendEnabled toggles blending unless it already matches.
func (d *Deduplicator) SetBlendEnabled(enabled bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.blend.set(enabled) {
		d.skipped++
		return false
	}
	d.device.SetBlendEnabled(enabled)
	d.changed(FieldBlend)
	return true
}

// SetDepthTestEnabled toggles depth testing unless it already matches.
func (d *Deduplicator) SetDepthTestEnabled(enabled bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.depthTest.set(enabled) {
		d.skipped++
		return false
	}
	d.device.SetDepthTestEnabled(enabled)
	d.changed(FieldDepthTest)
	return true
}

// SetCullFaceEnabled toggles face culling unless it already matches.
func (d *Deduplicator) SetCullFaceEnabled(enabled bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.cullFace.set(enabled) {
		d.skipped++
		return false
	}
	d.device.SetCullFaceEnabled(enabled)
	d.changed(FieldCullFace)
	return true
}

// StateChangeCount returns the number of device calls issued since
// the last reset.
func (d *Deduplicator) StateChangeCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.changes
}

// SkippedCount returns the number of redundant calls suppressed since
// the last reset.
func (d *Deduplicator) SkippedCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.skipped
}

// ResetStateChangeCount zeroes both counters and returns the issued
// count, for per-frame accounting.
func (d *Deduplicator) ResetStateChangeCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.changes
	d.changes = 0
	d.skipped = 0
	return n
}

// Invalidate forgets all shadowed state. Call it after external code
// has talked to the device directly; the next set of every field then
// reaches the device unconditionally.
func (d *Deduplicator) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.programSet = false
	d.vaSet = false
	d.viewportSet = false
	d.blend.known = false
	d.depthTest.known = false
	d.cullFace.known = false
	clear(d.buffers)
	clear(d.textures)
	d.logger.Debug("state: shadow state invalidated")
}
