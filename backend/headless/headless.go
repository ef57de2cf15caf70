// Package headless provides an in-memory backend.Device that performs
// full handle bookkeeping without touching any GPU API.
//
// The headless device backs two use cases: CI and unit tests (every
// renderopt component can run against it), and call-pattern inspection
// (it records the device calls issued to it, so redundant-call
// suppression is observable). It is always available and registers
// itself at the lowest priority.
package headless

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/renderopt/backend"
)

func init() {
	backend.Register(backend.DeviceHeadless, func() backend.Device {
		return New()
	})
}

// Default headless device limits. Sized like a mid-range GPU so that
// budget math in tests resembles production numbers.
const (
	defaultMaxTextureSize  = 8192
	defaultMaxTextureUnits = 16
	defaultMaxBufferSize   = 256 * 1024 * 1024
)

type textureObject struct {
	desc   backend.TextureDescriptor
	pixels []byte
}

type bufferObject struct {
	desc backend.BufferDescriptor
	data []byte
}

type programObject struct {
	vertex   backend.ShaderID
	fragment backend.ShaderID
	uniforms map[string]backend.UniformValue
}

// Device is an in-memory implementation of backend.Device.
//
// Every operation is recorded in an internal call log as
// "op(arg,...)" strings; tests use Calls and CallCount to assert how
// many driver calls a component actually issued. Handle bookkeeping is
// real: destroyed handles become invalid, uploads are size-checked,
// framebuffer attachments must be live render-target textures.
//
// Device is safe for concurrent use.
type Device struct {
	mu sync.Mutex

	initialized bool
	nextID      atomic.Uint64

	textures     map[backend.TextureID]*textureObject
	framebuffers map[backend.FramebufferID]*backend.FramebufferDescriptor
	buffers      map[backend.BufferID]*bufferObject
	shaders      map[backend.ShaderID]backend.ShaderStage
	programs     map[backend.ProgramID]*programObject
	vertexArrays map[backend.VertexArrayID]struct{}

	calls []string

	// CompileHook, when non-nil, is consulted by CompileShader before
	// accepting the source. Returning an error makes the compile fail
	// with a *backend.CompileError wrapping it. Tests use this to
	// exercise failure paths.
	CompileHook func(stage backend.ShaderStage, source string) error

	// LinkHook, when non-nil, is consulted by LinkProgram. Returning an
	// error makes the link fail with a *backend.LinkError wrapping it.
	LinkHook func(vertex, fragment backend.ShaderID) error
}

// New creates an uninitialized headless device.
func New() *Device {
	return &Device{
		textures:     make(map[backend.TextureID]*textureObject),
		framebuffers: make(map[backend.FramebufferID]*backend.FramebufferDescriptor),
		buffers:      make(map[backend.BufferID]*bufferObject),
		shaders:      make(map[backend.ShaderID]backend.ShaderStage),
		programs:     make(map[backend.ProgramID]*programObject),
		vertexArrays: make(map[backend.VertexArrayID]struct{}),
	}
}

// Name returns the device identifier.
func (d *Device) Name() string { return backend.DeviceHeadless }

// Init initializes the device. Calling Init twice is a no-op.
func (d *Device) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initialized = true
	return nil
}

// Close releases all tracked objects.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initialized = false
	clear(d.textures)
	clear(d.framebuffers)
	clear(d.buffers)
	clear(d.shaders)
	clear(d.programs)
	clear(d.vertexArrays)
}

// Limits returns fixed, GPU-like capability limits.
func (d *Device) Limits() backend.Limits {
	return backend.Limits{
		MaxTextureSize:  defaultMaxTextureSize,
		MaxTextureUnits: defaultMaxTextureUnits,
		MaxBufferSize:   defaultMaxBufferSize,
	}
}

// record appends one formatted entry to the call log. Callers must hold d.mu.
func (d *Device) record(format string, args ...any) {
	d.calls = append(d.calls, fmt.Sprintf(format, args...))
}

// Calls returns a copy of the recorded call log.
func (d *Device) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

// CallCount returns how many recorded calls have the given operation
// name (the part before the opening parenthesis).
func (d *Device) CallCount(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	prefix := op + "("
	for _, c := range d.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// ResetCalls clears the recorded call log.
func (d *Device) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = d.calls[:0]
}

// CreateTexture allocates a texture record and zeroed pixel storage.
func (d *Device) CreateTexture(desc *backend.TextureDescriptor) (backend.TextureID, error) {
	if desc == nil || desc.Width <= 0 || desc.Height <= 0 {
		return 0, fmt.Errorf("%w: texture %q", backend.ErrInvalidDescriptor, labelOf(desc))
	}
	if desc.Width > defaultMaxTextureSize || desc.Height > defaultMaxTextureSize {
		return 0, fmt.Errorf("%w: texture %q exceeds max dimension %d",
			backend.ErrInvalidDescriptor, desc.Label, defaultMaxTextureSize)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, backend.ErrNotInitialized
	}

	id := backend.TextureID(d.nextID.Add(1))
	d.textures[id] = &textureObject{
		desc:   *desc,
		pixels: make([]byte, desc.SizeBytes()),
	}
	d.record("CreateTexture(%d,%dx%d)", id, desc.Width, desc.Height)
	return id, nil
}

func labelOf(desc *backend.TextureDescriptor) string {
	if desc == nil {
		return "<nil>"
	}
	return desc.Label
}

// UploadTexture copies pixels into the texture's storage.
func (d *Device) UploadTexture(id backend.TextureID, pixels []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tex, ok := d.textures[id]
	if !ok {
		return fmt.Errorf("%w: texture %d", backend.ErrInvalidHandle, id)
	}
	if len(pixels) != len(tex.pixels) {
		return fmt.Errorf("%w: got %d bytes, texture holds %d",
			backend.ErrUploadSizeMismatch, len(pixels), len(tex.pixels))
	}
	copy(tex.pixels, pixels)
	d.record("UploadTexture(%d,%d)", id, len(pixels))
	return nil
}

// TexturePixels returns a copy of the texture's stored pixels, or nil
// for an unknown handle. Test helper.
func (d *Device) TexturePixels(id backend.TextureID) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	tex, ok := d.textures[id]
	if !ok {
		return nil
	}
	out := make([]byte, len(tex.pixels))
	copy(out, tex.pixels)
	return out
}

// DestroyTexture releases a texture. Unknown handles are ignored.
func (d *Device) DestroyTexture(id backend.TextureID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.textures[id]; !ok {
		return
	}
	delete(d.textures, id)
	d.record("DestroyTexture(%d)", id)
}

// CreateFramebuffer allocates a framebuffer over live attachments.
func (d *Device) CreateFramebuffer(desc *backend.FramebufferDescriptor) (backend.FramebufferID, error) {
	if desc == nil || desc.ColorAttachment == 0 {
		return 0, fmt.Errorf("%w: framebuffer needs a color attachment", backend.ErrInvalidDescriptor)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, backend.ErrNotInitialized
	}
	if _, ok := d.textures[desc.ColorAttachment]; !ok {
		return 0, fmt.Errorf("%w: color attachment %d", backend.ErrInvalidHandle, desc.ColorAttachment)
	}
	if desc.DepthAttachment != 0 {
		if _, ok := d.textures[desc.DepthAttachment]; !ok {
			return 0, fmt.Errorf("%w: depth attachment %d", backend.ErrInvalidHandle, desc.DepthAttachment)
		}
	}

	id := backend.FramebufferID(d.nextID.Add(1))
	cp := *desc
	d.framebuffers[id] = &cp
	d.record("CreateFramebuffer(%d)", id)
	return id, nil
}

// DestroyFramebuffer releases a framebuffer. Unknown handles are ignored.
func (d *Device) DestroyFramebuffer(id backend.FramebufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.framebuffers[id]; !ok {
		return
	}
	delete(d.framebuffers, id)
	d.record("DestroyFramebuffer(%d)", id)
}

// CreateBuffer allocates a buffer record with zeroed storage.
func (d *Device) CreateBuffer(desc *backend.BufferDescriptor) (backend.BufferID, error) {
	if desc == nil || desc.Size == 0 {
		return 0, fmt.Errorf("%w: buffer needs a non-zero size", backend.ErrInvalidDescriptor)
	}
	if desc.Size > defaultMaxBufferSize {
		return 0, fmt.Errorf("%w: buffer size %d exceeds limit", backend.ErrInvalidDescriptor, desc.Size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, backend.ErrNotInitialized
	}

	id := backend.BufferID(d.nextID.Add(1))
	d.buffers[id] = &bufferObject{
		desc: *desc,
		data: make([]byte, desc.Size),
	}
	d.record("CreateBuffer(%d,%d)", id, desc.Size)
	return id, nil
}

// WriteBuffer copies data into the buffer at offset.
func (d *Device) WriteBuffer(id backend.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("%w: buffer %d", backend.ErrInvalidHandle, id)
	}
	if offset+uint64(len(data)) > uint64(len(buf.data)) {
		return fmt.Errorf("%w: write [%d,%d) into %d-byte buffer",
			backend.ErrInvalidDescriptor, offset, offset+uint64(len(data)), len(buf.data))
	}
	copy(buf.data[offset:], data)
	d.record("WriteBuffer(%d,%d,%d)", id, offset, len(data))
	return nil
}

// DestroyBuffer releases a buffer. Unknown handles are ignored.
func (d *Device) DestroyBuffer(id backend.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buffers[id]; !ok {
		return
	}
	delete(d.buffers, id)
	d.record("DestroyBuffer(%d)", id)
}

// BufferValid reports whether id refers to a live buffer.
func (d *Device) BufferValid(id backend.BufferID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.buffers[id]
	return ok
}

// CreateVertexArray allocates a vertex-array handle.
func (d *Device) CreateVertexArray() (backend.VertexArrayID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, backend.ErrNotInitialized
	}
	id := backend.VertexArrayID(d.nextID.Add(1))
	d.vertexArrays[id] = struct{}{}
	d.record("CreateVertexArray(%d)", id)
	return id, nil
}

// DestroyVertexArray releases a vertex array. Unknown handles are ignored.
func (d *Device) DestroyVertexArray(id backend.VertexArrayID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.vertexArrays[id]; !ok {
		return
	}
	delete(d.vertexArrays, id)
	d.record("DestroyVertexArray(%d)", id)
}

// CompileShader accepts any non-empty source unless CompileHook rejects it.
func (d *Device) CompileShader(stage backend.ShaderStage, source string) (backend.ShaderID, error) {
	if source == "" {
		return 0, &backend.CompileError{
			Stage: stage,
			Log:   "empty shader source",
		}
	}

	d.mu.Lock()
	hook := d.CompileHook
	d.mu.Unlock()
	if hook != nil {
		if err := hook(stage, source); err != nil {
			return 0, &backend.CompileError{
				Stage:  stage,
				Log:    err.Error(),
				Source: source,
				Err:    err,
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, backend.ErrNotInitialized
	}
	id := backend.ShaderID(d.nextID.Add(1))
	d.shaders[id] = stage
	d.record("CompileShader(%d,%s)", id, stage)
	return id, nil
}

// DestroyShader releases a compiled shader stage.
func (d *Device) DestroyShader(id backend.ShaderID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.shaders[id]; !ok {
		return
	}
	delete(d.shaders, id)
	d.record("DestroyShader(%d)", id)
}

// LinkProgram links two live shader stages unless LinkHook rejects them.
func (d *Device) LinkProgram(vertex, fragment backend.ShaderID) (backend.ProgramID, error) {
	d.mu.Lock()
	hook := d.LinkHook
	vs, vok := d.shaders[vertex]
	fs, fok := d.shaders[fragment]
	d.mu.Unlock()

	if !vok || vs != backend.StageVertex {
		return 0, &backend.LinkError{Log: fmt.Sprintf("invalid vertex shader %d", vertex)}
	}
	if !fok || fs != backend.StageFragment {
		return 0, &backend.LinkError{Log: fmt.Sprintf("invalid fragment shader %d", fragment)}
	}
	if hook != nil {
		if err := hook(vertex, fragment); err != nil {
			return 0, &backend.LinkError{Log: err.Error(), Err: err}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	id := backend.ProgramID(d.nextID.Add(1))
	d.programs[id] = &programObject{
		vertex:   vertex,
		fragment: fragment,
		uniforms: make(map[string]backend.UniformValue),
	}
	d.record("LinkProgram(%d)", id)
	return id, nil
}

// DestroyProgram releases a linked program. Unknown handles are ignored.
func (d *Device) DestroyProgram(id backend.ProgramID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.programs[id]; !ok {
		return
	}
	delete(d.programs, id)
	d.record("DestroyProgram(%d)", id)
}

// UseProgram records a program binding.
func (d *Device) UseProgram(id backend.ProgramID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("UseProgram(%d)", id)
}

// BindVertexArray records a vertex-array binding.
func (d *Device) BindVertexArray(id backend.VertexArrayID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("BindVertexArray(%d)", id)
}

// BindBuffer records a buffer binding.
func (d *Device) BindBuffer(target backend.BufferType, id backend.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("BindBuffer(%s,%d)", target, id)
}

// BindTexture records a texture binding.
func (d *Device) BindTexture(unit int, id backend.TextureID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("BindTexture(%d,%d)", unit, id)
}

// SetViewport records a viewport change.
func (d *Device) SetViewport(v backend.Viewport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("SetViewport(%d,%d,%d,%d)", v.X, v.Y, v.Width, v.Height)
}

// SetBlendEnabled records a blend toggle.
func (d *Device) SetBlendEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("SetBlendEnabled(%t)", enabled)
}

// SetDepthTestEnabled records a depth-test toggle.
func (d *Device) SetDepthTestEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("SetDepthTestEnabled(%t)", enabled)
}

// SetCullFaceEnabled records a cull-face toggle.
func (d *Device) SetCullFaceEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("SetCullFaceEnabled(%t)", enabled)
}

// SetUniform stores the uniform on the program record.
func (d *Device) SetUniform(program backend.ProgramID, name string, value backend.UniformValue) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.programs[program]
	if !ok {
		return fmt.Errorf("%w: program %d", backend.ErrInvalidHandle, program)
	}
	p.uniforms[name] = value
	d.record("SetUniform(%d,%s,%s)", program, name, value.Kind())
	return nil
}

// Draw records a draw call.
func (d *Device) Draw(mode backend.PrimitiveMode, first, count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("Draw(%d,%d,%d)", mode, first, count)
}

// DrawInstanced records an instanced draw call.
func (d *Device) DrawInstanced(mode backend.PrimitiveMode, first, count, instances int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("DrawInstanced(%d,%d,%d,%d)", mode, first, count, instances)
}

// LiveObjectCounts returns how many objects of each kind are alive.
// Test helper for leak checks.
func (d *Device) LiveObjectCounts() (textures, framebuffers, buffers, shaders, programs int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.textures), len(d.framebuffers), len(d.buffers), len(d.shaders), len(d.programs)
}
