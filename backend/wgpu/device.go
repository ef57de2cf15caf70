//go:build !nogpu

// Package wgpu implements backend.Device on gogpu/wgpu's HAL layer.
// Shader sources are WGSL: compiled to SPIR-V through gogpu/naga and
// handed to the driver as shader modules. Render state set through the
// backend interface is tracked on the device and baked into lazily
// created render pipelines at draw time.
package wgpu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	// Vulkan backend registers itself via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/renderopt/backend"
	"github.com/gogpu/renderopt/shader"
)

func init() {
	backend.Register(backend.DeviceWGPU, func() backend.Device {
		return New()
	})
}

const defaultTextureUnits = 16

var _ backend.Device = (*Device)(nil)

type texture struct {
	tex  hal.Texture
	view hal.TextureView
	desc backend.TextureDescriptor
}

type framebuffer struct {
	color backend.TextureID
	depth backend.TextureID
}

type buffer struct {
	buf  hal.Buffer
	desc backend.BufferDescriptor
}

type shaderModule struct {
	module hal.ShaderModule
	stage  backend.ShaderStage

	// refs counts linked programs holding the module. detached marks
	// a module whose DestroyShader ran while programs still held it;
	// the last program release destroys it.
	refs     int
	detached bool
}

// Device is the hardware implementation of backend.Device.
//
// Device is safe for concurrent use. Draw submission is synchronous:
// each draw encodes one render pass and waits for its fence, which
// keeps resource lifetimes trivial at the cost of per-draw submit
// overhead.
type Device struct {
	mu sync.Mutex

	instance hal.Instance
	dev      hal.Device
	queue    hal.Queue
	limits   gputypes.Limits
	adapter  string

	initialized bool
	nextID      atomic.Uint64

	textures     map[backend.TextureID]*texture
	framebuffers map[backend.FramebufferID]*framebuffer
	buffers      map[backend.BufferID]*buffer
	vertexArrays map[backend.VertexArrayID]struct{}
	shaders      map[backend.ShaderID]*shaderModule
	programs     map[backend.ProgramID]*program

	state   deviceState
	drawErr error
}

// deviceState is the GL-style mutable state the backend interface
// exposes, resolved into pipeline and pass parameters at draw time.
type deviceState struct {
	program      backend.ProgramID
	vertexArray  backend.VertexArrayID
	vertexBuffer backend.BufferID
	indexBuffer  backend.BufferID
	textures     [defaultTextureUnits]backend.TextureID
	viewport     backend.Viewport
	blend        bool
	depthTest    bool
	cullFace     bool

	// target is the internal offscreen render target, sized from the
	// viewport. Recreated when the viewport size changes.
	target       backend.TextureID
	targetFresh  bool
	targetWidth  int
	targetHeight int
}

// New creates an uninitialized device. Init selects an adapter and
// opens it.
func New() *Device {
	return &Device{
		textures:     make(map[backend.TextureID]*texture),
		framebuffers: make(map[backend.FramebufferID]*framebuffer),
		buffers:      make(map[backend.BufferID]*buffer),
		vertexArrays: make(map[backend.VertexArrayID]struct{}),
		shaders:      make(map[backend.ShaderID]*shaderModule),
		programs:     make(map[backend.ProgramID]*program),
	}
}

// Name returns the device identifier.
func (d *Device) Name() string { return backend.DeviceWGPU }

// AdapterName returns the selected GPU adapter's name. Empty before Init.
func (d *Device) AdapterName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.adapter
}

// Init selects a GPU adapter and opens a device and queue. Prefers a
// discrete GPU, then an integrated one, then whatever is left.
func (d *Device) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return nil
	}

	hb, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return fmt.Errorf("wgpu: %w: vulkan backend not available", backend.ErrDeviceNotAvailable)
	}
	instance, err := hb.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("wgpu: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return fmt.Errorf("wgpu: %w: no adapters found", backend.ErrDeviceNotAvailable)
	}

	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		for i := range adapters {
			if adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
				selected = &adapters[i]
				break
			}
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return fmt.Errorf("wgpu: open adapter %q: %w", selected.Info.Name, err)
	}

	d.instance = instance
	d.dev = openDev.Device
	d.queue = openDev.Queue
	d.limits = gputypes.DefaultLimits()
	d.adapter = selected.Info.Name
	d.nextID.Store(0)
	d.initialized = true
	return nil
}

// Close destroys every tracked resource and releases the device.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return
	}

	for id := range d.programs {
		d.destroyProgramLocked(id)
	}
	for id, s := range d.shaders {
		d.dev.DestroyShaderModule(s.module)
		delete(d.shaders, id)
	}
	for id, t := range d.textures {
		d.dev.DestroyTextureView(t.view)
		d.dev.DestroyTexture(t.tex)
		delete(d.textures, id)
	}
	clear(d.framebuffers)
	for id, b := range d.buffers {
		d.dev.DestroyBuffer(b.buf)
		delete(d.buffers, id)
	}
	clear(d.vertexArrays)

	d.dev.Destroy()
	d.instance.Destroy()
	d.dev = nil
	d.queue = nil
	d.instance = nil
	d.initialized = false
	d.state = deviceState{}
}

// Limits reports the adapter's capability limits.
func (d *Device) Limits() backend.Limits {
	d.mu.Lock()
	defer d.mu.Unlock()
	return backend.Limits{
		MaxTextureSize:  int(d.limits.MaxTextureDimension2D), //nolint:gosec // G115: dimension fits int
		MaxTextureUnits: defaultTextureUnits,
		MaxBufferSize:   d.limits.MaxBufferSize,
	}
}

func (d *Device) newID() uint64 { return d.nextID.Add(1) }

// CreateTexture allocates a texture and its view. Sampled textures get
// copy-dst usage for uploads; render targets get attachment usage.
func (d *Device) CreateTexture(desc *backend.TextureDescriptor) (backend.TextureID, error) {
	if desc == nil || desc.Width <= 0 || desc.Height <= 0 {
		return 0, fmt.Errorf("%w: texture", backend.ErrInvalidDescriptor)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, backend.ErrNotInitialized
	}
	return d.createTextureLocked(desc)
}

func (d *Device) createTextureLocked(desc *backend.TextureDescriptor) (backend.TextureID, error) {
	usage := gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst
	if desc.RenderTarget {
		usage = gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc
	}

	tex, err := d.dev.CreateTexture(&hal.TextureDescriptor{
		Label: desc.Label,
		Size: hal.Extent3D{
			Width:              uint32(desc.Width),  //nolint:gosec // G115: validated positive
			Height:             uint32(desc.Height), //nolint:gosec // G115: validated positive
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        convertFormat(desc.Format),
		Usage:         usage,
	})
	if err != nil {
		return 0, fmt.Errorf("wgpu: create texture %q: %w", desc.Label, err)
	}

	view, err := d.dev.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label: desc.Label + "_view",
	})
	if err != nil {
		d.dev.DestroyTexture(tex)
		return 0, fmt.Errorf("wgpu: create texture view %q: %w", desc.Label, err)
	}

	id := backend.TextureID(d.newID())
	d.textures[id] = &texture{tex: tex, view: view, desc: *desc}
	return id, nil
}

// UploadTexture copies pixel data into the texture through the queue.
func (d *Device) UploadTexture(id backend.TextureID, pixels []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.textures[id]
	if !ok {
		return fmt.Errorf("%w: texture %d", backend.ErrInvalidHandle, id)
	}
	if uint64(len(pixels)) != t.desc.SizeBytes() {
		return fmt.Errorf("%w: got %d bytes, texture holds %d",
			backend.ErrUploadSizeMismatch, len(pixels), t.desc.SizeBytes())
	}

	width := uint32(t.desc.Width)   //nolint:gosec // G115: validated at creation
	height := uint32(t.desc.Height) //nolint:gosec // G115: validated at creation
	bpp := uint32(t.desc.Format.BytesPerPixel())

	d.queue.WriteTexture(
		&hal.ImageCopyTexture{
			Texture:  t.tex,
			MipLevel: 0,
			Origin:   hal.Origin3D{X: 0, Y: 0, Z: 0},
			Aspect:   gputypes.TextureAspectAll,
		},
		pixels,
		&hal.ImageDataLayout{
			Offset:       0,
			BytesPerRow:  width * bpp,
			RowsPerImage: height,
		},
		&hal.Extent3D{Width: width, Height: height, DepthOrArrayLayers: 1},
	)
	return nil
}

// DestroyTexture releases a texture. Unknown handles are ignored.
func (d *Device) DestroyTexture(id backend.TextureID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.textures[id]
	if !ok {
		return
	}
	delete(d.textures, id)
	d.dev.DestroyTextureView(t.view)
	d.dev.DestroyTexture(t.tex)
}

// CreateFramebuffer records a framebuffer over existing attachments.
// The HAL has no framebuffer object; attachments are referenced
// per-pass, so this is pure bookkeeping plus validation.
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

	id := backend.FramebufferID(d.newID())
	d.framebuffers[id] = &framebuffer{
		color: desc.ColorAttachment,
		depth: desc.DepthAttachment,
	}
	return id, nil
}

// DestroyFramebuffer releases a framebuffer record. The attachments
// stay alive; their owner destroys them separately.
func (d *Device) DestroyFramebuffer(id backend.FramebufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.framebuffers, id)
}

// CreateBuffer allocates a device buffer. Sizes are rounded up to
// 4-byte alignment as the HAL requires.
func (d *Device) CreateBuffer(desc *backend.BufferDescriptor) (backend.BufferID, error) {
	if desc == nil || desc.Size == 0 {
		return 0, fmt.Errorf("%w: buffer needs a non-zero size", backend.ErrInvalidDescriptor)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, backend.ErrNotInitialized
	}

	aligned := (desc.Size + 3) &^ 3
	buf, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  aligned,
		Usage: convertBufferType(desc.Type),
	})
	if err != nil {
		return 0, fmt.Errorf("wgpu: create buffer %q: %w", desc.Label, err)
	}

	id := backend.BufferID(d.newID())
	stored := *desc
	stored.Size = aligned
	d.buffers[id] = &buffer{buf: buf, desc: stored}
	return id, nil
}

// WriteBuffer copies data into the buffer at offset through the queue.
func (d *Device) WriteBuffer(id backend.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("%w: buffer %d", backend.ErrInvalidHandle, id)
	}
	if offset+uint64(len(data)) > b.desc.Size {
		return fmt.Errorf("%w: write [%d,%d) into %d-byte buffer",
			backend.ErrInvalidDescriptor, offset, offset+uint64(len(data)), b.desc.Size)
	}
	if len(data) > 0 {
		d.queue.WriteBuffer(b.buf, offset, data)
	}
	return nil
}

// DestroyBuffer releases a buffer. Unknown handles are ignored.
func (d *Device) DestroyBuffer(id backend.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[id]
	if !ok {
		return
	}
	delete(d.buffers, id)
	d.dev.DestroyBuffer(b.buf)
}

// BufferValid reports whether id refers to a live buffer.
func (d *Device) BufferValid(id backend.BufferID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.buffers[id]
	return ok
}

// CreateVertexArray allocates a vertex-array handle. The HAL has no
// vertex-array object; the handle exists so callers can group binding
// state, and the fixed vertex layout is baked into pipelines.
func (d *Device) CreateVertexArray() (backend.VertexArrayID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, backend.ErrNotInitialized
	}
	id := backend.VertexArrayID(d.newID())
	d.vertexArrays[id] = struct{}{}
	return id, nil
}

// DestroyVertexArray releases a vertex-array handle.
func (d *Device) DestroyVertexArray(id backend.VertexArrayID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.vertexArrays, id)
}

// CompileShader compiles WGSL source to SPIR-V via naga and creates a
// shader module. Leading define lines from preprocessing are stripped
// first; their symbols were already consumed by conditional
// resolution.
func (d *Device) CompileShader(stage backend.ShaderStage, source string) (backend.ShaderID, error) {
	if source == "" {
		return 0, &backend.CompileError{Stage: stage, Log: "empty shader source"}
	}

	wgsl := shader.StripDefines(source)
	spirvBytes, err := naga.Compile(wgsl)
	if err != nil {
		return 0, &backend.CompileError{
			Stage:  stage,
			Log:    err.Error(),
			Source: wgsl,
			Err:    err,
		}
	}

	// SPIR-V is little-endian 32-bit words.
	spirv := make([]uint32, len(spirvBytes)/4)
	for i := range spirv {
		spirv[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, backend.ErrNotInitialized
	}

	module, err := d.dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  stage.String(),
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return 0, &backend.CompileError{
			Stage:  stage,
			Log:    err.Error(),
			Source: wgsl,
			Err:    err,
		}
	}

	id := backend.ShaderID(d.newID())
	d.shaders[id] = &shaderModule{module: module, stage: stage}
	return id, nil
}

// DestroyShader releases a shader module. Modules still referenced by
// a linked program stay alive until the program is destroyed. Unknown
// handles are ignored.
func (d *Device) DestroyShader(id backend.ShaderID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.shaders[id]
	if !ok {
		return
	}
	delete(d.shaders, id)
	if s.refs > 0 {
		s.detached = true
		return
	}
	d.dev.DestroyShaderModule(s.module)
}

// convertFormat maps the backend texture format onto the HAL's.
func convertFormat(f backend.TextureFormat) gputypes.TextureFormat {
	switch f {
	case backend.FormatBGRA8:
		return gputypes.TextureFormatBGRA8Unorm
	case backend.FormatR8:
		return gputypes.TextureFormatR8Unorm
	case backend.FormatDepth24Stencil8:
		return gputypes.TextureFormatDepth24PlusStencil8
	default:
		return gputypes.TextureFormatRGBA8Unorm
	}
}

// convertBufferType maps the backend buffer type onto HAL usage flags.
// All buffers take copy-dst so WriteBuffer works.
func convertBufferType(t backend.BufferType) gputypes.BufferUsage {
	switch t {
	case backend.BufferIndex:
		return gputypes.BufferUsageIndex | gputypes.BufferUsageCopyDst
	case backend.BufferUniform:
		return gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst
	default:
		return gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst
	}
}
