// Package backend defines the graphics device boundary consumed by the
// renderopt optimization layer.
//
// A Device exposes the raw primitives the layer orchestrates: object
// creation and destruction (textures, framebuffers, buffers, shaders,
// programs), bind/use operations, uniform upload, and draw submission.
// The package does not implement a device itself; concrete devices live
// in subpackages (backend/headless, backend/wgpu) and register
// themselves via Register().
package backend

// Handle types are opaque, device-assigned identifiers. The zero value
// always means "no object" and is never assigned to a live object.
type (
	// TextureID identifies a device texture.
	TextureID uint64

	// FramebufferID identifies a device framebuffer.
	FramebufferID uint64

	// BufferID identifies a device buffer.
	BufferID uint64

	// ShaderID identifies a compiled shader stage.
	ShaderID uint64

	// ProgramID identifies a linked shader program.
	ProgramID uint64

	// VertexArrayID identifies a vertex-array configuration.
	VertexArrayID uint64
)

// ShaderStage identifies a shader stage within a program.
type ShaderStage uint8

const (
	// StageVertex is the vertex shader stage.
	StageVertex ShaderStage = iota

	// StageFragment is the fragment shader stage.
	StageFragment
)

// String returns the stage name.
func (s ShaderStage) String() string {
	switch s {
	case StageVertex:
		return "vertex"
	case StageFragment:
		return "fragment"
	default:
		return "unknown"
	}
}

// BufferType classifies a buffer by the binding point it targets.
type BufferType uint8

const (
	// BufferVertex holds vertex attribute data.
	BufferVertex BufferType = iota

	// BufferIndex holds element indices.
	BufferIndex

	// BufferUniform holds uniform block data.
	BufferUniform
)

// String returns the buffer type name.
func (t BufferType) String() string {
	switch t {
	case BufferVertex:
		return "vertex"
	case BufferIndex:
		return "index"
	case BufferUniform:
		return "uniform"
	default:
		return "unknown"
	}
}

// BufferUsage hints how often buffer contents will be rewritten.
type BufferUsage uint8

const (
	// UsageStatic is written once and drawn many times.
	UsageStatic BufferUsage = iota

	// UsageDynamic is rewritten occasionally.
	UsageDynamic

	// UsageStream is rewritten every frame.
	UsageStream
)

// String returns the usage name.
func (u BufferUsage) String() string {
	switch u {
	case UsageStatic:
		return "static"
	case UsageDynamic:
		return "dynamic"
	case UsageStream:
		return "stream"
	default:
		return "unknown"
	}
}

// PrimitiveMode selects the primitive topology for a draw call.
type PrimitiveMode uint8

const (
	// Triangles draws independent triangles.
	Triangles PrimitiveMode = iota

	// TriangleStrip draws a connected triangle strip.
	TriangleStrip

	// Lines draws independent line segments.
	Lines

	// Points draws independent points.
	Points
)

// TextureFormat is the pixel format of a texture.
type TextureFormat uint8

const (
	// FormatRGBA8 is 8-bit-per-channel RGBA (the default).
	FormatRGBA8 TextureFormat = iota

	// FormatBGRA8 is 8-bit-per-channel BGRA.
	FormatBGRA8

	// FormatR8 is single-channel 8-bit (alpha masks, coverage).
	FormatR8

	// FormatDepth24Stencil8 is a combined depth/stencil format.
	FormatDepth24Stencil8
)

// BytesPerPixel returns the storage size of one pixel in this format.
func (f TextureFormat) BytesPerPixel() int {
	switch f {
	case FormatR8:
		return 1
	default:
		return 4
	}
}

// TextureDescriptor describes a texture to create.
type TextureDescriptor struct {
	// Label is an optional debug label.
	Label string

	// Width and Height are the texture dimensions in pixels.
	Width  int
	Height int

	// Format is the pixel format. Zero value is FormatRGBA8.
	Format TextureFormat

	// RenderTarget marks the texture as a framebuffer attachment.
	RenderTarget bool
}

// SizeBytes returns the estimated device memory footprint.
func (d *TextureDescriptor) SizeBytes() uint64 {
	return uint64(d.Width) * uint64(d.Height) * uint64(d.Format.BytesPerPixel())
}

// FramebufferDescriptor describes a framebuffer to create. Attachments
// must be live textures created with RenderTarget set.
type FramebufferDescriptor struct {
	// Label is an optional debug label.
	Label string

	// ColorAttachment is the color target. Required.
	ColorAttachment TextureID

	// DepthAttachment is the optional depth/stencil target.
	DepthAttachment TextureID
}

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	// Label is an optional debug label.
	Label string

	// Size is the buffer capacity in bytes.
	Size uint64

	// Type selects the binding point the buffer targets.
	Type BufferType

	// Usage hints the rewrite frequency.
	Usage BufferUsage
}

// Viewport is a viewport rectangle in pixels.
type Viewport struct {
	X, Y, Width, Height int
}

// Limits reports device capability limits.
type Limits struct {
	// MaxTextureSize is the maximum texture dimension in pixels.
	MaxTextureSize int

	// MaxTextureUnits is the number of simultaneous texture bindings.
	MaxTextureUnits int

	// MaxBufferSize is the maximum buffer size in bytes.
	MaxBufferSize uint64
}

// Device is the graphics device boundary.
//
// The optimization layer owns when these primitives are called; the
// device owns how they map onto the underlying driver. Handles returned
// by Create* methods stay valid until the matching Destroy* call.
// Destroy* methods accept already-destroyed or zero handles and treat
// them as no-ops, so teardown paths need no existence checks.
//
// Implementations must be safe for concurrent use: the shader cache's
// asynchronous compile worker calls CompileShader and LinkProgram off
// the render goroutine.
type Device interface {
	// Name returns the device identifier (e.g. "headless", "wgpu").
	Name() string

	// Init initializes the device. Must be called before any other
	// operation.
	Init() error

	// Close releases all device resources. The device must not be used
	// after Close.
	Close()

	// Limits returns the device capability limits.
	Limits() Limits

	// CreateTexture allocates a texture.
	CreateTexture(desc *TextureDescriptor) (TextureID, error)

	// UploadTexture replaces the full pixel contents of a texture.
	// len(pixels) must match the texture's descriptor size.
	UploadTexture(id TextureID, pixels []byte) error

	// DestroyTexture releases a texture.
	DestroyTexture(id TextureID)

	// CreateFramebuffer allocates a framebuffer over existing textures.
	CreateFramebuffer(desc *FramebufferDescriptor) (FramebufferID, error)

	// DestroyFramebuffer releases a framebuffer. Attachments are not
	// destroyed; they belong to the caller.
	DestroyFramebuffer(id FramebufferID)

	// CreateBuffer allocates a buffer.
	CreateBuffer(desc *BufferDescriptor) (BufferID, error)

	// WriteBuffer writes data into a buffer at the given byte offset.
	WriteBuffer(id BufferID, offset uint64, data []byte) error

	// DestroyBuffer releases a buffer.
	DestroyBuffer(id BufferID)

	// BufferValid reports whether id refers to a live buffer.
	BufferValid(id BufferID) bool

	// CreateVertexArray allocates a vertex-array configuration.
	CreateVertexArray() (VertexArrayID, error)

	// DestroyVertexArray releases a vertex array.
	DestroyVertexArray(id VertexArrayID)

	// CompileShader compiles one shader stage from source. On failure
	// the returned error is a *CompileError carrying the device's
	// diagnostic log, the stage, and the offending source.
	CompileShader(stage ShaderStage, source string) (ShaderID, error)

	// DestroyShader releases a compiled shader stage. Programs linked
	// from it remain valid.
	DestroyShader(id ShaderID)

	// LinkProgram links a vertex and fragment shader into a program.
	// On failure the returned error is a *LinkError carrying the
	// device's link log.
	LinkProgram(vertex, fragment ShaderID) (ProgramID, error)

	// DestroyProgram releases a linked program.
	DestroyProgram(id ProgramID)

	// UseProgram makes a program current for subsequent draws.
	UseProgram(id ProgramID)

	// BindVertexArray makes a vertex array current.
	BindVertexArray(id VertexArrayID)

	// BindBuffer binds a buffer to its binding point.
	BindBuffer(target BufferType, id BufferID)

	// BindTexture binds a texture to the given texture unit.
	BindTexture(unit int, id TextureID)

	// SetViewport sets the viewport rectangle.
	SetViewport(v Viewport)

	// SetBlendEnabled toggles blending.
	SetBlendEnabled(enabled bool)

	// SetDepthTestEnabled toggles the depth test.
	SetDepthTestEnabled(enabled bool)

	// SetCullFaceEnabled toggles back-face culling.
	SetCullFaceEnabled(enabled bool)

	// SetUniform uploads a uniform value to a program.
	SetUniform(program ProgramID, name string, value UniformValue) error

	// Draw issues a non-instanced draw call against the current
	// program/vertex-array/texture bindings.
	Draw(mode PrimitiveMode, first, count int)

	// DrawInstanced issues an instanced draw call.
	DrawInstanced(mode PrimitiveMode, first, count, instances int)
}
