package resource

import (
	"fmt"
	"image"
	"time"

	"golang.org/x/image/draw"

	"github.com/gogpu/renderopt/backend"
)

// TextureConfig describes a texture resource to create.
type TextureConfig struct {
	// Width and Height are the texture dimensions in pixels. When
	// Image is set and both are zero, the image bounds are used.
	Width  int
	Height int

	// Format is the pixel format. Zero value is RGBA8.
	Format backend.TextureFormat

	// RenderTarget marks the texture as a framebuffer attachment.
	RenderTarget bool

	// Pixels is optional raw initial data matching Width*Height*bpp.
	Pixels []byte

	// Image is optional initial data as an image. It is converted to
	// the texture format and, if it exceeds the device's maximum
	// texture dimension, downscaled to fit. Ignored when Pixels is set.
	Image image.Image

	// Tags carries free-form caller metadata onto the record.
	Tags map[string]string
}

// FramebufferConfig describes a framebuffer resource to create. The
// manager allocates the attachment textures itself and registers them
// as dependents of the framebuffer record.
type FramebufferConfig struct {
	// Width and Height are the attachment dimensions in pixels.
	Width  int
	Height int

	// DepthStencil adds a combined depth/stencil attachment.
	DepthStencil bool

	// Tags carries free-form caller metadata onto the record.
	Tags map[string]string
}

// BufferConfig describes a standalone (non-pooled) buffer resource.
type BufferConfig struct {
	// Size is the buffer capacity in bytes.
	Size uint64

	// Type selects the binding point the buffer targets.
	Type backend.BufferType

	// Usage hints the rewrite frequency.
	Usage backend.BufferUsage

	// Data is optional initial contents.
	Data []byte

	// Tags carries free-form caller metadata onto the record.
	Tags map[string]string
}

// CreateTexture allocates a device texture and stores its record.
// Fails with ErrDuplicateID if the id is already present.
func (m *Manager) CreateTexture(id string, cfg TextureConfig) (*Object, error) {
	pixels := cfg.Pixels
	width, height := cfg.Width, cfg.Height

	if pixels == nil && cfg.Image != nil {
		var err error
		pixels, width, height, err = convertImage(cfg.Image, width, height, m.device.Limits().MaxTextureSize)
		if err != nil {
			return nil, fmt.Errorf("resource: texture %q: %w", id, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if m.store.has(id) {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}

	desc := &backend.TextureDescriptor{
		Label:        id,
		Width:        width,
		Height:       height,
		Format:       cfg.Format,
		RenderTarget: cfg.RenderTarget,
	}

	obj := &Object{
		ID:         id,
		Kind:       KindTexture,
		State:      StateCreating,
		SizeBytes:  desc.SizeBytes(),
		CreatedAt:  time.Now(),
		LastAccess: time.Now(),
		Tags:       cfg.Tags,
	}

	tex, err := m.device.CreateTexture(desc)
	if err != nil {
		obj.State = StateError
		return nil, fmt.Errorf("resource: texture %q: %w", id, err)
	}
	obj.Texture = tex

	if pixels != nil {
		if err := m.device.UploadTexture(tex, pixels); err != nil {
			m.device.DestroyTexture(tex)
			obj.State = StateError
			return nil, fmt.Errorf("resource: texture %q upload: %w", id, err)
		}
	}

	m.insert(obj)
	return obj, nil
}

// CreateFramebuffer allocates attachment textures and a framebuffer
// over them. The attachments become store entries of their own
// (id + "_color", id + "_depth") registered as dependents of the
// framebuffer record: they cannot be deleted or collected while the
// framebuffer lives, and disposing the framebuffer disposes them.
func (m *Manager) CreateFramebuffer(id string, cfg FramebufferConfig) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if m.store.has(id) {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}

	colorID := id + "_color"
	depthID := id + "_depth"
	if m.store.has(colorID) || (cfg.DepthStencil && m.store.has(depthID)) {
		return nil, fmt.Errorf("%w: attachment id for %q", ErrDuplicateID, id)
	}

	now := time.Now()

	color, err := m.createAttachmentLocked(colorID, cfg, backend.FormatRGBA8, now)
	if err != nil {
		return nil, fmt.Errorf("resource: framebuffer %q color: %w", id, err)
	}

	var depth *Object
	if cfg.DepthStencil {
		depth, err = m.createAttachmentLocked(depthID, cfg, backend.FormatDepth24Stencil8, now)
		if err != nil {
			m.deleteLocked(colorID, true)
			return nil, fmt.Errorf("resource: framebuffer %q depth: %w", id, err)
		}
	}

	desc := &backend.FramebufferDescriptor{
		Label:           id,
		ColorAttachment: color.Texture,
	}
	dependents := []string{colorID}
	if depth != nil {
		desc.DepthAttachment = depth.Texture
		dependents = append(dependents, depthID)
	}

	fb, err := m.device.CreateFramebuffer(desc)
	if err != nil {
		for _, dep := range dependents {
			m.deleteLocked(dep, true)
		}
		return nil, fmt.Errorf("resource: framebuffer %q: %w", id, err)
	}

	// Pin the attachments so GC and external deletes cannot remove
	// them while the framebuffer is alive.
	for _, dep := range dependents {
		m.refs.addRef(dep)
	}

	obj := &Object{
		ID:        id,
		Kind:      KindFramebuffer,
		State:     StateCreating,
		CreatedAt: now,
		// Attachment memory is tracked on the attachment records; the
		// framebuffer record itself is a zero-byte wrapper.
		SizeBytes:   0,
		LastAccess:  now,
		Tags:        cfg.Tags,
		Dependents:  dependents,
		Framebuffer: fb,
	}

	m.insert(obj)
	return obj, nil
}

// createAttachmentLocked allocates one render-target texture record.
func (m *Manager) createAttachmentLocked(id string, cfg FramebufferConfig, format backend.TextureFormat, now time.Time) (*Object, error) {
	desc := &backend.TextureDescriptor{
		Label:        id,
		Width:        cfg.Width,
		Height:       cfg.Height,
		Format:       format,
		RenderTarget: true,
	}
	tex, err := m.device.CreateTexture(desc)
	if err != nil {
		return nil, err
	}

	obj := &Object{
		ID:         id,
		Kind:       KindTexture,
		State:      StateCreating,
		SizeBytes:  desc.SizeBytes(),
		CreatedAt:  now,
		LastAccess: now,
		Texture:    tex,
	}
	m.insert(obj)
	return obj, nil
}

// CreateBuffer allocates a standalone device buffer and stores its
// record. Per-frame transient buffers belong in the buffer pool, not
// here; this path is for long-lived buffers that want lifecycle
// tracking and GC.
func (m *Manager) CreateBuffer(id string, cfg BufferConfig) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if m.store.has(id) {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}

	buf, err := m.device.CreateBuffer(&backend.BufferDescriptor{
		Label: id,
		Size:  cfg.Size,
		Type:  cfg.Type,
		Usage: cfg.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("resource: buffer %q: %w", id, err)
	}

	if len(cfg.Data) > 0 {
		if err := m.device.WriteBuffer(buf, 0, cfg.Data); err != nil {
			m.device.DestroyBuffer(buf)
			return nil, fmt.Errorf("resource: buffer %q write: %w", id, err)
		}
	}

	obj := &Object{
		ID:         id,
		Kind:       KindBuffer,
		State:      StateCreating,
		SizeBytes:  cfg.Size,
		CreatedAt:  time.Now(),
		LastAccess: time.Now(),
		Tags:       cfg.Tags,
		Buffer:     buf,
	}

	m.insert(obj)
	return obj, nil
}

// convertImage renders src into an RGBA pixel slice of the requested
// size. A zero size takes the image bounds. Dimensions above maxDim
// are scaled down proportionally with bilinear filtering.
func convertImage(src image.Image, width, height, maxDim int) (pixels []byte, w, h int, err error) {
	bounds := src.Bounds()
	if width <= 0 {
		width = bounds.Dx()
	}
	if height <= 0 {
		height = bounds.Dy()
	}
	if width <= 0 || height <= 0 {
		return nil, 0, 0, fmt.Errorf("empty image")
	}

	if maxDim > 0 && (width > maxDim || height > maxDim) {
		scale := float64(maxDim) / float64(max(width, height))
		width = max(1, int(float64(width)*scale))
		height = max(1, int(float64(height)*scale))
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if width == bounds.Dx() && height == bounds.Dy() {
		draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Src)
	} else {
		draw.BiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)
	}
	return dst.Pix, width, height, nil
}
