//go:build !nogpu

package wgpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/renderopt/backend"
)

// uniformBlockSize is the fixed size of the per-program uniform buffer.
// Uniform names are assigned 16-byte-aligned slots on first use; the
// whole block rides binding 0 of bind group 0.
const uniformBlockSize = 256

// vertexStride is the byte stride of the fixed vertex layout: one
// vec2<f32> position at shader location 0.
const vertexStride = 8

// submitTimeout bounds the per-draw fence wait.
const submitTimeout = 5 * time.Second

// Shader module entry points. Vertex WGSL must export vs_main,
// fragment WGSL fs_main.
const (
	vertexEntryPoint   = "vs_main"
	fragmentEntryPoint = "fs_main"
)

// pipelineKey identifies one lazily created render pipeline variant.
type pipelineKey struct {
	topology gputypes.PrimitiveTopology
	blend    bool
	cull     bool
}

// program is a linked vertex/fragment pair plus everything needed to
// draw with it: the shared uniform block, the bind group over it, and
// a pipeline per state combination seen so far.
type program struct {
	vs *shaderModule
	fs *shaderModule

	bgLayout   hal.BindGroupLayout
	pipeLayout hal.PipelineLayout

	block   [uniformBlockSize]byte
	offsets map[string]uint32
	next    uint32
	dirty   bool

	buf       hal.Buffer
	bindGroup hal.BindGroup
	pipelines map[pipelineKey]hal.RenderPipeline
}

// LinkProgram links a vertex and fragment shader into a program. The
// bind group and pipeline layouts are created here; render pipelines
// are created lazily per draw-state combination.
func (d *Device) LinkProgram(vertex, fragment backend.ShaderID) (backend.ProgramID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, backend.ErrNotInitialized
	}

	vs, ok := d.shaders[vertex]
	if !ok {
		return 0, &backend.LinkError{Log: fmt.Sprintf("unknown vertex shader %d", vertex)}
	}
	fs, ok := d.shaders[fragment]
	if !ok {
		return 0, &backend.LinkError{Log: fmt.Sprintf("unknown fragment shader %d", fragment)}
	}
	if vs.stage != backend.StageVertex || fs.stage != backend.StageFragment {
		return 0, &backend.LinkError{
			Log: fmt.Sprintf("stage mismatch: %s + %s", vs.stage, fs.stage),
		}
	}

	bgLayout, err := d.dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "renderopt_uniform_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageVertex | gputypes.ShaderStageFragment,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
			},
		},
	})
	if err != nil {
		return 0, &backend.LinkError{Log: err.Error(), Err: err}
	}

	pipeLayout, err := d.dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "renderopt_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{bgLayout},
	})
	if err != nil {
		d.dev.DestroyBindGroupLayout(bgLayout)
		return 0, &backend.LinkError{Log: err.Error(), Err: err}
	}

	vs.refs++
	fs.refs++

	id := backend.ProgramID(d.newID())
	d.programs[id] = &program{
		vs:         vs,
		fs:         fs,
		bgLayout:   bgLayout,
		pipeLayout: pipeLayout,
		offsets:    make(map[string]uint32),
		pipelines:  make(map[pipelineKey]hal.RenderPipeline),
	}
	return id, nil
}

// DestroyProgram releases a linked program. Unknown handles are
// ignored.
func (d *Device) DestroyProgram(id backend.ProgramID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyProgramLocked(id)
}

func (d *Device) destroyProgramLocked(id backend.ProgramID) {
	p, ok := d.programs[id]
	if !ok {
		return
	}
	delete(d.programs, id)

	for _, pipe := range p.pipelines {
		d.dev.DestroyRenderPipeline(pipe)
	}
	if p.bindGroup != nil {
		d.dev.DestroyBindGroup(p.bindGroup)
	}
	if p.buf != nil {
		d.dev.DestroyBuffer(p.buf)
	}
	d.dev.DestroyPipelineLayout(p.pipeLayout)
	d.dev.DestroyBindGroupLayout(p.bgLayout)
	d.releaseModuleLocked(p.vs)
	d.releaseModuleLocked(p.fs)
}

// releaseModuleLocked drops one program reference on a module and
// destroys it if DestroyShader already ran.
func (d *Device) releaseModuleLocked(s *shaderModule) {
	s.refs--
	if s.refs == 0 && s.detached {
		d.dev.DestroyShaderModule(s.module)
	}
}

// UseProgram makes a program current for subsequent draws.
func (d *Device) UseProgram(id backend.ProgramID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.program = id
}

// BindVertexArray makes a vertex array current.
func (d *Device) BindVertexArray(id backend.VertexArrayID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.vertexArray = id
}

// BindBuffer binds a buffer to its binding point.
func (d *Device) BindBuffer(target backend.BufferType, id backend.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch target {
	case backend.BufferIndex:
		d.state.indexBuffer = id
	case backend.BufferVertex:
		d.state.vertexBuffer = id
	default:
	}
}

// BindTexture binds a texture to the given texture unit.
func (d *Device) BindTexture(unit int, id backend.TextureID) {
	if unit < 0 || unit >= defaultTextureUnits {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.textures[unit] = id
}

// SetViewport sets the viewport rectangle. A size change invalidates
// the internal render target; it is recreated on the next draw.
func (d *Device) SetViewport(v backend.Viewport) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v.Width != d.state.targetWidth || v.Height != d.state.targetHeight {
		if d.state.target != 0 {
			if t, ok := d.textures[d.state.target]; ok {
				delete(d.textures, d.state.target)
				d.dev.DestroyTextureView(t.view)
				d.dev.DestroyTexture(t.tex)
			}
			d.state.target = 0
		}
	}
	d.state.viewport = v
}

// SetBlendEnabled toggles blending for subsequent draws.
func (d *Device) SetBlendEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.blend = enabled
}

// SetDepthTestEnabled toggles the depth test. The internal target has
// no depth attachment, so this only participates in pipeline keying
// once framebuffer passes carry one.
func (d *Device) SetDepthTestEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.depthTest = enabled
}

// SetCullFaceEnabled toggles back-face culling.
func (d *Device) SetCullFaceEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.cullFace = enabled
}

// SetUniform writes a uniform into the program's uniform block. Slots
// are assigned 16-byte-aligned on first use and persist for the
// program's lifetime; the block is flushed to the device at draw time.
func (d *Device) SetUniform(prog backend.ProgramID, name string, value backend.UniformValue) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.programs[prog]
	if !ok {
		return fmt.Errorf("%w: program %d", backend.ErrInvalidHandle, prog)
	}

	size := uniformSlotSize(value.Kind())
	off, ok := p.offsets[name]
	if !ok {
		if p.next+size > uniformBlockSize {
			return fmt.Errorf("%w: uniform block full at %q", backend.ErrUnknownUniform, name)
		}
		off = p.next
		p.offsets[name] = off
		p.next += size
	}

	switch value.Kind() {
	case backend.UniformInt, backend.UniformSampler:
		binary.LittleEndian.PutUint32(p.block[off:], uint32(value.IntValue())) //nolint:gosec // G115: bit reinterpretation
	default:
		for i, f := range value.Floats() {
			binary.LittleEndian.PutUint32(p.block[off+uint32(i)*4:], math.Float32bits(f)) //nolint:gosec // G115: slot count is small
		}
	}
	p.dirty = true
	return nil
}

// uniformSlotSize returns the 16-byte-aligned block footprint of a
// uniform kind.
func uniformSlotSize(k backend.UniformKind) uint32 {
	switch k {
	case backend.UniformMat3:
		return 48
	case backend.UniformMat4:
		return 64
	default:
		return 16
	}
}

// Draw issues a non-instanced draw call.
func (d *Device) Draw(mode backend.PrimitiveMode, first, count int) {
	d.DrawInstanced(mode, first, count, 1)
}

// DrawInstanced encodes one render pass against the internal target
// and submits it synchronously. Draws with no current program, no
// bound vertex buffer, or a non-positive count are dropped; encoding
// failures are retained for LastError.
func (d *Device) DrawInstanced(mode backend.PrimitiveMode, first, count, instances int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized || count <= 0 || instances <= 0 {
		return
	}
	p, ok := d.programs[d.state.program]
	if !ok {
		return
	}
	vb, ok := d.buffers[d.state.vertexBuffer]
	if !ok {
		return
	}

	if err := d.drawLocked(p, vb, mode, first, count, instances); err != nil {
		d.drawErr = err
	}
}

func (d *Device) drawLocked(p *program, vb *buffer, mode backend.PrimitiveMode, first, count, instances int) error {
	target, err := d.ensureTargetLocked()
	if err != nil {
		return err
	}
	pipe, err := d.ensurePipelineLocked(p, mode)
	if err != nil {
		return err
	}
	if err := d.flushUniformsLocked(p); err != nil {
		return err
	}

	encoder, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "renderopt_draw",
	})
	if err != nil {
		return fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("renderopt_draw"); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}

	loadOp := gputypes.LoadOpLoad
	if d.state.targetFresh {
		loadOp = gputypes.LoadOpClear
	}
	rp := encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: "renderopt_pass",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:       target.view,
			LoadOp:     loadOp,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: gputypes.Color{R: 0, G: 0, B: 0, A: 0},
		}},
	})
	rp.SetPipeline(pipe)
	rp.SetBindGroup(0, p.bindGroup, nil)
	rp.SetVertexBuffer(0, vb.buf, 0)
	rp.Draw(uint32(count), uint32(instances), uint32(first), 0) //nolint:gosec // G115: validated positive
	rp.End()

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	defer d.dev.FreeCommandBuffer(cmdBuf)

	fence, err := d.dev.CreateFence()
	if err != nil {
		return fmt.Errorf("wgpu: create fence: %w", err)
	}
	defer d.dev.DestroyFence(fence)

	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("wgpu: submit: %w", err)
	}
	ok, err := d.dev.Wait(fence, 1, submitTimeout)
	if err != nil {
		return fmt.Errorf("wgpu: fence wait: %w", err)
	}
	if !ok {
		return fmt.Errorf("wgpu: fence wait timed out after %s", submitTimeout)
	}

	d.state.targetFresh = false
	return nil
}

// LastError returns and clears the most recent draw submission error.
// Draw and DrawInstanced cannot return errors through the device
// interface, so encoding failures park here.
func (d *Device) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.drawErr
	d.drawErr = nil
	return err
}

// ensureTargetLocked returns the internal offscreen render target,
// creating it at the viewport size (or a 256x256 default) if needed.
func (d *Device) ensureTargetLocked() (*texture, error) {
	if d.state.target != 0 {
		if t, ok := d.textures[d.state.target]; ok {
			return t, nil
		}
		d.state.target = 0
	}

	w, h := d.state.viewport.Width, d.state.viewport.Height
	if w <= 0 || h <= 0 {
		w, h = 256, 256
	}
	id, err := d.createTextureLocked(&backend.TextureDescriptor{
		Label:        "renderopt_target",
		Width:        w,
		Height:       h,
		Format:       backend.FormatRGBA8,
		RenderTarget: true,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create render target: %w", err)
	}
	d.state.target = id
	d.state.targetFresh = true
	d.state.targetWidth = w
	d.state.targetHeight = h
	return d.textures[id], nil
}

// ensurePipelineLocked returns the pipeline for the current draw
// state, creating it on first use.
func (d *Device) ensurePipelineLocked(p *program, mode backend.PrimitiveMode) (hal.RenderPipeline, error) {
	key := pipelineKey{
		topology: convertTopology(mode),
		blend:    d.state.blend,
		cull:     d.state.cullFace,
	}
	if pipe, ok := p.pipelines[key]; ok {
		return pipe, nil
	}

	var blend *gputypes.BlendState
	if key.blend {
		premul := gputypes.BlendStatePremultiplied()
		blend = &premul
	}
	cull := gputypes.CullModeNone
	if key.cull {
		cull = gputypes.CullModeBack
	}

	pipe, err := d.dev.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  "renderopt_pipeline",
		Layout: p.pipeLayout,
		Vertex: hal.VertexState{
			Module:     p.vs.module,
			EntryPoint: vertexEntryPoint,
			Buffers: []gputypes.VertexBufferLayout{{
				ArrayStride: vertexStride,
				StepMode:    gputypes.VertexStepModeVertex,
				Attributes: []gputypes.VertexAttribute{
					{Format: gputypes.VertexFormatFloat32x2, Offset: 0, ShaderLocation: 0},
				},
			}},
		},
		Fragment: &hal.FragmentState{
			Module:     p.fs.module,
			EntryPoint: fragmentEntryPoint,
			Targets: []gputypes.ColorTargetState{{
				Format:    gputypes.TextureFormatRGBA8Unorm,
				Blend:     blend,
				WriteMask: gputypes.ColorWriteMaskAll,
			}},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: key.topology,
			CullMode: cull,
		},
		Multisample: gputypes.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create pipeline: %w", err)
	}
	p.pipelines[key] = pipe
	return pipe, nil
}

// flushUniformsLocked pushes the program's uniform block to the device
// and builds the bind group on first use.
func (d *Device) flushUniformsLocked(p *program) error {
	if p.buf == nil {
		buf, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
			Label: "renderopt_uniforms",
			Size:  uniformBlockSize,
			Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("wgpu: create uniform buffer: %w", err)
		}
		p.buf = buf
		p.dirty = true
	}
	if p.bindGroup == nil {
		bg, err := d.dev.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:  "renderopt_bind",
			Layout: p.bgLayout,
			Entries: []gputypes.BindGroupEntry{
				{Binding: 0, Resource: gputypes.BufferBinding{
					Buffer: p.buf.NativeHandle(), Offset: 0, Size: uniformBlockSize,
				}},
			},
		})
		if err != nil {
			return fmt.Errorf("wgpu: create bind group: %w", err)
		}
		p.bindGroup = bg
	}
	if p.dirty {
		d.queue.WriteBuffer(p.buf, 0, p.block[:])
		p.dirty = false
	}
	return nil
}

// convertTopology maps the backend primitive mode onto the HAL's.
func convertTopology(m backend.PrimitiveMode) gputypes.PrimitiveTopology {
	switch m {
	case backend.TriangleStrip:
		return gputypes.PrimitiveTopologyTriangleStrip
	case backend.Lines:
		return gputypes.PrimitiveTopologyLineList
	case backend.Points:
		return gputypes.PrimitiveTopologyPointList
	default:
		return gputypes.PrimitiveTopologyTriangleList
	}
}
