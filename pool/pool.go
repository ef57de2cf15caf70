// Package pool reuses GPU buffer allocations across frames. Dynamic
// geometry rewrites its vertex data every frame; allocating fresh
// device buffers each time both fragments driver memory and stalls the
// pipeline, so the pool hands out the smallest free buffer that fits
// and takes it back at end of frame.
package pool

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/renderopt/backend"
	"github.com/gogpu/renderopt/event"
	"github.com/gogpu/renderopt/internal/logging"
)

// Buffer is one pooled allocation. The pool owns the device handle;
// callers use it between Acquire and Release and must not destroy it.
type Buffer struct {
	// ID is the device buffer handle.
	ID backend.BufferID

	// Size is the allocated capacity in bytes. Acquire may return a
	// buffer larger than requested.
	Size uint64

	// Type and Usage are the allocation parameters; a buffer is only
	// ever reused for the same pair.
	Type  backend.BufferType
	Usage backend.BufferUsage

	inUse bool
}

// Stats reports pool occupancy.
type Stats struct {
	// TotalBuffers is the number of pooled allocations.
	TotalBuffers int

	// InUse is how many are currently acquired.
	InUse int

	// Available is how many are free for reuse.
	Available int

	// TotalBytes is the aggregate capacity of all pooled buffers.
	TotalBytes uint64

	// InUseBytes is the aggregate capacity of acquired buffers.
	InUseBytes uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("BufferPool[%d buffers, %d in use, %d KB total]",
		s.TotalBuffers, s.InUse, s.TotalBytes/1024)
}

// BufferPool reuses device buffers keyed by (type, usage). Acquire
// prefers the first free buffer with enough capacity; only when none
// fits does it allocate. Release never frees device memory — that
// happens in Destroy, or in Cleanup for buffers the device has
// invalidated behind the pool's back (context loss).
//
// BufferPool is safe for concurrent use.
type BufferPool struct {
	mu sync.Mutex

	device  backend.Device
	buffers []*Buffer

	events event.Sink
	logger *slog.Logger

	allocations uint64
	reuses      uint64
}

// New creates an empty pool on the given device. A nil events sink
// disables notifications; a nil logger silences diagnostics.
func New(device backend.Device, events event.Sink, logger *slog.Logger) *BufferPool {
	if events == nil {
		events = event.NopSink()
	}
	return &BufferPool{
		device: device,
		events: events,
		logger: logging.Or(logger),
	}
}

// Acquire returns a free pooled buffer of the given type and usage
// with capacity >= minSize, or allocates a new one. The returned
// buffer is marked in use until Release.
func (p *BufferPool) Acquire(bufType backend.BufferType, minSize uint64, usage backend.BufferUsage) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range p.buffers {
		if !b.inUse && b.Type == bufType && b.Usage == usage && b.Size >= minSize {
			b.inUse = true
			p.reuses++
			return b, nil
		}
	}

	id, err := p.device.CreateBuffer(&backend.BufferDescriptor{
		Label: fmt.Sprintf("pool-%s-%d", bufType, minSize),
		Size:  minSize,
		Type:  bufType,
		Usage: usage,
	})
	if err != nil {
		return nil, fmt.Errorf("pool: allocate %d bytes: %w", minSize, err)
	}

	b := &Buffer{
		ID:    id,
		Size:  minSize,
		Type:  bufType,
		Usage: usage,
		inUse: true,
	}
	p.buffers = append(p.buffers, b)
	p.allocations++

	p.events.Emit(event.BufferAllocated{
		SizeBytes: minSize,
		Type:      bufType.String(),
		Usage:     usage.String(),
	})
	p.logger.Debug("pool: allocated buffer",
		"type", bufType, "usage", usage, "bytes", minSize)
	return b, nil
}

// Release returns a buffer to the pool for reuse. Releasing a buffer
// that is not in use is a no-op.
func (p *BufferPool) Release(b *Buffer) {
	if b == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b.inUse = false
}

// Cleanup drops entries whose device buffer is no longer valid, which
// happens when the device was lost and recreated. Returns the number
// dropped.
func (p *BufferPool) Cleanup() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.buffers[:0]
	dropped := 0
	for _, b := range p.buffers {
		if p.device.BufferValid(b.ID) {
			kept = append(kept, b)
			continue
		}
		dropped++
	}
	p.buffers = kept

	if dropped > 0 {
		p.logger.Debug("pool: dropped stale buffers", "count", dropped)
	}
	return dropped
}

// Stats returns a snapshot of pool occupancy.
func (p *BufferPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s Stats
	for _, b := range p.buffers {
		s.TotalBuffers++
		s.TotalBytes += b.Size
		if b.inUse {
			s.InUse++
			s.InUseBytes += b.Size
		} else {
			s.Available++
		}
	}
	return s
}

// Reuses returns how many Acquire calls were served from the pool.
func (p *BufferPool) Reuses() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reuses
}

// Destroy frees every pooled device buffer, including acquired ones.
// The pool must not be used afterwards.
func (p *BufferPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range p.buffers {
		p.device.DestroyBuffer(b.ID)
	}
	p.buffers = nil
}
