package pool

import (
	"testing"

	"github.com/gogpu/renderopt/backend"
	"github.com/gogpu/renderopt/backend/headless"
	"github.com/gogpu/renderopt/event"
)

type recorder struct {
	events []event.Event
}

func (r *recorder) Emit(e event.Event) {
	r.events = append(r.events, e)
}

func newTestPool(t *testing.T) (*BufferPool, *headless.Device, *recorder) {
	t.Helper()
	dev := headless.New()
	if err := dev.Init(); err != nil {
		t.Fatalf("device init: %v", err)
	}
	rec := &recorder{}
	p := New(dev, rec, nil)
	t.Cleanup(p.Destroy)
	t.Cleanup(dev.Close)
	return p, dev, rec
}

func TestAcquireAllocates(t *testing.T) {
	p, dev, rec := newTestPool(t)

	b, err := p.Acquire(backend.BufferVertex, 1024, backend.UsageDynamic)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if b.ID == 0 {
		t.Error("expected a device handle")
	}
	if b.Size != 1024 {
		t.Errorf("expected size 1024, got %d", b.Size)
	}
	if dev.CallCount("CreateBuffer") != 1 {
		t.Errorf("expected 1 CreateBuffer, got %d", dev.CallCount("CreateBuffer"))
	}
	if len(rec.events) != 1 || rec.events[0].EventType() != event.TypeBufferAllocated {
		t.Errorf("expected a bufferAllocated event, got %v", rec.events)
	}
}

func TestReleaseThenAcquireReuses(t *testing.T) {
	p, dev, _ := newTestPool(t)

	b, err := p.Acquire(backend.BufferVertex, 1024, backend.UsageDynamic)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(b)

	again, err := p.Acquire(backend.BufferVertex, 512, backend.UsageDynamic)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if again.ID != b.ID {
		t.Error("expected the released buffer to be reused")
	}
	if dev.CallCount("CreateBuffer") != 1 {
		t.Errorf("reuse must not allocate, got %d CreateBuffer calls", dev.CallCount("CreateBuffer"))
	}
	if p.Reuses() != 1 {
		t.Errorf("expected 1 reuse, got %d", p.Reuses())
	}
}

func TestAcquireSkipsInUse(t *testing.T) {
	p, dev, _ := newTestPool(t)

	if _, err := p.Acquire(backend.BufferVertex, 1024, backend.UsageDynamic); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := p.Acquire(backend.BufferVertex, 1024, backend.UsageDynamic); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if dev.CallCount("CreateBuffer") != 2 {
		t.Errorf("in-use buffer must not be handed out twice, got %d allocations",
			dev.CallCount("CreateBuffer"))
	}
}

func TestAcquireMatchesTypeUsageAndSize(t *testing.T) {
	p, dev, _ := newTestPool(t)

	small, err := p.Acquire(backend.BufferVertex, 256, backend.UsageDynamic)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(small)

	// Wrong type.
	if _, err := p.Acquire(backend.BufferIndex, 256, backend.UsageDynamic); err != nil {
		t.Fatalf("index Acquire: %v", err)
	}
	// Wrong usage.
	if _, err := p.Acquire(backend.BufferVertex, 256, backend.UsageStream); err != nil {
		t.Fatalf("stream Acquire: %v", err)
	}
	// Too small.
	if _, err := p.Acquire(backend.BufferVertex, 4096, backend.UsageDynamic); err != nil {
		t.Fatalf("large Acquire: %v", err)
	}

	if dev.CallCount("CreateBuffer") != 4 {
		t.Errorf("expected 4 allocations, got %d", dev.CallCount("CreateBuffer"))
	}
}

func TestCleanupDropsInvalidBuffers(t *testing.T) {
	p, dev, _ := newTestPool(t)

	b, err := p.Acquire(backend.BufferVertex, 1024, backend.UsageDynamic)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(b)

	// Simulate device-side loss of the buffer.
	dev.DestroyBuffer(b.ID)

	if dropped := p.Cleanup(); dropped != 1 {
		t.Errorf("expected 1 dropped entry, got %d", dropped)
	}
	if s := p.Stats(); s.TotalBuffers != 0 {
		t.Errorf("expected empty pool after cleanup, got %d", s.TotalBuffers)
	}
}

func TestStats(t *testing.T) {
	p, _, _ := newTestPool(t)

	a, err := p.Acquire(backend.BufferVertex, 1024, backend.UsageDynamic)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := p.Acquire(backend.BufferIndex, 512, backend.UsageStatic); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(a)

	s := p.Stats()
	if s.TotalBuffers != 2 || s.InUse != 1 || s.Available != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
	if s.TotalBytes != 1536 || s.InUseBytes != 512 {
		t.Errorf("unexpected byte stats: %+v", s)
	}
}

func TestDestroyFreesDeviceBuffers(t *testing.T) {
	dev := headless.New()
	if err := dev.Init(); err != nil {
		t.Fatalf("device init: %v", err)
	}
	defer dev.Close()

	p := New(dev, nil, nil)
	if _, err := p.Acquire(backend.BufferVertex, 1024, backend.UsageDynamic); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Destroy()

	_, _, buffers, _, _ := dev.LiveObjectCounts()
	if buffers != 0 {
		t.Errorf("expected all device buffers freed, got %d", buffers)
	}
}
