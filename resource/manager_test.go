package resource

import (
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/gogpu/renderopt/backend"
	"github.com/gogpu/renderopt/backend/headless"
	"github.com/gogpu/renderopt/event"
)

// recorder collects emitted events for assertions.
type recorder struct {
	events []event.Event
}

func (r *recorder) Emit(e event.Event) {
	r.events = append(r.events, e)
}

func (r *recorder) countType(t event.Type) int {
	n := 0
	for _, e := range r.events {
		if e.EventType() == t {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *headless.Device, *recorder) {
	t.Helper()
	dev := headless.New()
	if err := dev.Init(); err != nil {
		t.Fatalf("device init: %v", err)
	}
	rec := &recorder{}
	if cfg.Events == nil {
		cfg.Events = rec
	}
	m := NewManager(dev, cfg)
	t.Cleanup(m.Close)
	t.Cleanup(dev.Close)
	return m, dev, rec
}

func TestCreateTexture(t *testing.T) {
	m, _, rec := newTestManager(t, Config{})

	obj, err := m.CreateTexture("tex1", TextureConfig{Width: 64, Height: 64})
	if err != nil {
		t.Fatalf("CreateTexture: %v", err)
	}
	if obj.State != StateReady {
		t.Errorf("expected StateReady, got %v", obj.State)
	}
	if obj.Kind != KindTexture {
		t.Errorf("expected KindTexture, got %v", obj.Kind)
	}
	if obj.SizeBytes != 64*64*4 {
		t.Errorf("expected %d bytes, got %d", 64*64*4, obj.SizeBytes)
	}
	if obj.Texture == 0 {
		t.Error("expected a non-zero texture handle")
	}
	if rec.countType(event.TypeResourceCreated) != 1 {
		t.Errorf("expected 1 resourceCreated event, got %d", rec.countType(event.TypeResourceCreated))
	}
}

func TestCreateDuplicateID(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	if _, err := m.CreateTexture("dup", TextureConfig{Width: 8, Height: 8}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := m.CreateTexture("dup", TextureConfig{Width: 8, Height: 8})
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
}

func TestGetUpdatesAccessMetadata(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	if _, err := m.CreateTexture("tex", TextureConfig{Width: 8, Height: 8}); err != nil {
		t.Fatalf("create: %v", err)
	}

	obj := m.Get("tex")
	if obj == nil {
		t.Fatal("expected object")
	}
	first := obj.AccessCount

	obj = m.Get("tex")
	if obj.AccessCount != first+1 {
		t.Errorf("expected access count %d, got %d", first+1, obj.AccessCount)
	}

	if m.Get("missing") != nil {
		t.Error("expected nil for unknown id")
	}
}

func TestRefCountInvariant(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	if _, err := m.CreateTexture("tex", TextureConfig{Width: 8, Height: 8}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if got := m.AddRef("tex"); got != 1 {
		t.Errorf("expected count 1, got %d", got)
	}
	if got := m.AddRef("tex"); got != 2 {
		t.Errorf("expected count 2, got %d", got)
	}

	// Delete must fail while referenced.
	if m.Delete("tex") {
		t.Error("expected Delete to fail with outstanding refs")
	}

	if got := m.ReleaseRef("tex"); got != 1 {
		t.Errorf("expected count 1, got %d", got)
	}
	if got := m.ReleaseRef("tex"); got != 0 {
		t.Errorf("expected count 0, got %d", got)
	}

	// Releasing below zero is a no-op.
	if got := m.ReleaseRef("tex"); got != 0 {
		t.Errorf("expected count to stay 0, got %d", got)
	}

	// Delete succeeds at zero refs.
	if !m.Delete("tex") {
		t.Error("expected Delete to succeed with zero refs")
	}
}

func TestZeroRefCallbackFiresOnce(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	if _, err := m.CreateTexture("tex", TextureConfig{Width: 8, Height: 8}); err != nil {
		t.Fatalf("create: %v", err)
	}

	fired := 0
	m.AddRef("tex")
	m.SetZeroRefCallback("tex", func(string) { fired++ })

	m.ReleaseRef("tex")
	if fired != 1 {
		t.Fatalf("expected callback once, got %d", fired)
	}

	// A fresh add/release cycle has no registered callback anymore.
	m.AddRef("tex")
	m.ReleaseRef("tex")
	if fired != 1 {
		t.Errorf("expected callback to stay at 1, got %d", fired)
	}
}

func TestDeleteFreesDeviceObject(t *testing.T) {
	m, dev, rec := newTestManager(t, Config{})

	if _, err := m.CreateTexture("tex", TextureConfig{Width: 8, Height: 8}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !m.Delete("tex") {
		t.Fatal("delete failed")
	}

	textures, _, _, _, _ := dev.LiveObjectCounts()
	if textures != 0 {
		t.Errorf("expected 0 live textures, got %d", textures)
	}
	if rec.countType(event.TypeResourceDisposed) != 1 {
		t.Errorf("expected 1 resourceDisposed event, got %d", rec.countType(event.TypeResourceDisposed))
	}
	if m.Get("tex") != nil {
		t.Error("expected record gone after delete")
	}
}

func TestFramebufferDependents(t *testing.T) {
	m, dev, _ := newTestManager(t, Config{})

	fb, err := m.CreateFramebuffer("fb", FramebufferConfig{Width: 32, Height: 32, DepthStencil: true})
	if err != nil {
		t.Fatalf("CreateFramebuffer: %v", err)
	}
	if len(fb.Dependents) != 2 {
		t.Fatalf("expected 2 dependents, got %d", len(fb.Dependents))
	}

	// Dependents are live store entries.
	for _, dep := range fb.Dependents {
		if m.Get(dep) == nil {
			t.Errorf("dependent %q missing from store", dep)
		}
	}

	// Dependents cannot be deleted while the framebuffer lives.
	if m.Delete("fb_color") {
		t.Error("expected dependent delete to be rejected")
	}

	// Disposing the framebuffer disposes the dependents.
	if !m.Delete("fb") {
		t.Fatal("framebuffer delete failed")
	}
	for _, dep := range fb.Dependents {
		if m.Get(dep) != nil {
			t.Errorf("dependent %q should be disposed with parent", dep)
		}
	}

	textures, framebuffers, _, _, _ := dev.LiveObjectCounts()
	if textures != 0 || framebuffers != 0 {
		t.Errorf("expected no live device objects, got %d textures, %d framebuffers",
			textures, framebuffers)
	}
}

func TestGCSelection(t *testing.T) {
	m, _, rec := newTestManager(t, Config{
		MaxAge:    time.Hour,
		MaxUnused: 10 * time.Millisecond,
	})

	if _, err := m.CreateTexture("idle", TextureConfig{Width: 8, Height: 8}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.CreateTexture("pinned", TextureConfig{Width: 8, Height: 8}); err != nil {
		t.Fatalf("create: %v", err)
	}
	m.AddRef("pinned")

	time.Sleep(20 * time.Millisecond)
	m.PerformGC("test")

	if m.Get("idle") != nil {
		t.Error("expected idle unreferenced object to be collected")
	}
	if m.Get("pinned") == nil {
		t.Error("referenced object must never be collected")
	}
	if rec.countType(event.TypeGCCompleted) != 1 {
		t.Errorf("expected 1 gcCompleted event, got %d", rec.countType(event.TypeGCCompleted))
	}
}

func TestGCSkipsFreshObjects(t *testing.T) {
	m, _, _ := newTestManager(t, Config{
		MaxAge:    time.Hour,
		MaxUnused: time.Hour,
	})

	if _, err := m.CreateTexture("fresh", TextureConfig{Width: 8, Height: 8}); err != nil {
		t.Fatalf("create: %v", err)
	}
	m.PerformGC("test")

	if m.Get("fresh") == nil {
		t.Error("fresh object below both thresholds must survive GC")
	}
}

func TestMemoryPressureTriggersGC(t *testing.T) {
	// 3 textures of 16 KB against an 40 KB budget. The first two fit;
	// the third exceeds the budget and must trigger pressure + GC.
	m, _, rec := newTestManager(t, Config{
		Budgets:   map[string]uint64{CategoryTextures: 40 * 1024},
		MaxAge:    time.Hour,
		MaxUnused: time.Millisecond,
	})

	for _, id := range []string{"a", "b"} {
		if _, err := m.CreateTexture(id, TextureConfig{Width: 64, Height: 64}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := m.CreateTexture("c", TextureConfig{Width: 64, Height: 64}); err != nil {
		t.Fatalf("create c: %v", err)
	}

	if rec.countType(event.TypeMemoryPressure) == 0 {
		t.Error("expected a memoryPressure event")
	}
	if got := rec.countType(event.TypeGCCompleted); got != 1 {
		t.Fatalf("expected 1 gcCompleted event, got %d", got)
	}

	// At least one idle zero-ref texture must have been freed.
	var completed event.GCCompleted
	for _, e := range rec.events {
		if c, ok := e.(event.GCCompleted); ok {
			completed = c
		}
	}
	if completed.FreedObjects < 1 {
		t.Errorf("expected gcCompleted freed-count >= 1, got %d", completed.FreedObjects)
	}
}

func TestCategoryAccounting(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	if _, err := m.CreateTexture("tex", TextureConfig{Width: 16, Height: 16}); err != nil {
		t.Fatalf("create texture: %v", err)
	}
	if _, err := m.CreateBuffer("buf", BufferConfig{Size: 1024, Type: backend.BufferVertex}); err != nil {
		t.Fatalf("create buffer: %v", err)
	}

	if got := m.Usage(CategoryTextures); got != 16*16*4 {
		t.Errorf("textures usage: expected %d, got %d", 16*16*4, got)
	}
	if got := m.Usage(CategoryOther); got != 1024 {
		t.Errorf("other usage: expected 1024, got %d", got)
	}

	m.Delete("tex")
	if got := m.Usage(CategoryTextures); got != 0 {
		t.Errorf("textures usage after delete: expected 0, got %d", got)
	}
}

func TestCreateTextureFromImage(t *testing.T) {
	m, dev, _ := newTestManager(t, Config{})

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := range 4 {
		for x := range 4 {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}

	obj, err := m.CreateTexture("img", TextureConfig{Image: img})
	if err != nil {
		t.Fatalf("CreateTexture: %v", err)
	}
	if obj.SizeBytes != 4*4*4 {
		t.Errorf("expected size from image bounds, got %d", obj.SizeBytes)
	}

	pixels := dev.TexturePixels(obj.Texture)
	if len(pixels) != 4*4*4 {
		t.Fatalf("expected uploaded pixels, got %d bytes", len(pixels))
	}
	if pixels[0] != 255 || pixels[3] != 255 {
		t.Errorf("expected red pixel upload, got % x", pixels[:4])
	}
}

func TestStats(t *testing.T) {
	m, _, _ := newTestManager(t, Config{MaxAge: time.Hour, MaxUnused: time.Millisecond})

	if _, err := m.CreateTexture("tex", TextureConfig{Width: 8, Height: 8}); err != nil {
		t.Fatalf("create: %v", err)
	}

	stats := m.Stats()
	if stats.ObjectCount != 1 {
		t.Errorf("expected 1 object, got %d", stats.ObjectCount)
	}
	if stats.UsedBytes != 8*8*4 {
		t.Errorf("expected %d used bytes, got %d", 8*8*4, stats.UsedBytes)
	}

	time.Sleep(5 * time.Millisecond)
	m.PerformGC("test")

	stats = m.Stats()
	if stats.GCRuns != 1 {
		t.Errorf("expected 1 GC run, got %d", stats.GCRuns)
	}
	if stats.FreedObjects != 1 {
		t.Errorf("expected 1 freed object, got %d", stats.FreedObjects)
	}
}
