package shader

import (
	"errors"
	"fmt"
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

func basicTemplate(id string) *Template {
	return &Template{
		ID:             id,
		VertexSource:   "void vsMain() {}\n",
		FragmentSource: "void fsMain() {}\n",
		Variants: []Variant{
			{Name: "lit", Defines: map[string]string{"USE_LIGHTING": ""}},
			{Name: "unlit"},
		},
		DefaultUniforms: map[string]backend.UniformValue{
			"u_alpha": backend.Float(1),
		},
	}
}

func newTestCache(t *testing.T, cfg Config) (*Cache, *headless.Device, *recorder) {
	t.Helper()
	dev := headless.New()
	if err := dev.Init(); err != nil {
		t.Fatalf("device init: %v", err)
	}
	rec := &recorder{}
	if cfg.Events == nil {
		cfg.Events = rec
	}
	c := NewCache(dev, NewLibrary(), cfg)
	t.Cleanup(c.Close)
	t.Cleanup(dev.Close)
	return c, dev, rec
}

func TestGetProgramCompilesOnMiss(t *testing.T) {
	c, _, rec := newTestCache(t, Config{})

	if err := c.RegisterTemplate(basicTemplate("sprite")); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	p, err := c.GetProgram("sprite", "lit")
	if err != nil {
		t.Fatalf("GetProgram: %v", err)
	}
	if p.Handle == 0 {
		t.Error("expected a linked program handle")
	}
	if p.TemplateID != "sprite" || p.VariantName != "lit" {
		t.Errorf("wrong key on program: %s/%s", p.TemplateID, p.VariantName)
	}
	if rec.countType(event.TypeCacheMiss) != 1 {
		t.Errorf("expected 1 cacheMiss, got %d", rec.countType(event.TypeCacheMiss))
	}
	if rec.countType(event.TypeShaderCompiled) != 1 {
		t.Errorf("expected 1 shaderCompiled, got %d", rec.countType(event.TypeShaderCompiled))
	}
	if len(p.DefaultUniforms) != 1 {
		t.Errorf("expected default uniforms copied, got %d", len(p.DefaultUniforms))
	}
}

func TestGetProgramHitReturnsSameInstance(t *testing.T) {
	c, dev, rec := newTestCache(t, Config{})

	if err := c.RegisterTemplate(basicTemplate("sprite")); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	first, err := c.GetProgram("sprite", "lit")
	if err != nil {
		t.Fatalf("first GetProgram: %v", err)
	}
	second, err := c.GetProgram("sprite", "lit")
	if err != nil {
		t.Fatalf("second GetProgram: %v", err)
	}

	if first != second {
		t.Error("hit must return the identical program instance")
	}
	if second.UseCount() != 2 {
		t.Errorf("expected use count 2, got %d", second.UseCount())
	}
	if rec.countType(event.TypeCacheHit) != 1 {
		t.Errorf("expected 1 cacheHit, got %d", rec.countType(event.TypeCacheHit))
	}
	if got := dev.CallCount("LinkProgram"); got != 1 {
		t.Errorf("expected exactly 1 link, got %d", got)
	}
}

func TestGetProgramDistinctVariants(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})

	if err := c.RegisterTemplate(basicTemplate("sprite")); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	lit, err := c.GetProgram("sprite", "lit")
	if err != nil {
		t.Fatalf("lit: %v", err)
	}
	unlit, err := c.GetProgram("sprite", "unlit")
	if err != nil {
		t.Fatalf("unlit: %v", err)
	}
	if lit == unlit || lit.Handle == unlit.Handle {
		t.Error("distinct variants must compile to distinct programs")
	}
}

func TestGetProgramLookupFailures(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})

	if _, err := c.GetProgram("ghost", ""); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound, got %v", err)
	}

	if err := c.RegisterTemplate(basicTemplate("sprite")); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}
	if _, err := c.GetProgram("sprite", "ghost"); !errors.Is(err, ErrVariantNotFound) {
		t.Errorf("expected ErrVariantNotFound, got %v", err)
	}

	// The empty variant name is the implicit base configuration.
	if _, err := c.GetProgram("sprite", ""); err != nil {
		t.Errorf("base variant should compile: %v", err)
	}
}

func TestGetProgramCompileFailure(t *testing.T) {
	c, dev, rec := newTestCache(t, Config{})

	dev.CompileHook = func(stage backend.ShaderStage, source string) error {
		if stage == backend.StageFragment {
			return fmt.Errorf("syntax error at line 3")
		}
		return nil
	}

	if err := c.RegisterTemplate(basicTemplate("bad")); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	_, err := c.GetProgram("bad", "lit")
	if err == nil {
		t.Fatal("expected compile failure")
	}
	var ce *backend.CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *backend.CompileError in chain, got %v", err)
	}
	if ce.Stage != backend.StageFragment {
		t.Errorf("expected fragment stage, got %v", ce.Stage)
	}
	if rec.countType(event.TypeShaderError) != 1 {
		t.Errorf("expected 1 shaderError event, got %d", rec.countType(event.TypeShaderError))
	}

	// The failed vertex stage must not leak.
	_, _, _, shaders, programs := dev.LiveObjectCounts()
	if shaders != 0 || programs != 0 {
		t.Errorf("leaked %d shaders, %d programs after failed compile", shaders, programs)
	}
}

func TestGetProgramUsesIncludeLibrary(t *testing.T) {
	c, dev, _ := newTestCache(t, Config{})

	c.Library().Register("noise", "float noise() { return 0.5; }\n")

	tpl := basicTemplate("noisy")
	tpl.FragmentSource = "#include \"noise\"\nvoid fsMain() {}\n"
	if err := c.RegisterTemplate(tpl); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	var sawInclude bool
	dev.CompileHook = func(stage backend.ShaderStage, source string) error {
		if stage == backend.StageFragment {
			if len(source) == 0 {
				t.Error("empty fragment source")
			}
			sawInclude = true
		}
		return nil
	}

	if _, err := c.GetProgram("noisy", ""); err != nil {
		t.Fatalf("GetProgram: %v", err)
	}
	if !sawInclude {
		t.Error("fragment stage never reached the device")
	}
}

func TestAsyncCompile(t *testing.T) {
	c, _, rec := newTestCache(t, Config{AsyncCompileEnabled: true})

	if err := c.RegisterTemplate(basicTemplate("sprite")); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	p, err := c.GetProgram("sprite", "lit")
	if err != nil {
		t.Fatalf("async GetProgram: %v", err)
	}
	if p == nil || p.Handle == 0 {
		t.Fatal("expected a compiled program from the worker")
	}
	if rec.countType(event.TypeShaderCompiled) != 1 {
		t.Errorf("expected 1 shaderCompiled, got %d", rec.countType(event.TypeShaderCompiled))
	}

	// Second request is a synchronous hit.
	again, err := c.GetProgram("sprite", "lit")
	if err != nil {
		t.Fatalf("second GetProgram: %v", err)
	}
	if again != p {
		t.Error("expected the cached instance")
	}
}

func TestAsyncCompileFailurePropagates(t *testing.T) {
	c, dev, _ := newTestCache(t, Config{AsyncCompileEnabled: true})

	dev.CompileHook = func(backend.ShaderStage, string) error {
		return fmt.Errorf("boom")
	}
	if err := c.RegisterTemplate(basicTemplate("bad")); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	if _, err := c.GetProgram("bad", "lit"); err == nil {
		t.Error("worker failure must reach the waiter")
	}
}

func TestPrecompile(t *testing.T) {
	c, dev, _ := newTestCache(t, Config{PrecompileEnabled: true})

	if err := c.RegisterTemplate(basicTemplate("sprite")); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	// The worker compiles in the background; poll until both declared
	// variants have been linked.
	deadline := time.Now().Add(2 * time.Second)
	for dev.CallCount("LinkProgram") < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("precompile incomplete: %d links", dev.CallCount("LinkProgram"))
		}
		time.Sleep(time.Millisecond)
	}

	// A request for a precompiled variant is a pure cache hit.
	dev.ResetCalls()
	if _, err := c.GetProgram("sprite", "lit"); err != nil {
		t.Fatalf("GetProgram: %v", err)
	}
	if got := dev.CallCount("LinkProgram"); got != 0 {
		t.Errorf("expected no link on precompiled hit, got %d", got)
	}
}

func TestHotReload(t *testing.T) {
	c, dev, rec := newTestCache(t, Config{HotReloadEnabled: true})

	tpl := basicTemplate("sprite")
	if err := c.RegisterTemplate(tpl); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	before, err := c.GetProgram("sprite", "lit")
	if err != nil {
		t.Fatalf("GetProgram: %v", err)
	}

	// Re-register with changed source, then reload.
	changed := basicTemplate("sprite")
	changed.FragmentSource = "void fsMain() { /* v2 */ }\n"
	if err := c.RegisterTemplate(changed); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if err := c.HotReload("sprite"); err != nil {
		t.Fatalf("HotReload: %v", err)
	}

	after, err := c.GetProgram("sprite", "lit")
	if err != nil {
		t.Fatalf("GetProgram after reload: %v", err)
	}
	if after == before || after.Handle == before.Handle {
		t.Error("hot reload must produce a fresh program")
	}
	if rec.countType(event.TypeHotReload) != 1 {
		t.Errorf("expected 1 hotReload event, got %d", rec.countType(event.TypeHotReload))
	}

	// The stale program was destroyed.
	_, _, _, _, programs := dev.LiveObjectCounts()
	if programs != 1 {
		t.Errorf("expected exactly 1 live program, got %d", programs)
	}
}

func TestHotReloadDisabled(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})

	if err := c.RegisterTemplate(basicTemplate("sprite")); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}
	if err := c.HotReload("sprite"); !errors.Is(err, ErrHotReloadDisabled) {
		t.Errorf("expected ErrHotReloadDisabled, got %v", err)
	}
}

func TestCleanupEvictsExpired(t *testing.T) {
	c, dev, rec := newTestCache(t, Config{ExpirationTime: 5 * time.Millisecond})

	if err := c.RegisterTemplate(basicTemplate("sprite")); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}
	if _, err := c.GetProgram("sprite", "lit"); err != nil {
		t.Fatalf("GetProgram: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if evicted := c.Cleanup(false); evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if rec.countType(event.TypeCacheCleaned) != 1 {
		t.Errorf("expected 1 cacheCleaned event, got %d", rec.countType(event.TypeCacheCleaned))
	}
	if c.MemoryUsage() != 0 {
		t.Errorf("expected zero memory after eviction, got %d", c.MemoryUsage())
	}
	_, _, _, shaders, programs := dev.LiveObjectCounts()
	if shaders != 0 || programs != 0 {
		t.Errorf("device objects leaked: %d shaders, %d programs", shaders, programs)
	}

	// The next request recompiles.
	if _, err := c.GetProgram("sprite", "lit"); err != nil {
		t.Fatalf("recompile after eviction: %v", err)
	}
}

func TestCleanupForceEvictsFresh(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})

	if err := c.RegisterTemplate(basicTemplate("sprite")); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}
	if _, err := c.GetProgram("sprite", "lit"); err != nil {
		t.Fatalf("GetProgram: %v", err)
	}

	if evicted := c.Cleanup(true); evicted != 1 {
		t.Errorf("forced cleanup must evict fresh entries, got %d", evicted)
	}
}

func TestMemoryLimitTriggersCleanup(t *testing.T) {
	// Limit below one entry's footprint: the second compile must push
	// the cache over the limit and trigger an automatic cleanup of
	// idle-expired entries.
	c, _, rec := newTestCache(t, Config{
		MemoryLimit:    entryOverheadBytes / 2,
		ExpirationTime: time.Nanosecond,
	})

	if err := c.RegisterTemplate(basicTemplate("sprite")); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}
	if _, err := c.GetProgram("sprite", "lit"); err != nil {
		t.Fatalf("GetProgram: %v", err)
	}

	if rec.countType(event.TypeCacheCleaned) == 0 {
		t.Error("expected automatic cleanup above the memory limit")
	}
}

func TestRegisterTemplateValidation(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})

	bad := &Template{ID: "", VertexSource: "v", FragmentSource: "f"}
	if err := c.RegisterTemplate(bad); !errors.Is(err, ErrInvalidTemplate) {
		t.Errorf("expected ErrInvalidTemplate, got %v", err)
	}

	dup := basicTemplate("dup")
	dup.Variants = append(dup.Variants, Variant{Name: "lit"})
	if err := c.RegisterTemplate(dup); !errors.Is(err, ErrInvalidTemplate) {
		t.Errorf("expected ErrInvalidTemplate for duplicate variant, got %v", err)
	}
}

func TestCacheStats(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})

	if err := c.RegisterTemplate(basicTemplate("sprite")); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}
	if _, err := c.GetProgram("sprite", "lit"); err != nil {
		t.Fatalf("miss: %v", err)
	}
	if _, err := c.GetProgram("sprite", "lit"); err != nil {
		t.Fatalf("hit: %v", err)
	}

	stats := c.Stats()
	if stats.Entries != 1 {
		t.Errorf("entries: %d", stats.Entries)
	}
	if stats.Hits != 1 || stats.Misses != 1 || stats.Compiles != 1 {
		t.Errorf("hits/misses/compiles: %d/%d/%d", stats.Hits, stats.Misses, stats.Compiles)
	}
	if stats.MemoryBytes == 0 {
		t.Error("expected a nonzero footprint")
	}
}

func TestCloseFreesEverything(t *testing.T) {
	dev := headless.New()
	if err := dev.Init(); err != nil {
		t.Fatalf("device init: %v", err)
	}
	defer dev.Close()

	c := NewCache(dev, nil, Config{})
	if err := c.RegisterTemplate(basicTemplate("sprite")); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}
	if _, err := c.GetProgram("sprite", "lit"); err != nil {
		t.Fatalf("GetProgram: %v", err)
	}

	c.Close()

	_, _, _, shaders, programs := dev.LiveObjectCounts()
	if shaders != 0 || programs != 0 {
		t.Errorf("close leaked %d shaders, %d programs", shaders, programs)
	}
	if _, err := c.GetProgram("sprite", "lit"); !errors.Is(err, ErrCacheClosed) {
		t.Errorf("expected ErrCacheClosed, got %v", err)
	}
}
