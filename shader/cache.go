package shader

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/renderopt/backend"
	"github.com/gogpu/renderopt/event"
	"github.com/gogpu/renderopt/internal/logging"
)

// Cache lookup and lifecycle errors.
var (
	// ErrTemplateNotFound is returned for an unregistered template id.
	ErrTemplateNotFound = errors.New("shader: template not found")

	// ErrVariantNotFound is returned for a variant the template does
	// not declare.
	ErrVariantNotFound = errors.New("shader: variant not found")

	// ErrHotReloadDisabled is returned by HotReload when the cache was
	// configured without hot reload.
	ErrHotReloadDisabled = errors.New("shader: hot reload disabled")

	// ErrCacheClosed is returned when operating on a closed cache.
	ErrCacheClosed = errors.New("shader: cache closed")
)

// Default configuration values.
const (
	// DefaultMemoryLimit is the default cache memory ceiling (64 MB).
	DefaultMemoryLimit = 64 * 1024 * 1024

	// DefaultExpirationTime is the default idle time before an entry
	// becomes evictable.
	DefaultExpirationTime = 5 * time.Minute

	// precompileCount is how many leading variants RegisterTemplate
	// schedules when precompilation is enabled.
	precompileCount = 3

	// entryOverheadBytes is the assumed per-program driver overhead
	// added to the source-size footprint estimate.
	entryOverheadBytes = 1024
)

// Config holds Cache configuration. The zero value gets defaults
// applied by NewCache.
type Config struct {
	// MemoryLimit is the footprint ceiling above which a cleanup pass
	// runs automatically. Defaults to DefaultMemoryLimit if 0.
	MemoryLimit uint64

	// HotReloadEnabled allows HotReload calls.
	HotReloadEnabled bool

	// PrecompileEnabled makes RegisterTemplate schedule the first few
	// declared variants on the compile queue.
	PrecompileEnabled bool

	// AsyncCompileEnabled routes cache misses through the background
	// compile worker instead of compiling on the caller.
	AsyncCompileEnabled bool

	// CleanupInterval runs Cleanup(false) on a background ticker when
	// positive. Zero disables the ticker; memory-limit cleanups still
	// run.
	CleanupInterval time.Duration

	// ExpirationTime is the idle time before an entry becomes
	// evictable. Defaults to DefaultExpirationTime if <= 0.
	ExpirationTime time.Duration

	// Events receives cache notifications. Defaults to a no-op sink.
	Events event.Sink

	// Logger receives diagnostics. Defaults to a silent logger.
	Logger *slog.Logger
}

// Program is one compiled cache entry. The cache owns it: Handle stays
// valid until the entry is evicted or the cache closes.
type Program struct {
	// TemplateID and VariantName form the cache key.
	TemplateID  string
	VariantName string

	// Handle is the linked device program.
	Handle backend.ProgramID

	// DefaultUniforms are copied from the template at compile time.
	DefaultUniforms map[string]backend.UniformValue

	// CompileTime is how long preprocessing + compile + link took.
	CompileTime time.Duration

	vertex    backend.ShaderID
	fragment  backend.ShaderID
	sizeBytes uint64
	lastUsed  time.Time
	useCount  uint64
}

// UseCount returns how many times the entry has been served.
func (p *Program) UseCount() uint64 { return p.useCount }

type variantKey struct {
	template string
	variant  string
}

// compileRequest is one unit of work for the compile worker. A nil
// reply channel marks fire-and-forget precompilation.
type compileRequest struct {
	key   variantKey
	reply chan compileResult
}

type compileResult struct {
	program *Program
	err     error
}

// Stats reports cache-wide counters.
type Stats struct {
	Entries     int
	MemoryBytes uint64
	Hits        uint64
	Misses      uint64
	Compiles    uint64
	Evictions   uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("ShaderCache[%d entries, %d KB, %d hits, %d misses, %d compiles]",
		s.Entries, s.MemoryBytes/1024, s.Hits, s.Misses, s.Compiles)
}

// Cache compiles shader template variants on demand and serves the
// compiled programs. All methods are safe for concurrent use; compiles
// hold the cache lock, so a slow driver compile stalls concurrent
// lookups rather than racing them.
type Cache struct {
	mu sync.Mutex

	device    backend.Device
	library   *Library
	templates map[string]*Template
	entries   map[variantKey]*Program
	memory    uint64

	memoryLimit uint64
	expiration  time.Duration
	hotReload   bool
	precompile  bool
	async       bool

	events event.Sink
	logger *slog.Logger

	hits      atomic.Uint64
	misses    atomic.Uint64
	compiles  atomic.Uint64
	evictions atomic.Uint64

	queue      chan compileRequest
	stop       chan struct{}
	workerDone chan struct{}
	tickerDone chan struct{}
	closed     bool
}

// NewCache creates a shader cache on the given device. The source
// library may be nil if no template uses include directives. The
// compile worker starts immediately; Close stops it.
func NewCache(device backend.Device, library *Library, cfg Config) *Cache {
	limit := cfg.MemoryLimit
	if limit == 0 {
		limit = DefaultMemoryLimit
	}
	expiration := cfg.ExpirationTime
	if expiration <= 0 {
		expiration = DefaultExpirationTime
	}
	events := cfg.Events
	if events == nil {
		events = event.NopSink()
	}

	c := &Cache{
		device:      device,
		library:     library,
		templates:   make(map[string]*Template),
		entries:     make(map[variantKey]*Program),
		memoryLimit: limit,
		expiration:  expiration,
		hotReload:   cfg.HotReloadEnabled,
		precompile:  cfg.PrecompileEnabled,
		async:       cfg.AsyncCompileEnabled,
		events:      events,
		logger:      logging.Or(cfg.Logger),
		queue:       make(chan compileRequest, 64),
		stop:        make(chan struct{}),
		workerDone:  make(chan struct{}),
	}

	go c.compileWorker()

	if cfg.CleanupInterval > 0 {
		c.tickerDone = make(chan struct{})
		go c.cleanupLoop(cfg.CleanupInterval)
	}

	return c
}

// Library returns the include-source library, creating one on first
// use so callers can register snippets lazily.
func (c *Cache) Library() *Library {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.library == nil {
		c.library = NewLibrary()
	}
	return c.library
}

// RegisterTemplate stores a template definition, replacing any
// previous definition with the same id. With precompilation enabled,
// the first few declared variants are queued for background compile.
func (c *Cache) RegisterTemplate(t *Template) error {
	if err := t.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCacheClosed
	}
	c.templates[t.ID] = t
	precompile := c.precompile
	c.mu.Unlock()

	c.logger.Debug("shader: template registered", "template", t.ID, "variants", len(t.Variants))

	if !precompile {
		return nil
	}
	for i, v := range t.Variants {
		if i >= precompileCount {
			break
		}
		// Fire and forget; failures surface through ShaderError events
		// and again on the first synchronous request.
		select {
		case c.queue <- compileRequest{key: variantKey{t.ID, v.Name}}:
		case <-c.stop:
			return nil
		default:
			// Full queue: skip precompilation rather than block the
			// caller. On-demand compilation still covers the variant.
			return nil
		}
	}
	return nil
}

// GetProgram returns the compiled program for (templateID, variant).
// The empty variant name selects the template's base configuration.
// On a cache hit the entry's use statistics are bumped and a CacheHit
// event fires; on a miss the variant is preprocessed, compiled and
// linked, which blocks the caller even in async mode (the wait ends
// when the worker finishes this specific key).
func (c *Cache) GetProgram(templateID, variant string) (*Program, error) {
	key := variantKey{templateID, variant}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCacheClosed
	}
	if p, ok := c.entries[key]; ok {
		c.touchLocked(p)
		c.mu.Unlock()
		c.hits.Add(1)
		c.events.Emit(event.CacheHit{TemplateID: templateID, Variant: variant})
		return p, nil
	}

	c.misses.Add(1)
	c.events.Emit(event.CacheMiss{TemplateID: templateID, Variant: variant})

	// Fail fast on lookup errors before any compile is scheduled.
	if err := c.resolveLocked(key); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	if !c.async {
		p, err := c.compileLocked(key)
		c.mu.Unlock()
		return p, err
	}
	c.mu.Unlock()

	req := compileRequest{key: key, reply: make(chan compileResult, 1)}
	select {
	case c.queue <- req:
	case <-c.stop:
		return nil, ErrCacheClosed
	}
	select {
	case res := <-req.reply:
		return res.program, res.err
	case <-c.stop:
		return nil, ErrCacheClosed
	}
}

// resolveLocked validates that key names a registered template and a
// declared variant.
func (c *Cache) resolveLocked(key variantKey) error {
	t, ok := c.templates[key.template]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTemplateNotFound, key.template)
	}
	if _, ok := t.variant(key.variant); !ok {
		return fmt.Errorf("%w: %q of template %q", ErrVariantNotFound, key.variant, key.template)
	}
	return nil
}

// touchLocked bumps an entry's use statistics.
func (c *Cache) touchLocked(p *Program) {
	p.lastUsed = time.Now()
	p.useCount++
}

// compileWorker drains the compile queue one request at a time, so
// queued compiles never run concurrently with each other.
func (c *Cache) compileWorker() {
	defer close(c.workerDone)
	for {
		select {
		case req := <-c.queue:
			c.mu.Lock()
			var res compileResult
			if c.closed {
				res.err = ErrCacheClosed
			} else if p, ok := c.entries[req.key]; ok {
				// A previous request for the same key already landed.
				c.touchLocked(p)
				res.program = p
			} else if res.err = c.resolveLocked(req.key); res.err == nil {
				res.program, res.err = c.compileLocked(req.key)
			}
			c.mu.Unlock()
			if req.reply != nil {
				req.reply <- res
			}
		case <-c.stop:
			return
		}
	}
}

// compileLocked preprocesses, compiles and links one variant and
// stores the entry. Caller must hold c.mu and have run resolveLocked.
func (c *Cache) compileLocked(key variantKey) (*Program, error) {
	t := c.templates[key.template]
	v, _ := t.variant(key.variant)
	start := time.Now()

	vsSrc, err := Preprocess(t.VertexSource, v.Defines, c.library)
	if err != nil {
		return nil, c.compileFailedLocked(key, backend.StageVertex, err)
	}
	fsSrc, err := Preprocess(t.FragmentSource, v.Defines, c.library)
	if err != nil {
		return nil, c.compileFailedLocked(key, backend.StageFragment, err)
	}

	vs, err := c.device.CompileShader(backend.StageVertex, vsSrc)
	if err != nil {
		return nil, c.compileFailedLocked(key, backend.StageVertex, err)
	}
	fs, err := c.device.CompileShader(backend.StageFragment, fsSrc)
	if err != nil {
		c.device.DestroyShader(vs)
		return nil, c.compileFailedLocked(key, backend.StageFragment, err)
	}
	handle, err := c.device.LinkProgram(vs, fs)
	if err != nil {
		c.device.DestroyShader(vs)
		c.device.DestroyShader(fs)
		return nil, c.compileFailedLocked(key, backend.StageVertex, err)
	}

	elapsed := time.Since(start)
	now := time.Now()

	uniforms := make(map[string]backend.UniformValue, len(t.DefaultUniforms))
	for name, val := range t.DefaultUniforms {
		uniforms[name] = val
	}

	p := &Program{
		TemplateID:      key.template,
		VariantName:     key.variant,
		Handle:          handle,
		DefaultUniforms: uniforms,
		CompileTime:     elapsed,
		vertex:          vs,
		fragment:        fs,
		sizeBytes:       uint64(len(vsSrc)+len(fsSrc)) + entryOverheadBytes,
		lastUsed:        now,
		useCount:        1,
	}
	c.entries[key] = p
	c.memory += p.sizeBytes
	c.compiles.Add(1)

	c.events.Emit(event.ShaderCompiled{
		TemplateID: key.template,
		Variant:    key.variant,
		Elapsed:    elapsed,
	})
	c.logger.Debug("shader: compiled",
		"template", key.template, "variant", key.variant, "elapsed", elapsed)

	if c.memory > c.memoryLimit {
		c.cleanupLocked(false)
	}
	return p, nil
}

// compileFailedLocked emits ShaderError and wraps the failure.
func (c *Cache) compileFailedLocked(key variantKey, stage backend.ShaderStage, err error) error {
	log := err.Error()
	var ce *backend.CompileError
	if errors.As(err, &ce) {
		log = ce.Log
	}
	var le *backend.LinkError
	if errors.As(err, &le) {
		log = le.Log
	}

	c.events.Emit(event.ShaderError{
		TemplateID: key.template,
		Variant:    key.variant,
		Stage:      stage.String(),
		Log:        log,
	})
	c.logger.Error("shader: compile failed",
		"template", key.template, "variant", key.variant, "stage", stage, "log", log)
	return fmt.Errorf("shader: compile %q/%q: %w", key.template, key.variant, err)
}

// HotReload discards and recompiles every cached variant of a
// template, picking up changed source text. Variants that were never
// compiled stay uncompiled. Returns the first recompile error after
// attempting all variants.
func (c *Cache) HotReload(templateID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrCacheClosed
	}
	if !c.hotReload {
		return ErrHotReloadDisabled
	}
	if _, ok := c.templates[templateID]; !ok {
		return fmt.Errorf("%w: %q", ErrTemplateNotFound, templateID)
	}

	var variants []string
	for key := range c.entries {
		if key.template == templateID {
			variants = append(variants, key.variant)
		}
	}

	recompiled, failed := 0, 0
	var firstErr error
	for _, variant := range variants {
		key := variantKey{templateID, variant}
		c.evictLocked(key)
		if _, err := c.compileLocked(key); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		recompiled++
	}

	c.events.Emit(event.HotReload{
		TemplateID: templateID,
		Recompiled: recompiled,
		Failed:     failed,
	})
	c.logger.Info("shader: hot reload",
		"template", templateID, "recompiled", recompiled, "failed", failed)
	return firstErr
}

// Cleanup evicts entries whose idle time exceeds the expiration
// threshold, or every entry when forced. Returns the number evicted.
func (c *Cache) Cleanup(force bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanupLocked(force)
}

func (c *Cache) cleanupLocked(force bool) int {
	now := time.Now()
	var victims []variantKey
	for key, p := range c.entries {
		if force || now.Sub(p.lastUsed) > c.expiration {
			victims = append(victims, key)
		}
	}

	var freed uint64
	for _, key := range victims {
		freed += c.entries[key].sizeBytes
		c.evictLocked(key)
	}

	if len(victims) > 0 || force {
		c.events.Emit(event.CacheCleaned{
			Evicted:    len(victims),
			FreedBytes: freed,
			Forced:     force,
		})
	}
	if len(victims) > 0 {
		c.logger.Debug("shader: cache cleaned",
			"evicted", len(victims), "bytes", freed, "forced", force)
	}
	return len(victims)
}

// evictLocked frees one entry's device objects and removes it.
func (c *Cache) evictLocked(key variantKey) {
	p, ok := c.entries[key]
	if !ok {
		return
	}
	c.device.DestroyProgram(p.Handle)
	c.device.DestroyShader(p.vertex)
	c.device.DestroyShader(p.fragment)
	delete(c.entries, key)
	if c.memory >= p.sizeBytes {
		c.memory -= p.sizeBytes
	} else {
		c.memory = 0
	}
	c.evictions.Add(1)
}

// cleanupLoop runs Cleanup(false) on a fixed interval until Close.
func (c *Cache) cleanupLoop(interval time.Duration) {
	defer close(c.tickerDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Cleanup(false)
		case <-c.stop:
			return
		}
	}
}

// MemoryUsage returns the current footprint estimate in bytes.
func (c *Cache) MemoryUsage() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memory
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := len(c.entries)
	memory := c.memory
	c.mu.Unlock()

	return Stats{
		Entries:     entries,
		MemoryBytes: memory,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Compiles:    c.compiles.Load(),
		Evictions:   c.evictions.Load(),
	}
}

// Close stops the worker and ticker and frees every cached program.
// Waiters blocked on an async compile fail with ErrCacheClosed.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stop)
	<-c.workerDone
	if c.tickerDone != nil {
		<-c.tickerDone
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		c.evictLocked(key)
	}
}
