package resource

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

// Resource management errors.
var (
	// ErrDuplicateID is returned when creating a resource whose id is
	// already present in the store.
	ErrDuplicateID = errors.New("resource: duplicate id")

	// ErrManagerClosed is returned when operating on a closed manager.
	ErrManagerClosed = errors.New("resource: manager closed")
)

// Default configuration values.
const (
	// DefaultTextureBudget is the default texture-category budget (128 MB).
	DefaultTextureBudget = 128 * 1024 * 1024

	// DefaultOtherBudget is the default budget for all non-texture
	// objects (32 MB).
	DefaultOtherBudget = 32 * 1024 * 1024

	// DefaultGCInterval is the default background GC period.
	DefaultGCInterval = 30 * time.Second

	// DefaultMaxAge is the default age past which an unreferenced
	// object becomes collectable.
	DefaultMaxAge = 5 * time.Minute

	// DefaultMaxUnused is the default idle time past which an
	// unreferenced object becomes collectable.
	DefaultMaxUnused = time.Minute
)

// Config holds Manager configuration. The zero value gets defaults
// applied by NewManager.
type Config struct {
	// Budgets maps accounting category to its byte ceiling. Missing
	// categories get the package defaults.
	Budgets map[string]uint64

	// GCEnabled starts the background collection ticker. Synchronous
	// budget-pressure collection runs regardless.
	GCEnabled bool

	// GCInterval is the background collection period.
	// Defaults to DefaultGCInterval if <= 0.
	GCInterval time.Duration

	// MaxAge is the age threshold for collection.
	// Defaults to DefaultMaxAge if <= 0.
	MaxAge time.Duration

	// MaxUnused is the idle-time threshold for collection.
	// Defaults to DefaultMaxUnused if <= 0.
	MaxUnused time.Duration

	// Events receives resource lifecycle notifications.
	// Defaults to a no-op sink.
	Events event.Sink

	// Logger receives diagnostics. Defaults to a silent logger.
	Logger *slog.Logger
}

// Stats reports manager-wide usage.
type Stats struct {
	// ObjectCount is the number of live records.
	ObjectCount int

	// UsedBytes is tracked memory across all categories.
	UsedBytes uint64

	// CategoryBytes is tracked memory per category.
	CategoryBytes map[string]uint64

	// GCRuns counts completed collection passes.
	GCRuns uint64

	// FreedObjects counts objects removed by collection.
	FreedObjects uint64

	// FreedBytes counts bytes released by collection.
	FreedBytes uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Resources[%d objects, %d KB used, %d GC runs, %d freed]",
		s.ObjectCount, s.UsedBytes/1024, s.GCRuns, s.FreedObjects)
}

// Manager owns the object store and reference counter and decides when
// device objects are allocated and freed.
//
// All public methods are safe for concurrent use. Events are emitted
// in the order the underlying store mutations occur.
type Manager struct {
	mu sync.Mutex

	device  backend.Device
	store   *store
	refs    *refCounter
	budgets map[string]uint64

	maxAge    time.Duration
	maxUnused time.Duration

	events event.Sink
	logger *slog.Logger

	// gcActive guards against re-entrant collection passes.
	gcActive atomic.Bool

	gcRuns       atomic.Uint64
	freedObjects atomic.Uint64
	freedBytes   atomic.Uint64

	stopGC chan struct{}
	gcDone chan struct{}
	closed bool
}

// NewManager creates a resource manager on the given device. If
// cfg.GCEnabled is set, a background collection goroutine starts
// immediately; Close stops it.
func NewManager(device backend.Device, cfg Config) *Manager {
	budgets := map[string]uint64{
		CategoryTextures: DefaultTextureBudget,
		CategoryOther:    DefaultOtherBudget,
	}
	for cat, b := range cfg.Budgets {
		budgets[cat] = b
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	maxUnused := cfg.MaxUnused
	if maxUnused <= 0 {
		maxUnused = DefaultMaxUnused
	}

	events := cfg.Events
	if events == nil {
		events = event.NopSink()
	}

	m := &Manager{
		device:    device,
		store:     newStore(),
		refs:      newRefCounter(),
		budgets:   budgets,
		maxAge:    maxAge,
		maxUnused: maxUnused,
		events:    events,
		logger:    logging.Or(cfg.Logger),
	}

	if cfg.GCEnabled {
		m.stopGC = make(chan struct{})
		m.gcDone = make(chan struct{})
		go m.gcLoop(interval)
	}

	return m
}

// gcLoop runs collection on a fixed interval until Close.
func (m *Manager) gcLoop(interval time.Duration) {
	defer close(m.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.PerformGC("interval")
		case <-m.stopGC:
			return
		}
	}
}

// Get returns the record for id, updating its access metadata.
// Returns nil if the id is not present.
func (m *Manager) Get(id string) *Object {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj := m.store.get(id)
	if obj == nil {
		return nil
	}
	m.store.touch(obj, time.Now())
	return obj
}

// AddRef increments the reference count for id. Returns the new count,
// or 0 if the id is not present.
func (m *Manager) AddRef(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.store.has(id) {
		return 0
	}
	return m.refs.addRef(id)
}

// ReleaseRef decrements the reference count for id. The count never
// drops below zero; releasing an unreferenced id is a no-op. Returns
// the new count.
func (m *Manager) ReleaseRef(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count, _ := m.refs.release(id)
	return count
}

// RefCount returns the current reference count for id.
func (m *Manager) RefCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs.count(id)
}

// SetZeroRefCallback registers fn to run when id's reference count
// next reaches zero. The callback runs at most once.
func (m *Manager) SetZeroRefCallback(id string, fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs.setZeroCallback(id, fn)
}

// Delete disposes the object with the given id. Returns false without
// touching the object if it is absent or still referenced; a rejected
// delete of a referenced object is logged at warning level.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(id, false)
}

// deleteLocked disposes id and its dependents. When force is set the
// reference count is ignored; only internal dependent disposal uses
// force, because dependents are owned by their parent.
func (m *Manager) deleteLocked(id string, force bool) bool {
	obj := m.store.get(id)
	if obj == nil {
		return false
	}
	if !force {
		if refs := m.refs.count(id); refs > 0 {
			m.logger.Warn("resource: delete rejected, object still referenced",
				"id", id, "refs", refs)
			return false
		}
	}

	obj.State = StateDisposing

	// Dependents are owned by this record; dispose them first.
	for _, dep := range obj.Dependents {
		m.deleteLocked(dep, true)
	}

	m.freeDeviceObject(obj)
	obj.State = StateDisposed
	m.store.remove(id)
	m.refs.forget(id)

	m.events.Emit(event.ResourceDisposed{
		ID:        obj.ID,
		Kind:      obj.Kind.String(),
		SizeBytes: obj.SizeBytes,
	})
	m.logger.Debug("resource: disposed", "id", id, "kind", obj.Kind, "bytes", obj.SizeBytes)
	return true
}

// freeDeviceObject releases the underlying driver object for a record.
func (m *Manager) freeDeviceObject(obj *Object) {
	switch obj.Kind {
	case KindTexture:
		m.device.DestroyTexture(obj.Texture)
	case KindFramebuffer:
		m.device.DestroyFramebuffer(obj.Framebuffer)
	case KindBuffer:
		m.device.DestroyBuffer(obj.Buffer)
	case KindShader, KindProgram:
		// Shader objects are owned by the shader cache, which frees
		// them through its own cleanup path.
	}
}

// insert stores a freshly allocated record, emits ResourceCreated, and
// runs synchronous budget enforcement. Caller must hold m.mu.
func (m *Manager) insert(obj *Object) {
	obj.State = StateReady
	m.store.put(obj)

	m.events.Emit(event.ResourceCreated{
		ID:        obj.ID,
		Kind:      obj.Kind.String(),
		SizeBytes: obj.SizeBytes,
	})
	m.logger.Debug("resource: created", "id", obj.ID, "kind", obj.Kind, "bytes", obj.SizeBytes)

	m.enforceBudgetLocked(obj.Kind.Category())
}

// enforceBudgetLocked emits memory pressure and runs a synchronous
// collection pass when a category exceeds its budget. Caller must
// hold m.mu.
func (m *Manager) enforceBudgetLocked(category string) {
	budget, ok := m.budgets[category]
	if !ok || budget == 0 {
		return
	}
	used := m.store.categoryUsage(category)
	if used <= budget {
		return
	}

	m.events.Emit(event.MemoryPressure{
		Category:    category,
		UsedBytes:   used,
		BudgetBytes: budget,
	})
	m.logger.Warn("resource: memory budget exceeded",
		"category", category, "used", used, "budget", budget)

	m.performGCLocked("budget:" + category)

	// Escalate if collection could not bring usage back under budget.
	if after := m.store.categoryUsage(category); after > budget {
		m.events.Emit(event.MemoryPressure{
			Category:    category,
			UsedBytes:   after,
			BudgetBytes: budget,
			OverBudget:  true,
		})
	}
}

// PerformGC runs one collection pass: READY objects with zero
// references whose age exceeds the max-age threshold or whose idle
// time exceeds the max-unused threshold are disposed. Re-entrant
// invocations are ignored while a pass is active.
func (m *Manager) PerformGC(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.performGCLocked(reason)
}

func (m *Manager) performGCLocked(reason string) {
	if !m.gcActive.CompareAndSwap(false, true) {
		return
	}
	defer m.gcActive.Store(false)

	start := time.Now()
	m.events.Emit(event.GCStarted{Reason: reason})

	var victims []string
	m.store.each(func(obj *Object) {
		if obj.State != StateReady {
			return
		}
		if m.refs.count(obj.ID) > 0 {
			return
		}
		if obj.Age(start) > m.maxAge || obj.IdleTime(start) > m.maxUnused {
			victims = append(victims, obj.ID)
		}
	})

	var freedBytes uint64
	freedCount := 0
	for _, id := range victims {
		if obj := m.store.get(id); obj != nil {
			freedBytes += obj.SizeBytes
			if m.deleteLocked(id, false) {
				freedCount++
			}
		}
	}

	m.gcRuns.Add(1)
	m.freedObjects.Add(uint64(freedCount)) //nolint:gosec // G115: count is non-negative
	m.freedBytes.Add(freedBytes)

	m.events.Emit(event.GCCompleted{
		FreedObjects: freedCount,
		FreedBytes:   freedBytes,
		Elapsed:      time.Since(start),
	})
	if freedCount > 0 {
		m.logger.Info("resource: gc completed",
			"reason", reason, "freed", freedCount, "bytes", freedBytes)
	}
}

// Usage returns the tracked bytes for one category.
func (m *Manager) Usage(category string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.categoryUsage(category)
}

// Stats returns a snapshot of manager-wide usage.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	categories := make(map[string]uint64, 2)
	categories[CategoryTextures] = m.store.categoryUsage(CategoryTextures)
	categories[CategoryOther] = m.store.categoryUsage(CategoryOther)

	return Stats{
		ObjectCount:   m.store.count(),
		UsedBytes:     m.store.totalUsage(),
		CategoryBytes: categories,
		GCRuns:        m.gcRuns.Load(),
		FreedObjects:  m.freedObjects.Load(),
		FreedBytes:    m.freedBytes.Load(),
	}
}

// Close stops the background collector and disposes every remaining
// object, ignoring reference counts. The manager must not be used
// afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	stop := m.stopGC
	done := m.gcDone
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	m.store.each(func(obj *Object) { ids = append(ids, obj.ID) })
	for _, id := range ids {
		// Dependents may already be gone once their parent is deleted.
		if m.store.has(id) {
			m.deleteLocked(id, true)
		}
	}
}
