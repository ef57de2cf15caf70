// Package event defines the typed notification values the renderopt
// managers emit, and a dispatcher that delivers them to listeners in
// the order the underlying state changes occurred.
//
// Events are observability, not control flow: every failure that an
// event reports is also returned to the caller as an error or boolean
// result. Consumers (logging, telemetry, editors) register a Listener
// on the orchestrator's dispatcher; with no listeners registered,
// emission is a cheap no-op.
package event

import "time"

// Type identifies an event's kind without inspecting its payload.
type Type uint8

// Event types, one per observable notification.
const (
	TypeResourceCreated Type = iota
	TypeResourceDisposed
	TypeMemoryPressure
	TypeGCStarted
	TypeGCCompleted
	TypeShaderCompiled
	TypeCacheHit
	TypeCacheMiss
	TypeShaderError
	TypeCacheCleaned
	TypeHotReload
	TypeStateChanged
	TypeBatchOptimized
	TypePerformanceWarning
	TypeBufferAllocated
)

// String returns the event type name.
func (t Type) String() string {
	switch t {
	case TypeResourceCreated:
		return "resourceCreated"
	case TypeResourceDisposed:
		return "resourceDisposed"
	case TypeMemoryPressure:
		return "memoryPressure"
	case TypeGCStarted:
		return "gcStarted"
	case TypeGCCompleted:
		return "gcCompleted"
	case TypeShaderCompiled:
		return "shaderCompiled"
	case TypeCacheHit:
		return "cacheHit"
	case TypeCacheMiss:
		return "cacheMiss"
	case TypeShaderError:
		return "shaderError"
	case TypeCacheCleaned:
		return "cacheCleaned"
	case TypeHotReload:
		return "hotReload"
	case TypeStateChanged:
		return "stateChanged"
	case TypeBatchOptimized:
		return "batchOptimized"
	case TypePerformanceWarning:
		return "performanceWarning"
	case TypeBufferAllocated:
		return "bufferAllocated"
	default:
		return "unknown"
	}
}

// Event is implemented by all event payload types.
type Event interface {
	// EventType returns the event's type tag.
	EventType() Type
}

// ResourceCreated reports a new object in the resource manager.
type ResourceCreated struct {
	ID        string
	Kind      string
	SizeBytes uint64
}

// EventType implements Event.
func (ResourceCreated) EventType() Type { return TypeResourceCreated }

// ResourceDisposed reports an object freed by the resource manager.
type ResourceDisposed struct {
	ID        string
	Kind      string
	SizeBytes uint64
}

// EventType implements Event.
func (ResourceDisposed) EventType() Type { return TypeResourceDisposed }

// MemoryPressure reports a resource category exceeding its budget.
// OverBudget stays true in the follow-up emission if a triggered GC
// pass could not bring usage back under the budget.
type MemoryPressure struct {
	Category    string
	UsedBytes   uint64
	BudgetBytes uint64
	OverBudget  bool
}

// EventType implements Event.
func (MemoryPressure) EventType() Type { return TypeMemoryPressure }

// GCStarted reports the beginning of a garbage-collection pass.
type GCStarted struct {
	Reason string
}

// EventType implements Event.
func (GCStarted) EventType() Type { return TypeGCStarted }

// GCCompleted reports the totals of a finished garbage-collection pass.
type GCCompleted struct {
	FreedObjects int
	FreedBytes   uint64
	Elapsed      time.Duration
}

// EventType implements Event.
func (GCCompleted) EventType() Type { return TypeGCCompleted }

// ShaderCompiled reports a successful compile+link of one variant.
type ShaderCompiled struct {
	TemplateID string
	Variant    string
	Elapsed    time.Duration
}

// EventType implements Event.
func (ShaderCompiled) EventType() Type { return TypeShaderCompiled }

// CacheHit reports a shader cache lookup served from the cache.
type CacheHit struct {
	TemplateID string
	Variant    string
}

// EventType implements Event.
func (CacheHit) EventType() Type { return TypeCacheHit }

// CacheMiss reports a shader cache lookup that required compilation.
type CacheMiss struct {
	TemplateID string
	Variant    string
}

// EventType implements Event.
func (CacheMiss) EventType() Type { return TypeCacheMiss }

// ShaderError reports a failed compile or link.
type ShaderError struct {
	TemplateID string
	Variant    string
	Stage      string
	Log        string
}

// EventType implements Event.
func (ShaderError) EventType() Type { return TypeShaderError }

// CacheCleaned reports entries evicted from the shader cache.
type CacheCleaned struct {
	Evicted    int
	FreedBytes uint64
	Forced     bool
}

// EventType implements Event.
func (CacheCleaned) EventType() Type { return TypeCacheCleaned }

// HotReload reports the outcome of a hot-reload request.
type HotReload struct {
	TemplateID string
	Recompiled int
	Failed     int
}

// EventType implements Event.
func (HotReload) EventType() Type { return TypeHotReload }

// StateChanged reports a device state transition that was actually
// issued (redundant transitions are suppressed and not reported).
type StateChanged struct {
	// Field names the snapshot field that changed ("program",
	// "vertexArray", "buffer:vertex", "texture", "viewport", "blend",
	// "depthTest", "cullFace").
	Field string
}

// EventType implements Event.
func (StateChanged) EventType() Type { return TypeStateChanged }

// BatchOptimized reports the result of a batch merge pass.
type BatchOptimized struct {
	Before int
	After  int
}

// EventType implements Event.
func (BatchOptimized) EventType() Type { return TypeBatchOptimized }

// PerformanceWarning reports one frame metric exceeding its threshold.
type PerformanceWarning struct {
	// Metric names the breached metric ("frameTime", "stateChanges",
	// "drawCalls").
	Metric    string
	Value     float64
	Threshold float64
	Frame     uint64
}

// EventType implements Event.
func (PerformanceWarning) EventType() Type { return TypePerformanceWarning }

// BufferAllocated reports a new device buffer added to the pool.
type BufferAllocated struct {
	SizeBytes uint64
	Type      string
	Usage     string
}

// EventType implements Event.
func (BufferAllocated) EventType() Type { return TypeBufferAllocated }
