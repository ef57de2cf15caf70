// Package resource manages the lifecycle of driver-level GPU objects:
// a typed object store, consumer reference counting, per-category
// memory budgets, and garbage collection of unused objects.
package resource

import (
	"time"

	"github.com/gogpu/renderopt/backend"
)

// Kind classifies a stored GPU object.
type Kind uint8

const (
	// KindTexture is a sampled or render-target texture.
	KindTexture Kind = iota

	// KindFramebuffer is a framebuffer with texture attachments.
	KindFramebuffer

	// KindBuffer is a raw device buffer.
	KindBuffer

	// KindShader is a compiled shader stage.
	KindShader

	// KindProgram is a linked shader program.
	KindProgram
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTexture:
		return "texture"
	case KindFramebuffer:
		return "framebuffer"
	case KindBuffer:
		return "buffer"
	case KindShader:
		return "shader"
	case KindProgram:
		return "program"
	default:
		return "unknown"
	}
}

// Category returns the memory accounting category for the kind.
// Textures dominate GPU memory in a 2D engine, so they get their own
// budget; everything else shares the "other" pool.
func (k Kind) Category() string {
	if k == KindTexture {
		return CategoryTextures
	}
	return CategoryOther
}

// Memory accounting categories.
const (
	// CategoryTextures tracks texture memory.
	CategoryTextures = "textures"

	// CategoryOther tracks all non-texture object memory.
	CategoryOther = "other"
)

// State is the lifecycle state of an object record.
type State uint8

const (
	// StateCreating means device allocation is in progress.
	StateCreating State = iota

	// StateReady means the object is live and usable.
	StateReady

	// StateDisposing means disposal has begun.
	StateDisposing

	// StateDisposed means the device object has been freed.
	StateDisposed

	// StateError means allocation failed; the record is a tombstone.
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateReady:
		return "ready"
	case StateDisposing:
		return "disposing"
	case StateDisposed:
		return "disposed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Object is one driver-level GPU object record.
//
// An Object is handed out by the Manager and remains owned by it:
// callers read the metadata and the device handle but never mutate the
// record. Access metadata (LastAccess, AccessCount) is updated by the
// Manager on every Get.
type Object struct {
	// ID is the caller-chosen stable identifier.
	ID string

	// Kind classifies the underlying device object.
	Kind Kind

	// State is the lifecycle state. Only StateReady objects may be
	// used for rendering.
	State State

	// SizeBytes is the estimated device memory footprint.
	SizeBytes uint64

	// CreatedAt is the allocation timestamp.
	CreatedAt time.Time

	// LastAccess is the most recent Get timestamp.
	LastAccess time.Time

	// AccessCount counts Get calls.
	AccessCount uint64

	// Tags carries free-form caller metadata.
	Tags map[string]string

	// Dependents lists object ids this record owns (a framebuffer's
	// attachments). Dependents stay valid store entries until this
	// record is disposed; disposing the record disposes them.
	Dependents []string

	// Device handles. Exactly one is set, matching Kind.
	Texture     backend.TextureID
	Framebuffer backend.FramebufferID
	Buffer      backend.BufferID
}

// Age returns the time since creation.
func (o *Object) Age(now time.Time) time.Duration {
	return now.Sub(o.CreatedAt)
}

// IdleTime returns the time since the last access.
func (o *Object) IdleTime(now time.Time) time.Duration {
	return now.Sub(o.LastAccess)
}
