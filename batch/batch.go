// Package batch collects per-frame draw submissions and reorders and
// merges them to minimize state changes and draw calls. Batches that
// share a program, vertex array, texture set and uniform set differ
// only in what they draw, so sorting brings them together and merging
// folds them into a single submission.
package batch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gogpu/renderopt/backend"
)

// DrawCall is one draw within a batch.
type DrawCall struct {
	// Mode is the primitive topology.
	Mode backend.PrimitiveMode

	// First is the index of the first vertex.
	First int

	// Count is the number of vertices.
	Count int

	// Instances is the instance count; 0 or 1 means a plain draw.
	Instances int
}

// Batch is one draw submission: the full state it needs plus an
// ordered list of draw calls. Batches live for one frame.
type Batch struct {
	// ID labels the batch for diagnostics.
	ID string

	// Program and VertexArray are the pipeline state the draws need.
	Program     backend.ProgramID
	VertexArray backend.VertexArrayID

	// Textures maps texture unit to the texture bound there.
	Textures map[int]backend.TextureID

	// Uniforms maps uniform name to its value for this batch.
	Uniforms map[string]backend.UniformValue

	// Draws is the ordered draw-call list.
	Draws []DrawCall

	// SortKey orders batches for optimization. Zero value means
	// "compute from state on first use".
	SortKey string
}

// Key returns the batch's sort key, computing and caching it when
// unset. The key groups by program first, then by texture set, then
// by vertex array, so sorting clusters batches that can share the
// most expensive state.
func (b *Batch) Key() string {
	if b.SortKey == "" {
		b.SortKey = buildSortKey(b)
	}
	return b.SortKey
}

func buildSortKey(b *Batch) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "p%08d|t", b.Program)

	units := make([]int, 0, len(b.Textures))
	for unit := range b.Textures {
		units = append(units, unit)
	}
	sort.Ints(units)
	for _, unit := range units {
		fmt.Fprintf(&sb, "%d:%d,", unit, b.Textures[unit])
	}

	fmt.Fprintf(&sb, "|v%08d", b.VertexArray)
	return sb.String()
}

// CanMergeWith reports whether other can be folded into b: same
// program, same vertex array, identical texture bindings, and
// identical uniform values.
func (b *Batch) CanMergeWith(other *Batch) bool {
	if b.Program != other.Program || b.VertexArray != other.VertexArray {
		return false
	}
	if !texturesEqual(b.Textures, other.Textures) {
		return false
	}
	return backend.UniformsEqual(b.Uniforms, other.Uniforms)
}

func texturesEqual(a, b map[int]backend.TextureID) bool {
	if len(a) != len(b) {
		return false
	}
	for unit, tex := range a {
		if b[unit] != tex {
			return false
		}
	}
	return true
}

// DrawCount returns the number of draw calls in the batch.
func (b *Batch) DrawCount() int { return len(b.Draws) }
