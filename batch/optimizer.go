package batch

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/gogpu/renderopt/event"
	"github.com/gogpu/renderopt/internal/logging"
)

// Optimizer accumulates one frame's batches and produces an optimized
// submission order. The render loop calls Clear at frame start,
// AddBatch per submission, then OptimizeBatches and MergeBatches when
// it is time to draw.
//
// Optimizer is safe for concurrent use, though the render loop is
// expected to be its only caller.
type Optimizer struct {
	mu sync.Mutex

	batches []*Batch

	events event.Sink
	logger *slog.Logger
}

// NewOptimizer creates an empty optimizer. A nil events sink disables
// notifications; a nil logger silences diagnostics.
func NewOptimizer(events event.Sink, logger *slog.Logger) *Optimizer {
	if events == nil {
		events = event.NopSink()
	}
	return &Optimizer{
		events: events,
		logger: logging.Or(logger),
	}
}

// AddBatch appends a batch to the current frame.
func (o *Optimizer) AddBatch(b *Batch) {
	if b == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches = append(o.batches, b)
}

// Len returns the number of accumulated batches.
func (o *Optimizer) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.batches)
}

// OptimizeBatches returns the frame's batches sorted by sort key.
// The sort is stable, so batches with equal keys keep their insertion
// order; rendering order within a state group is preserved.
func (o *Optimizer) OptimizeBatches() []*Batch {
	o.mu.Lock()
	defer o.mu.Unlock()

	sorted := make([]*Batch, len(o.batches))
	copy(sorted, o.batches)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Key() < sorted[j].Key()
	})
	return sorted
}

// MergeBatches folds compatible adjacent batches in the sorted order
// into single batches with concatenated draw lists. Only the most
// recently emitted batch is considered as a merge target: the sort
// key covers the same state the merge compares, so compatible batches
// are already adjacent after sorting.
//
// Emits BatchOptimized with before/after counts when anything merged.
func (o *Optimizer) MergeBatches() []*Batch {
	sorted := o.OptimizeBatches()
	if len(sorted) == 0 {
		return sorted
	}

	merged := make([]*Batch, 0, len(sorted))
	for _, b := range sorted {
		if len(merged) > 0 {
			last := merged[len(merged)-1]
			if last.CanMergeWith(b) {
				last.Draws = append(last.Draws, b.Draws...)
				continue
			}
		}
		// Copy so merging never mutates a caller-owned batch.
		cp := *b
		cp.Draws = append([]DrawCall(nil), b.Draws...)
		merged = append(merged, &cp)
	}

	if len(merged) < len(sorted) {
		o.events.Emit(event.BatchOptimized{
			Before: len(sorted),
			After:  len(merged),
		})
		o.logger.Debug("batch: merged", "before", len(sorted), "after", len(merged))
	}
	return merged
}

// Clear discards all accumulated batches. Called at frame start.
func (o *Optimizer) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches = o.batches[:0]
}
