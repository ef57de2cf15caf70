// Package renderopt is the GPU-resource and render-optimization layer
// of a 2D rendering engine. It sits between application-level drawing
// code and a graphics device and makes repeated frame rendering cheap
// by avoiding redundant device state changes, redundant shader
// compilation and redundant memory allocation.
//
// The components, each usable on its own:
//
//   - [resource.Manager]: GPU object lifecycle with reference counting,
//     per-category memory budgets and garbage collection.
//   - [shader.Cache]: shader program cache with variant preprocessing,
//     optional async compilation and hot reload.
//   - [pool.BufferPool]: reuses device buffer allocations across frames.
//   - [state.Deduplicator]: shadows device state and suppresses
//     redundant driver calls.
//   - [batch.Optimizer]: sorts and merges per-frame draw batches.
//
// [FrameOrchestrator] composes them into a begin/end-frame protocol:
//
//	dev, err := backend.InitDefault()
//	if err != nil {
//		log.Fatal(err)
//	}
//	orc := renderopt.New(dev, renderopt.Options{})
//	defer orc.Close()
//
//	for running {
//		orc.BeginFrame()
//		// ... create resources, fetch shaders, add batches ...
//		orc.ExecuteOptimizedRender()
//		stats, _ := orc.EndFrame()
//		_ = stats
//	}
//
// All rendering goes through a [backend.Device]. The wgpu backend
// drives real hardware; the headless backend is a complete in-memory
// implementation for tests and CI.
package renderopt
