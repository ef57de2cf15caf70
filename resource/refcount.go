package resource

// refCounter tracks consumer ownership of object-store entries.
//
// Counts never go negative: releasing an id with no entry is a no-op
// that reports false. When a count reaches zero the optional
// zero-callback fires exactly once and the entry is removed, so a
// later AddRef starts a fresh entry.
//
// Like the store, refCounter is owned by the Manager and relies on the
// Manager's lock for synchronization.
type refCounter struct {
	counts map[string]int
	onZero map[string]func(id string)
}

func newRefCounter() *refCounter {
	return &refCounter{
		counts: make(map[string]int),
		onZero: make(map[string]func(id string)),
	}
}

// addRef increments the count for id and returns the new count.
func (r *refCounter) addRef(id string) int {
	r.counts[id]++
	return r.counts[id]
}

// setZeroCallback registers the callback fired when id's count reaches
// zero. Overwrites any previous callback for id.
func (r *refCounter) setZeroCallback(id string, fn func(id string)) {
	if fn == nil {
		delete(r.onZero, id)
		return
	}
	r.onZero[id] = fn
}

// release decrements the count for id. Returns the new count and
// whether a tracked entry existed. A count reaching zero fires the
// zero-callback once and removes the entry.
func (r *refCounter) release(id string) (count int, ok bool) {
	count, ok = r.counts[id]
	if !ok || count == 0 {
		return 0, false
	}
	count--
	if count > 0 {
		r.counts[id] = count
		return count, true
	}

	delete(r.counts, id)
	fn := r.onZero[id]
	delete(r.onZero, id)
	if fn != nil {
		fn(id)
	}
	return 0, true
}

// count returns the current count for id (zero if untracked).
func (r *refCounter) count(id string) int {
	return r.counts[id]
}

// forget drops all tracking for id without firing the callback.
// Used when the object itself is disposed.
func (r *refCounter) forget(id string) {
	delete(r.counts, id)
	delete(r.onZero, id)
}
