package resource

import "time"

// store is the authoritative map of live object records. It is owned
// by the Manager, which serializes access under its own lock; the
// store itself carries no mutex.
type store struct {
	objects map[string]*Object

	// usage tracks estimated bytes per accounting category.
	usage map[string]uint64
}

func newStore() *store {
	return &store{
		objects: make(map[string]*Object),
		usage:   make(map[string]uint64),
	}
}

// get returns the record for id, or nil.
func (s *store) get(id string) *Object {
	return s.objects[id]
}

// has reports whether id is present.
func (s *store) has(id string) bool {
	_, ok := s.objects[id]
	return ok
}

// put inserts a record and adds its size to the category usage.
// The caller must have checked for duplicates.
func (s *store) put(obj *Object) {
	s.objects[obj.ID] = obj
	s.usage[obj.Kind.Category()] += obj.SizeBytes
}

// remove deletes a record and subtracts its size from category usage.
func (s *store) remove(id string) *Object {
	obj, ok := s.objects[id]
	if !ok {
		return nil
	}
	delete(s.objects, id)
	cat := obj.Kind.Category()
	if s.usage[cat] >= obj.SizeBytes {
		s.usage[cat] -= obj.SizeBytes
	} else {
		s.usage[cat] = 0
	}
	return obj
}

// touch updates access metadata on a record.
func (s *store) touch(obj *Object, now time.Time) {
	obj.LastAccess = now
	obj.AccessCount++
}

// categoryUsage returns the tracked bytes for one category.
func (s *store) categoryUsage(category string) uint64 {
	return s.usage[category]
}

// totalUsage returns the tracked bytes across all categories.
func (s *store) totalUsage() uint64 {
	var total uint64
	for _, b := range s.usage {
		total += b
	}
	return total
}

// count returns the number of live records.
func (s *store) count() int {
	return len(s.objects)
}

// each calls fn for every record. fn must not mutate the map.
func (s *store) each(fn func(*Object)) {
	for _, obj := range s.objects {
		fn(obj)
	}
}
