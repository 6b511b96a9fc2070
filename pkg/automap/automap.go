// Package automap implements a small-N inline container that behaves like a
// map (or set) but avoids hashing overhead for the common case of very few
// entries: a fresh Map starts as a dense slice of (key, value) pairs and only
// converts to a real Go map once it grows past MaxListSize, converting back
// once it shrinks to MinHashSize or below. The conversion is invisible to
// callers; every operation works the same regardless of which form the Map
// is currently in.
//
// This is used for every per-node edge set in the aggregation tree and the
// task-state arena, where the overwhelming majority of nodes have a handful
// of parents/children and only a few hubs ever grow large.
package automap

const (
	// MaxListSize is the largest a Map can grow while still stored as a
	// dense slice before it is converted to a hashed map.
	MaxListSize = 16
	// MinHashSize is the size a hashed Map shrinks to (or below) before it
	// is converted back to a dense slice. Kept well below MaxListSize so a
	// Map oscillating around the boundary doesn't thrash between forms on
	// every single insert/remove.
	MinHashSize = 8
)

type entry[K comparable, V any] struct {
	key   K
	value V
}

// Map is a polymorphic (K, V) container. The zero value is not usable; use
// New.
type Map[K comparable, V any] struct {
	list   []entry[K, V]
	hashed map[K]V
}

// New constructs an empty Map, starting in ListForm.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{}
}

// Len returns the number of entries, regardless of current form.
func (m *Map[K, V]) Len() int {
	if m.hashed != nil {
		return len(m.hashed)
	}
	return len(m.list)
}

// Get returns the value stored for key, and whether it was present.
func (m *Map[K, V]) Get(key K) (V, bool) {
	if m.hashed != nil {
		v, ok := m.hashed[key]
		return v, ok
	}
	for i := range m.list {
		if m.list[i].key == key {
			return m.list[i].value, true
		}
	}
	var zero V
	return zero, false
}

// Contains reports whether key is present.
func (m *Map[K, V]) Contains(key K) bool {
	_, ok := m.Get(key)
	return ok
}

// Insert sets key to value, returning the value it replaced (if any). A
// fresh key that pushes ListForm past MaxListSize triggers promotion to
// MapForm.
func (m *Map[K, V]) Insert(key K, value V) (prior V, replaced bool) {
	if m.hashed != nil {
		prior, replaced = m.hashed[key]
		m.hashed[key] = value
		return prior, replaced
	}

	for i := range m.list {
		if m.list[i].key == key {
			prior = m.list[i].value
			m.list[i].value = value
			return prior, true
		}
	}

	if len(m.list) == MaxListSize {
		m.promote()
		m.hashed[key] = value
		var zero V
		return zero, false
	}

	m.list = append(m.list, entry[K, V]{key: key, value: value})
	var zero V
	return zero, false
}

// Remove deletes key, returning its value (if present). Dropping a MapForm
// Map to MinHashSize or below triggers demotion back to ListForm.
func (m *Map[K, V]) Remove(key K) (V, bool) {
	if m.hashed != nil {
		v, ok := m.hashed[key]
		if !ok {
			var zero V
			return zero, false
		}
		delete(m.hashed, key)
		if len(m.hashed) <= MinHashSize {
			m.demote()
		}
		return v, true
	}

	for i := range m.list {
		if m.list[i].key == key {
			v := m.list[i].value
			m.list = append(m.list[:i], m.list[i+1:]...)
			return v, true
		}
	}
	var zero V
	return zero, false
}

// Keys returns a snapshot of every key currently stored, in no particular
// order.
func (m *Map[K, V]) Keys() []K {
	out := make([]K, 0, m.Len())
	if m.hashed != nil {
		for k := range m.hashed {
			out = append(out, k)
		}
		return out
	}
	for i := range m.list {
		out = append(out, m.list[i].key)
	}
	return out
}

// ForEach calls fn for every (key, value) pair, stopping early if fn
// returns false. Iteration order is unspecified and may differ between
// ListForm and MapForm.
func (m *Map[K, V]) ForEach(fn func(K, V) bool) {
	if m.hashed != nil {
		for k, v := range m.hashed {
			if !fn(k, v) {
				return
			}
		}
		return
	}
	for i := range m.list {
		if !fn(m.list[i].key, m.list[i].value) {
			return
		}
	}
}

// Entry returns the current value for key and a setter that either updates
// an existing entry or inserts a fresh one, mirroring the insert-or-update
// pattern of a standard entry API without exposing either internal form.
func (m *Map[K, V]) Entry(key K) (value V, ok bool, set func(V)) {
	value, ok = m.Get(key)
	set = func(v V) { m.Insert(key, v) }
	return value, ok, set
}

func (m *Map[K, V]) promote() {
	m.hashed = make(map[K]V, MaxListSize*2)
	for i := range m.list {
		m.hashed[m.list[i].key] = m.list[i].value
	}
	m.list = nil
}

func (m *Map[K, V]) demote() {
	m.list = make([]entry[K, V], 0, len(m.hashed))
	for k, v := range m.hashed {
		m.list = append(m.list, entry[K, V]{key: k, value: v})
	}
	m.hashed = nil
}
