package session

// ring is a fixed-capacity FIFO. Pushing onto a full ring drops the oldest item.
type ring[T any] struct {
	items []T
	cap   int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{cap: capacity}
}

// push appends v and reports whether an item was evicted.
func (r *ring[T]) push(v T) (evicted T, dropped bool) {
	if len(r.items) >= r.cap {
		evicted = r.items[0]
		r.items = r.items[1:]
		dropped = true
	}
	r.items = append(r.items, v)
	return evicted, dropped
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if len(r.items) == 0 {
		return zero, false
	}
	v := r.items[0]
	r.items[0] = zero
	r.items = r.items[1:]
	return v, true
}

func (r *ring[T]) peek() (T, bool) {
	var zero T
	if len(r.items) == 0 {
		return zero, false
	}
	return r.items[0], true
}

// removeFunc drops every item for which fn returns true.
func (r *ring[T]) removeFunc(fn func(T) bool) int {
	kept := r.items[:0]
	removed := 0
	for _, v := range r.items {
		if fn(v) {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	r.items = kept
	return removed
}

func (r *ring[T]) len() int { return len(r.items) }

// snapshot returns the items oldest first.
func (r *ring[T]) snapshot() []T {
	return append([]T(nil), r.items...)
}

// boundedMap is an insertion-ordered map of fixed capacity. Inserting a new
// key into a full map drops the oldest key.
type boundedMap[V any] struct {
	keys   []string
	values map[string]V
	cap    int
}

func newBoundedMap[V any](capacity int) *boundedMap[V] {
	if capacity < 1 {
		capacity = 1
	}
	return &boundedMap[V]{values: make(map[string]V), cap: capacity}
}

// set stores v under key. Updating an existing key keeps its position.
func (m *boundedMap[V]) set(key string, v V) (evicted string, dropped bool) {
	if _, ok := m.values[key]; ok {
		m.values[key] = v
		return "", false
	}
	if len(m.keys) >= m.cap {
		evicted = m.keys[0]
		m.keys = m.keys[1:]
		delete(m.values, evicted)
		dropped = true
	}
	m.keys = append(m.keys, key)
	m.values[key] = v
	return evicted, dropped
}

func (m *boundedMap[V]) get(key string) (V, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *boundedMap[V]) delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

func (m *boundedMap[V]) len() int { return len(m.keys) }

// ordered returns keys oldest first.
func (m *boundedMap[V]) ordered() []string {
	return append([]string(nil), m.keys...)
}
