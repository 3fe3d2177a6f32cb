// Package connection provides the id-keyed registries that hold every live
// connection entity of the relay, and the id allocator they share.
package connection

// ID identifies a connection entity. IDs come from one shared counter and are
// never reused while the process runs, so a stale ID cannot address a newer
// entity. The zero ID means "none".
type ID = int32

// IDAllocator hands out monotonically increasing IDs starting at 1.
// It is not safe for concurrent use.
type IDAllocator struct {
	last ID
}

// Next returns a fresh ID.
func (a *IDAllocator) Next() ID {
	a.last++
	if a.last <= 0 {
		// Wrapped after 2^31 allocations; restart above zero.
		a.last = 1
	}
	return a.last
}

// Registry maps IDs to entities and remembers insertion order for snapshots.
// It is owned by a single goroutine and performs no locking.
type Registry[T any] struct {
	name  string
	items map[ID]T
	order []ID
}

// NewRegistry creates an empty registry. The name is used in log lines.
func NewRegistry[T any](name string) *Registry[T] {
	return &Registry[T]{
		name:  name,
		items: make(map[ID]T),
	}
}

// Name returns the registry name.
func (r *Registry[T]) Name() string { return r.name }

// Add stores item under id, replacing any previous entry.
func (r *Registry[T]) Add(id ID, item T) {
	if _, exists := r.items[id]; !exists {
		r.order = append(r.order, id)
	}
	r.items[id] = item
}

// Get looks up an entity.
func (r *Registry[T]) Get(id ID) (T, bool) {
	item, ok := r.items[id]
	return item, ok
}

// Remove deletes an entity and returns it. Removing an unknown id is a no-op
// reporting false.
func (r *Registry[T]) Remove(id ID) (T, bool) {
	item, ok := r.items[id]
	if !ok {
		return item, false
	}
	delete(r.items, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return item, true
}

// Len returns the number of entities.
func (r *Registry[T]) Len() int { return len(r.items) }

// Snapshot returns the entities in insertion order. The slice is a copy, so
// callers may remove entries while iterating it.
func (r *Registry[T]) Snapshot() []T {
	out := make([]T, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.items[id])
	}
	return out
}

// Filter returns, in insertion order, the entities for which keep is true.
func (r *Registry[T]) Filter(keep func(T) bool) []T {
	var out []T
	for _, id := range r.order {
		if item := r.items[id]; keep(item) {
			out = append(out, item)
		}
	}
	return out
}
