package completion

// Registry maps keys to pending handles.
//
// Methods are not safe for concurrent use; the owner serializes access with
// its own lock so registry changes stay atomic with the state they describe.
type Registry[K comparable, V any] struct {
	entries map[K]*Handle[V]
}

// NewRegistry returns an empty Registry.
func NewRegistry[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{entries: make(map[K]*Handle[V])}
}

// Register stores h under key. A different handle already stored under key is
// removed and settled with ErrSuperseded. It returns the superseded handle, if
// any.
func (r *Registry[K, V]) Register(key K, h *Handle[V]) *Handle[V] {
	prev, ok := r.entries[key]
	r.entries[key] = h
	if !ok || prev == h {
		return nil
	}
	var zero V
	prev.settle(zero, ErrSuperseded)
	return prev
}

// Resolve settles and removes the handle stored under key. It is a no-op
// returning false when key holds nothing.
func (r *Registry[K, V]) Resolve(key K, val V) bool {
	h, ok := r.entries[key]
	if !ok {
		return false
	}
	delete(r.entries, key)
	return h.settle(val, nil)
}

// Reject settles and removes the handle stored under key with err. It is a
// no-op returning false when key holds nothing.
func (r *Registry[K, V]) Reject(key K, err error) bool {
	h, ok := r.entries[key]
	if !ok {
		return false
	}
	delete(r.entries, key)
	var zero V
	return h.settle(zero, err)
}

// Rekey moves the handle stored under from to to. A pending handle already
// stored under to is superseded. It returns false when from holds nothing.
func (r *Registry[K, V]) Rekey(from, to K) bool {
	h, ok := r.entries[from]
	if !ok {
		return false
	}
	delete(r.entries, from)
	r.Register(to, h)
	return true
}

// Pending reports whether key holds a handle.
func (r *Registry[K, V]) Pending(key K) bool {
	_, ok := r.entries[key]
	return ok
}

// RejectAll rejects every stored handle with err and returns how many were
// settled.
func (r *Registry[K, V]) RejectAll(err error) int {
	n := 0
	for key := range r.entries {
		if r.Reject(key, err) {
			n++
		}
	}
	return n
}

// Len returns the number of stored handles.
func (r *Registry[K, V]) Len() int {
	return len(r.entries)
}
