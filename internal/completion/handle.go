// Package completion correlates asynchronous outcomes with the caller that
// asked for them.
//
// A Handle settles exactly once. A Registry maps a key to at most one pending
// Handle; registering a new Handle for a key that still holds a pending one
// supersedes the old one instead of queueing behind it.
package completion

import (
	"context"
	"errors"
	"sync"
)

// ErrSuperseded settles a Handle whose registry slot was taken by a later
// request for the same key. A superseded handle was neither resolved nor
// rejected by the outcome it was waiting for.
var ErrSuperseded = errors.New("completion: superseded by a newer request")

// Handle is a single-assignment result shared between the producer that
// settles it and any number of waiters.
type Handle[V any] struct {
	once sync.Once
	done chan struct{}
	val  V
	err  error
}

// NewHandle returns an unsettled Handle.
func NewHandle[V any]() *Handle[V] {
	return &Handle[V]{done: make(chan struct{})}
}

// Done is closed once the handle is settled.
func (h *Handle[V]) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the handle settles or ctx ends. Ending ctx does not
// settle the handle.
func (h *Handle[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-h.done:
		return h.val, h.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Result reports the outcome without blocking. ok is false while pending.
func (h *Handle[V]) Result() (val V, err error, ok bool) {
	select {
	case <-h.done:
		return h.val, h.err, true
	default:
		var zero V
		return zero, nil, false
	}
}

// Superseded reports whether the handle settled with ErrSuperseded.
func (h *Handle[V]) Superseded() bool {
	_, err, ok := h.Result()
	return ok && errors.Is(err, ErrSuperseded)
}

func (h *Handle[V]) settle(val V, err error) bool {
	settled := false
	h.once.Do(func() {
		h.val, h.err = val, err
		close(h.done)
		settled = true
	})
	return settled
}
