// Package fanout provides the subscriber registry shared by the event router
// and the state reconciler.
//
// Publish always iterates a snapshot of the subscriber list taken when it
// starts, so a subscriber added or removed during a publish only takes effect
// for the next one. Subscribers are invoked synchronously in registration order.
package fanout

import "sync"

type entry[T any] struct {
	id    uint64
	match func(T) bool
	fn    func(T)
}

// Registry is safe for concurrent use. The zero value is ready to use.
type Registry[T any] struct {
	// PanicHandler, when set, receives the value recovered from a panicking
	// subscriber and delivery continues with the next one.
	PanicHandler func(recovered any)

	mu   sync.Mutex
	next uint64
	subs []*entry[T]
}

// Subscribe registers fn for every published value accepted by match. A nil
// match accepts everything. The returned function removes the subscription
// and may be called more than once.
func (r *Registry[T]) Subscribe(match func(T) bool, fn func(T)) func() {
	r.mu.Lock()
	r.next++
	e := &entry[T]{id: r.next, match: match, fn: fn}
	subs := make([]*entry[T], len(r.subs), len(r.subs)+1)
	copy(subs, r.subs)
	r.subs = append(subs, e)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(e.id) })
	}
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := make([]*entry[T], 0, len(r.subs))
	for _, e := range r.subs {
		if e.id != id {
			subs = append(subs, e)
		}
	}
	r.subs = subs
}

// Publish delivers v to the matching subscribers of the current snapshot and
// returns how many were invoked.
func (r *Registry[T]) Publish(v T) int {
	r.mu.Lock()
	snapshot := r.subs
	r.mu.Unlock()

	delivered := 0
	for _, e := range snapshot {
		if e.match != nil && !e.match(v) {
			continue
		}
		r.invoke(e.fn, v)
		delivered++
	}
	return delivered
}

func (r *Registry[T]) invoke(fn func(T), v T) {
	if r.PanicHandler != nil {
		defer func() {
			if rec := recover(); rec != nil {
				r.PanicHandler(rec)
			}
		}()
	}
	fn(v)
}

// Len returns the number of registered subscribers.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
