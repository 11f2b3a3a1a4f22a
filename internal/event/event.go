// Package event provides a small typed listener list. Subscribing returns a
// Disposable that removes the listener, which is how view and transport
// listeners end up in a disposable.Registry.
package event

import (
	"sync"

	"github.com/karmada-io/karmada-terminal/internal/disposable"
)

// Emitter fans a value out to subscribed listeners in subscription order.
// The zero value is ready to use.
type Emitter[T any] struct {
	mu        sync.Mutex
	next      int
	listeners []listener[T]
}

type listener[T any] struct {
	id int
	fn func(T)
}

// Subscribe registers fn and returns a Disposable that unsubscribes it.
func (e *Emitter[T]) Subscribe(fn func(T)) disposable.Disposable {
	e.mu.Lock()
	id := e.next
	e.next++
	e.listeners = append(e.listeners, listener[T]{id: id, fn: fn})
	e.mu.Unlock()

	return disposable.Once(func() { e.remove(id) })
}

func (e *Emitter[T]) remove(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Emit calls every listener with v. Listeners added or removed during Emit
// take effect on the next call.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	snapshot := make([]listener[T], len(e.listeners))
	copy(snapshot, e.listeners)
	e.mu.Unlock()

	for _, l := range snapshot {
		l.fn(v)
	}
}

// Len reports the number of listeners.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}
