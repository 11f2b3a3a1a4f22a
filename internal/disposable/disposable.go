// Package disposable tracks cleanup callbacks for listeners and addons.
//
// A Registry collects Disposables as they are created and tears all of them
// down in one Dispose call. Teardown is idempotent: the list is detached before
// any cleanup runs, so a second Dispose (or a reentrant one triggered from
// inside a cleanup) finds nothing to do.
package disposable

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Disposable releases a resource. Implementations should tolerate being
// called more than once.
type Disposable interface {
	Dispose()
}

// Func adapts a plain function to Disposable.
type Func func()

// Dispose calls f.
func (f Func) Dispose() {
	if f != nil {
		f()
	}
}

// Once wraps fn so that only the first Dispose call runs it.
func Once(fn func()) Disposable {
	var once sync.Once
	return Func(func() { once.Do(fn) })
}

// Registry is a list of Disposables released together.
// The zero value is ready to use.
type Registry struct {
	mu    sync.Mutex
	items []Disposable
}

// Register adds ds to the registry and returns them unchanged so calls can
// be chained at the point of creation.
func (r *Registry) Register(ds ...Disposable) []Disposable {
	r.mu.Lock()
	for _, d := range ds {
		if d != nil {
			r.items = append(r.items, d)
		}
	}
	r.mu.Unlock()
	return ds
}

// Add registers a single Disposable and returns it.
func (r *Registry) Add(d Disposable) Disposable {
	r.Register(d)
	return d
}

// Len reports how many disposables are pending.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Dispose calls every registered cleanup once, in registration order, and
// empties the registry. A panicking cleanup is logged and does not stop the
// remaining ones.
func (r *Registry) Dispose() {
	r.mu.Lock()
	items := r.items
	r.items = nil
	r.mu.Unlock()

	for _, d := range items {
		safeDispose(d)
	}
}

func safeDispose(d Disposable) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Warn().Interface("panic", rec).Msg("disposable: cleanup panicked")
		}
	}()
	d.Dispose()
}
