// Package event provides the observable primitive every host component uses to
// publish notifications: a typed Emitter with synchronous, ordered delivery,
// plus a one-shot Latch and helpers to await the next occurrence of an event.
package event

import (
	"fmt"
	"log/slog"
	"sync"

	"wallhost/pkg/logger"
)

// Disposable releases whatever it was returned for. Dispose must be safe to
// call more than once.
type Disposable interface {
	Dispose()
}

// DisposeFunc adapts a function to Disposable. The function runs at most once.
type DisposeFunc func()

// Dispose implements Disposable.
func (f DisposeFunc) Dispose() {
	if f != nil {
		f()
	}
}

type nopDisposable struct{}

func (nopDisposable) Dispose() {}

// Emitter fans a value out to every current subscriber.
//
// Fire delivers in subscription order, and every subscriber sees values in
// emission order. A Fire issued while a delivery is in progress, from a
// handler or another goroutine, is queued and delivered by the in-progress
// Fire once the current value reached every subscriber. A handler that panics
// is logged and skipped; the remaining handlers still run. No lock is held
// while handlers run.
type Emitter[T any] struct {
	mu       sync.Mutex
	subs     []*subscriber[T]
	pending  []T
	firing   bool
	nextID   uint64
	disposed bool
	name     string
}

type subscriber[T any] struct {
	id      uint64
	handler func(T)
}

// New creates an emitter. The optional name shows up in panic logs.
func New[T any](name ...string) *Emitter[T] {
	e := &Emitter[T]{}
	if len(name) > 0 {
		e.name = name[0]
	}
	return e
}

// Subscribe registers handler. After Dispose it returns a no-op Disposable and
// the handler never runs.
func (e *Emitter[T]) Subscribe(handler func(T)) Disposable {
	if handler == nil {
		return nopDisposable{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return nopDisposable{}
	}
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, &subscriber[T]{id: id, handler: handler})

	var once sync.Once
	return DisposeFunc(func() {
		once.Do(func() { e.unsubscribe(id) })
	})
}

func (e *Emitter[T]) unsubscribe(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, sub := range e.subs {
		if sub.id == id {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return
		}
	}
}

// Fire delivers value to the subscribers registered when its turn comes. It
// is a no-op once the emitter is disposed.
func (e *Emitter[T]) Fire(value T) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.pending = append(e.pending, value)
	if e.firing {
		e.mu.Unlock()
		return
	}
	e.firing = true
	for len(e.pending) > 0 && !e.disposed {
		next := e.pending[0]
		var zero T
		e.pending[0] = zero
		e.pending = e.pending[1:]
		snapshot := make([]*subscriber[T], len(e.subs))
		copy(snapshot, e.subs)
		e.mu.Unlock()

		for _, sub := range snapshot {
			e.deliver(sub, next)
		}
		e.mu.Lock()
	}
	e.pending = nil
	e.firing = false
	e.mu.Unlock()
}

func (e *Emitter[T]) deliver(sub *subscriber[T], value T) {
	defer func() {
		if r := recover(); r != nil {
			logger.Named("event").Error("subscriber panicked",
				slog.String("emitter", e.name),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	sub.handler(value)
}

// Dispose removes every subscriber and turns later Fire calls into no-ops.
func (e *Emitter[T]) Dispose() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disposed = true
	e.subs = nil
	e.pending = nil
}

// Disposed reports whether Dispose has been called.
func (e *Emitter[T]) Disposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

// Len returns the number of current subscribers.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Disposables collects several Disposables so they can be released together.
type Disposables struct {
	mu    sync.Mutex
	items []Disposable
	done  bool
}

// Add tracks d. If the collection was already disposed, d is disposed at once.
func (d *Disposables) Add(items ...Disposable) {
	d.mu.Lock()
	if !d.done {
		d.items = append(d.items, items...)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	for _, item := range items {
		item.Dispose()
	}
}

// Dispose releases every tracked item in reverse order of addition.
func (d *Disposables) Dispose() {
	d.mu.Lock()
	items := d.items
	d.items, d.done = nil, true
	d.mu.Unlock()
	for i := len(items) - 1; i >= 0; i-- {
		items[i].Dispose()
	}
}
