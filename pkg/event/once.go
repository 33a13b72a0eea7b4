package event

import (
	"context"
	"sync"
)

// Latch is a one-shot signal. It opens exactly once and never closes again.
type Latch struct {
	once  sync.Once
	setup sync.Once
	ch    chan struct{}
}

func (l *Latch) done() chan struct{} {
	l.setup.Do(func() { l.ch = make(chan struct{}) })
	return l.ch
}

// Open opens the latch. It reports whether this call was the one that opened it.
func (l *Latch) Open() bool {
	opened := false
	ch := l.done()
	l.once.Do(func() {
		close(ch)
		opened = true
	})
	return opened
}

// IsOpen reports whether Open has been called.
func (l *Latch) IsOpen() bool {
	select {
	case <-l.done():
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the latch opens.
func (l *Latch) Done() <-chan struct{} {
	return l.done()
}

// Wait blocks until the latch opens or ctx ends. It returns immediately when
// the latch is already open.
func (l *Latch) Wait(ctx context.Context) error {
	if l.IsOpen() {
		return nil
	}
	select {
	case <-l.done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next waits for the next value fired on e. The subscription is released
// before Next returns.
func Next[T any](ctx context.Context, e *Emitter[T]) (T, error) {
	ch := make(chan T, 1)
	sub := e.Subscribe(func(v T) {
		select {
		case ch <- v:
		default:
		}
	})
	defer sub.Dispose()

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Chan forwards every value fired on e into a buffered channel. Values are
// dropped when the buffer is full so a slow reader never blocks Fire.
func Chan[T any](e *Emitter[T], size int) (<-chan T, Disposable) {
	if size <= 0 {
		size = 16
	}
	ch := make(chan T, size)
	sub := e.Subscribe(func(v T) {
		select {
		case ch <- v:
		default:
		}
	})
	return ch, sub
}
