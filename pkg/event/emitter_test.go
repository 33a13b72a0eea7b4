package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEmitter_DeliversInSubscriptionOrder(t *testing.T) {
	e := New[int]("test")
	var got []string
	e.Subscribe(func(v int) { got = append(got, "a") })
	e.Subscribe(func(v int) { got = append(got, "b") })
	e.Subscribe(func(v int) { got = append(got, "c") })

	e.Fire(1)

	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestEmitter_PanickingHandlerDoesNotBlockOthers(t *testing.T) {
	e := New[string]()
	var delivered []string
	e.Subscribe(func(v string) { delivered = append(delivered, "first:"+v) })
	e.Subscribe(func(string) { panic("boom") })
	e.Subscribe(func(v string) { delivered = append(delivered, "third:"+v) })

	require.NotPanics(t, func() { e.Fire("x") })
	assert.Equal(t, []string{"first:x", "third:x"}, delivered)
}

func TestEmitter_DisposeStopsDelivery(t *testing.T) {
	e := New[int]()
	calls := 0
	e.Subscribe(func(int) { calls++ })

	e.Dispose()
	e.Fire(1)
	late := e.Subscribe(func(int) { calls++ })
	e.Fire(2)

	assert.Equal(t, 0, calls)
	assert.True(t, e.Disposed())
	assert.Equal(t, 0, e.Len())
	require.NotPanics(t, func() {
		late.Dispose()
		e.Dispose()
	})
}

func TestEmitter_UnsubscribeSingleHandler(t *testing.T) {
	e := New[int]()
	var a, b int
	subA := e.Subscribe(func(v int) { a += v })
	e.Subscribe(func(v int) { b += v })

	e.Fire(1)
	subA.Dispose()
	subA.Dispose()
	e.Fire(2)

	assert.Equal(t, 1, a)
	assert.Equal(t, 3, b)
	assert.Equal(t, 1, e.Len())
}

func TestEmitter_ReentrantFireIsQueued(t *testing.T) {
	e := New[int]()
	var first, second []int
	e.Subscribe(func(v int) {
		first = append(first, v)
		if v == 1 {
			e.Fire(2)
		}
	})
	e.Subscribe(func(v int) { second = append(second, v) })

	done := make(chan struct{})
	go func() {
		e.Fire(1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("re-entrant Fire did not return")
	}

	assert.Equal(t, []int{1, 2}, first)
	assert.Equal(t, []int{1, 2}, second, "the nested value waits until the outer one reached every subscriber")
}

func TestEmitter_DisposeDuringDeliveryDropsQueued(t *testing.T) {
	e := New[int]()
	var got []int
	e.Subscribe(func(v int) {
		got = append(got, v)
		e.Fire(v + 1)
		e.Dispose()
	})

	e.Fire(1)

	assert.Equal(t, []int{1}, got)
}

// Every subscriber observes the same fire sequence in the same order.
func TestEmitter_OrderingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		values := rapid.SliceOf(rapid.Int()).Draw(t, "values")
		subscribers := rapid.IntRange(1, 8).Draw(t, "subscribers")

		e := New[int]()
		seen := make([][]int, subscribers)
		for i := 0; i < subscribers; i++ {
			idx := i
			e.Subscribe(func(v int) { seen[idx] = append(seen[idx], v) })
		}
		for _, v := range values {
			e.Fire(v)
		}
		e.Dispose()
		e.Subscribe(func(int) { t.Fatalf("subscriber added after dispose was called") })
		e.Fire(42)

		for i := 0; i < subscribers; i++ {
			if len(values) == 0 {
				if len(seen[i]) != 0 {
					t.Fatalf("subscriber %d received values from an empty sequence", i)
				}
				continue
			}
			if len(seen[i]) != len(values) {
				t.Fatalf("subscriber %d saw %d values, want %d", i, len(seen[i]), len(values))
			}
			for j := range values {
				if seen[i][j] != values[j] {
					t.Fatalf("subscriber %d value %d = %d, want %d", i, j, seen[i][j], values[j])
				}
			}
		}
	})
}

func TestLatch_OpensOnce(t *testing.T) {
	var l Latch
	assert.False(t, l.IsOpen())
	assert.True(t, l.Open())
	assert.False(t, l.Open())
	assert.True(t, l.IsOpen())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, l.Wait(ctx), "an open latch must not consult the context")
}

func TestLatch_WaitHonoursContext(t *testing.T) {
	var l Latch
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
}

func TestNext_ResolvesOnFirstOccurrence(t *testing.T) {
	e := New[string]()
	done := make(chan string, 1)
	go func() {
		v, err := Next(context.Background(), e)
		if err == nil {
			done <- v
		}
	}()

	require.Eventually(t, func() bool { return e.Len() == 1 }, time.Second, time.Millisecond)
	e.Fire("ready")
	e.Fire("again")

	select {
	case v := <-done:
		assert.Equal(t, "ready", v)
	case <-time.After(time.Second):
		t.Fatal("Next did not resolve")
	}
	require.Eventually(t, func() bool { return e.Len() == 0 }, time.Second, time.Millisecond)
}

func TestDisposables_ReleaseInReverseOrder(t *testing.T) {
	var order []int
	var d Disposables
	d.Add(DisposeFunc(func() { order = append(order, 1) }))
	d.Add(DisposeFunc(func() { order = append(order, 2) }))
	d.Dispose()
	d.Add(DisposeFunc(func() { order = append(order, 3) }))

	assert.Equal(t, []int{2, 1, 3}, order)
}
