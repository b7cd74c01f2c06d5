package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsInPostOrder(t *testing.T) {
	l := NewLoop(nil)
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	assert.Equal(t, 5, l.Drain())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestLoopPostFromTaskRunsInSameDrain(t *testing.T) {
	l := NewLoop(nil)
	var got []string
	l.Post(func() {
		got = append(got, "outer")
		l.Post(func() { got = append(got, "inner") })
	})
	l.Drain()
	assert.Equal(t, []string{"outer", "inner"}, got)
}

func TestLoopRecoversPanics(t *testing.T) {
	l := NewLoop(nil)
	ran := false
	l.Post(func() { panic("boom") })
	l.Post(func() { ran = true })
	l.Drain()
	assert.True(t, ran)
}

func TestLoopCallAndStop(t *testing.T) {
	l := NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	var mu sync.Mutex
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Call(context.Background(), func() {
				mu.Lock()
				counter++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.ErrorIs(t, l.Call(context.Background(), func() {}), ErrLoopStopped)
}

func TestLoopTimerWithRealClock(t *testing.T) {
	l := NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	fired := make(chan struct{})
	var cancelled *Timer
	require.NoError(t, l.Call(ctx, func() {
		l.AfterFunc(10*time.Millisecond, func() { close(fired) })
		cancelled = l.AfterFunc(10*time.Millisecond, func() { t.Error("cancelled timer ran") })
		cancelled.Cancel()
	}))

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire")
	}
	require.NoError(t, l.Call(ctx, func() { assert.False(t, cancelled.Active()) }))
}

func TestManualClockOrdersTimers(t *testing.T) {
	c := NewManualClock(time.Unix(0, 0))
	var got []string
	c.AfterFunc(30*time.Millisecond, func() { got = append(got, "c") })
	c.AfterFunc(10*time.Millisecond, func() { got = append(got, "a") })
	stop := c.AfterFunc(20*time.Millisecond, func() { got = append(got, "b") })
	c.AfterFunc(10*time.Millisecond, func() { got = append(got, "a2") })

	assert.True(t, stop())
	assert.False(t, stop())

	c.Advance(25 * time.Millisecond)
	assert.Equal(t, []string{"a", "a2"}, got)
	c.Advance(5 * time.Millisecond)
	assert.Equal(t, []string{"a", "a2", "c"}, got)
	assert.Equal(t, 0, c.Pending())
}
