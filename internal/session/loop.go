package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// ErrLoopStopped is returned by Call once Run has returned.
var ErrLoopStopped = errors.New("event loop stopped")

// Loop serializes every state mutation onto one goroutine. Process output,
// timer firings and client requests are all posted as closures and run to
// completion one at a time, in the order they were posted.
//
// The queue is unbounded: Post never blocks, so PTY readers and timers can
// always hand off their work.
type Loop struct {
	clock Clock

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewLoop creates a loop whose timers use clock (RealClock when nil).
func NewLoop(clock Clock) *Loop {
	if clock == nil {
		clock = RealClock{}
	}
	return &Loop{
		clock:   clock,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Clock returns the loop's clock.
func (l *Loop) Clock() Clock { return l.clock }

// Post queues fn. Safe from any goroutine, including the loop itself.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Call runs fn on the loop and waits for it to finish. It must not be called
// from the loop goroutine.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-l.stopped:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes posted closures until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer l.once.Do(func() { close(l.stopped) })
	for {
		l.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Drain runs queued closures on the caller's goroutine until the queue is
// empty and returns how many ran. Run uses it; tests call it directly in
// place of Run.
func (l *Loop) Drain() int {
	ran := 0
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return ran
		}
		for _, fn := range batch {
			l.runTask(fn)
			ran++
		}
	}
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			sessionLog.Error("loop_task_panic",
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}

// Timer is a cancellable callback bound to a Loop. Cancel must be called on
// the loop goroutine; once cancelled the callback never runs, even if the
// underlying clock already fired.
type Timer struct {
	stop      func() bool
	cancelled bool
	fired     bool
}

// AfterFunc schedules fn to run on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.stop = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if t.cancelled {
				return
			}
			t.fired = true
			fn()
		})
	})
	return t
}

// Cancel stops the timer. Safe on a nil or already fired timer.
func (t *Timer) Cancel() {
	if t == nil || t.cancelled {
		return
	}
	t.cancelled = true
	t.stop()
}

// Active reports whether the timer is still pending.
func (t *Timer) Active() bool {
	return t != nil && !t.cancelled && !t.fired
}
