package eventloop

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned when work is submitted to a closed loop.
var ErrClosed = errors.New("event loop closed")

// DefaultFrameInterval approximates a 60Hz display refresh.
const DefaultFrameInterval = 16 * time.Millisecond

// Loop runs every posted task on a single goroutine, one at a time, in FIFO order.
type Loop struct {
	tasks         chan func()
	frameInterval time.Duration

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// New creates a loop with the given queue depth and frame interval.
func New(queue int, frameInterval time.Duration) *Loop {
	if queue <= 0 {
		queue = 256
	}
	if frameInterval <= 0 {
		frameInterval = DefaultFrameInterval
	}
	return &Loop{
		tasks:         make(chan func(), queue),
		frameInterval: frameInterval,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

// Run executes tasks until ctx is cancelled or Close is called. Every task
// whose Post reported true runs before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.stopped)
	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case <-l.done:
			break loop
		case fn := <-l.tasks:
			fn()
		}
	}
	l.Close()
	l.drain()
	return err
}

// drain runs what is left in the queue. Close has returned, so nothing new
// can be accepted.
func (l *Loop) drain() {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		default:
			return
		}
	}
}

// Post enqueues fn. It reports false if the loop no longer accepts work.
func (l *Loop) Post(fn func()) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop and waits for it to return.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close stops accepting new tasks and ends Run. Tasks already accepted still
// run before Run returns.
func (l *Loop) Close() {
	l.closeOnce.Do(func() { close(l.done) })
	// waits out Posts that were in flight when done closed
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.stopped
}

// After schedules fn on the loop after d.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(d, func() {
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

// AfterFrame schedules fn for the next frame tick.
func (l *Loop) AfterFrame(fn func()) *Timer {
	return l.After(l.frameInterval, fn)
}

// Timer is a cancellable scheduled callback. Its fields are owned by the loop
// goroutine; Cancel must be called from a loop task.
type Timer struct {
	timer     *time.Timer
	cancelled bool
	fired     bool
}

// Cancel prevents the callback from running. It reports whether the callback
// was still pending.
func (t *Timer) Cancel() bool {
	if t == nil || t.cancelled || t.fired {
		return false
	}
	t.cancelled = true
	t.timer.Stop()
	return true
}

// Pending reports whether the callback has neither run nor been cancelled.
func (t *Timer) Pending() bool {
	return t != nil && !t.cancelled && !t.fired
}
