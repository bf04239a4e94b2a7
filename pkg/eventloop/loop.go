// Package eventloop provides the single-threaded poll context that discovery
// stacks use to deliver their callbacks.
//
// Background goroutines (network readers, timers) never call user code
// directly. They Post closures onto a Loop, and the closures run on whichever
// goroutine is currently inside Iterate or Run. This keeps every callback of
// one poll context on one thread at a time.
package eventloop

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is the initial capacity of the pending queue. The queue
// grows past it as needed; Post never blocks.
const DefaultQueueSize = 256

// ErrClosed is returned by Iterate and Run once the loop has been closed.
var ErrClosed = errors.New("event loop closed")

// Loop is a FIFO of pending callbacks.
type Loop struct {
	mu      sync.Mutex
	pending []func()

	wake chan struct{}
	done chan struct{}

	quit      atomic.Bool
	closeOnce sync.Once
}

// New creates an empty loop.
func New() *Loop {
	return &Loop{
		pending: make([]func(), 0, DefaultQueueSize),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Post enqueues fn. It never blocks and is safe to call from any goroutine,
// including from inside a callback. Events posted after Close are dropped.
func (l *Loop) Post(fn func()) {
	if fn == nil || l.closed() {
		return
	}
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()
	l.signal()
}

// Iterate waits up to timeout for an event, then runs the events queued at
// that moment and returns. Events posted by those callbacks wait for the
// next call. A zero timeout never waits.
func (l *Loop) Iterate(timeout time.Duration) error {
	if l.closed() {
		return ErrClosed
	}

	batch := l.take()
	if len(batch) == 0 && timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		for len(batch) == 0 {
			select {
			case <-l.wake:
				batch = l.take()
			case <-timer.C:
				return nil
			case <-l.done:
				return ErrClosed
			}
		}
	}

	return l.run(batch)
}

// Run executes events until Quit is called or the loop is closed.
// A Quit issued before Run makes Run return once the events already queued
// have been handled.
func (l *Loop) Run() error {
	defer l.quit.Store(false)

	for {
		if l.quit.Load() {
			return l.run(l.take())
		}

		if batch := l.take(); len(batch) > 0 {
			if err := l.run(batch); err != nil {
				return err
			}
			continue
		}

		select {
		case <-l.wake:
		case <-l.done:
			return ErrClosed
		}
	}
}

// Quit makes a running (or the next) Run return.
func (l *Loop) Quit() {
	l.quit.Store(true)
	l.signal()
}

// Close stops the loop. Pending events are discarded. Close is idempotent.
func (l *Loop) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.mu.Lock()
		l.pending = nil
		l.mu.Unlock()
	})
	return nil
}

// Pending returns the number of queued events.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// take removes and returns every queued event.
func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.pending
	l.pending = nil
	return batch
}

// run executes batch in order, stopping if a callback closes the loop.
func (l *Loop) run(batch []func()) error {
	for _, fn := range batch {
		if l.closed() {
			return ErrClosed
		}
		fn()
	}
	return nil
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
