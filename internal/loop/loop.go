// Package loop provides the single serialized execution context that owns all
// mutable driver state. Host callbacks and public mutating calls are posted to
// the loop and run one at a time, in submission order, on one goroutine.
package loop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Call when the loop has stopped.
var ErrClosed = errors.New("loop: closed")

// Options configures a Loop.
type Options struct {
	// Strict makes Check panic instead of only logging. Tests run strict.
	Strict bool
}

// Loop is a serialized executor. The zero value is not usable; use New.
type Loop struct {
	opts Options

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	closed  bool
	stopped chan struct{}

	gid atomic.Uint64 // goroutine running Run, 0 when not running
}

// New creates a Loop. Call Run (usually in its own goroutine) to start it.
func New(opts Options) *Loop {
	return &Loop{
		opts:    opts,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Start runs the loop on a new goroutine until ctx is cancelled.
func (l *Loop) Start(ctx context.Context) {
	started := make(chan struct{})
	go func() {
		l.gid.Store(goroutineID())
		close(started)
		l.Run(ctx)
	}()
	<-started
}

// Run processes tasks until ctx is cancelled. Tasks still queued at that
// point are dropped.
func (l *Loop) Run(ctx context.Context) {
	l.gid.Store(goroutineID())
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		l.gid.Store(0)
		close(l.stopped)
	}()

	for {
		l.mu.Lock()
		task := l.pop()
		l.mu.Unlock()

		if task != nil {
			task()
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
	}
}

// caller must hold mu
func (l *Loop) pop() func() {
	if len(l.queue) == 0 {
		return nil
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task
}

// Do enqueues fn. It never blocks and reports false if the loop is closed.
func (l *Loop) Do(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to return. Calling it from the
// loop itself runs fn inline.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	if l.OnLoop() {
		fn()
		return nil
	}
	done := make(chan struct{})
	if !l.Do(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-l.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stopped is closed once Run has returned.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}

// OnLoop reports whether the caller is running on the loop goroutine.
func (l *Loop) OnLoop() bool {
	gid := l.gid.Load()
	return gid != 0 && gid == goroutineID()
}

// Check reports whether the caller runs on the loop. A violation is a
// concurrency discipline defect: it is logged, and panics in strict mode.
func (l *Loop) Check(op string) bool {
	if l.OnLoop() {
		return true
	}
	msg := fmt.Sprintf("loop: %s called off the execution context", op)
	if l.opts.Strict {
		panic(msg)
	}
	slog.Error("[LOOP] "+msg, "op", op)
	return false
}

// Timer is a cancellable callback scheduled on the loop.
type Timer struct {
	t       *time.Timer
	stopped atomic.Bool
}

// AfterFunc runs fn on the loop after d. Once Stop has been called (on the
// loop) fn will not run, even if the underlying timer already fired.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Do(func() {
			if tm.stopped.Load() {
				return
			}
			tm.stopped.Store(true)
			fn()
		})
	})
	return tm
}

// Stop cancels the timer. It is safe to call on a nil Timer.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped.Store(true)
	t.t.Stop()
}

// Active reports whether the timer is still pending.
func (t *Timer) Active() bool {
	return t != nil && !t.stopped.Load()
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the current goroutine id from the runtime stack header.
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
