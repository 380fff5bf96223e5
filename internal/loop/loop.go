// Package loop provides the single-goroutine reactor the daemon runs on.
//
// Every task, timer callback and signal handler registered with a Loop runs
// on the goroutine that called Run, one at a time and in submission order.
// State touched only from those callbacks needs no further synchronization.
package loop

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop prevents further executions. When called on the loop goroutine
	// the callback is guaranteed not to run afterwards.
	Stop()
}

// Reactor is what the daemon's components depend on.
type Reactor interface {
	// Post queues fn to run on the loop. It never blocks.
	Post(fn func())
	// After runs fn once on the loop after d.
	After(d time.Duration, fn func()) Timer
	// Every runs fn on the loop every d until stopped.
	Every(d time.Duration, fn func()) Timer
	// Notify runs fn on the loop for every delivery of one of sigs.
	Notify(fn func(os.Signal), sigs ...os.Signal) Timer
	// Done is closed once the loop has stopped.
	Done() <-chan struct{}
}

// Loop is the goroutine-backed Reactor.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

var _ Reactor = (*Loop)(nil)

// New returns a Loop that is not yet running.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Run executes queued tasks until Stop is called. Tasks still queued at
// that point are discarded.
func (l *Loop) Run() {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		case <-l.wake:
		}

		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			fn()
			select {
			case <-l.stop:
				return
			default:
			}
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

// Stop ends Run after the current task. It is safe to call from any
// goroutine, including from a task, and more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// task guards a callback so it is dropped once its Timer is stopped.
type task struct {
	stopped atomic.Bool
	cancel  func()
}

func (t *task) Stop() {
	if t.stopped.Swap(true) {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *task) guard(fn func()) func() {
	return func() {
		if !t.stopped.Load() {
			fn()
		}
	}
}

func (l *Loop) After(d time.Duration, fn func()) Timer {
	t := &task{}
	run := t.guard(fn)
	tm := time.AfterFunc(d, func() { l.Post(run) })
	t.cancel = func() { tm.Stop() }
	return t
}

func (l *Loop) Every(d time.Duration, fn func()) Timer {
	t := &task{}
	run := t.guard(fn)
	quit := make(chan struct{})
	t.cancel = func() { close(quit) }

	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-l.done:
				return
			case <-ticker.C:
				l.Post(run)
			}
		}
	}()
	return t
}

// stopSignal is replaced in tests.
var stopSignal = signal.Stop

func (l *Loop) Notify(fn func(os.Signal), sigs ...os.Signal) Timer {
	t := &task{}
	ch := make(chan os.Signal, 1)
	quit := make(chan struct{})
	signal.Notify(ch, sigs...)
	t.cancel = func() { close(quit) }

	go func() {
		defer stopSignal(ch)
		for {
			select {
			case <-quit:
				return
			case <-l.done:
				return
			case sig := <-ch:
				l.Post(t.guard(func() { fn(sig) }))
			}
		}
	}()
	return t
}
