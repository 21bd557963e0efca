package chatsync

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// Event Loop
// ============================================================================

// eventLoop runs closures one at a time, in the order they were posted, on a
// single goroutine. post never blocks, so it is safe to call while holding a
// lock or from a timer callback.
type eventLoop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

func newEventLoop() *eventLoop {
	l := &eventLoop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

func (l *eventLoop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}

// post enqueues fn. It reports false once the loop is closed.
func (l *eventLoop) post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return true
}

// call runs fn on the loop and waits for it to finish.
// It must not be called from the loop goroutine itself.
func (l *eventLoop) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting work; already queued closures still run.
func (l *eventLoop) close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
	<-l.done
}

// ============================================================================
// Timers
// ============================================================================

// scheduler creates one-shot timers. The returned stop function reports
// whether the timer was stopped before firing.
type scheduler func(d time.Duration, fn func()) (stop func() bool)

// loopScheduler fires fn on the loop so timer callbacks see the same
// serialized state as everything else.
func loopScheduler(l *eventLoop) scheduler {
	return func(d time.Duration, fn func()) func() bool {
		t := time.AfterFunc(d, func() { l.post(fn) })
		return t.Stop
	}
}

// ============================================================================
// Listeners
// ============================================================================

// listeners is a subscribe/unsubscribe registry. Subscribing returns a
// disposer; handlers that panic are isolated from each other.
type listeners[T any] struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(T)
	order    []int
}

func (ls *listeners[T]) subscribe(h func(T)) (dispose func()) {
	ls.mu.Lock()
	if ls.handlers == nil {
		ls.handlers = make(map[int]func(T))
	}
	id := ls.next
	ls.next++
	ls.handlers[id] = h
	ls.order = append(ls.order, id)
	ls.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ls.mu.Lock()
			delete(ls.handlers, id)
			for i, v := range ls.order {
				if v == id {
					ls.order = append(ls.order[:i], ls.order[i+1:]...)
					break
				}
			}
			ls.mu.Unlock()
		})
	}
}

func (ls *listeners[T]) emit(v T) {
	ls.mu.RLock()
	handlers := make([]func(T), 0, len(ls.order))
	for _, id := range ls.order {
		handlers = append(handlers, ls.handlers[id])
	}
	ls.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(v)
		}()
	}
}

func (ls *listeners[T]) len() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.handlers)
}
