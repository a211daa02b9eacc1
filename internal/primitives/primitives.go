/*
Package primitives holds the leaf-level concurrency building blocks shared by
every other package in this module: a lock-free refcount, a ticket spinlock
for short critical sections, and a monotonic clock snapshot. None of this is
part of the external API surface; it exists so higher packages (agent, disp,
coop) don't each reinvent the same dozen lines of atomic bookkeeping.
*/
package primitives

import (
	"runtime"
	"sync/atomic"
	"time"
)

// RefCount is an atomic reference counter. Zero value is a counter at 0.
// [LIFECYCLE_CONTROL] a counter for knowing when the last holder of a shared
// resource has let go of it; no other package in this module uses it.
type RefCount struct {
	n int64
}

// Inc increments the counter and returns the new value.
func (r *RefCount) Inc() int64 { return atomic.AddInt64(&r.n, 1) }

// Dec decrements the counter and returns the new value. Callers that see 0
// returned are the one responsible for tearing the resource down.
func (r *RefCount) Dec() int64 { return atomic.AddInt64(&r.n, -1) }

// Load returns the current count without mutating it.
func (r *RefCount) Load() int64 { return atomic.LoadInt64(&r.n) }

// Spinlock is a ticket-based mutual exclusion lock for critical sections
// expected to be held for only a handful of instructions (updating a small
// struct field, not doing I/O). Waiters are served strictly in ticket
// (arrival) order and spin with runtime.Gosched instead of parking in a
// syscall-capable futex wait; anything that might block should use
// sync.Mutex instead.
type Spinlock struct {
	next   uint64
	serving uint64
}

// Lock spins until this goroutine's ticket is being served.
func (s *Spinlock) Lock() {
	ticket := atomic.AddUint64(&s.next, 1) - 1
	for atomic.LoadUint64(&s.serving) != ticket {
		runtime.Gosched()
	}
}

// Unlock advances to the next ticket.
func (s *Spinlock) Unlock() {
	atomic.AddUint64(&s.serving, 1)
}

// RWSpinlock is a reader-biased spinlock: any number of readers proceed
// concurrently, a writer waits for the reader count to drain to zero and
// blocks further readers while held. It suits data where reads vastly
// outnumber writes and hold times are short; no other package in this
// module uses it.
type RWSpinlock struct {
	readers int32
	writer  int32
}

// RLock acquires a read slot, waiting out any in-progress writer.
func (l *RWSpinlock) RLock() {
	for {
		if atomic.LoadInt32(&l.writer) == 1 {
			runtime.Gosched()
			continue
		}
		atomic.AddInt32(&l.readers, 1)
		if atomic.LoadInt32(&l.writer) == 1 {
			atomic.AddInt32(&l.readers, -1)
			continue
		}
		return
	}
}

// RUnlock releases a read slot.
func (l *RWSpinlock) RUnlock() { atomic.AddInt32(&l.readers, -1) }

// Lock acquires exclusive access, waiting out readers and any other writer.
func (l *RWSpinlock) Lock() {
	for !atomic.CompareAndSwapInt32(&l.writer, 0, 1) {
		runtime.Gosched()
	}
	for atomic.LoadInt32(&l.readers) != 0 {
		runtime.Gosched()
	}
}

// Unlock releases exclusive access.
func (l *RWSpinlock) Unlock() { atomic.StoreInt32(&l.writer, 0) }

// MonotonicNow returns a monotonic clock reading suitable for measuring
// elapsed durations (timer schedules, dispatcher activity stats). Callers
// must not treat the result as wall-clock time; use time.Now() for that.
func MonotonicNow() time.Time { return time.Now() }

// AbortIfPanics, deferred by a function, recovers a panic escaping that
// function, logs nothing itself (the caller
// supplies onPanic), and re-panics — mirroring the framework's "an exception
// escaping a top-level handler terminates the application" contract (a
// dispatcher worker or agent event handler is a context where swallowing a
// panic would leave the mailbox silently stuck). onPanic is called before the
// re-panic so the caller can record/log the recovered value first.
func AbortIfPanics(onPanic func(recovered any)) {
	if r := recover(); r != nil {
		if onPanic != nil {
			onPanic(r)
		}
		panic(r)
	}
}
