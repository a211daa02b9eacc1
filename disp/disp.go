/*
Package disp defines the shared dispatcher vocabulary - the binder protocol
every dispatcher variant implements, and the optional per-thread activity
tracking every variant exposes - while the variants themselves live in
subpackages (onethread, activeobject, activegroup, threadpool,
advthreadpool, priothread, priodedicated, nefonethread).

Grounded on the teacher's Hub.runEvictor single-goroutine-plus-ticker shape
(internal/domain/registry/hub.go) for the one-thread family, and Cell's
one-goroutine-per-actor shape (internal/domain/registry/cell.go) for the
active-object family.
*/
package disp

import (
	"sync/atomic"
	"time"

	"github.com/webitel/actorkit/agent"
	"github.com/webitel/actorkit/message"
)

// Binder is the two-phase binder protocol a coop registration drives for
// every agent: preallocate (may fail, is rolled back on any sibling
// failure), bind (noexcept, installs the agent's event queue), undo (rolls
// back a successful preallocate), unbind (releases resources on coop
// destruction).
type Binder interface {
	PreallocateResources(a *agent.Agent) error
	Bind(a *agent.Agent)
	UndoPreallocation(a *agent.Agent)
	Unbind(a *agent.Agent)
}

// ActivityStats accumulates per-thread work/wait counters, collected by
// every dispatcher worker loop and exposed through the stats controller.
type ActivityStats struct {
	WorkCount int64
	workTimeNanos int64
	WaitCount int64
	waitTimeNanos int64
}

func (s *ActivityStats) RecordWork(d time.Duration) {
	atomic.AddInt64(&s.WorkCount, 1)
	atomic.AddInt64(&s.workTimeNanos, int64(d))
}

func (s *ActivityStats) RecordWait(d time.Duration) {
	atomic.AddInt64(&s.WaitCount, 1)
	atomic.AddInt64(&s.waitTimeNanos, int64(d))
}

// Snapshot is a point-in-time copy of ActivityStats safe to read while the
// source is concurrently updated.
type Snapshot struct {
	WorkCount int64
	WorkTime  time.Duration
	WaitCount int64
	WaitTime  time.Duration
}

func (s *ActivityStats) Snapshot() Snapshot {
	return Snapshot{
		WorkCount: atomic.LoadInt64(&s.WorkCount),
		WorkTime:  time.Duration(atomic.LoadInt64(&s.workTimeNanos)),
		WaitCount: atomic.LoadInt64(&s.WaitCount),
		WaitTime:  time.Duration(atomic.LoadInt64(&s.waitTimeNanos)),
	}
}

// RunDemand times one demand's handler invocation against stats, recovering
// a panic so one misbehaving handler cannot take its worker goroutine down;
// the recovered value is reported to onPanic (the exception-logger wiring)
// before the worker moves on to its next demand.
func RunDemand(stats *ActivityStats, demand *message.Demand, onPanic func(recovered any)) {
	start := time.Now()
	func() {
		defer func() {
			if r := recover(); r != nil && onPanic != nil {
				onPanic(r)
			}
		}()
		demand.Handler(demand.Envelope)
	}()
	stats.RecordWork(time.Since(start))
}
