/*
Package onethread implements the one_thread dispatcher: a single worker
goroutine draining one FIFO queue shared by every agent bound to it.

Grounded on the teacher's registry.Hub.runEvictor (internal/domain/registry/hub.go):
one background goroutine servicing a shared data structure on a loop,
generalized here from "sweep for idle cells" to "drain a shared demand
queue".
*/
package onethread

import (
	"time"

	"github.com/webitel/actorkit/agent"
	"github.com/webitel/actorkit/disp"
	"github.com/webitel/actorkit/equeue"
	"github.com/webitel/actorkit/message"
)

// Dispatcher is the one_thread dispatcher: one worker, one shared FIFO.
type Dispatcher struct {
	demands chan *message.Demand
	stopCh  chan struct{}
	done    chan struct{}
	stats   disp.ActivityStats
	onPanic func(recovered any)
}

// New starts a one_thread dispatcher with the given shared-queue capacity.
func New(capacity int, onPanic func(recovered any)) *Dispatcher {
	d := &Dispatcher{
		demands: make(chan *message.Demand, capacity),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		onPanic: onPanic,
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		waitStart := time.Now()
		select {
		case <-d.stopCh:
			return
		case demand := <-d.demands:
			d.stats.RecordWait(time.Since(waitStart))
			disp.RunDemand(&d.stats, demand, d.onPanic)
		}
	}
}

// Push implements equeue.EventQueue: every agent bound to this dispatcher
// shares this one channel.
func (d *Dispatcher) Push(demand *message.Demand) error {
	d.demands <- demand
	return nil
}

var _ equeue.EventQueue = (*Dispatcher)(nil)

// Stats returns a snapshot of this dispatcher's single worker's activity.
func (d *Dispatcher) Stats() disp.Snapshot { return d.stats.Snapshot() }

// Shutdown stops the worker goroutine once its queue drains.
func (d *Dispatcher) Shutdown() {
	close(d.stopCh)
	<-d.done
}

// PreallocateResources is a no-op: the shared queue already exists.
func (d *Dispatcher) PreallocateResources(a *agent.Agent) error { return nil }

// Bind installs this dispatcher as the agent's event queue.
func (d *Dispatcher) Bind(a *agent.Agent) { _ = a.Bind(d) }

// UndoPreallocation is a no-op for the same reason PreallocateResources is.
func (d *Dispatcher) UndoPreallocation(a *agent.Agent) {}

// Unbind is a no-op: the shared queue outlives any one agent.
func (d *Dispatcher) Unbind(a *agent.Agent) {}

var _ disp.Binder = (*Dispatcher)(nil)
