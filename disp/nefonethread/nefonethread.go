/*
Package nefonethread implements the one-thread dispatcher's noexcept-final
variant: one worker goroutine draining one regular FIFO, plus a small
reserved channel checked first on every iteration, so a demand pushed
through PushFinal runs ahead of any regular backlog. The coop layer does not
use the reserved channel: an agent bound here receives every demand,
including its closing so_evt_finish one, through the regular Push FIFO.

Grounded on the teacher's shutdown discipline in the other_examples actor.go
sample (a dedicated control channel drained ahead of the regular mailbox so
a stop signal is never starved by backlog), adapted here from "stop signal"
to "final demand reserved channel".
*/
package nefonethread

import (
	"time"

	"github.com/webitel/actorkit/agent"
	"github.com/webitel/actorkit/disp"
	"github.com/webitel/actorkit/equeue"
	"github.com/webitel/actorkit/message"
)

const reservedCapacity = 4

// Dispatcher is the nef_one_thread dispatcher.
type Dispatcher struct {
	demands  chan *message.Demand
	reserved chan *message.Demand
	stopCh   chan struct{}
	done     chan struct{}
	stats    disp.ActivityStats
	onPanic  func(any)
}

// New starts a nef_one_thread dispatcher with the given regular-queue
// capacity; the reserved final-demand channel is always sized to
// reservedCapacity regardless, since it must never itself become the
// bottleneck.
func New(capacity int, onPanic func(any)) *Dispatcher {
	d := &Dispatcher{
		demands:  make(chan *message.Demand, capacity),
		reserved: make(chan *message.Demand, reservedCapacity),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		onPanic:  onPanic,
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		// Reserved demands are drained preferentially, never waiting behind
		// a backlogged regular FIFO.
		select {
		case demand := <-d.reserved:
			disp.RunDemand(&d.stats, demand, d.onPanic)
			continue
		default:
		}

		waitStart := time.Now()
		select {
		case <-d.stopCh:
			d.drainReserved()
			return
		case demand := <-d.reserved:
			d.stats.RecordWait(time.Since(waitStart))
			disp.RunDemand(&d.stats, demand, d.onPanic)
		case demand := <-d.demands:
			d.stats.RecordWait(time.Since(waitStart))
			disp.RunDemand(&d.stats, demand, d.onPanic)
		}
	}
}

func (d *Dispatcher) drainReserved() {
	for {
		select {
		case demand := <-d.reserved:
			disp.RunDemand(&d.stats, demand, d.onPanic)
		default:
			return
		}
	}
}

// Push implements equeue.EventQueue for regular traffic.
func (d *Dispatcher) Push(demand *message.Demand) error {
	d.demands <- demand
	return nil
}

var _ equeue.EventQueue = (*Dispatcher)(nil)

// PushFinal enqueues onto the reserved channel, which the worker drains ahead
// of the regular FIFO; it blocks only while all reservedCapacity slots are
// taken. The coop layer does not call it: its so_evt_finish demand reaches
// this dispatcher through Agent.Push, that is, through Push.
func (d *Dispatcher) PushFinal(demand *message.Demand) error {
	d.reserved <- demand
	return nil
}

func (d *Dispatcher) Stats() disp.Snapshot { return d.stats.Snapshot() }

func (d *Dispatcher) Shutdown() {
	close(d.stopCh)
	<-d.done
}

func (d *Dispatcher) PreallocateResources(a *agent.Agent) error { return nil }
func (d *Dispatcher) Bind(a *agent.Agent)                       { _ = a.Bind(d) }
func (d *Dispatcher) UndoPreallocation(a *agent.Agent)          {}
func (d *Dispatcher) Unbind(a *agent.Agent)                     {}

var _ disp.Binder = (*Dispatcher)(nil)
