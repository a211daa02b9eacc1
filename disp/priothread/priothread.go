/*
Package priothread implements the priority-aware one-thread dispatcher
family: a single worker goroutine draining three priority-ordered FIFOs
(high, normal, low), in one of two scheduling modes selected at
construction:

  - StrictlyOrdered: the worker always dequeues from the highest-priority
    non-empty FIFO; a higher-priority arrival always preempts whatever
    lower-priority backlog remains.
  - QuotedRoundRobin: the worker serves bounded rounds - each round takes
    min(quota, remaining) demands from each priority level in descending
    order, skipping empty levels, then starts the next round - so no
    level can starve another but a level with a larger quota still drains
    faster.

Grounded on the teacher's registry.Hub single-goroutine drain loop
(internal/domain/registry/hub.go), generalized from "one FIFO" to "one FIFO
per priority level with a scheduling policy between them".
*/
package priothread

import (
	"sync"

	"github.com/webitel/actorkit/agent"
	"github.com/webitel/actorkit/disp"
	"github.com/webitel/actorkit/message"
	"github.com/webitel/actorkit/sink"
)

// Mode selects the scheduling policy between priority levels.
type Mode uint8

const (
	StrictlyOrdered Mode = iota
	QuotedRoundRobin
)

// priorityOrder lists every priority level from highest to lowest.
var priorityOrder = []sink.Priority{sink.PriorityHigh, sink.PriorityNormal, sink.PriorityLow}

// Quotas gives QuotedRoundRobin's per-level round quota. A level absent from
// the map is treated as unlimited: every round drains it completely.
type Quotas map[sink.Priority]int

// Dispatcher is the priority one-thread dispatcher.
type Dispatcher struct {
	mode    Mode
	quotas  Quotas
	onPanic func(any)

	mu      sync.Mutex
	cond    *sync.Cond
	queues  map[sink.Priority][]*message.Demand
	stopped bool
	done    chan struct{}
	stats   disp.ActivityStats
}

// New starts a priothread dispatcher. quotas is only consulted in
// QuotedRoundRobin mode.
func New(mode Mode, quotas Quotas, onPanic func(any)) *Dispatcher {
	d := &Dispatcher{
		mode:    mode,
		quotas:  quotas,
		onPanic: onPanic,
		queues:  make(map[sink.Priority][]*message.Demand, len(priorityOrder)),
		done:    make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *Dispatcher) allEmptyLocked() bool {
	for _, p := range priorityOrder {
		if len(d.queues[p]) > 0 {
			return false
		}
	}
	return true
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		switch d.mode {
		case StrictlyOrdered:
			if !d.runStrictlyOrderedTurn() {
				return
			}
		default:
			if !d.runRoundRobinRound() {
				return
			}
		}
	}
}

func (d *Dispatcher) waitForWorkLocked() (stop bool) {
	for d.allEmptyLocked() && !d.stopped {
		d.cond.Wait()
	}
	return d.stopped && d.allEmptyLocked()
}

func (d *Dispatcher) runStrictlyOrderedTurn() bool {
	d.mu.Lock()
	if d.waitForWorkLocked() {
		d.mu.Unlock()
		return false
	}
	var demand *message.Demand
	for _, p := range priorityOrder {
		q := d.queues[p]
		if len(q) > 0 {
			demand = q[0]
			d.queues[p] = q[1:]
			break
		}
	}
	d.mu.Unlock()
	if demand != nil {
		disp.RunDemand(&d.stats, demand, d.onPanic)
	}
	return true
}

func (d *Dispatcher) runRoundRobinRound() bool {
	d.mu.Lock()
	if d.waitForWorkLocked() {
		d.mu.Unlock()
		return false
	}
	var toRun []*message.Demand
	for _, p := range priorityOrder {
		q := d.queues[p]
		if len(q) == 0 {
			continue
		}
		quota, limited := d.quotas[p]
		n := len(q)
		if limited && quota < n {
			n = quota
		}
		toRun = append(toRun, q[:n]...)
		d.queues[p] = q[n:]
	}
	d.mu.Unlock()
	for _, demand := range toRun {
		disp.RunDemand(&d.stats, demand, d.onPanic)
	}
	return true
}

type boundQueue struct {
	d        *Dispatcher
	priority sink.Priority
}

func (b boundQueue) Push(demand *message.Demand) error {
	b.d.mu.Lock()
	b.d.queues[b.priority] = append(b.d.queues[b.priority], demand)
	b.d.cond.Signal()
	b.d.mu.Unlock()
	return nil
}

func (d *Dispatcher) PreallocateResources(a *agent.Agent) error { return nil }

func (d *Dispatcher) Bind(a *agent.Agent) {
	_ = a.Bind(boundQueue{d: d, priority: a.Priority()})
}

func (d *Dispatcher) UndoPreallocation(a *agent.Agent) {}
func (d *Dispatcher) Unbind(a *agent.Agent)            {}

func (d *Dispatcher) Stats() disp.Snapshot { return d.stats.Snapshot() }

// Shutdown stops the worker once its current queues drain.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.stopped = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}

var _ disp.Binder = (*Dispatcher)(nil)
