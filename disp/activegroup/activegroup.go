/*
Package activegroup implements the active_group dispatcher: named groups,
one worker thread per group, all agents in the same group sharing a FIFO.

Grounded on the teacher's registry.Hub (a sync.Map keyed registry of
per-subject state, internal/domain/registry/hub.go) generalized from "one
cell per user id" to "one worker per group name", and on active_object's
per-agent worker loop for the worker implementation itself.
*/
package activegroup

import (
	"sync"
	"time"

	"github.com/webitel/actorkit/agent"
	"github.com/webitel/actorkit/disp"
	"github.com/webitel/actorkit/message"
)

type groupWorker struct {
	demands  chan *message.Demand
	stopCh   chan struct{}
	done     chan struct{}
	stats    disp.ActivityStats
	refcount int
}

func (w *groupWorker) Push(demand *message.Demand) error {
	w.demands <- demand
	return nil
}

func (w *groupWorker) loop(onPanic func(any)) {
	defer close(w.done)
	for {
		waitStart := time.Now()
		select {
		case <-w.stopCh:
			return
		case demand := <-w.demands:
			w.stats.RecordWait(time.Since(waitStart))
			disp.RunDemand(&w.stats, demand, onPanic)
		}
	}
}

// GroupOf resolves which named group an agent belongs to. Supplied by the
// application at dispatcher construction time - the framework itself has no
// opinion on what a "group" means.
type GroupOf func(a *agent.Agent) string

// Dispatcher is the active_group dispatcher.
type Dispatcher struct {
	capacity int
	onPanic  func(any)
	groupOf  GroupOf

	mu     sync.Mutex
	groups map[string]*groupWorker
}

func New(perGroupCapacity int, groupOf GroupOf, onPanic func(any)) *Dispatcher {
	return &Dispatcher{capacity: perGroupCapacity, groupOf: groupOf, onPanic: onPanic, groups: make(map[string]*groupWorker)}
}

func (d *Dispatcher) PreallocateResources(a *agent.Agent) error {
	name := d.groupOf(a)
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.groups[name]
	if !ok {
		w = &groupWorker{
			demands: make(chan *message.Demand, d.capacity),
			stopCh:  make(chan struct{}),
			done:    make(chan struct{}),
		}
		d.groups[name] = w
		go w.loop(d.onPanic)
	}
	w.refcount++
	return nil
}

func (d *Dispatcher) Bind(a *agent.Agent) {
	name := d.groupOf(a)
	d.mu.Lock()
	w := d.groups[name]
	d.mu.Unlock()
	if w != nil {
		_ = a.Bind(w)
	}
}

func (d *Dispatcher) release(a *agent.Agent) {
	name := d.groupOf(a)
	d.mu.Lock()
	w, ok := d.groups[name]
	if !ok {
		d.mu.Unlock()
		return
	}
	w.refcount--
	last := w.refcount == 0
	if last {
		delete(d.groups, name)
	}
	d.mu.Unlock()
	if last {
		close(w.stopCh)
		<-w.done
	}
}

func (d *Dispatcher) UndoPreallocation(a *agent.Agent) { d.release(a) }
func (d *Dispatcher) Unbind(a *agent.Agent)            { d.release(a) }

var _ disp.Binder = (*Dispatcher)(nil)
