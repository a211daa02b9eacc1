/*
Package activeobject implements the active_object dispatcher: one worker
goroutine and one FIFO per agent.

Grounded on the teacher's registry.Cell (internal/domain/registry/cell.go):
one goroutine per user, started in NewCell and torn down in Stop, generalized
here from "one cell per connected user" to "one worker per bound agent".
*/
package activeobject

import (
	"sync"
	"time"

	"github.com/webitel/actorkit/agent"
	"github.com/webitel/actorkit/disp"
	"github.com/webitel/actorkit/message"
)

type worker struct {
	demands chan *message.Demand
	stopCh  chan struct{}
	done    chan struct{}
	stats   disp.ActivityStats
}

func (w *worker) Push(demand *message.Demand) error {
	w.demands <- demand
	return nil
}

func (w *worker) loop(onPanic func(any)) {
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

// Dispatcher is the active_object dispatcher: a registry of one worker per
// bound agent.
type Dispatcher struct {
	capacity int
	onPanic  func(any)

	mu      sync.Mutex
	workers map[uint64]*worker
}

func New(perAgentCapacity int, onPanic func(any)) *Dispatcher {
	return &Dispatcher{capacity: perAgentCapacity, onPanic: onPanic, workers: make(map[uint64]*worker)}
}

func (d *Dispatcher) PreallocateResources(a *agent.Agent) error {
	w := &worker{
		demands: make(chan *message.Demand, d.capacity),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	d.mu.Lock()
	d.workers[a.ID()] = w
	d.mu.Unlock()
	go w.loop(d.onPanic)
	return nil
}

func (d *Dispatcher) Bind(a *agent.Agent) {
	d.mu.Lock()
	w := d.workers[a.ID()]
	d.mu.Unlock()
	if w != nil {
		_ = a.Bind(w)
	}
}

func (d *Dispatcher) UndoPreallocation(a *agent.Agent) {
	d.mu.Lock()
	w, ok := d.workers[a.ID()]
	delete(d.workers, a.ID())
	d.mu.Unlock()
	if ok {
		close(w.stopCh)
		<-w.done
	}
}

func (d *Dispatcher) Unbind(a *agent.Agent) {
	d.mu.Lock()
	w, ok := d.workers[a.ID()]
	delete(d.workers, a.ID())
	d.mu.Unlock()
	if ok {
		close(w.stopCh)
		<-w.done
	}
}

// Stats returns the per-agent worker's activity snapshot, if that agent is
// currently bound here.
func (d *Dispatcher) Stats(agentID uint64) (disp.Snapshot, bool) {
	d.mu.Lock()
	w, ok := d.workers[agentID]
	d.mu.Unlock()
	if !ok {
		return disp.Snapshot{}, false
	}
	return w.stats.Snapshot(), true
}

var _ disp.Binder = (*Dispatcher)(nil)
