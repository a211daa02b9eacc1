/*
Package priodedicated implements the prio_dedicated_threads dispatcher: one
worker goroutine per priority level, each draining its own independent FIFO.
Unlike priothread's single shared worker, levels here never contend with
each other for a thread; the only way work at one level can affect another
is by agents at different levels exchanging messages through mailboxes.

Grounded on the teacher's per-shard worker layout (one goroutine per
partition, no shared state between them) applied here to one goroutine per
priority level instead of per partition key.
*/
package priodedicated

import (
	"sync"
	"time"

	"github.com/webitel/actorkit/agent"
	"github.com/webitel/actorkit/disp"
	"github.com/webitel/actorkit/message"
	"github.com/webitel/actorkit/sink"
)

type levelWorker struct {
	demands chan *message.Demand
	stopCh  chan struct{}
	done    chan struct{}
	stats   disp.ActivityStats
}

func (w *levelWorker) loop(onPanic func(any)) {
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

// Dispatcher is the prio_dedicated_threads dispatcher: a fixed worker per
// priority level, created once at construction.
type Dispatcher struct {
	workers map[sink.Priority]*levelWorker
	onPanic func(any)
}

// New starts one worker per level named in capacities (its keys determine
// which priority levels this dispatcher services); each value is that
// level's queue capacity.
func New(capacities map[sink.Priority]int, onPanic func(any)) *Dispatcher {
	d := &Dispatcher{workers: make(map[sink.Priority]*levelWorker, len(capacities)), onPanic: onPanic}
	for p, cap := range capacities {
		w := &levelWorker{
			demands: make(chan *message.Demand, cap),
			stopCh:  make(chan struct{}),
			done:    make(chan struct{}),
		}
		d.workers[p] = w
		go w.loop(onPanic)
	}
	return d
}

type boundQueue struct {
	w *levelWorker
}

func (b boundQueue) Push(demand *message.Demand) error {
	b.w.demands <- demand
	return nil
}

func (d *Dispatcher) PreallocateResources(a *agent.Agent) error { return nil }

func (d *Dispatcher) Bind(a *agent.Agent) {
	if w, ok := d.workers[a.Priority()]; ok {
		_ = a.Bind(boundQueue{w: w})
	}
}

func (d *Dispatcher) UndoPreallocation(a *agent.Agent) {}
func (d *Dispatcher) Unbind(a *agent.Agent)            {}

// Stats returns the dedicated worker's activity snapshot for one level.
func (d *Dispatcher) Stats(p sink.Priority) (disp.Snapshot, bool) {
	w, ok := d.workers[p]
	if !ok {
		return disp.Snapshot{}, false
	}
	return w.stats.Snapshot(), true
}

// Shutdown stops every level's worker.
func (d *Dispatcher) Shutdown() {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			close(w.stopCh)
			<-w.done
		}()
	}
	wg.Wait()
}

var _ disp.Binder = (*Dispatcher)(nil)
