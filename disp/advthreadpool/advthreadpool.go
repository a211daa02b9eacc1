/*
Package advthreadpool implements the adv_thread_pool dispatcher: structurally
a fixed worker pool like threadpool, but deliberately does not serialize
demands belonging to the same agent behind one exclusively-owned FIFO.
Multiple pool workers may dequeue and run demands for the same agent
concurrently; it is agent.Agent.invoke's CAS-based exclusion (any number of
concurrently-running thread-safe handlers, or exactly one unsafe handler,
never both together) that keeps this safe. This dispatcher only needs to
get out of the way and let the pool parallelize.

Grounded on the teacher's fan-out worker pool (internal/app/outbound/pool.go)
used here with a single shared channel instead of threadpool's per-key FIFO,
since adv_thread_pool's whole point is to not force per-agent exclusivity at
the dispatch layer.
*/
package advthreadpool

import (
	"sync"
	"time"

	"github.com/webitel/actorkit/agent"
	"github.com/webitel/actorkit/disp"
	"github.com/webitel/actorkit/equeue"
	"github.com/webitel/actorkit/message"
)

// Dispatcher is the adv_thread_pool dispatcher.
type Dispatcher struct {
	demands chan *message.Demand
	stopCh  chan struct{}
	wg      sync.WaitGroup
	onPanic func(any)
	stats   []disp.ActivityStats
}

// New starts an adv_thread_pool dispatcher with workerCount workers sharing
// one demand queue of the given capacity.
func New(workerCount, capacity int, onPanic func(any)) *Dispatcher {
	d := &Dispatcher{
		demands: make(chan *message.Demand, capacity),
		stopCh:  make(chan struct{}),
		onPanic: onPanic,
		stats:   make([]disp.ActivityStats, workerCount),
	}
	for i := 0; i < workerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	return d
}

func (d *Dispatcher) worker(idx int) {
	defer d.wg.Done()
	stats := &d.stats[idx]
	for {
		waitStart := time.Now()
		select {
		case <-d.stopCh:
			return
		case demand := <-d.demands:
			stats.RecordWait(time.Since(waitStart))
			disp.RunDemand(stats, demand, d.onPanic)
		}
	}
}

// Push implements equeue.EventQueue: every bound agent shares this channel,
// and the pool's workers are free to pull any number of that agent's
// pending demands onto distinct goroutines at once.
func (d *Dispatcher) Push(demand *message.Demand) error {
	d.demands <- demand
	return nil
}

var _ equeue.EventQueue = (*Dispatcher)(nil)

func (d *Dispatcher) PreallocateResources(a *agent.Agent) error { return nil }
func (d *Dispatcher) Bind(a *agent.Agent)                       { _ = a.Bind(d) }
func (d *Dispatcher) UndoPreallocation(a *agent.Agent)          {}
func (d *Dispatcher) Unbind(a *agent.Agent)                     {}

func (d *Dispatcher) Shutdown() {
	close(d.stopCh)
	d.wg.Wait()
}

var _ disp.Binder = (*Dispatcher)(nil)
