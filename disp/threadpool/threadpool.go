/*
Package threadpool implements the thread_pool dispatcher: a fixed pool of
worker goroutines draining a shared set of per-unit FIFOs (one FIFO per
agent, or one shared FIFO per group of agents when KeyFunc folds several
agents onto the same key), each FIFO bound to at most one worker at a time
so that demands queued behind the same key are always handled in order.

Grounded on the teacher's worker-pool consumption pattern in
internal/app/outbound/pool.go (N goroutines pulling off one channel of
ready work items) generalized from "ready connection" to "ready per-agent
FIFO".
*/
package threadpool

import (
	"sync"
	"time"

	"github.com/webitel/actorkit/agent"
	"github.com/webitel/actorkit/disp"
	"github.com/webitel/actorkit/message"
)

// KeyFunc maps an agent onto the FIFO it shares demands with. The default,
// per-agent granularity, uses the agent's own identity; supplying a KeyFunc
// that returns a cooperation (or any other grouping) identifier instead
// yields cooperation-level FIFO granularity.
type KeyFunc func(a *agent.Agent) uint64

func PerAgent(a *agent.Agent) uint64 { return a.ID() }

type fifo struct {
	mu      sync.Mutex
	pending []*message.Demand
	queued  bool // already sitting on the ready channel
}

func (f *fifo) push(d *message.Demand) (becameReady bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, d)
	if !f.queued {
		f.queued = true
		return true
	}
	return false
}

// drain removes up to max pending demands for processing outside the lock.
func (f *fifo) drain(max int) []*message.Demand {
	f.mu.Lock()
	defer f.mu.Unlock()
	if max <= 0 || max > len(f.pending) {
		max = len(f.pending)
	}
	batch := f.pending[:max]
	f.pending = f.pending[max:]
	return batch
}

// requeueIfNonEmpty reports whether the fifo still has pending work and
// should be pushed back onto the ready channel; otherwise clears queued so a
// future push re-enqueues it.
func (f *fifo) requeueIfNonEmpty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) > 0 {
		return true
	}
	f.queued = false
	return false
}

// Dispatcher is the thread_pool dispatcher.
type Dispatcher struct {
	keyFn          KeyFunc
	maxAtOnce      int
	onPanic        func(any)
	ready          chan *fifo
	stopCh         chan struct{}
	wg             sync.WaitGroup
	stats          []disp.ActivityStats

	mu    sync.Mutex
	fifos map[uint64]*fifo
}

// New starts a thread_pool dispatcher with workerCount worker goroutines.
// maxDemandsAtOnce bounds how many demands a worker drains from one FIFO
// before yielding it back to the ready channel, so no single busy agent can
// starve the rest of the pool; 0 means unbounded per turn.
func New(workerCount, maxDemandsAtOnce int, keyFn KeyFunc, onPanic func(any)) *Dispatcher {
	if keyFn == nil {
		keyFn = PerAgent
	}
	d := &Dispatcher{
		keyFn:     keyFn,
		maxAtOnce: maxDemandsAtOnce,
		onPanic:   onPanic,
		ready:     make(chan *fifo, 4096),
		stopCh:    make(chan struct{}),
		fifos:     make(map[uint64]*fifo),
		stats:     make([]disp.ActivityStats, workerCount),
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
		case f := <-d.ready:
			stats.RecordWait(time.Since(waitStart))
			for _, demand := range f.drain(d.maxAtOnce) {
				disp.RunDemand(stats, demand, d.onPanic)
			}
			if f.requeueIfNonEmpty() {
				d.ready <- f
			}
		}
	}
}

func (d *Dispatcher) fifoFor(key uint64) *fifo {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.fifos[key]
	if !ok {
		f = &fifo{}
		d.fifos[key] = f
	}
	return f
}

type boundQueue struct {
	d   *Dispatcher
	key uint64
}

func (b boundQueue) Push(demand *message.Demand) error {
	f := b.d.fifoFor(b.key)
	if f.push(demand) {
		b.d.ready <- f
	}
	return nil
}

func (d *Dispatcher) PreallocateResources(a *agent.Agent) error {
	d.fifoFor(d.keyFn(a))
	return nil
}

func (d *Dispatcher) Bind(a *agent.Agent) {
	_ = a.Bind(boundQueue{d: d, key: d.keyFn(a)})
}

func (d *Dispatcher) UndoPreallocation(a *agent.Agent) {}
func (d *Dispatcher) Unbind(a *agent.Agent)            {}

// Shutdown stops every worker once the current demand in flight completes.
// Pending queued demands are left undrained; callers that need a clean
// drain should stop pushing and wait for ready/queued counts to settle
// before calling Shutdown.
func (d *Dispatcher) Shutdown() {
	close(d.stopCh)
	d.wg.Wait()
}

var _ disp.Binder = (*Dispatcher)(nil)
