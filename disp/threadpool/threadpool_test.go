package threadpool

import (
	"sync"
	"testing"
	"time"

	"github.com/webitel/actorkit/agent"
	"github.com/webitel/actorkit/message"
)

func TestThreadPoolPreservesPerAgentOrder(t *testing.T) {
	d := New(4, 0, PerAgent, nil)
	defer d.Shutdown()

	root := agent.NewState("root")
	a, err := agent.New(root)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if err := d.PreallocateResources(a); err != nil {
		t.Fatalf("preallocate: %v", err)
	}
	d.Bind(a)
	defer d.Unbind(a)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(20)
	for i := 0; i < 20; i++ {
		i := i
		if err := a.Push(&message.Demand{Handler: func(message.Envelope) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("expected in-order FIFO delivery, got %v", order)
		}
	}
}

func TestThreadPoolServicesDistinctAgentsConcurrently(t *testing.T) {
	d := New(4, 0, PerAgent, nil)
	defer d.Shutdown()

	agents := make([]*agent.Agent, 3)
	for i := range agents {
		st := agent.NewState("root")
		a, err := agent.New(st)
		if err != nil {
			t.Fatalf("new agent: %v", err)
		}
		if err := d.PreallocateResources(a); err != nil {
			t.Fatalf("preallocate: %v", err)
		}
		d.Bind(a)
		agents[i] = a
	}
	defer func() {
		for _, a := range agents {
			d.Unbind(a)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(len(agents))
	for _, a := range agents {
		a := a
		if err := a.Push(&message.Demand{Handler: func(message.Envelope) { wg.Done() }}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected all agents' demands to complete")
	}
}

func TestThreadPoolCooperationGranularitySharesFIFO(t *testing.T) {
	coopOf := map[uint64]uint64{}
	d := New(4, 0, func(a *agent.Agent) uint64 { return coopOf[a.ID()] }, nil)
	defer d.Shutdown()

	root1 := agent.NewState("root")
	a1, err := agent.New(root1)
	if err != nil {
		t.Fatalf("new agent 1: %v", err)
	}
	root2 := agent.NewState("root")
	a2, err := agent.New(root2)
	if err != nil {
		t.Fatalf("new agent 2: %v", err)
	}
	coopOf[a1.ID()] = 7
	coopOf[a2.ID()] = 7

	for _, a := range []*agent.Agent{a1, a2} {
		if err := d.PreallocateResources(a); err != nil {
			t.Fatalf("preallocate: %v", err)
		}
		d.Bind(a)
	}
	defer func() {
		d.Unbind(a1)
		d.Unbind(a2)
	}()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	if err := a1.Push(&message.Demand{Handler: func(message.Envelope) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	}}); err != nil {
		t.Fatalf("push a1: %v", err)
	}
	if err := a2.Push(&message.Demand{Handler: func(message.Envelope) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		close(done)
	}}); err != nil {
		t.Fatalf("push a2: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cooperation-shared FIFO never drained")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected shared-FIFO order [1 2], got %v", order)
	}
}
