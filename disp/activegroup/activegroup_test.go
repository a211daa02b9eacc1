package activegroup

import (
	"testing"
	"time"

	"github.com/webitel/actorkit/agent"
	"github.com/webitel/actorkit/message"
)

func TestActiveGroupSharesOneWorkerAcrossGroupMembers(t *testing.T) {
	groupOf := map[uint64]string{}
	d := New(8, func(a *agent.Agent) string { return groupOf[a.ID()] }, nil)

	rootA := agent.NewState("root")
	a1, err := agent.New(rootA)
	if err != nil {
		t.Fatalf("new agent 1: %v", err)
	}
	rootB := agent.NewState("root")
	a2, err := agent.New(rootB)
	if err != nil {
		t.Fatalf("new agent 2: %v", err)
	}
	groupOf[a1.ID()] = "g1"
	groupOf[a2.ID()] = "g1"

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

	var order []int
	done := make(chan struct{})
	if err := a1.Push(&message.Demand{Handler: func(message.Envelope) { order = append(order, 1) }}); err != nil {
		t.Fatalf("push a1: %v", err)
	}
	if err := a2.Push(&message.Demand{Handler: func(message.Envelope) { order = append(order, 2); close(done) }}); err != nil {
		t.Fatalf("push a2: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("group worker never drained both agents' demands")
	}

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected shared FIFO order [1 2], got %v", order)
	}
}

func TestActiveGroupSeparatesDifferentGroups(t *testing.T) {
	groupOf := map[uint64]string{}
	d := New(8, func(a *agent.Agent) string { return groupOf[a.ID()] }, nil)

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
	groupOf[a1.ID()] = "g1"
	groupOf[a2.ID()] = "g2"

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

	done1 := make(chan struct{})
	done2 := make(chan struct{})
	if err := a1.Push(&message.Demand{Handler: func(message.Envelope) { close(done1) }}); err != nil {
		t.Fatalf("push a1: %v", err)
	}
	if err := a2.Push(&message.Demand{Handler: func(message.Envelope) { close(done2) }}); err != nil {
		t.Fatalf("push a2: %v", err)
	}

	for _, ch := range []chan struct{}{done1, done2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("expected both distinct groups to be serviced independently")
		}
	}
}
