package stats

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/webitel/actorkit/disp"
	"github.com/webitel/actorkit/equeue"
	"github.com/webitel/actorkit/mbox"
	"github.com/webitel/actorkit/message"
	"github.com/webitel/actorkit/sink"
)

// collector subscribes to a mailbox and records every delivered payload (for
// a signal, which carries none, a zero value of its type) in order,
// synchronously, so tests can assert on distribution bracketing without
// racing the sweep goroutine.
type collector struct {
	mu   sync.Mutex
	recv []any
}

func (c *collector) record(payload any) {
	c.mu.Lock()
	c.recv = append(c.recv, payload)
	c.mu.Unlock()
}

func (c *collector) snapshot() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.recv))
	copy(out, c.recv)
	return out
}

func subscribeAll(t *testing.T, mb *mbox.MPMC, identity mbox.SubscriberIdentity, c *collector, types ...message.TypeKey) {
	t.Helper()
	queue := equeue.EventQueueFunc(func(d *message.Demand) error {
		d.Handler(d.Envelope)
		return nil
	})
	handler := func(env message.Envelope) {
		env.AccessHook(message.HookHandlerFound, func(payload any) {
			if payload == nil {
				payload = reflect.Zero(env.Inner().TypeKey()).Interface()
			}
			c.record(payload)
		})
	}
	for _, typeKey := range types {
		if err := mb.Subscribe(identity, typeKey, sink.New(sink.PriorityNormal), queue, handler); err != nil {
			t.Fatalf("subscribe %v: %v", typeKey, err)
		}
	}
}

func newTestRegisterer() prometheus.Registerer {
	return prometheus.NewRegistry()
}

func TestControllerDeliversQuantityBracketedByDistributionSignals(t *testing.T) {
	mb := mbox.NewMPMC("stats")
	c := &collector{}
	subscribeAll(t, mb, 1, c,
		message.TypeOf(DistributionStarted{}),
		message.TypeOf(DistributionFinished{}),
		message.TypeOf(Quantity{}),
	)

	ctrl := New(mb, 20*time.Millisecond, WithRegisterer(newTestRegisterer()))
	n := 7
	ctrl.AddSource("agents", NewGaugeSource("agent_count", func() float64 { return float64(n) }))

	ctrl.TurnOn()
	defer ctrl.TurnOff()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(c.snapshot()) >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	got := c.snapshot()
	if len(got) < 3 {
		t.Fatalf("expected at least one full bracketed sweep, got %d messages: %#v", len(got), got)
	}

	if _, ok := got[0].(DistributionStarted); !ok {
		t.Fatalf("expected the first delivered message to be DistributionStarted, got %#v", got[0])
	}

	var sawQuantity, sawFinished bool
	var startedIdx, finishedIdx, quantityIdx int
	for i, v := range got {
		switch p := v.(type) {
		case DistributionStarted:
			startedIdx = i
		case Quantity:
			if !sawQuantity {
				quantityIdx = i
			}
			sawQuantity = true
			if p.Source != "agent_count" || p.Name != "agent_count" {
				t.Fatalf("unexpected quantity shape: %#v", p)
			}
			if p.Value != 7 {
				t.Fatalf("expected quantity value 7, got %v", p.Value)
			}
		case DistributionFinished:
			if !sawFinished {
				finishedIdx = i
			}
			sawFinished = true
		}
	}
	if !sawQuantity {
		t.Fatal("expected at least one Quantity message")
	}
	if !sawFinished {
		t.Fatal("expected a DistributionFinished message")
	}
	if !(startedIdx < quantityIdx && quantityIdx < finishedIdx) {
		t.Fatalf("expected started < quantity < finished ordering, got indices %d,%d,%d", startedIdx, quantityIdx, finishedIdx)
	}
}

func TestTurnOnIsIdempotentAndTurnOffStopsTheSweep(t *testing.T) {
	mb := mbox.NewMPMC("stats")
	c := &collector{}
	subscribeAll(t, mb, 1, c, message.TypeOf(Quantity{}))

	ctrl := New(mb, 10*time.Millisecond, WithRegisterer(newTestRegisterer()))
	ctrl.AddSource("x", NewGaugeSource("x", func() float64 { return 1 }))

	ctrl.TurnOn()
	ctrl.TurnOn() // second call must be a no-op, not a second goroutine

	time.Sleep(50 * time.Millisecond)
	ctrl.TurnOff()

	countAfterStop := len(c.snapshot())
	time.Sleep(50 * time.Millisecond)
	if len(c.snapshot()) != countAfterStop {
		t.Fatalf("expected no further deliveries after TurnOff, before=%d after=%d", countAfterStop, len(c.snapshot()))
	}

	// TurnOff a second time must also be a safe no-op.
	ctrl.TurnOff()
}

func TestActivitySourceReportsFourSamples(t *testing.T) {
	src := NewActivitySource("disp0", func() disp.Snapshot {
		return disp.Snapshot{WorkCount: 3, WorkTime: 30 * time.Millisecond, WaitCount: 2, WaitTime: 5 * time.Millisecond}
	})
	samples := src.Samples()
	if len(samples) != 4 {
		t.Fatalf("expected 4 samples from an activity source, got %d", len(samples))
	}
	byName := make(map[string]float64, len(samples))
	for _, s := range samples {
		byName[s.Name] = s.Value
	}
	if byName["work_count"] != 3 || byName["wait_count"] != 2 {
		t.Fatalf("unexpected activity sample values: %#v", byName)
	}
	if byName["work_time_ms"] != 30 || byName["wait_time_ms"] != 5 {
		t.Fatalf("unexpected activity duration sample values: %#v", byName)
	}
}

func TestAddSourceReplacesAndRemoveSourceDrops(t *testing.T) {
	mb := mbox.NewMPMC("stats")
	c := &collector{}
	subscribeAll(t, mb, 1, c, message.TypeOf(Quantity{}))

	ctrl := New(mb, 10*time.Millisecond, WithRegisterer(newTestRegisterer()))
	var calls int
	ctrl.AddSource("s", NewGaugeSource("s", func() float64 { calls++; return 1 }))
	ctrl.AddSource("s", NewGaugeSource("s", func() float64 { calls++; return 2 }))

	ctrl.sweep(context.Background())
	got := c.snapshot()
	if len(got) == 0 {
		t.Fatal("expected at least one delivered message")
	}
	var lastQuantity Quantity
	for _, v := range got {
		if q, ok := v.(Quantity); ok {
			lastQuantity = q
		}
	}
	if lastQuantity.Value != 2 {
		t.Fatalf("expected the replacement source to be the one swept, got value %v", lastQuantity.Value)
	}

	ctrl.RemoveSource("s")
	before := len(c.snapshot())
	ctrl.sweep(context.Background())
	after := len(c.snapshot())
	// Only the bracket signals should have been added, no Quantity.
	for _, v := range c.snapshot()[before:after] {
		if _, ok := v.(Quantity); ok {
			t.Fatalf("expected no Quantity after RemoveSource, got %#v", v)
		}
	}
}
