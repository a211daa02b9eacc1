package mbox

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/webitel/actorkit/equeue"
	"github.com/webitel/actorkit/message"
	"github.com/webitel/actorkit/sink"
)

// inlineQueue runs the demand's handler synchronously on the delivering
// goroutine - good enough to exercise mailbox fan-out/ordering without
// pulling in a full dispatcher.
type inlineQueue struct {
	handle func(demand *message.Demand)
}

func (q *inlineQueue) Push(demand *message.Demand) error {
	q.handle(demand)
	return nil
}

var _ equeue.EventQueue = (*inlineQueue)(nil)

func TestMPMCFIFODeliveryOrder(t *testing.T) {
	mb := NewMPMC("")
	var mu sync.Mutex
	var got string

	queue := &inlineQueue{handle: func(demand *message.Demand) {
		mu.Lock()
		got += strconv.Itoa(demand.Ref.Payload().(int))
		mu.Unlock()
	}}

	intType := message.TypeOf(0)
	if err := mb.Subscribe(1, intType, sink.New(sink.PriorityNormal), queue, nil); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for _, v := range []int{1, 2, 3} {
		ref := message.NewRef(v, message.Immutable)
		if err := mb.Deliver(ModeOrdinary, message.NewPlainEnvelope(ref), 0); err != nil {
			t.Fatalf("deliver failed: %v", err)
		}
	}

	if got != "123" {
		t.Fatalf("expected FIFO delivery %q, got %q", "123", got)
	}
}

func TestMPMCRefusesMutableMessage(t *testing.T) {
	mb := NewMPMC("")
	ref := message.NewRef(struct{ X int }{1}, message.Mutable)
	err := mb.Deliver(ModeOrdinary, message.NewPlainEnvelope(ref), 0)
	if err != ErrMutableFromMPMC {
		t.Fatalf("expected ErrMutableFromMPMC, got %v", err)
	}
}

func TestMPMCFanOutMatchesSubscriptionOrder(t *testing.T) {
	mb := NewMPMC("")
	var mu sync.Mutex
	var order []int

	for i := 1; i <= 3; i++ {
		id := i
		queue := &inlineQueue{handle: func(demand *message.Demand) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}}
		if err := mb.Subscribe(SubscriberIdentity(id), message.TypeOf(0), sink.New(sink.PriorityNormal), queue, nil); err != nil {
			t.Fatalf("subscribe %d: %v", id, err)
		}
	}

	ref := message.NewRef(42, message.Immutable)
	if err := mb.Deliver(ModeOrdinary, message.NewPlainEnvelope(ref), 0); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected fan-out in subscription order [1 2 3], got %v", order)
	}
}

func TestMPSCRejectsSecondConsumer(t *testing.T) {
	mb := NewMPSC("")
	queue := &inlineQueue{handle: func(*message.Demand) {}}
	if err := mb.Subscribe(1, message.TypeOf(0), sink.New(sink.PriorityNormal), queue, nil); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if err := mb.Subscribe(2, message.TypeOf(""), sink.New(sink.PriorityNormal), queue, nil); err != ErrIllegalMPSCSubscriber {
		t.Fatalf("expected ErrIllegalMPSCSubscriber, got %v", err)
	}
}

func TestDeliveryFilterSkipsRejectedSubscriber(t *testing.T) {
	mb := NewMPMC("")
	var delivered bool
	queue := &inlineQueue{handle: func(*message.Demand) { delivered = true }}

	intType := message.TypeOf(0)
	if err := mb.Subscribe(1, intType, sink.New(sink.PriorityNormal), queue, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := mb.SetDeliveryFilter(1, intType, func(payload any) bool { return payload.(int) > 100 }); err != nil {
		t.Fatalf("set filter: %v", err)
	}

	ref := message.NewRef(5, message.Immutable)
	if err := mb.Deliver(ModeOrdinary, message.NewPlainEnvelope(ref), 0); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered {
		t.Fatalf("filter should have rejected the message")
	}
}

func TestIntroduceNamedMboxIdempotentAndFactoryOnce(t *testing.T) {
	reg := NewRegistry()
	var factoryCalls int
	var mu sync.Mutex

	factory := func() Mailbox {
		mu.Lock()
		factoryCalls++
		mu.Unlock()
		return NewMPMC("orders")
	}

	var wg sync.WaitGroup
	ids := make([]uint64, 10)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			mb, err := reg.IntroduceNamedMbox("ns", "orders", factory)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			ids[i] = mb.ID()
		}()
	}
	wg.Wait()

	for i := 1; i < 10; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("expected all callers to get the same mailbox id")
		}
	}
	if factoryCalls != 1 {
		t.Fatalf("expected factory invoked exactly once, got %d", factoryCalls)
	}
}

func TestRequestValueRoundTrip(t *testing.T) {
	v, err := RequestValue[string](50*time.Millisecond, func(reply func(string)) {
		go reply("pong")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "pong" {
		t.Fatalf("expected pong, got %q", v)
	}
}

func TestRequestValueTimesOut(t *testing.T) {
	_, err := RequestValue[string](10*time.Millisecond, func(reply func(string)) {
		// never replies
	})
	if err != ErrRequestTimeout {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
}

func TestRequestFutureWaitRespectsContext(t *testing.T) {
	future, _ := NewRequestFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := future.Wait(ctx)
	if err == nil {
		t.Fatalf("expected context deadline error")
	}
}
