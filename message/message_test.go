package message

import "testing"

type pingSignal struct{}

func (pingSignal) isSignal() {}

type orderPlaced struct {
	ID int
}

func TestNewRefClassifiesSignalVsPayload(t *testing.T) {
	sigRef := NewSignalRef(pingSignal{})
	if !sigRef.IsSignal() {
		t.Fatalf("expected signal ref")
	}
	if sigRef.Kind() != KindSignal {
		t.Fatalf("expected KindSignal, got %v", sigRef.Kind())
	}

	payloadRef := NewRef(orderPlaced{ID: 7}, Immutable)
	if payloadRef.IsSignal() {
		t.Fatalf("expected non-signal ref")
	}
	if payloadRef.TypeKey() != TypeOf(orderPlaced{}) {
		t.Fatalf("type key mismatch")
	}
}

func TestMutableRefAtMostOneLiveHandler(t *testing.T) {
	ref := NewRef(orderPlaced{ID: 1}, Mutable)
	if !ref.AcquireHandler() {
		t.Fatalf("first acquire should succeed")
	}
	if ref.AcquireHandler() {
		t.Fatalf("second concurrent acquire on a mutable ref must fail")
	}
	ref.ReleaseHandler()
	if !ref.AcquireHandler() {
		t.Fatalf("acquire after release should succeed")
	}
}

func TestImmutableRefAllowsConcurrentAcquire(t *testing.T) {
	ref := NewRef(orderPlaced{ID: 1}, Immutable)
	if !ref.AcquireHandler() || !ref.AcquireHandler() {
		t.Fatalf("immutable ref must allow concurrent acquisition")
	}
}

func TestPlainEnvelopeAlwaysInvokes(t *testing.T) {
	ref := NewRef(orderPlaced{ID: 42}, Immutable)
	env := NewPlainEnvelope(ref)

	var got any
	env.AccessHook(HookHandlerFound, func(payload any) { got = payload })
	if got.(orderPlaced).ID != 42 {
		t.Fatalf("expected payload to pass through, got %v", got)
	}
}
