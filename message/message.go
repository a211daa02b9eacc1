/*
Package message defines the polymorphic message value this module dispatches:
signals, classical/user-type messages, mutability tags, and envelopes that can
intercept handler lookup, redirect/transform, and inspection.

Grounded on the teacher's event.Eventer/event.Exportable interface pair
(one concrete event struct transparently carried through the pipeline),
generalized here to an arbitrary payload plus a type-index used as the
dispatch key - the same role std::type_index plays in the original.
*/
package message

import (
	"reflect"
	"sync/atomic"

	"github.com/google/uuid"
)

// Mutability tags whether a message reference may be handed to more than one
// concurrent reader. A mutable message has at-most-one live handler reference
// at any moment; subscribing to a mutable type from an MPMC mailbox is
// forbidden (enforced in package mbox).
type Mutability uint8

const (
	Immutable Mutability = iota
	Mutable
)

func (m Mutability) String() string {
	if m == Mutable {
		return "mutable"
	}
	return "immutable"
}

// Kind classifies a message value.
type Kind uint8

const (
	KindSignal Kind = iota
	KindClassical
	KindUserType
	KindEnveloped
)

// TypeKey is the dispatch key: the payload's reflect.Type. Signals use the
// zero-value payload's type (a named empty struct), never a nil interface,
// so TypeKey is always resolvable without an instance in hand.
type TypeKey = reflect.Type

// TypeOf returns the dispatch key for a payload value.
func TypeOf(payload any) TypeKey { return reflect.TypeOf(payload) }

// Signal is implemented by payload types that carry no data - pure markers of
// type. A signal subscription accepts a nil payload at delivery time.
type Signal interface {
	isSignal()
}

// Ref is a shared-ownership handle to one message instance, carrying its
// mutability tag and type key next to the payload. Go's GC already reclaims
// the payload once unreferenced; Ref additionally tracks a live-handler
// count so a mutable message's "at-most-one live handler" invariant can be
// asserted defensively at dispatch time, mirroring the original's atomic
// refcounted message_ref_t.
type Ref struct {
	payload    any
	typeKey    TypeKey
	mutability Mutability
	traceID    uuid.UUID
	live       int32 // atomic: number of handlers currently holding this ref
	forceTrace int32 // atomic: set by MarkForTrace, overrides the tracer's global filter
}

// NewRef wraps payload into a Ref. A nil payload yields a Ref with a nil
// TypeKey, since reflect.TypeOf(nil) is unusable; NewSignalRef builds a
// signal Ref that carries its type.
func NewRef(payload any, mutability Mutability) *Ref {
	var tk TypeKey
	if payload != nil {
		tk = reflect.TypeOf(payload)
	}
	return &Ref{payload: payload, typeKey: tk, mutability: mutability, traceID: uuid.New()}
}

// NewSignalRef builds a Ref for a signal type, carrying no payload.
func NewSignalRef(sig Signal) *Ref {
	return &Ref{payload: nil, typeKey: reflect.TypeOf(sig), mutability: Immutable, traceID: uuid.New()}
}

func (r *Ref) Payload() any        { return r.payload }
func (r *Ref) TypeKey() TypeKey    { return r.typeKey }
func (r *Ref) Mutability() Mutability { return r.mutability }
func (r *Ref) TraceID() uuid.UUID  { return r.traceID }

// MarkForTrace flags this individual message for tracing regardless of the
// environment's global trace filter. Idempotent and safe to call from any
// goroutine.
func (r *Ref) MarkForTrace() { atomic.StoreInt32(&r.forceTrace, 1) }

// IsForcedForTrace reports whether MarkForTrace was called on this ref.
func (r *Ref) IsForcedForTrace() bool { return atomic.LoadInt32(&r.forceTrace) != 0 }
func (r *Ref) IsSignal() bool      { return r.payload == nil }

func (r *Ref) Kind() Kind {
	switch {
	case r.IsSignal():
		return KindSignal
	default:
		return KindUserType
	}
}

// AcquireHandler records that a handler is about to run against this ref,
// returning false if the mutable-message at-most-one-live-handler invariant
// would be violated. Immutable refs always succeed and do not track live
// count (any number of concurrent readers is legal for them).
func (r *Ref) AcquireHandler() bool {
	if r.mutability == Immutable {
		return true
	}
	return atomic.CompareAndSwapInt32(&r.live, 0, 1)
}

// ReleaseHandler undoes AcquireHandler for a mutable ref.
func (r *Ref) ReleaseHandler() {
	if r.mutability == Mutable {
		atomic.StoreInt32(&r.live, 0)
	}
}

// HandlerInvoker is the callback an envelope hook calls back into to
// actually run the final handler (or continue delivery) with the exposed
// payload. Not calling it suppresses the operation.
type HandlerInvoker func(payload any)

// HookContext names why an envelope's access hook was invoked.
type HookContext uint8

const (
	HookHandlerFound HookContext = iota
	HookTransformation
	HookInspection
)

// Envelope wraps an inner Ref. AccessHook is told through a HookContext
// whether it is called for handler lookup, transformation or inspection, and
// the envelope decides whether to invoke the callback at all. Within this
// module only agent dispatch calls AccessHook, with HookHandlerFound; the
// redirect/transform reactions in package sink and Environment.Trace never
// call it.
type Envelope interface {
	Inner() *Ref
	AccessHook(ctx HookContext, invoke HandlerInvoker)
}

// PlainEnvelope is the identity envelope: every hook unconditionally invokes
// the callback with the inner payload. Used as the default when a message is
// sent without an explicit envelope.
type PlainEnvelope struct {
	ref *Ref
}

func NewPlainEnvelope(ref *Ref) *PlainEnvelope { return &PlainEnvelope{ref: ref} }

func (e *PlainEnvelope) Inner() *Ref { return e.ref }

func (e *PlainEnvelope) AccessHook(_ HookContext, invoke HandlerInvoker) {
	invoke(e.ref.Payload())
}

// Demand is the execution demand produced on delivery and consumed by a
// dispatcher worker: who receives it, which mailbox/type it arrived through,
// the payload reference, the redirection depth it has accumulated, and the
// handler function the agent resolved for it.
type Demand struct {
	MailboxID        uint64
	Type             TypeKey
	Ref              *Ref
	Envelope         Envelope
	RedirectionDepth int
	Handler          func(envelope Envelope)
}
