/*
Package mbox implements the mailbox layer: local MPMC mailboxes with a
per-type ordered subscriber table, MPSC ("direct") mailboxes bound to exactly
one consumer, delivery filters, the named-mailbox registry, and the
request_future/request_value convenience built on top of both.

Grounded on the teacher's registry.Hub (a sync.Map of cells keyed by user id,
internal/domain/registry/hub.go) generalized into the named-mailbox registry,
and registry.Cell's mailbox channel + batched-drain loop()
(internal/domain/registry/cell.go) generalized into the MPSC mailbox's
single-consumer delivery path.
*/
package mbox

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/elliotchance/orderedmap/v2"
	"golang.org/x/sync/singleflight"

	"github.com/webitel/actorkit/equeue"
	"github.com/webitel/actorkit/message"
	"github.com/webitel/actorkit/sink"
)

// Kind distinguishes the two mailbox variants.
type Kind uint8

const (
	KindMPMC Kind = iota
	KindMPSC
)

// Mode states whether delivery is permitted to block the caller. Timer
// firings and overlimit reactions deliver with ModeNonblocking. Neither
// mailbox passes the mode on to the sink or the event queue, so with either
// mode a push into a full bounded dispatcher queue blocks the caller.
type Mode uint8

const (
	ModeOrdinary Mode = iota
	ModeNonblocking
)

// Errors surfaced synchronously to callers, named per the spec's error
// taxonomy at the programmatic boundary.
var (
	ErrDuplicateSubscription       = errors.New("mbox: duplicate subscription for (mailbox, type, subscriber)")
	ErrMutableFromMPMC             = errors.New("mbox: subscription_to_mutable_msg_from_mpmc_mbox")
	ErrIllegalMPSCSubscriber       = errors.New("mbox: mailbox already bound to a different consumer")
	ErrFilterNotApplicableToMPSC   = errors.New("mbox: delivery filters are not applicable to MPSC mailboxes")
	ErrMailboxNotFound             = errors.New("mbox: mailbox not found")
	ErrEmptyName                   = errors.New("mbox: empty name")
)

// DeliveryFilter decides, per (mailbox, type, subscriber), whether a message
// is forwarded. Not applicable to MPSC mailboxes.
type DeliveryFilter func(payload any) bool

// SubscriberIdentity is the dedup key used by Subscribe: the same identity
// subscribing twice to the same (type) is an error, and Unsubscribe matches
// on it.
type SubscriberIdentity uint64

// HandlerFunc is invoked by a dispatcher worker once it dequeues the demand
// this subscription produced; it is the agent-side dispatch entry point.
type HandlerFunc func(env message.Envelope)

// subscriberEntry is one row of a type's ordered subscriber list.
type subscriberEntry struct {
	identity SubscriberIdentity
	sink     sink.Sink
	queue    equeue.EventQueue
	handler  HandlerFunc
	filter   DeliveryFilter
}

// Mailbox is the interface agents and the environment interact with:
// subscribe/unsubscribe touch only the subscriber table; deliver is
// non-mutating to that table beyond the read side, tolerating concurrent
// subscribe/deliver calls via reader-writer discipline.
type Mailbox interface {
	ID() uint64
	Name() string
	Kind() Kind

	Subscribe(identity SubscriberIdentity, typeKey message.TypeKey, s sink.Sink, queue equeue.EventQueue, handler HandlerFunc) error
	Unsubscribe(identity SubscriberIdentity, typeKey message.TypeKey) error

	SetDeliveryFilter(identity SubscriberIdentity, typeKey message.TypeKey, filter DeliveryFilter) error
	DropDeliveryFilter(identity SubscriberIdentity, typeKey message.TypeKey)

	Deliver(mode Mode, env message.Envelope, redirectionDepth int) error

	// DeliverNonblocking satisfies timer.Target.
	DeliverNonblocking(ref *message.Ref)
	// RedirectDeliver satisfies sink's redirect/transform reaction target.
	RedirectDeliver(demand *message.Demand) error
}

var nextMailboxID uint64

func allocMailboxID() uint64 { return atomic.AddUint64(&nextMailboxID, 1) }

// MPMC is the local multi-producer multi-consumer mailbox: any agent may
// subscribe; delivery fans out to every subscriber matching the message
// type, in subscriber insertion order.
type MPMC struct {
	id   uint64
	name string

	mu      sync.RWMutex
	byType  map[message.TypeKey]*orderedmap.OrderedMap[SubscriberIdentity, *subscriberEntry]
}

// NewMPMC builds an anonymous (or named, if name is non-empty) local MPMC
// mailbox.
func NewMPMC(name string) *MPMC {
	return &MPMC{
		id:     allocMailboxID(),
		name:   name,
		byType: make(map[message.TypeKey]*orderedmap.OrderedMap[SubscriberIdentity, *subscriberEntry]),
	}
}

func (m *MPMC) ID() uint64   { return m.id }
func (m *MPMC) Name() string { return m.name }
func (m *MPMC) Kind() Kind   { return KindMPMC }

func (m *MPMC) Subscribe(identity SubscriberIdentity, typeKey message.TypeKey, s sink.Sink, queue equeue.EventQueue, handler HandlerFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	om, ok := m.byType[typeKey]
	if !ok {
		om = orderedmap.NewOrderedMap[SubscriberIdentity, *subscriberEntry]()
		m.byType[typeKey] = om
	}
	if _, exists := om.Get(identity); exists {
		return ErrDuplicateSubscription
	}
	om.Set(identity, &subscriberEntry{identity: identity, sink: s, queue: queue, handler: handler})
	return nil
}

func (m *MPMC) Unsubscribe(identity SubscriberIdentity, typeKey message.TypeKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	om, ok := m.byType[typeKey]
	if !ok {
		return nil
	}
	om.Delete(identity)
	return nil
}

func (m *MPMC) SetDeliveryFilter(identity SubscriberIdentity, typeKey message.TypeKey, filter DeliveryFilter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	om, ok := m.byType[typeKey]
	if !ok {
		return ErrMailboxNotFound
	}
	entry, exists := om.Get(identity)
	if !exists {
		return ErrMailboxNotFound
	}
	entry.filter = filter
	return nil
}

func (m *MPMC) DropDeliveryFilter(identity SubscriberIdentity, typeKey message.TypeKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if om, ok := m.byType[typeKey]; ok {
		if entry, exists := om.Get(identity); exists {
			entry.filter = nil
		}
	}
}

// Deliver walks the subscriber list for env's type with a read lock; for each
// subscriber whose filter (if any) accepts the message, it pushes a demand
// into that subscriber's sink. If no subscriber matches, the message is
// silently dropped.
func (m *MPMC) Deliver(mode Mode, env message.Envelope, redirectionDepth int) error {
	ref := env.Inner()
	if ref.Mutability() == message.Mutable {
		return ErrMutableFromMPMC
	}

	m.mu.RLock()
	om, ok := m.byType[ref.TypeKey()]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	entries := make([]*subscriberEntry, 0, om.Len())
	for el := om.Front(); el != nil; el = el.Next() {
		entries = append(entries, el.Value)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		if e.filter != nil && !e.filter(ref.Payload()) {
			continue
		}
		demand := &message.Demand{
			MailboxID:        m.id,
			Type:             ref.TypeKey(),
			Ref:              ref,
			Envelope:         env,
			RedirectionDepth: redirectionDepth,
			Handler:          e.handler,
		}
		queue := e.queue
		if err := e.sink.PushEvent(demand, queue.Push); err != nil {
			return err
		}
	}
	return nil
}

func (m *MPMC) DeliverNonblocking(ref *message.Ref) {
	_ = m.Deliver(ModeNonblocking, message.NewPlainEnvelope(ref), 0)
}

func (m *MPMC) RedirectDeliver(demand *message.Demand) error {
	return m.Deliver(ModeNonblocking, demand.Envelope, demand.RedirectionDepth)
}

// subscribing to a mutable message from MPMC is caught in Deliver, but the
// invariant is meant to be caught at subscribe time too when the caller
// declares mutability up front; SubscribeMutableGuard lets agent.Agent check
// before calling Subscribe. Kept as a small helper rather than threading a
// mutability parameter through Subscribe, since the mailbox itself doesn't
// know a type's declared mutability until the first message of that type
// arrives.
func SubscribeMutableGuard(declaredMutability message.Mutability, kind Kind) error {
	if kind == KindMPMC && declaredMutability == message.Mutable {
		return ErrMutableFromMPMC
	}
	return nil
}

// MPSC is the direct mailbox: bound to exactly one consumer agent. Any other
// agent's subscribe attempt fails with ErrIllegalMPSCSubscriber.
type MPSC struct {
	id   uint64
	name string

	mu       sync.RWMutex
	consumer SubscriberIdentity
	bound    bool
	byType   map[message.TypeKey]*subscriberEntry
}

func NewMPSC(name string) *MPSC {
	return &MPSC{id: allocMailboxID(), name: name, byType: make(map[message.TypeKey]*subscriberEntry)}
}

func (m *MPSC) ID() uint64   { return m.id }
func (m *MPSC) Name() string { return m.name }
func (m *MPSC) Kind() Kind   { return KindMPSC }

func (m *MPSC) Subscribe(identity SubscriberIdentity, typeKey message.TypeKey, s sink.Sink, queue equeue.EventQueue, handler HandlerFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bound && m.consumer != identity {
		return ErrIllegalMPSCSubscriber
	}
	m.consumer = identity
	m.bound = true
	if _, exists := m.byType[typeKey]; exists {
		return ErrDuplicateSubscription
	}
	m.byType[typeKey] = &subscriberEntry{identity: identity, sink: s, queue: queue, handler: handler}
	return nil
}

func (m *MPSC) Unsubscribe(identity SubscriberIdentity, typeKey message.TypeKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.byType[typeKey]; ok && entry.identity == identity {
		delete(m.byType, typeKey)
	}
	return nil
}

func (m *MPSC) SetDeliveryFilter(identity SubscriberIdentity, typeKey message.TypeKey, filter DeliveryFilter) error {
	return ErrFilterNotApplicableToMPSC
}

func (m *MPSC) DropDeliveryFilter(identity SubscriberIdentity, typeKey message.TypeKey) {}

// Deliver forwards unconditionally to the bound consumer once it has
// subscribed to env's type; otherwise it is dropped silently, same as MPMC
// with no matching subscriber.
func (m *MPSC) Deliver(mode Mode, env message.Envelope, redirectionDepth int) error {
	ref := env.Inner()

	m.mu.RLock()
	entry, ok := m.byType[ref.TypeKey()]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	demand := &message.Demand{
		MailboxID:        m.id,
		Type:             ref.TypeKey(),
		Ref:              ref,
		Envelope:         env,
		RedirectionDepth: redirectionDepth,
		Handler:          entry.handler,
	}
	return entry.sink.PushEvent(demand, entry.queue.Push)
}

func (m *MPSC) DeliverNonblocking(ref *message.Ref) {
	_ = m.Deliver(ModeNonblocking, message.NewPlainEnvelope(ref), 0)
}

func (m *MPSC) RedirectDeliver(demand *message.Demand) error {
	return m.Deliver(ModeNonblocking, demand.Envelope, demand.RedirectionDepth)
}

// Registry is the named-mailbox registry: a mapping from (namespace, name) to
// mailbox, with idempotent introduce-or-create semantics.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]Mailbox
	group singleflight.Group
}

func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]Mailbox)}
}

func regKey(namespace, name string) string { return namespace + "\x00" + name }

// IntroduceNamedMbox returns the existing mailbox for (namespace, name) if
// present; otherwise it calls factory exactly once to create one and
// registers the result, even under concurrent callers racing for the same
// key - the singleflight.Group collapses concurrent factory invocations into
// one.
func (r *Registry) IntroduceNamedMbox(namespace, name string, factory func() Mailbox) (Mailbox, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	key := regKey(namespace, name)

	r.mu.RLock()
	if mb, ok := r.byKey[key]; ok {
		r.mu.RUnlock()
		return mb, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.Lock()
		if mb, ok := r.byKey[key]; ok {
			r.mu.Unlock()
			return mb, nil
		}
		r.mu.Unlock()

		mb := factory()

		r.mu.Lock()
		r.byKey[key] = mb
		r.mu.Unlock()
		return mb, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Mailbox), nil
}

// Lookup returns the mailbox registered for (namespace, name), if any.
func (r *Registry) Lookup(namespace, name string) (Mailbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mb, ok := r.byKey[regKey(namespace, name)]
	return mb, ok
}

// NewSingleSinkBinding is a convenience constructor binding exactly one
// subscriber to a freshly created MPMC mailbox, returning a single handle -
// grounded on the original implementation's single_sink_binding sample.
func NewSingleSinkBinding(name string, identity SubscriberIdentity, typeKey message.TypeKey, s sink.Sink, queue equeue.EventQueue, handler HandlerFunc) (*MPMC, error) {
	mb := NewMPMC(name)
	if err := mb.Subscribe(identity, typeKey, s, queue, handler); err != nil {
		return nil, fmt.Errorf("mbox: single sink binding: %w", err)
	}
	return mb, nil
}
