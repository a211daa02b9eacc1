/*
Package agent implements the hierarchical state machine at the heart of the
framework: subscription storage, handler lookup by (mailbox_id, type,
current-state-path), transfer-to-state redirection with loop detection,
time-limited states, deadletter handling, and the so_evt_start/so_evt_finish
lifecycle pseudo-demands.

Grounded on the teacher's registry.Cell (per-subject goroutine loop with
attach/detach and idle eviction, internal/domain/registry/cell.go) generalized
from "fixed broadcast to all sessions" into "stateful handler dispatch against
an adaptive subscription table", and on the other_examples actor.go sample's
atomic state field plus messageLoop/drainMailbox shutdown discipline,
generalized into the evt_start/evt_finish bracket around an agent's demand
stream.
*/
package agent

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/webitel/actorkit/equeue"
	"github.com/webitel/actorkit/mbox"
	"github.com/webitel/actorkit/message"
	"github.com/webitel/actorkit/sink"
	"github.com/webitel/actorkit/timer"
)

// TypeKey is the dispatch key type, re-exported from package message so
// callers building state machines don't need to import message directly for
// the common case.
type TypeKey = message.TypeKey

// Errors named per the spec's error taxonomy. All but ErrTransferToStateLoop
// are returned synchronously to the caller; ErrTransferToStateLoop is only
// logged, when doDispatch drops a message whose transfer chain loops.
var (
	ErrNoInitialSubstate      = errors.New("agent: transition target is composite with no initial substate")
	ErrDuplicateSubscription  = errors.New("agent: duplicate subscription for (mailbox, type, state)")
	ErrTransferToStateLoop    = errors.New("agent: transfer_to_state loop detected")
	ErrWorkingThreadOnly      = errors.New("agent: subscription mutation permitted only on the agent's working thread")
	ErrAlreadyBound           = errors.New("agent: already bound to an event queue")
)

// SubscriptionKind distinguishes a terminal handler from one that may
// re-send or replace the envelope and let delivery continue.
type SubscriptionKind uint8

const (
	FinalHandler SubscriptionKind = iota
	IntermediateHandler
)

// ExceptionReaction selects what happens after a handler panics. In every
// case the event-exception logger sees the panic first.
type ExceptionReaction uint8

const (
	ReactionAbort ExceptionReaction = iota
	ReactionShutdownEnvOnException
	ReactionDeregisterCoopOnException
	ReactionIgnore
)

var nextAgentID uint64

func allocAgentID() uint64 { return atomic.AddUint64(&nextAgentID, 1) }

type subKey struct {
	mailboxID uint64
	typeKey   TypeKey
	state     *State
}

type subscriptionRow struct {
	key        subKey
	kind       SubscriptionKind
	threadSafe bool
	handler    func(env message.Envelope)
}

// Agent owns subscription storage, delivery-filter bookkeeping, the root
// state, the current leaf state, the bound event queue, priority, and the
// per-type message-limit table. Its lifecycle: constructed -> bound to a
// dispatcher during coop registration -> so_evt_start runs -> handles events
// -> so_evt_finish runs -> unbound -> destroyed.
type Agent struct {
	id       uint64
	priority sink.Priority
	logger   *zerolog.Logger

	queue equeue.EventQueue

	root *State
	leaf *State

	subsThreshold int
	subsSmall     []*subscriptionRow
	subsBig       map[subKey]*subscriptionRow

	lookupCache *lru.Cache[uint64, *subscriptionRow]

	deadletter map[subKey]func(env message.Envelope)

	onWorkingThread     int32 // atomic bool: set while an unsafe handler runs
	inThreadSafeHandler int32 // atomic bool: set while this goroutine runs inside a thread-safe handler
	unsafeRunning       int32 // atomic bool: an unsafe handler currently holds the agent
	safeRunningCount    int32 // atomic count of concurrently running thread-safe handlers
	finished            int32 // atomic bool

	timerSvc        *timer.Service
	timeLimitHandle *timer.Handle
	stateGeneration uint64

	exceptionReaction ExceptionReaction

	onStart  func(a *Agent)
	onFinish func(a *Agent)
}

// Option configures an Agent at construction time.
type Option func(*Agent)

func WithPriority(p sink.Priority) Option { return func(a *Agent) { a.priority = p } }
func WithLogger(l *zerolog.Logger) Option { return func(a *Agent) { a.logger = l } }
func WithTimerService(svc *timer.Service) Option { return func(a *Agent) { a.timerSvc = svc } }
func WithExceptionReaction(r ExceptionReaction) Option {
	return func(a *Agent) { a.exceptionReaction = r }
}
func WithEvtStart(fn func(a *Agent)) Option  { return func(a *Agent) { a.onStart = fn } }
func WithEvtFinish(fn func(a *Agent)) Option { return func(a *Agent) { a.onFinish = fn } }

// New constructs an agent rooted at root, initially positioned at the leaf
// reached by descending root's initial-substate chain.
func New(root *State, opts ...Option) (*Agent, error) {
	leaf, err := descendToLeaf(root)
	if err != nil {
		return nil, err
	}
	cache, _ := lru.New[uint64, *subscriptionRow](2048)
	a := &Agent{
		id:            allocAgentID(),
		priority:      sink.PriorityNormal,
		root:          root,
		leaf:          leaf,
		subsThreshold: 8,
		lookupCache:   cache,
		deadletter:    make(map[subKey]func(env message.Envelope)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Agent) ID() uint64           { return a.id }
func (a *Agent) Priority() sink.Priority { return a.priority }
func (a *Agent) CurrentState() *State { return a.leaf }

// Identity returns the mailbox-subscriber identity this agent registers
// itself under.
func (a *Agent) Identity() mbox.SubscriberIdentity { return mbox.SubscriberIdentity(a.id) }

// Bind installs the agent's event queue. Called exactly once, noexcept, by a
// dispatcher's binder during coop registration (component 9's two-phase
// protocol); rebinding mid-life is forbidden.
func (a *Agent) Bind(queue equeue.EventQueue) error {
	if a.queue != nil {
		return ErrAlreadyBound
	}
	a.queue = queue
	return nil
}

// Push forwards a demand into the agent's bound queue, satisfying
// equeue.EventQueue so the coop binder's "enqueue evt_start/evt_finish"
// step can treat the agent uniformly with any other queue producer.
func (a *Agent) Push(demand *message.Demand) error {
	return a.queue.Push(demand)
}

// --- subscription storage -------------------------------------------------

func (a *Agent) insertSub(row *subscriptionRow) error {
	if a.subsBig != nil {
		if _, exists := a.subsBig[row.key]; exists {
			return ErrDuplicateSubscription
		}
		a.subsBig[row.key] = row
		a.lookupCache.Purge()
		return nil
	}
	for _, r := range a.subsSmall {
		if r.key == row.key {
			return ErrDuplicateSubscription
		}
	}
	a.subsSmall = append(a.subsSmall, row)
	if len(a.subsSmall) > a.subsThreshold {
		a.promoteToMap()
	}
	a.lookupCache.Purge()
	return nil
}

func (a *Agent) promoteToMap() {
	a.subsBig = make(map[subKey]*subscriptionRow, len(a.subsSmall)*2)
	for _, r := range a.subsSmall {
		a.subsBig[r.key] = r
	}
	a.subsSmall = nil
}

func (a *Agent) removeSub(key subKey) {
	if a.subsBig != nil {
		delete(a.subsBig, key)
		a.lookupCache.Purge()
		return
	}
	for i, r := range a.subsSmall {
		if r.key == key {
			a.subsSmall = append(a.subsSmall[:i], a.subsSmall[i+1:]...)
			break
		}
	}
	a.lookupCache.Purge()
}

func (a *Agent) findSub(key subKey) (*subscriptionRow, bool) {
	if a.subsBig != nil {
		r, ok := a.subsBig[key]
		return r, ok
	}
	for _, r := range a.subsSmall {
		if r.key == key {
			return r, true
		}
	}
	return nil, false
}

// SoSubscribe begins a fluent subscription declaration:
// a.SoSubscribe(mb).In(state).Event(type, handler).
func (a *Agent) SoSubscribe(mb mbox.Mailbox) *SubscriptionBuilder {
	return &SubscriptionBuilder{agent: a, mailbox: mb, state: a.root, kind: FinalHandler}
}

// SubscriptionBuilder accumulates the pieces of one so_subscribe(...).in(...).event(...) call.
type SubscriptionBuilder struct {
	agent      *Agent
	mailbox    mbox.Mailbox
	state      *State
	kind       SubscriptionKind
	threadSafe bool
}

func (b *SubscriptionBuilder) In(state *State) *SubscriptionBuilder {
	b.state = state
	return b
}

func (b *SubscriptionBuilder) AsIntermediate() *SubscriptionBuilder {
	b.kind = IntermediateHandler
	return b
}

// AsThreadSafe marks the handler eligible to run concurrently with other
// thread-safe handlers of the same agent under adv_thread_pool (component
// 4.4). It must not mutate subscriptions; attempts to do so from inside it
// fail with ErrWorkingThreadOnly.
func (b *SubscriptionBuilder) AsThreadSafe() *SubscriptionBuilder {
	b.threadSafe = true
	return b
}

// Event finalizes the subscription: it registers the row in the agent's
// subscription storage and subscribes the agent to the mailbox for typeKey,
// declaring mutability so MPMC-mutable misuse is caught at subscribe time.
func (b *SubscriptionBuilder) Event(typeKey TypeKey, mutability message.Mutability, handler func(env message.Envelope)) error {
	a := b.agent
	if err := mbox.SubscribeMutableGuard(mutability, b.mailbox.Kind()); err != nil {
		return err
	}
	if atomic.LoadInt32(&a.inThreadSafeHandler) == 1 {
		return ErrWorkingThreadOnly
	}
	key := subKey{mailboxID: b.mailbox.ID(), typeKey: typeKey, state: b.state}
	row := &subscriptionRow{key: key, kind: b.kind, threadSafe: b.threadSafe, handler: handler}
	if err := a.insertSub(row); err != nil {
		return err
	}
	return b.mailbox.Subscribe(a.Identity(), typeKey, sink.New(a.priority), a, func(env message.Envelope) {
		a.handleDelivery(b.mailbox.ID(), typeKey, env)
	})
}

// SoDropSubscription removes one subscription.
func (a *Agent) SoDropSubscription(mb mbox.Mailbox, state *State, typeKey TypeKey) {
	a.removeSub(subKey{mailboxID: mb.ID(), typeKey: typeKey, state: state})
	_ = mb.Unsubscribe(a.Identity(), typeKey)
}

// SoHasSubscription reports whether a subscription is registered for
// (mailbox, type[, state]). A nil state matches the agent's current leaf.
func (a *Agent) SoHasSubscription(mb mbox.Mailbox, typeKey TypeKey, state *State) bool {
	if state == nil {
		state = a.leaf
	}
	_, ok := a.findSub(subKey{mailboxID: mb.ID(), typeKey: typeKey, state: state})
	return ok
}

// SetDeadletter registers the handler invoked for (mailbox, type) when no
// subscription on the current-state path matches and no transfer_to_state
// resolves the message either.
func (a *Agent) SetDeadletter(mb mbox.Mailbox, typeKey TypeKey, handler func(env message.Envelope)) {
	a.deadletter[subKey{mailboxID: mb.ID(), typeKey: typeKey}] = handler
}

// --- state transitions ----------------------------------------------------

// TransitionTo performs the full enter/exit sequence described by the state
// machine: find the lowest common ancestor, fire on_exit from the current
// leaf up to (not including) the ancestor, move the pointer, descend to a
// leaf through initial-substate links, fire on_enter down to the new leaf,
// then arm the new leaf's time-limit if any.
func (a *Agent) TransitionTo(target *State) error {
	lca := lowestCommonAncestor(a.leaf, target)

	for cur := a.leaf; cur != lca; cur = cur.parent {
		if cur.onExit != nil {
			cur.onExit()
		}
	}

	newLeaf, err := descendToLeaf(target)
	if err != nil {
		return err
	}

	var toEnter []*State
	for cur := newLeaf; cur != lca; cur = cur.parent {
		toEnter = append(toEnter, cur)
	}
	for i := len(toEnter) - 1; i >= 0; i-- {
		if toEnter[i].onEnter != nil {
			toEnter[i].onEnter()
		}
	}

	a.leaf = newLeaf
	a.stateGeneration++
	a.armTimeLimit(newLeaf)
	return nil
}

func (a *Agent) armTimeLimit(state *State) {
	if a.timeLimitHandle != nil {
		a.timeLimitHandle.Release()
		a.timeLimitHandle = nil
	}
	if state.timeLimit <= 0 || a.timerSvc == nil {
		return
	}
	generation := a.stateGeneration
	target := &agentTimerTarget{agent: a, state: state, generation: generation}
	ref := message.NewRef(stateTimeout{state: state}, message.Immutable)
	a.timeLimitHandle = a.timerSvc.Schedule(state.timeLimit, 0, ref, target)
}

type stateTimeout struct{ state *State }

type agentTimerTarget struct {
	agent      *Agent
	state      *State
	generation uint64
}

func (t *agentTimerTarget) DeliverNonblocking(ref *message.Ref) {
	a := t.agent
	if a.stateGeneration != t.generation {
		return // stale: a later transition already superseded this timer
	}
	_ = a.Push(&message.Demand{
		MailboxID: 0,
		Ref:       ref,
		Envelope:  message.NewPlainEnvelope(ref),
		Handler: func(env message.Envelope) {
			if a.stateGeneration == t.generation && a.timeLimitHandle != nil {
				target := t.state.timeLimitTarget
				if target != nil {
					_ = a.TransitionTo(target)
				}
			}
		},
	})
}

// --- dispatch --------------------------------------------------------------

func (a *Agent) cacheKey(mailboxID uint64, typeKey TypeKey, state *State) uint64 {
	h := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], mailboxID)
	h.Write(buf[:])
	h.Write([]byte(typeKey.String()))
	fmt.Fprintf(h, "%p", state)
	return h.Sum64()
}

// handleDelivery is the closure installed as each subscription's mailbox
// handler: it is called by a dispatcher worker once it dequeues the demand
// this subscription's sink produced.
func (a *Agent) handleDelivery(mailboxID uint64, typeKey TypeKey, env message.Envelope) {
	if atomic.LoadInt32(&a.finished) == 1 {
		return
	}
	a.doDispatch(mailboxID, typeKey, env, nil)
}

func (a *Agent) doDispatch(mailboxID uint64, typeKey TypeKey, env message.Envelope, visited map[*State]bool) {
	ck := a.cacheKey(mailboxID, typeKey, a.leaf)
	if row, ok := a.lookupCache.Get(ck); ok {
		a.invoke(row, env)
		return
	}

	for cur := a.leaf; cur != nil; cur = cur.parent {
		if row, ok := a.findSub(subKey{mailboxID: mailboxID, typeKey: typeKey, state: cur}); ok {
			a.lookupCache.Add(ck, row)
			a.invoke(row, env)
			return
		}
	}

	for cur := a.leaf; cur != nil; cur = cur.parent {
		if target, ok := cur.transferTo[typeKey]; ok {
			if visited == nil {
				visited = make(map[*State]bool)
			}
			if visited[target] {
				if a.logger != nil {
					a.logger.Warn().Uint64("agent_id", a.id).Err(ErrTransferToStateLoop).Msg("agent: dropping message")
				}
				return
			}
			visited[a.leaf] = true
			if err := a.TransitionTo(target); err != nil {
				return
			}
			a.doDispatch(mailboxID, typeKey, env, visited)
			return
		}
	}

	if handler, ok := a.deadletter[subKey{mailboxID: mailboxID, typeKey: typeKey}]; ok {
		handler(env)
		return
	}
	// no subscription, no transfer, no deadletter: ignored per spec.
}

// acquireExclusion enforces the adv_thread_pool scheduling rule: for a given
// agent, any number of thread-safe handlers may run in parallel, but no
// unsafe handler runs while any safe handler is running and no safe handler
// starts while any unsafe handler is running. Dispatchers that never run an
// agent's handlers concurrently (one_thread, active_object, ...) hit no
// contention here and pay only the cost of one CAS.
func (a *Agent) acquireExclusion(threadSafe bool) {
	if threadSafe {
		for {
			if atomic.LoadInt32(&a.unsafeRunning) == 1 {
				runtime.Gosched()
				continue
			}
			atomic.AddInt32(&a.safeRunningCount, 1)
			if atomic.LoadInt32(&a.unsafeRunning) == 1 {
				atomic.AddInt32(&a.safeRunningCount, -1)
				runtime.Gosched()
				continue
			}
			return
		}
	}
	for {
		if atomic.LoadInt32(&a.safeRunningCount) != 0 {
			runtime.Gosched()
			continue
		}
		if atomic.CompareAndSwapInt32(&a.unsafeRunning, 0, 1) {
			return
		}
		runtime.Gosched()
	}
}

func (a *Agent) releaseExclusion(threadSafe bool) {
	if threadSafe {
		atomic.AddInt32(&a.safeRunningCount, -1)
		return
	}
	atomic.StoreInt32(&a.unsafeRunning, 0)
}

func (a *Agent) invoke(row *subscriptionRow, env message.Envelope) {
	ref := env.Inner()
	if ref.Mutability() == message.Mutable {
		if !ref.AcquireHandler() {
			return
		}
		defer ref.ReleaseHandler()
	}

	a.acquireExclusion(row.threadSafe)
	defer a.releaseExclusion(row.threadSafe)

	if row.threadSafe {
		atomic.StoreInt32(&a.inThreadSafeHandler, 1)
		defer atomic.StoreInt32(&a.inThreadSafeHandler, 0)
	} else {
		atomic.StoreInt32(&a.onWorkingThread, 1)
		defer atomic.StoreInt32(&a.onWorkingThread, 0)
	}

	defer func() {
		if r := recover(); r != nil {
			if a.logger != nil {
				a.logger.Error().Uint64("agent_id", a.id).Interface("panic", r).Msg("agent: handler panicked")
			}
			switch a.exceptionReaction {
			case ReactionAbort:
				panic(r)
			default:
				// ShutdownEnvOnException / DeregisterCoopOnException are
				// carried out by the coop/env layers observing the logged
				// event; Ignore simply swallows it here.
			}
		}
	}()

	env.AccessHook(message.HookHandlerFound, func(payload any) {
		row.handler(env)
	})
}

// EvtStart runs the so_evt_start hook. Called by the coop binder once as the
// first scheduled demand for this agent.
func (a *Agent) EvtStart() {
	if a.onStart != nil {
		a.onStart(a)
	}
	a.armTimeLimit(a.leaf)
}

// EvtFinish runs the so_evt_finish hook. Called once the agent's last real
// demand has been processed during deregistration. Subscriptions installed
// from inside onFinish are silently ineffective since finished is already
// set before the hook runs.
func (a *Agent) EvtFinish() {
	atomic.StoreInt32(&a.finished, 1)
	if a.timeLimitHandle != nil {
		a.timeLimitHandle.Release()
	}
	if a.onFinish != nil {
		a.onFinish(a)
	}
}
