/*
Package coop implements cooperation lifecycle: a two-phase binder-driven
registration transaction, parent/child coop trees, the deregistration
sequence (mark started, drain children, wait for every agent's evt_finish,
unbind), and the final-dereg chain - a single dedicated goroutine that
destroys agents and releases user resources off of any dispatcher worker,
preserving child-before-parent unwinding order.

Grounded on the teacher's infra/client/di/module.go fx.Hook{OnStart, OnStop}
pattern, generalized (with fx itself dropped - see DESIGN.md) into the
binder's preallocate/bind/undo_preallocation/unbind four-method protocol,
and on amqp.NewWatermillRouter's "start a goroutine, register a stop hook
that closes it" shape, generalized into the final-dereg chain's dedicated
drainer goroutine.
*/
package coop

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/webitel/actorkit/agent"
	"github.com/webitel/actorkit/disp"
	"github.com/webitel/actorkit/internal/primitives"
	"github.com/webitel/actorkit/message"
)

// ID identifies one coop within its environment's repository.
type ID uint64

var (
	// ErrParentUnavailable is returned by RegisterCoop when the designated
	// parent is not in the registered state - either its own registration
	// transaction has not committed yet, or it is already deregistering.
	ErrParentUnavailable = errors.New("coop: parent not available for registration")
)

type lifecycle int32

const (
	beingRegistered lifecycle = iota
	registered
	deregistrationStarted
	childrenDrained
	agentsFinished
	inFinalDeregChain
	destroyed
)

// AgentSpec pairs one agent with the binder servicing it and the
// so_define_agent step (subscription setup) run once every agent in the
// coop has preallocated successfully.
type AgentSpec struct {
	Agent  *agent.Agent
	Binder disp.Binder
	Define func(a *agent.Agent) error
}

// RegistrationNotificator fires once, noexcept, immediately after a coop
// commits registration.
type RegistrationNotificator func(c *Coop)

// DeregistrationNotificator fires once, noexcept, from the final-dereg
// chain drainer, before a coop's agents and user resources are destroyed.
type DeregistrationNotificator func(c *Coop, reason string)

// Coop is one cooperation: a set of agents registered and deregistered as a
// unit, owning user resources released in reverse takeover order, and
// optionally parenting child coops.
type Coop struct {
	id     ID
	parent *Coop
	repo   *Repository

	mu       sync.Mutex
	specs    []AgentSpec
	children map[ID]*Coop

	userResources []func()

	regNotificators   []RegistrationNotificator
	deregNotificators []DeregistrationNotificator

	state           int32 // atomic lifecycle
	pendingChildren int32 // atomic count of children not yet fully destroyed
	pendingAgents   int32 // atomic count of this coop's own agents not yet past evt_finish
	readyLatch      int32 // atomic CAS guard: fires readyForFinalChain at most once
	deregReason     string

	done chan struct{} // closed once this coop reaches destroyed
}

func (c *Coop) ID() ID        { return c.id }
func (c *Coop) Parent() *Coop { return c.parent }

// Done closes once this coop reaches the destroyed state.
func (c *Coop) Done() <-chan struct{} { return c.done }

// Agents returns the agents registered in this coop.
func (c *Coop) Agents() []*agent.Agent {
	out := make([]*agent.Agent, len(c.specs))
	for i, s := range c.specs {
		out[i] = s.Agent
	}
	return out
}

// Children returns the coop's currently-registered child coops.
func (c *Coop) Children() []*Coop {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Coop, 0, len(c.children))
	for _, child := range c.children {
		out = append(out, child)
	}
	return out
}

// TakeOwnership registers a release callback run during this coop's
// destruction, in the reverse order resources were taken over - last taken,
// first released.
func (c *Coop) TakeOwnership(release func()) {
	c.mu.Lock()
	c.userResources = append(c.userResources, release)
	c.mu.Unlock()
}

func (c *Coop) releaseUserResources() {
	c.mu.Lock()
	resources := c.userResources
	c.mu.Unlock()
	for i := len(resources) - 1; i >= 0; i-- {
		resources[i]()
	}
}

// Option configures a Coop at registration time.
type Option func(*Coop)

func WithRegistrationNotificator(n RegistrationNotificator) Option {
	return func(c *Coop) { c.regNotificators = append(c.regNotificators, n) }
}

func WithDeregistrationNotificator(n DeregistrationNotificator) Option {
	return func(c *Coop) { c.deregNotificators = append(c.deregNotificators, n) }
}

// Repository owns every coop registered in one environment: id assignment,
// the root coop, and the final-dereg chain's dedicated drainer goroutine.
type Repository struct {
	logger  *zerolog.Logger
	onPanic func(recovered any)

	mu     sync.Mutex
	nextID uint64
	root   *Coop
	byID   map[ID]*Coop

	liveCount int64 // atomic

	chainMu     sync.Mutex
	chain       []*Coop
	drainSignal chan struct{}
	drainStopCh chan struct{}
	drainDone   chan struct{}

	idleMu sync.Mutex
	onIdle func()
}

// SetOnIdle installs a callback run whenever the count of non-root
// registered coops drops to zero as a result of a deregistration reaching
// the final-dereg chain. Used by the environment layer to implement
// autoshutdown.
func (r *Repository) SetOnIdle(fn func()) {
	r.idleMu.Lock()
	r.onIdle = fn
	r.idleMu.Unlock()
}

// NewRepository starts the final-dereg chain drainer and returns a
// repository with a root coop already registered.
func NewRepository(logger *zerolog.Logger, onPanic func(recovered any)) *Repository {
	r := &Repository{
		logger:      logger,
		onPanic:     onPanic,
		byID:        make(map[ID]*Coop),
		drainSignal: make(chan struct{}, 1),
		drainStopCh: make(chan struct{}),
		drainDone:   make(chan struct{}),
	}
	r.root = &Coop{repo: r, children: make(map[ID]*Coop), done: make(chan struct{})}
	atomic.StoreInt32(&r.root.state, int32(registered))
	r.byID[0] = r.root
	go r.runDrainer()
	return r
}

func (r *Repository) Root() *Coop          { return r.root }
func (r *Repository) LiveCoopCount() int64 { return atomic.LoadInt64(&r.liveCount) }

func (r *Repository) allocID() ID { return ID(atomic.AddUint64(&r.nextID, 1)) }

// RegisterCoop runs the full two-phase registration transaction: preallocate
// every agent's binder resources (rolling back in reverse on any failure),
// run so_define_agent, bind, link into parent, fire registration
// notificators, then enqueue each agent's evt_start.
func (r *Repository) RegisterCoop(parent *Coop, specs []AgentSpec, opts ...Option) (*Coop, error) {
	if parent == nil {
		parent = r.root
	}
	if lifecycle(atomic.LoadInt32(&parent.state)) != registered {
		return nil, ErrParentUnavailable
	}

	c := &Coop{
		parent:   parent,
		repo:     r,
		specs:    specs,
		children: make(map[ID]*Coop),
		state:    int32(beingRegistered),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := preallocateAll(specs); err != nil {
		return nil, err
	}

	if err := defineAll(specs); err != nil {
		undoAll(specs)
		return nil, err
	}

	for _, spec := range specs {
		spec.Binder.Bind(spec.Agent)
	}

	parent.mu.Lock()
	if lifecycle(atomic.LoadInt32(&parent.state)) != registered {
		parent.mu.Unlock()
		undoAll(specs)
		return nil, ErrParentUnavailable
	}
	c.id = r.allocID()
	parent.children[c.id] = c
	parent.mu.Unlock()

	r.mu.Lock()
	r.byID[c.id] = c
	r.mu.Unlock()

	atomic.StoreInt32(&c.state, int32(registered))
	atomic.AddInt64(&r.liveCount, 1)

	r.fireRegistrationNotificators(c)

	for _, spec := range specs {
		spec := spec
		_ = spec.Agent.Push(&message.Demand{Handler: func(message.Envelope) {
			spec.Agent.EvtStart()
		}})
	}

	if r.logger != nil {
		r.logger.Debug().Uint64("coop_id", uint64(c.id)).Int("agents", len(specs)).Msg("coop: registered")
	}
	return c, nil
}

func preallocateAll(specs []AgentSpec) error {
	var g errgroup.Group
	var mu sync.Mutex
	var done []AgentSpec
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			if err := spec.Binder.PreallocateResources(spec.Agent); err != nil {
				return err
			}
			mu.Lock()
			done = append(done, spec)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for i := len(done) - 1; i >= 0; i-- {
			done[i].Binder.UndoPreallocation(done[i].Agent)
		}
		return err
	}
	return nil
}

func defineAll(specs []AgentSpec) error {
	for _, spec := range specs {
		if spec.Define == nil {
			continue
		}
		if err := spec.Define(spec.Agent); err != nil {
			return err
		}
	}
	return nil
}

func undoAll(specs []AgentSpec) {
	for i := len(specs) - 1; i >= 0; i-- {
		specs[i].Binder.UndoPreallocation(specs[i].Agent)
	}
}

func (r *Repository) fireRegistrationNotificators(c *Coop) {
	for _, n := range c.regNotificators {
		n := n
		func() {
			defer primitives.AbortIfPanics(r.onPanic)
			n(c)
		}()
	}
}

// DeregisterCoop begins deregistering c for reason. Re-entrant: a coop
// already past registered is a no-op. Deregistering a coop still mid its own
// registration transaction fails with ErrParentUnavailable.
//
// Per the lifecycle: this coop's own agents are pushed their evt_finish
// demand first, then child deregistration is kicked off; neither waits for
// the other - both proceed concurrently. Only once every child has fully destroyed (through its own
// final-dereg-chain pass) AND every one of this coop's own agents has run
// evt_finish does this coop unbind and join the final-dereg chain itself, so
// a parent can never be appended to the chain ahead of a child still
// draining.
func (r *Repository) DeregisterCoop(c *Coop, reason string) error {
	if !atomic.CompareAndSwapInt32(&c.state, int32(registered), int32(deregistrationStarted)) {
		if lifecycle(atomic.LoadInt32(&c.state)) == beingRegistered {
			return ErrParentUnavailable
		}
		return nil
	}
	c.deregReason = reason

	c.mu.Lock()
	children := make([]*Coop, 0, len(c.children))
	for _, child := range c.children {
		children = append(children, child)
	}
	c.mu.Unlock()

	atomic.StoreInt32(&c.pendingChildren, int32(len(children)))
	atomic.StoreInt32(&c.pendingAgents, int32(len(c.specs)))

	// This coop's own agents are enqueued for evt_finish before child
	// deregistration is kicked off; the two proceed concurrently from here
	// (the framework makes no ordering promise between them), but under a
	// synchronous or single-worker dispatcher this ordering gives every one
	// of this coop's own agents a head start over its descendants' teardown,
	// matching the lifecycle's "this coop's own agents finish independently
	// of its children" contract.
	for _, spec := range c.specs {
		spec := spec
		_ = spec.Agent.Push(&message.Demand{Handler: func(message.Envelope) {
			spec.Agent.EvtFinish()
			if atomic.AddInt32(&c.pendingAgents, -1) == 0 {
				atomic.StoreInt32(&c.state, int32(agentsFinished))
				r.maybeReady(c)
			}
		}})
	}

	for _, child := range children {
		child := child
		go func() {
			_ = r.DeregisterCoop(child, reason)
			<-child.done
			if atomic.AddInt32(&c.pendingChildren, -1) == 0 {
				atomic.StoreInt32(&c.state, int32(childrenDrained))
				r.maybeReady(c)
			}
		}()
	}

	// Covers the leaf case: no children and no agents means both counters
	// start at zero and neither callback above will ever fire.
	r.maybeReady(c)
	return nil
}

func (r *Repository) maybeReady(c *Coop) {
	if atomic.LoadInt32(&c.pendingChildren) != 0 || atomic.LoadInt32(&c.pendingAgents) != 0 {
		return
	}
	if !atomic.CompareAndSwapInt32(&c.readyLatch, 0, 1) {
		return
	}
	for _, spec := range c.specs {
		spec.Binder.Unbind(spec.Agent)
	}
	r.appendToFinalDeregChain(c)
}

func (r *Repository) appendToFinalDeregChain(c *Coop) {
	atomic.StoreInt32(&c.state, int32(inFinalDeregChain))
	r.chainMu.Lock()
	r.chain = append(r.chain, c)
	r.chainMu.Unlock()
	select {
	case r.drainSignal <- struct{}{}:
	default:
	}
}

func (r *Repository) runDrainer() {
	defer close(r.drainDone)
	for {
		select {
		case <-r.drainStopCh:
			r.drainPending()
			return
		case <-r.drainSignal:
			r.drainPending()
		}
	}
}

func (r *Repository) drainPending() {
	r.chainMu.Lock()
	pending := r.chain
	r.chain = nil
	r.chainMu.Unlock()

	for _, c := range pending {
		r.drainOne(c)
	}
}

func (r *Repository) drainOne(c *Coop) {
	for _, n := range c.deregNotificators {
		n := n
		func() {
			defer primitives.AbortIfPanics(r.onPanic)
			n(c, c.deregReason)
		}()
	}

	c.releaseUserResources()

	if c.parent != nil {
		c.parent.mu.Lock()
		delete(c.parent.children, c.id)
		c.parent.mu.Unlock()
	}
	r.mu.Lock()
	delete(r.byID, c.id)
	r.mu.Unlock()

	atomic.StoreInt32(&c.state, int32(destroyed))
	remaining := atomic.AddInt64(&r.liveCount, -1)
	close(c.done)

	if r.logger != nil {
		r.logger.Debug().Uint64("coop_id", uint64(c.id)).Str("reason", c.deregReason).Msg("coop: destroyed")
	}

	if remaining == 0 {
		r.idleMu.Lock()
		onIdle := r.onIdle
		r.idleMu.Unlock()
		if onIdle != nil {
			onIdle()
		}
	}
}

// Shutdown stops the final-dereg chain drainer once any remaining entries
// have drained.
func (r *Repository) Shutdown() {
	close(r.drainStopCh)
	<-r.drainDone
}
