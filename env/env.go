/*
Package env implements the top-level Environment: it owns the coop
repository, the mailbox registry, the timer service, the dispatcher layer
(including a default one-thread dispatcher), the stop-guard set, the
event-exception logger, an optional message-delivery tracer, and a registry
of user-installable layers. Launch runs init_fn, blocks until stop, then
drives the ordered shutdown sequence: block new registrations, run
stop-guards, wait for their removal, deregister the root coop's children,
drain the final-dereg chain, shut dispatchers and the timer down, and
return.

Grounded on the teacher's cmd/cmd.go serverCmd shape (construct the app,
start it, block on a signal channel, then call app.Stop()) generalized from
"wait for SIGINT/SIGTERM" into "wait for env.Stop() or autoshutdown", with
fx and the cli framework themselves dropped (see DESIGN.md).
*/
package env

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/webitel/actorkit/coop"
	"github.com/webitel/actorkit/disp/onethread"
	"github.com/webitel/actorkit/mbox"
	"github.com/webitel/actorkit/message"
	"github.com/webitel/actorkit/timer"
)

// Errors surfaced synchronously at the environment boundary.
var (
	ErrStopping         = errors.New("env: new coop registrations are blocked, environment is stopping")
	ErrAlreadyLaunched  = errors.New("env: already launched")
	ErrEmptyMailboxName = errors.New("env: empty mailbox name")
)

// StopGuard delays environment shutdown until removed. Install one before
// starting long-lived background work during init_fn that must not be torn
// down by a premature autoshutdown; remove it once that work can tolerate
// shutdown proceeding.
type StopGuard interface {
	Stop()
}

// Shutdownable is any dispatcher-shaped component the environment tears
// down at stop phase (f). The onethread, nefonethread, threadpool,
// advthreadpool, priothread and priodedicated Dispatchers satisfy this;
// activeobject and activegroup have no Shutdown and stop their workers on
// Unbind instead.
type Shutdownable interface {
	Shutdown()
}

// Layer is a user-installable component with its own start/shutdown/wait
// lifecycle, run alongside the environment's own components.
type Layer interface {
	Start(e *Environment) error
	Shutdown()
	Wait()
}

// TraceFilter decides whether a given envelope's delivery should be traced,
// independent of the individual-trace override carried by the envelope
// itself (see message.HookContext / tracing hooks).
type TraceFilter func(env message.Envelope) bool

// Tracer receives a trace event at each major delivery step, when enabled.
type Tracer interface {
	Trace(step string, env message.Envelope)
}

// Environment is the top-level container described by component 10.
type Environment struct {
	logger  *zerolog.Logger
	onPanic func(recovered any)

	coopRepo     *coop.Repository
	mboxRegistry *mbox.Registry
	timerSvc     *timer.Service

	defaultDispatcher         *onethread.Dispatcher
	defaultDispatcherCapacity int

	dispMu      sync.Mutex
	dispatchers []Shutdownable

	layerMu sync.Mutex
	layers  []Layer

	guardMu    sync.Mutex
	guardCond  *sync.Cond
	stopGuards map[StopGuard]struct{}

	autoshutdownDisabled bool

	tracer      Tracer
	traceFilter TraceFilter

	launchOnce sync.Once
	stopOnce   sync.Once
	stopCh     chan struct{}
	stopping   atomic.Bool

	statsController StatsController
}

// StatsController is the minimal shape the environment drives at
// launch/stop; package stats's Controller satisfies it.
type StatsController interface {
	TurnOn()
	TurnOff()
}

// Option configures an Environment at construction time.
type Option func(*Environment)

func WithLogger(l *zerolog.Logger) Option { return func(e *Environment) { e.logger = l } }

// WithOnPanic installs the event-exception logger's panic sink: every
// recovered handler/notificator/timer panic not already terminal flows
// through here before its configured reaction runs.
func WithOnPanic(fn func(recovered any)) Option { return func(e *Environment) { e.onPanic = fn } }

func WithTimerBackend(b timer.Backend) Option {
	return func(e *Environment) { e.timerSvc = timer.New(b) }
}

func WithDefaultDispatcherCapacity(capacity int) Option {
	return func(e *Environment) { e.defaultDispatcherCapacity = capacity }
}

func WithAutoshutdownDisabled() Option { return func(e *Environment) { e.autoshutdownDisabled = true } }

func WithTracer(t Tracer, filter TraceFilter) Option {
	return func(e *Environment) { e.tracer = t; e.traceFilter = filter }
}

func WithStatsController(sc StatsController) Option {
	return func(e *Environment) { e.statsController = sc }
}

// New constructs an Environment. The default dispatcher, timer service (heap
// backend unless overridden), mailbox registry, and coop repository are all
// built here; nothing runs until Launch.
func New(opts ...Option) *Environment {
	e := &Environment{
		mboxRegistry:              mbox.NewRegistry(),
		stopGuards:                make(map[StopGuard]struct{}),
		stopCh:                    make(chan struct{}),
		defaultDispatcherCapacity: 256,
	}
	e.guardCond = sync.NewCond(&e.guardMu)
	for _, opt := range opts {
		opt(e)
	}
	if e.onPanic == nil {
		e.onPanic = e.defaultOnPanic
	}
	if e.timerSvc == nil {
		e.timerSvc = timer.New(timer.BackendHeap)
	}
	e.coopRepo = coop.NewRepository(e.logger, e.onPanic)
	e.coopRepo.SetOnIdle(e.onCoopRepoIdle)
	e.defaultDispatcher = onethread.New(e.defaultDispatcherCapacity, e.onPanic)
	e.dispatchers = append(e.dispatchers, e.defaultDispatcher)
	return e
}

func (e *Environment) defaultOnPanic(recovered any) {
	if e.logger != nil {
		e.logger.Error().Interface("panic", recovered).Msg("env: handler panicked")
	}
}

// DefaultDispatcher returns the environment's built-in one_thread
// dispatcher, convenient for agents that don't need a dedicated dispatcher.
func (e *Environment) DefaultDispatcher() *onethread.Dispatcher { return e.defaultDispatcher }

// MailboxRegistry returns the named-mailbox registry.
func (e *Environment) MailboxRegistry() *mbox.Registry { return e.mboxRegistry }

// Timer returns the timer service.
func (e *Environment) Timer() *timer.Service { return e.timerSvc }

// CoopRepository returns the coop repository.
func (e *Environment) CoopRepository() *coop.Repository { return e.coopRepo }

// CreateMbox builds a fresh anonymous MPMC mailbox.
func (e *Environment) CreateMbox() *mbox.MPMC { return mbox.NewMPMC("") }

// CreateNamedMbox builds (or looks up) a named MPMC mailbox in the default
// namespace.
func (e *Environment) CreateNamedMbox(name string) (mbox.Mailbox, error) {
	if name == "" {
		return nil, ErrEmptyMailboxName
	}
	return e.mboxRegistry.IntroduceNamedMbox("", name, func() mbox.Mailbox { return mbox.NewMPMC(name) })
}

// IntroduceNamedMbox idempotently registers a mailbox built by factory under
// (namespace, name); the factory runs at most once for a given key.
func (e *Environment) IntroduceNamedMbox(namespace, name string, factory func() mbox.Mailbox) (mbox.Mailbox, error) {
	return e.mboxRegistry.IntroduceNamedMbox(namespace, name, factory)
}

// InstallDispatcher registers a dispatcher for shutdown at stop phase (f);
// use this for any dispatcher beyond the built-in default one.
func (e *Environment) InstallDispatcher(d Shutdownable) {
	e.dispMu.Lock()
	e.dispatchers = append(e.dispatchers, d)
	e.dispMu.Unlock()
}

// InstallLayer starts l immediately and registers it for shutdown/wait at
// stop phase (f), in reverse installation order.
func (e *Environment) InstallLayer(l Layer) error {
	if err := l.Start(e); err != nil {
		return err
	}
	e.layerMu.Lock()
	e.layers = append(e.layers, l)
	e.layerMu.Unlock()
	return nil
}

// RegisterCoop registers a coop under parent (root if nil). Rejected with
// ErrStopping once the environment has begun its stop sequence.
func (e *Environment) RegisterCoop(parent *coop.Coop, specs []coop.AgentSpec, opts ...coop.Option) (*coop.Coop, error) {
	if e.isStopping() {
		return nil, ErrStopping
	}
	return e.coopRepo.RegisterCoop(parent, specs, opts...)
}

// DeregisterCoop begins deregistering c for reason.
func (e *Environment) DeregisterCoop(c *coop.Coop, reason string) error {
	return e.coopRepo.DeregisterCoop(c, reason)
}

// SetupStopGuard installs g, delaying shutdown completion until every
// installed guard is removed via RemoveStopGuard.
func (e *Environment) SetupStopGuard(g StopGuard) {
	e.guardMu.Lock()
	e.stopGuards[g] = struct{}{}
	e.guardMu.Unlock()
}

// RemoveStopGuard removes g. Once the guard set is empty, any stop sequence
// waiting at phase (c) proceeds.
func (e *Environment) RemoveStopGuard(g StopGuard) {
	e.guardMu.Lock()
	delete(e.stopGuards, g)
	empty := len(e.stopGuards) == 0
	e.guardMu.Unlock()
	if empty {
		e.guardCond.Broadcast()
	}
}

func (e *Environment) isStopping() bool { return e.stopping.Load() }

// Trace emits a trace event through the installed tracer, when one is set
// and the filter (if any) accepts env; an envelope forced for tracing skips
// the filter. No package in this module calls Trace: mailbox delivery, limit
// reactions and request_future emit no trace events themselves, so events
// are produced only where application code calls it.
func (e *Environment) Trace(step string, env message.Envelope) {
	if e.tracer == nil {
		return
	}
	forced := env.Inner().IsForcedForTrace()
	if !forced && e.traceFilter != nil && !e.traceFilter(env) {
		return
	}
	e.tracer.Trace(step, env)
}

// Stop begins the stop sequence if it has not already begun. Safe to call
// more than once and from any goroutine, including from inside a handler.
func (e *Environment) Stop() {
	e.stopOnce.Do(func() {
		e.stopping.Store(true)
		close(e.stopCh)
	})
}

func (e *Environment) onCoopRepoIdle() {
	if e.autoshutdownDisabled {
		return
	}
	e.Stop()
}

// Launch runs init_fn(env), then blocks until Stop is called (explicitly or
// via autoshutdown), then drives the ordered shutdown sequence described by
// spec.md section 4.7. Returns once every phase has completed. Calling
// Launch twice on the same Environment returns ErrAlreadyLaunched.
func (e *Environment) Launch(initFn func(e *Environment)) error {
	launched := false
	e.launchOnce.Do(func() { launched = true })
	if !launched {
		return ErrAlreadyLaunched
	}

	guard, err := e.coopRepo.RegisterCoop(nil, nil)
	if err != nil {
		return err
	}

	initFn(e)

	_ = e.coopRepo.DeregisterCoop(guard, "init complete")

	<-e.stopCh

	e.runStopSequence()
	return nil
}

func (e *Environment) runStopSequence() {
	// (a) already done: isStopping() now reports true, RegisterCoop refuses.

	// (b) invoke each stop-guard's stop().
	e.guardMu.Lock()
	guards := make([]StopGuard, 0, len(e.stopGuards))
	for g := range e.stopGuards {
		guards = append(guards, g)
	}
	e.guardMu.Unlock()
	for _, g := range guards {
		g.Stop()
	}

	// (c) wait until guards are removed.
	e.guardMu.Lock()
	for len(e.stopGuards) > 0 {
		e.guardCond.Wait()
	}
	e.guardMu.Unlock()

	// (d) deregister root coop's children.
	root := e.coopRepo.Root()
	children := root.Children()
	for _, child := range children {
		_ = e.coopRepo.DeregisterCoop(child, "environment stopping")
	}

	// (e) drain the final-dereg chain: wait for every one of those children
	// (and anything they in turn fully destroy) to finish.
	for _, child := range children {
		<-child.Done()
	}

	// (f) shut dispatchers, layers, stats, and the timer down.
	e.layerMu.Lock()
	layers := append([]Layer(nil), e.layers...)
	e.layerMu.Unlock()
	for i := len(layers) - 1; i >= 0; i-- {
		layers[i].Shutdown()
	}
	for i := len(layers) - 1; i >= 0; i-- {
		layers[i].Wait()
	}

	if e.statsController != nil {
		e.statsController.TurnOff()
	}

	e.dispMu.Lock()
	dispatchers := append([]Shutdownable(nil), e.dispatchers...)
	e.dispMu.Unlock()
	for _, d := range dispatchers {
		d.Shutdown()
	}

	e.timerSvc.Stop()
	e.coopRepo.Shutdown()

	// (g) destroy registry: nothing left to release beyond what the GC
	// already reclaims once the last reference to mboxRegistry drops, so this
	// phase does no work.
}
