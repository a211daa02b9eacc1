package env

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/webitel/actorkit/agent"
	"github.com/webitel/actorkit/coop"
	"github.com/webitel/actorkit/disp/onethread"
)

func newTestAgent(t *testing.T) *agent.Agent {
	t.Helper()
	a, err := agent.New(agent.NewState("root"))
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return a
}

// testBinder wraps an *onethread.Dispatcher as a disp.Binder for test agents.
type testBinder struct{ d *onethread.Dispatcher }

func (b testBinder) PreallocateResources(a *agent.Agent) error { return nil }
func (b testBinder) Bind(a *agent.Agent)                       { b.d.Bind(a) }
func (b testBinder) UndoPreallocation(a *agent.Agent)          {}
func (b testBinder) Unbind(a *agent.Agent)                     {}

func TestLaunchAutoshutdownWhenNoCoopIsEverRegistered(t *testing.T) {
	e := New()

	done := make(chan struct{})
	go func() {
		_ = e.Launch(func(e *Environment) {})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected autoshutdown once init_fn registers nothing and the guard coop is removed")
	}
}

func TestLaunchWaitsForRegisteredCoopBeforeAutoshutdown(t *testing.T) {
	e := New()

	d := onethread.New(8, nil)

	launchDone := make(chan struct{})
	var userCoop *coop.Coop
	go func() {
		_ = e.Launch(func(e *Environment) {
			a := newTestAgent(t)
			c, err := e.RegisterCoop(nil, []coop.AgentSpec{{Agent: a, Binder: testBinder{d: d}}})
			if err != nil {
				t.Errorf("register coop: %v", err)
				return
			}
			userCoop = c
		})
		close(launchDone)
	}()

	// Give the guard coop time to be removed; the environment must not
	// autoshutdown while the user coop is still registered.
	select {
	case <-launchDone:
		t.Fatal("environment shut down despite a live user coop")
	case <-time.After(150 * time.Millisecond):
	}

	if err := e.DeregisterCoop(userCoop, "test done"); err != nil {
		t.Fatalf("deregister user coop: %v", err)
	}

	select {
	case <-launchDone:
	case <-time.After(time.Second):
		t.Fatal("expected autoshutdown once the only user coop deregisters")
	}
	d.Shutdown()
}

// slowGuard records when Stop was invoked and removes itself from the
// environment after a short delay, simulating a periodic agent that keeps
// producing for a while after stop() is requested.
type slowGuard struct {
	env     *Environment
	mu      sync.Mutex
	stopped bool
	ticks   int32
}

func (g *slowGuard) Stop() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	go func() {
		deadline := time.Now().Add(100 * time.Millisecond)
		for time.Now().Before(deadline) {
			atomic.AddInt32(&g.ticks, 1)
			time.Sleep(10 * time.Millisecond)
		}
		g.env.RemoveStopGuard(g)
	}()
}

func TestStopGuardHoldsShutdownUntilRemoved(t *testing.T) {
	e := New()
	g := &slowGuard{env: e}
	e.SetupStopGuard(g)

	launchDone := make(chan struct{})
	go func() {
		_ = e.Launch(func(e *Environment) {})
		close(launchDone)
	}()

	// Allow the guard coop to register/deregister so autoshutdown would
	// otherwise fire immediately; then explicitly stop.
	time.Sleep(20 * time.Millisecond)
	e.Stop()

	select {
	case <-launchDone:
		t.Fatal("environment terminated while the stop-guard was still installed")
	case <-time.After(60 * time.Millisecond):
	}

	select {
	case <-launchDone:
	case <-time.After(time.Second):
		t.Fatal("expected the environment to terminate shortly after the guard removed itself")
	}

	if atomic.LoadInt32(&g.ticks) == 0 {
		t.Fatal("expected the guard to have produced at least one tick while shutdown was held")
	}
}

func TestRegisterCoopRejectedOnceStopping(t *testing.T) {
	e := New()
	e.Stop()
	// Drive Launch synchronously since Stop was already called before it ran;
	// Launch still registers/deregisters the guard coop then observes stopCh
	// already closed.
	done := make(chan struct{})
	go func() {
		_ = e.Launch(func(e *Environment) {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected launch to complete promptly once Stop was already called")
	}

	a := newTestAgent(t)
	d := onethread.New(8, nil)
	defer d.Shutdown()
	if _, err := e.RegisterCoop(nil, []coop.AgentSpec{{Agent: a, Binder: testBinder{d: d}}}); err != ErrStopping {
		t.Fatalf("expected ErrStopping after the environment began shutting down, got %v", err)
	}
}

func TestCreateNamedMboxIsIdempotent(t *testing.T) {
	e := New()

	m1, err := e.CreateNamedMbox("orders")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	m2, err := e.CreateNamedMbox("orders")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if m1.ID() != m2.ID() {
		t.Fatalf("expected the same mailbox id for repeated CreateNamedMbox calls, got %d and %d", m1.ID(), m2.ID())
	}
}
