package env

import "sync"

// Wrapped is a RAII-flavored wrapper around Environment: construction starts
// Launch on a background goroutine and blocks until init_fn has returned, so
// the caller gets back a running Environment synchronously instead of
// managing the Launch goroutine itself; Close drives the stop sequence and
// blocks until it has fully completed.
//
// Grounded on so_5::wrapped_env_t's acquire-on-construct/release-on-destruct
// shape, translated from C++ RAII into Go's explicit Close the same way the
// teacher's connect.Close is an explicit sync.Once-guarded method rather
// than a destructor.
type Wrapped struct {
	env       *Environment
	done      chan struct{}
	closeOnce sync.Once
}

// NewWrapped constructs an Environment from opts, launches it with initFn,
// and returns once initFn has completed. Close must be called to stop the
// environment and release the launch goroutine (further calls are
// harmless); a host program
// that never calls Close will leak that goroutine, same as never calling
// Environment.Stop on a directly-driven Launch.
func NewWrapped(initFn func(e *Environment), opts ...Option) *Wrapped {
	e := New(opts...)
	ready := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = e.Launch(func(e *Environment) {
			if initFn != nil {
				initFn(e)
			}
			close(ready)
		})
	}()

	<-ready
	return &Wrapped{env: e, done: done}
}

// Environment returns the wrapped Environment, for registering further coops
// or layers after construction.
func (w *Wrapped) Environment() *Environment { return w.env }

// Close stops the environment and blocks until its stop sequence has fully
// completed. Safe to call more than once; only the first call has effect.
func (w *Wrapped) Close() {
	w.closeOnce.Do(func() {
		w.env.Stop()
	})
	<-w.done
}
