/*
Package stats implements the stats controller: a periodically-run walk over
a registered list of stat sources (agent counts, queue depths, per-dispatcher
work/wait activity) that delivers one quantity message per sample into a
stats mailbox, bracketed by distribution_started/distribution_finished
signals, plus the Prometheus gauge export. The message-delivery tracer lives
in package env (Environment.Trace), not here.

Grounded on the teacher's Hub.runEvictor/performEviction shape
(internal/domain/registry/hub.go): a ticker-driven background goroutine that
walks a registry and reports what it found, generalized here from "count
reaped idle cells" to "walk arbitrary named stat sources and publish a
sample for each".
*/
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/webitel/actorkit/disp"
	"github.com/webitel/actorkit/mbox"
	"github.com/webitel/actorkit/message"
)

// DistributionStarted and DistributionFinished bracket one sweep of every
// registered stat source; they are delivered as signals to the stats
// mailbox before and after the sweep's samples.
type DistributionStarted struct{}
type DistributionFinished struct{}

func (DistributionStarted) isSignal()  {}
func (DistributionFinished) isSignal() {}

// Quantity is one named sample produced by a stat source during a sweep.
type Quantity struct {
	Source string
	Name   string
	Value  float64
}

// Sample is a single (name, value) pair a stat source reports.
type Sample struct {
	Name  string
	Value float64
}

// Source is a named stat source walked on every distribution sweep. A
// source may report more than one sample (e.g. an activity source reporting
// both work count and work time).
type Source interface {
	Name() string
	Samples() []Sample
}

// sourceFunc adapts a plain sampling function into a Source with a fixed
// name and single sample.
type sourceFunc struct {
	name string
	fn   func() float64
}

func (s sourceFunc) Name() string { return s.name }
func (s sourceFunc) Samples() []Sample {
	return []Sample{{Name: s.name, Value: s.fn()}}
}

// NewGaugeSource wraps a single numeric callback (e.g. live agent count,
// mailbox queue depth) into a Source.
func NewGaugeSource(name string, fn func() float64) Source {
	return sourceFunc{name: name, fn: fn}
}

// ActivitySnapshotter is satisfied by any dispatcher exposing its
// disp.ActivityStats snapshot through Stats() (the onethread, nefonethread
// and priothread Dispatchers; the activeobject and priodedicated Stats
// methods take a key argument and do not).
type ActivitySnapshotter interface {
	Stats() disp.Snapshot
}

// activitySource reports four samples per sweep from one dispatcher's
// activity snapshot: work_count, work_time_ms, wait_count, wait_time_ms.
type activitySource struct {
	name string
	snap func() disp.Snapshot
}

// NewActivitySource builds a Source around a dispatcher's activity snapshot
// function, typically `d.Stats` for a dispatcher exposing disp.ActivityStats.
func NewActivitySource(name string, snap func() disp.Snapshot) Source {
	return activitySource{name: name, snap: snap}
}

func (s activitySource) Name() string { return s.name }

func (s activitySource) Samples() []Sample {
	snap := s.snap()
	return []Sample{
		{Name: "work_count", Value: float64(snap.WorkCount)},
		{Name: "work_time_ms", Value: float64(snap.WorkTime.Milliseconds())},
		{Name: "wait_count", Value: float64(snap.WaitCount)},
		{Name: "wait_time_ms", Value: float64(snap.WaitTime.Milliseconds())},
	}
}

// Controller periodically walks its registered sources, publishing one
// Quantity message per sample to the stats mailbox and exporting the same
// samples as Prometheus gauges. TurnOn/TurnOff start and stop the background
// sweep; both are idempotent and safe to call from any goroutine.
type Controller struct {
	mailbox  mbox.Mailbox
	interval time.Duration
	logger   *zerolog.Logger

	gaugeVec *prometheus.GaugeVec

	mu      sync.Mutex
	sources map[string]Source

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithLogger installs the logger used for sweep-failure diagnostics.
func WithLogger(l *zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithRegisterer installs the Prometheus registerer the controller's gauge
// vector is registered against; defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Controller) {
		c.gaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "actorkit",
			Subsystem: "stats",
			Name:      "quantity",
			Help:      "Last sampled value of a stat source's named quantity.",
		}, []string{"source", "name"})
		if reg != nil {
			_ = reg.Register(c.gaugeVec)
		}
	}
}

// New builds a Controller delivering quantity/distribution messages to mb
// on a fixed interval once TurnOn is called.
func New(mb mbox.Mailbox, interval time.Duration, opts ...Option) *Controller {
	c := &Controller{
		mailbox:  mb,
		interval: interval,
		sources:  make(map[string]Source),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.gaugeVec == nil {
		WithRegisterer(prometheus.DefaultRegisterer)(c)
	}
	return c
}

// AddSource registers a stat source under name, replacing any source
// previously registered under the same name.
func (c *Controller) AddSource(name string, s Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = s
}

// RemoveSource unregisters the stat source previously added under name.
func (c *Controller) RemoveSource(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, name)
}

// TurnOn starts the periodic distribution sweep. A second call while
// already running is a no-op, matching spec.md section 4.9's turn_on/
// turn_off pair.
func (c *Controller) TurnOn() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	go c.loop(ctx, c.done)
}

// TurnOff stops the periodic distribution sweep and waits for the current
// sweep, if any, to finish. Safe to call when not running.
func (c *Controller) TurnOff() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	cancel := c.cancel
	done := c.done
	c.running = false
	c.runMu.Unlock()

	cancel()
	<-done
}

func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep runs one distribution cycle: distribution_started, every source's
// samples concurrently collected and delivered (plus gauge export), then
// distribution_finished. Collection runs concurrently across sources but
// delivery of each source's samples is sequenced after that source's
// Samples() call returns, so one slow source cannot delay another's report.
func (c *Controller) sweep(ctx context.Context) {
	c.deliverSignal(DistributionStarted{})

	c.mu.Lock()
	sources := make([]Source, 0, len(c.sources))
	for _, s := range c.sources {
		sources = append(sources, s)
	}
	c.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, s := range sources {
		s := s
		g.Go(func() error {
			c.reportOne(s)
			return nil
		})
	}
	if err := g.Wait(); err != nil && c.logger != nil {
		c.logger.Error().Err(err).Msg("stats: distribution sweep failed")
	}

	c.deliverSignal(DistributionFinished{})
}

func (c *Controller) reportOne(s Source) {
	for _, sample := range s.Samples() {
		c.gaugeVec.WithLabelValues(s.Name(), sample.Name).Set(sample.Value)
		q := Quantity{Source: s.Name(), Name: sample.Name, Value: sample.Value}
		ref := message.NewRef(q, message.Immutable)
		if err := c.mailbox.Deliver(mbox.ModeNonblocking, message.NewPlainEnvelope(ref), 0); err != nil && c.logger != nil {
			c.logger.Warn().Err(err).Str("source", s.Name()).Str("quantity", sample.Name).Msg("stats: quantity delivery failed")
		}
	}
}

func (c *Controller) deliverSignal(sig message.Signal) {
	ref := message.NewSignalRef(sig)
	if err := c.mailbox.Deliver(mbox.ModeNonblocking, message.NewPlainEnvelope(ref), 0); err != nil && c.logger != nil {
		c.logger.Warn().Err(err).Msg("stats: distribution bracket signal delivery failed")
	}
}
