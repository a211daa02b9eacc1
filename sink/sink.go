/*
Package sink implements the message sink: the binding between a mailbox
delivery and one subscriber agent's event queue, with an optional per-type
message-limit control block and its overlimit reactions.

Grounded on the teacher's connect.handleBackpressure (drop-on-full,
priority-aware eviction, internal/domain/registry/connect.go), generalized
from "one hardcoded eviction policy" into a configurable overlimit-reaction
table (drop / abort_app / redirect / transform / log_then_abort_app), and on
connect.Close's sync.Once-guarded idempotent teardown for abort_app's
process-terminating path.
*/
package sink

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/webitel/actorkit/message"
)

// Priority is exposed as an explicit constructor parameter on every sink,
// never a package constant the caller can't override - per the framework's
// own design note: the priority of a custom sink must be a configurable
// option, not guessed.
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityLow
	PriorityHigh
)

// Sink binds a subscriber agent to a per-type runtime and accepts pushed
// demands on the delivering goroutine.
type Sink interface {
	Priority() Priority
	// PushEvent is called by a mailbox performing delivery.
	// demand.RedirectionDepth is the redirection depth accumulated so far;
	// implementations that redirect or transform must increment it and
	// enforce the cap themselves.
	PushEvent(demand *message.Demand, push func(*message.Demand) error) error
}

// Plain is a sink with no limit tracking: every push is forwarded
// unconditionally to the agent's event queue.
type Plain struct {
	priority Priority
}

// New builds a Plain sink with an explicit, caller-chosen priority.
func New(priority Priority) *Plain { return &Plain{priority: priority} }

func (p *Plain) Priority() Priority { return p.priority }

func (p *Plain) PushEvent(demand *message.Demand, push func(*message.Demand) error) error {
	return push(demand)
}

// OverlimitKind selects which reaction a Limited sink takes once its control
// block's counter would exceed the configured limit.
type OverlimitKind uint8

const (
	OverlimitDrop OverlimitKind = iota
	OverlimitAbortApp
	OverlimitRedirect
	OverlimitTransform
	OverlimitLogThenAbortApp
)

// RedirectTargetFunc resolves the mailbox to redirect an overlimit demand
// into, given the demand that triggered the reaction.
type RedirectTargetFunc func(demand *message.Demand) equeueTarget

// TransformFunc produces a replacement (target, type, payload) triple for
// the transform overlimit reaction. A nil payload (with ok=false) means "no
// replacement", in which case the message is dropped instead of recursing -
// matching the spec's "transformer must yield either a transformed-message
// value or an optional thereof."
type TransformFunc func(demand *message.Demand) (target equeueTarget, payload any, ok bool)

// equeueTarget is anything a redirect/transform reaction can hand a demand
// to for re-delivery - satisfied by mbox.Mailbox without sink importing mbox
// (which would be a cycle: mbox depends on sink for its subscriber table).
type equeueTarget interface {
	RedirectDeliver(demand *message.Demand) error
}

const maxRedirectionDepth = 32

// ErrRedirectionDepthExceeded is returned (and logged) when a redirect/transform
// chain would recurse past maxRedirectionDepth.
type redirectionDepthExceededError struct{}

func (redirectionDepthExceededError) Error() string { return "sink: redirection depth exceeded" }

var ErrRedirectionDepthExceeded error = redirectionDepthExceededError{}

// Control is the per-(sink, message-type) limit control block: a max count
// and the configured reaction once the count would be exceeded.
type Control struct {
	Limit     int64
	Reaction  OverlimitKind
	Redirect  RedirectTargetFunc
	Transform TransformFunc
	Logger    *zerolog.Logger

	current int64
}

// Limited is a sink carrying one Control and enforcing it on every push.
type Limited struct {
	priority Priority
	ctrl     *Control
	logger   *zerolog.Logger
}

// NewWithLimit builds a limit-tracking sink. logger receives a structured
// event for every non-fatal overlimit reaction (drop, redirect, transform,
// redirection-depth-exceeded); it must not be nil.
func NewWithLimit(priority Priority, ctrl *Control, logger *zerolog.Logger) *Limited {
	return &Limited{priority: priority, ctrl: ctrl, logger: logger}
}

func (l *Limited) Priority() Priority { return l.priority }

// PushEvent enforces the control block: under the limit it increments the
// counter and forwards via push; at/above the limit it runs the configured
// overlimit reaction. The handler is responsible for calling Release once
// the demand finishes processing, decrementing the counter back down.
func (l *Limited) PushEvent(demand *message.Demand, push func(*message.Demand) error) error {
	if atomic.AddInt64(&l.ctrl.current, 1) <= l.ctrl.Limit {
		return push(demand)
	}
	atomic.AddInt64(&l.ctrl.current, -1)
	return l.overlimit(demand)
}

// Release decrements the in-flight counter; called once a demand previously
// admitted by PushEvent has finished running in the agent's handler.
func (l *Limited) Release() {
	atomic.AddInt64(&l.ctrl.current, -1)
}

func (l *Limited) overlimit(demand *message.Demand) error {
	if demand.RedirectionDepth >= maxRedirectionDepth {
		l.logger.Warn().
			Uint64("mailbox_id", demand.MailboxID).
			Int("redirection_depth", demand.RedirectionDepth).
			Msg("sink: redirection depth exceeded, dropping message")
		return ErrRedirectionDepthExceeded
	}

	switch l.ctrl.Reaction {
	case OverlimitDrop:
		l.logger.Debug().Uint64("mailbox_id", demand.MailboxID).Msg("sink: message dropped over limit")
		return nil

	case OverlimitAbortApp:
		l.logger.Error().Uint64("mailbox_id", demand.MailboxID).Msg("sink: message limit exceeded, aborting")
		os.Exit(1)
		return nil

	case OverlimitLogThenAbortApp:
		l.logger.Error().Uint64("mailbox_id", demand.MailboxID).Msg("sink: log_then_abort_app reaction firing")
		os.Exit(1)
		return nil

	case OverlimitRedirect:
		if l.ctrl.Redirect == nil {
			return nil
		}
		target := l.ctrl.Redirect(demand)
		redirected := *demand
		redirected.RedirectionDepth++
		l.logger.Debug().Uint64("mailbox_id", demand.MailboxID).Int("depth", redirected.RedirectionDepth).Msg("sink: redirecting over-limit message")
		return target.RedirectDeliver(&redirected)

	case OverlimitTransform:
		if l.ctrl.Transform == nil {
			return nil
		}
		target, payload, ok := l.ctrl.Transform(demand)
		if !ok {
			l.logger.Debug().Uint64("mailbox_id", demand.MailboxID).Msg("sink: transform yielded no replacement, dropping")
			return nil
		}
		newRef := message.NewRef(payload, demand.Ref.Mutability())
		transformed := &message.Demand{
			MailboxID:        demand.MailboxID,
			Type:             newRef.TypeKey(),
			Ref:              newRef,
			Envelope:         message.NewPlainEnvelope(newRef),
			RedirectionDepth: demand.RedirectionDepth + 1,
			Handler:          demand.Handler,
		}
		l.logger.Debug().Uint64("mailbox_id", demand.MailboxID).Int("depth", transformed.RedirectionDepth).Msg("sink: transforming over-limit message")
		return target.RedirectDeliver(transformed)

	default:
		return nil
	}
}
