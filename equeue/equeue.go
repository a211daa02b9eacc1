/*
Package equeue defines the event-queue protocol: a single method, safe to call
from any thread, that every dispatcher implements on behalf of the agents it
hosts. An agent is bound to exactly one EventQueue for the duration of one
coop registration; rebinding mid-life is forbidden (enforced by the agent
package, which stores the queue reference once at bind time and never
overwrites it).

Grounded on the teacher's Celler.Push / Connector.Send shape ("push into a
queue, return ok/not-ok", internal/domain/registry/cell.go, connect.go),
lifted to an interface so every dispatcher variant in package disp implements
it uniformly.
*/
package equeue

import "github.com/webitel/actorkit/message"

// EventQueue is the one-method contract a dispatcher worker drains and any
// producer (a mailbox delivering a message, a timer firing, the coop binder
// enqueuing evt_start/evt_finish) pushes into.
type EventQueue interface {
	// Push enqueues demand for eventual processing and must be safe to call
	// concurrently from any number of goroutines. Implementations backed by
	// a bounded channel block the caller while that channel is full.
	Push(demand *message.Demand) error
}

// EventQueueFunc adapts a plain function to the EventQueue interface, the way
// http.HandlerFunc adapts a function to http.Handler - useful for tests and
// for dispatchers whose "queue" is a single unbuffered handoff.
type EventQueueFunc func(demand *message.Demand) error

func (f EventQueueFunc) Push(demand *message.Demand) error { return f(demand) }
