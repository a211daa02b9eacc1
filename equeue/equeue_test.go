package equeue

import (
	"testing"

	"github.com/webitel/actorkit/message"
)

func TestEventQueueFuncAdapts(t *testing.T) {
	var got *message.Demand
	var q EventQueue = EventQueueFunc(func(d *message.Demand) error {
		got = d
		return nil
	})

	demand := &message.Demand{MailboxID: 1}
	if err := q.Push(demand); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != demand {
		t.Fatalf("expected underlying func to receive the demand")
	}
}
