package sink

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/webitel/actorkit/message"
)

func testLogger() *zerolog.Logger {
	l := zerolog.New(os.Stderr)
	return &l
}

func TestPlainSinkAlwaysForwards(t *testing.T) {
	s := New(PriorityNormal)
	ref := message.NewRef(1, message.Immutable)
	demand := &message.Demand{Ref: ref}

	var pushed bool
	err := s.PushEvent(demand, func(d *message.Demand) error {
		pushed = true
		return nil
	})
	if err != nil || !pushed {
		t.Fatalf("expected plain sink to forward unconditionally")
	}
}

func TestLimitedSinkDropsOverLimit(t *testing.T) {
	ctrl := &Control{Limit: 1, Reaction: OverlimitDrop}
	s := NewWithLimit(PriorityNormal, ctrl, testLogger())

	pushes := 0
	push := func(d *message.Demand) error { pushes++; return nil }

	ref := message.NewRef(1, message.Immutable)
	demand := &message.Demand{Ref: ref}

	if err := s.PushEvent(demand, push); err != nil {
		t.Fatalf("first push under limit should succeed: %v", err)
	}
	if err := s.PushEvent(demand, push); err != nil {
		t.Fatalf("drop reaction should not return an error: %v", err)
	}
	if pushes != 1 {
		t.Fatalf("expected exactly 1 forwarded push, got %d", pushes)
	}
}

type recordingTarget struct {
	got *message.Demand
}

func (r *recordingTarget) RedirectDeliver(d *message.Demand) error {
	r.got = d
	return nil
}

func TestLimitedSinkRedirectsOverLimit(t *testing.T) {
	target := &recordingTarget{}
	ctrl := &Control{
		Limit:    0,
		Reaction: OverlimitRedirect,
		Redirect: func(d *message.Demand) equeueTarget { return target },
	}
	s := NewWithLimit(PriorityNormal, ctrl, testLogger())

	ref := message.NewRef(1, message.Immutable)
	demand := &message.Demand{Ref: ref, RedirectionDepth: 0}

	if err := s.PushEvent(demand, func(d *message.Demand) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.got == nil {
		t.Fatalf("expected demand to be redirected")
	}
	if target.got.RedirectionDepth != 1 {
		t.Fatalf("expected redirection depth incremented, got %d", target.got.RedirectionDepth)
	}
}

func TestLimitedSinkRedirectionDepthCapped(t *testing.T) {
	target := &recordingTarget{}
	ctrl := &Control{
		Limit:    0,
		Reaction: OverlimitRedirect,
		Redirect: func(d *message.Demand) equeueTarget { return target },
	}
	s := NewWithLimit(PriorityNormal, ctrl, testLogger())

	ref := message.NewRef(1, message.Immutable)
	demand := &message.Demand{Ref: ref, RedirectionDepth: maxRedirectionDepth}

	err := s.PushEvent(demand, func(d *message.Demand) error { return nil })
	if err != ErrRedirectionDepthExceeded {
		t.Fatalf("expected ErrRedirectionDepthExceeded, got %v", err)
	}
	if target.got != nil {
		t.Fatalf("should not have redirected past the cap")
	}
}

// chainWorker is a limit_then_redirect<Req>(1, next) worker: a Limited sink
// with limit 1 whose overlimit reaction redirects to the next worker in the
// chain, and whose own handler (once admitted) appends its label to the
// shared response log. Because none of these three requests is ever
// released during the test, each worker's single slot stays occupied by the
// first request it admits for the rest of the run, exactly as a worker
// still busy with an earlier request would be.
type chainWorker struct {
	label string
	s     *Limited
	out   *[]string
}

func (w *chainWorker) handle(d *message.Demand) error {
	*w.out = append(*w.out, w.label)
	return nil
}

func (w *chainWorker) RedirectDeliver(d *message.Demand) error {
	return w.s.PushEvent(d, w.handle)
}

// TestMessageLimitRedirectChainProducesOrderedResponses covers the spec's
// concrete scenario: three workers W1 -> W2 -> W3, each limit_then_redirect
// (1, next); sending three Req to W1 yields "[one][two][three]" because the
// first request occupies W1, the second overflows past the (still-occupied)
// W1 into W2, and the third overflows past both occupied W1 and W2 into W3.
func TestMessageLimitRedirectChainProducesOrderedResponses(t *testing.T) {
	var out []string

	w3 := &chainWorker{label: "three", out: &out}
	w3.s = NewWithLimit(PriorityNormal, &Control{Limit: 1, Reaction: OverlimitDrop}, testLogger())

	w2 := &chainWorker{label: "two", out: &out}
	w2.s = NewWithLimit(PriorityNormal, &Control{
		Limit: 1, Reaction: OverlimitRedirect,
		Redirect: func(d *message.Demand) equeueTarget { return w3 },
	}, testLogger())

	w1 := &chainWorker{label: "one", out: &out}
	w1.s = NewWithLimit(PriorityNormal, &Control{
		Limit: 1, Reaction: OverlimitRedirect,
		Redirect: func(d *message.Demand) equeueTarget { return w2 },
	}, testLogger())

	for i := 0; i < 3; i++ {
		ref := message.NewRef(fmt.Sprintf("req-%d", i+1), message.Immutable)
		demand := &message.Demand{Ref: ref}
		if err := w1.s.PushEvent(demand, w1.handle); err != nil {
			t.Fatalf("push %d: unexpected error: %v", i+1, err)
		}
	}

	var got strings.Builder
	for _, label := range out {
		got.WriteString("[")
		got.WriteString(label)
		got.WriteString("]")
	}
	if got.String() != "[one][two][three]" {
		t.Fatalf("expected \"[one][two][three]\", got %q", got.String())
	}
}
