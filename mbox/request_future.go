package mbox

import (
	"context"
	"errors"
	"time"
)

// ErrRequestTimeout is returned by RequestValue when the bound wait elapses
// before a reply arrives; RequestFuture.Wait returns ctx.Err() instead.
var ErrRequestTimeout = errors.New("mbox: request_value wait timed out")

// RequestFuture is a synchronous request/reply built atop Deliver plus a
// one-shot internal channel standing in for the original's promise. It is
// not part of the distilled component list but is named by the spec's
// external-interface section without a described contract; this is that
// contract, modeled the way a single-shot future is modeled anywhere in Go:
// a buffered channel of size 1 plus a reply closure handed to the receiver.
//
// Usage: the caller builds a RequestFuture, embeds the Reply closure in the
// request payload it sends to the target mailbox, and the receiving agent's
// handler calls Reply exactly once when it has a result. request_future
// returns the RequestFuture immediately; request_value additionally blocks
// on Wait with a bound.
type RequestFuture[Resp any] struct {
	ch chan Resp
}

// NewRequestFuture returns a RequestFuture and the Reply closure to embed in
// the outgoing request message. Reply is safe to call at most once; a second
// call is a silent no-op (mirroring a promise that can only be satisfied
// once).
func NewRequestFuture[Resp any]() (*RequestFuture[Resp], func(Resp)) {
	ch := make(chan Resp, 1)
	f := &RequestFuture[Resp]{ch: ch}
	reply := func(v Resp) {
		select {
		case ch <- v:
		default:
		}
	}
	return f, reply
}

// Wait blocks until a reply arrives or ctx is done, whichever comes first.
func (f *RequestFuture[Resp]) Wait(ctx context.Context) (Resp, error) {
	var zero Resp
	select {
	case v := <-f.ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// RequestValue is request_future plus a bounded wait, matching the spec's
// request_value<Result, Msg>(mbox, wait, args...) shape: build the future,
// send the request, then block up to wait for the reply.
func RequestValue[Resp any](wait time.Duration, send func(reply func(Resp))) (Resp, error) {
	future, reply := NewRequestFuture[Resp]()
	send(reply)

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	v, err := future.Wait(ctx)
	if err != nil {
		var zero Resp
		return zero, ErrRequestTimeout
	}
	return v, nil
}
