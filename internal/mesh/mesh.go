// Package mesh implements the in-process queue patterns spec.md section 4.1
// describes for ZeroMQ (req/rep and push/pull), rendered as buffered Go
// channels. A queue's high-water mark becomes its channel capacity: once
// full, a send blocks the sending goroutine (not the process), exactly the
// backpressure behaviour spec.md section 5 calls for. Per Design Note
// "Dynamic verb dispatch", every queue carries one Go type per verb rather
// than a string-keyed dispatch table; callers type-switch on the received
// value. See SPEC_FULL.md section 1C for why ZeroMQ's inter-process patterns
// were not reimplemented here and are instead carried over gRPC
// (internal/slavewire, internal/filewire).
package mesh

import "context"

// ReqRep models a bounded request/reply queue with exactly one outstanding
// request at a time, such as the Architect's build queue (spec.md section
// 4.4: bound of 1 ensures at most one pair in flight per consumer).
type ReqRep[Req, Rep any] struct {
	requests chan reqEnvelope[Req, Rep]
}

type reqEnvelope[Req, Rep any] struct {
	req   Req
	reply chan Rep
}

// NewReqRep creates a request/reply queue with the given high-water mark.
func NewReqRep[Req, Rep any](hwm int) *ReqRep[Req, Rep] {
	return &ReqRep[Req, Rep]{requests: make(chan reqEnvelope[Req, Rep], hwm)}
}

// Call sends req and blocks for the reply, playing the requester role (the
// Slave Driver's side of the build queue).
func (q *ReqRep[Req, Rep]) Call(ctx context.Context, req Req) (Rep, error) {
	reply := make(chan Rep, 1)
	env := reqEnvelope[Req, Rep]{req: req, reply: reply}
	var zero Rep
	select {
	case q.requests <- env:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case rep := <-reply:
		return rep, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Serve receives the next request, playing the answerer role (the
// Architect's side of the build queue), and returns a function the caller
// uses to send the reply back to the blocked requester.
func (q *ReqRep[Req, Rep]) Serve(ctx context.Context) (Req, func(Rep), error) {
	var zero Req
	select {
	case env := <-q.requests:
		return env.req, func(rep Rep) { env.reply <- rep }, nil
	case <-ctx.Done():
		return zero, nil, ctx.Err()
	}
}

// PushPull models a bounded fire-and-forget work queue, such as the index
// queue feeding the Index Scribe.
type PushPull[Msg any] struct {
	messages chan Msg
}

// NewPushPull creates a push/pull queue with the given high-water mark.
func NewPushPull[Msg any](hwm int) *PushPull[Msg] {
	return &PushPull[Msg]{messages: make(chan Msg, hwm)}
}

// Push enqueues msg, blocking if the queue is at its high-water mark.
func (q *PushPull[Msg]) Push(ctx context.Context, msg Msg) error {
	select {
	case q.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pull dequeues the next message, blocking until one arrives or ctx is done.
func (q *PushPull[Msg]) Pull(ctx context.Context) (Msg, error) {
	var zero Msg
	select {
	case msg := <-q.messages:
		return msg, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Control is a QUIT broadcast channel (spec.md section 4.8) in the queue
// vocabulary the rest of the mesh package uses: it wraps a cancelable
// context, and Done closes once that context is canceled. No task in this
// module reads a Control; the Supervisor signals QUIT by canceling the
// context it passes to each task's Run.
type Control struct {
	ctx context.Context
}

// NewControl wraps ctx as a Control queue.
func NewControl(ctx context.Context) Control { return Control{ctx: ctx} }

// Done reports the channel that closes when QUIT has been broadcast.
func (c Control) Done() <-chan struct{} { return c.ctx.Done() }
