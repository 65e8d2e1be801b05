// Package seraph implements the fair-queue router described in spec.md
// section 4.3: it fans requests from many clients out to whichever of a
// pool of workers announces readiness next, queuing in bounded memory and
// backpressuring clients once that bound is reached.
//
// The original design routes this over a pair of ZeroMQ ROUTER sockets
// (a front router facing clients, a back router facing workers) because
// the Oracle's clients and workers are separate processes. Here every
// client and worker lives in the one master process (see SPEC_FULL.md
// section 1C), so the front/back router pair collapses to one bounded
// channel of pending requests and an unbuffered readiness channel workers
// register on — the same ready-queue contract, without a wire format there
// is no wire to need.
package seraph

import "context"

// Envelope pairs a request with the channel its reply must be delivered on,
// the in-process stand-in for the client identity ZeroMQ's ROUTER frames
// carry explicitly.
type Envelope[Req, Rep any] struct {
	Req   Req
	Reply chan Rep
}

// Router fans Req values from any number of Dispatch callers out to
// whichever Ready caller is currently available.
type Router[Req, Rep any] struct {
	front chan Envelope[Req, Rep]
	ready chan chan Envelope[Req, Rep]
}

// NewRouter creates a Router whose client-facing queue holds at most frontHWM
// requests before Dispatch starts blocking its callers.
func NewRouter[Req, Rep any](frontHWM int) *Router[Req, Rep] {
	return &Router[Req, Rep]{
		front: make(chan Envelope[Req, Rep], frontHWM),
		ready: make(chan chan Envelope[Req, Rep]),
	}
}

// Dispatch is the client side: it enqueues req and blocks until some worker
// produces a reply. It blocks on enqueue once the front queue is at its
// high-water mark, which is the backpressure spec.md section 4.3 requires.
func (r *Router[Req, Rep]) Dispatch(ctx context.Context, req Req) (Rep, error) {
	reply := make(chan Rep, 1)
	env := Envelope[Req, Rep]{Req: req, Reply: reply}
	var zero Rep
	select {
	case r.front <- env:
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

// Ready is the worker side: it announces availability and blocks until the
// router hands it the next envelope to answer.
func (r *Router[Req, Rep]) Ready(ctx context.Context) (Envelope[Req, Rep], error) {
	mine := make(chan Envelope[Req, Rep])
	var zero Envelope[Req, Rep]
	select {
	case r.ready <- mine:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case env := <-mine:
		return env, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Run is the router's own loop: it matches each queued client request with
// the next worker to announce readiness, fairly, in FIFO order of requests.
// It returns when ctx is canceled.
func (r *Router[Req, Rep]) Run(ctx context.Context) {
	for {
		select {
		case env := <-r.front:
			select {
			case worker := <-r.ready:
				worker <- env
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
