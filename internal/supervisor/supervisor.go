// Package supervisor implements the Supervisor (spec.md section 4.8): it
// starts every task in dependency order, propagates QUIT by canceling a
// shared context, and waits for every task to join within a bounded
// timeout, escalating to FatalError if one doesn't.
//
// Grounded on the teacher's root-package InterruptibleContext/RunAtExit
// (context.go, atexit.go): signal-driven cancellation plus registered
// cleanup, generalized here to dependency-ordered task startup via
// golang.org/x/sync/errgroup.
package supervisor

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/piwheels/farm/internal/farmerr"
)

// Task is one unit the Supervisor owns: a blocking Run call that returns
// when ctx is canceled or it fails.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor starts a list of Tasks together and shuts them all down when
// any of them fails or ctx is canceled.
type Supervisor struct {
	tasks           []Task
	shutdownTimeout time.Duration
}

// New creates a Supervisor for tasks, run in the order given — spec.md
// section 4.8's "Seraph -> Oracle workers -> Architect, Scribe, Juggler,
// Slave Driver" dependency order is expressed simply by list order, since
// every task's Run call only blocks serving its own queues/streams, never
// waiting on a downstream task to be ready first.
func New(shutdownTimeout time.Duration, tasks ...Task) *Supervisor {
	return &Supervisor{tasks: tasks, shutdownTimeout: shutdownTimeout}
}

// Run starts every task and blocks until ctx is canceled or a task returns
// a non-nil, non-context-canceled error, at which point QUIT is propagated
// to the rest and Run waits up to shutdownTimeout for them to join.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range s.tasks {
		task := task
		g.Go(func() error {
			if err := task.Run(gctx); err != nil && gctx.Err() == nil {
				return farmerr.NewFatal("task %s: %w", task.Name, err)
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	// Tasks may legitimately run forever (that's the point); only start the
	// shutdown-timeout clock once QUIT has actually been requested (ctx
	// canceled, or a task failed and errgroup canceled gctx).
	select {
	case err := <-done:
		return err
	case <-gctx.Done():
	}

	select {
	case err := <-done:
		return err
	case <-time.After(s.shutdownTimeout):
		return farmerr.NewFatal("supervisor: tasks did not join within shutdown timeout")
	}
}
