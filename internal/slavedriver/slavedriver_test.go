package slavedriver

import (
	"context"
	"testing"
	"time"

	"github.com/piwheels/farm/internal/architect"
	"github.com/piwheels/farm/internal/config"
	"github.com/piwheels/farm/internal/mesh"
	"github.com/piwheels/farm/internal/model"
	"github.com/piwheels/farm/internal/oracle"
	"github.com/piwheels/farm/internal/scribe"
	"github.com/piwheels/farm/internal/seraph"
	"github.com/piwheels/farm/internal/slavewire"
)

// fakeOracle answers LogBuild/DelBuild without a database.
func fakeOracle(t *testing.T) (*oracle.Client, func()) {
	t.Helper()
	router := seraph.NewRouter[oracle.Request, oracle.Result](10)
	ctx, cancel := context.WithCancel(context.Background())
	go router.Run(ctx)
	go func() {
		var nextID int64
		for {
			env, err := router.Ready(ctx)
			if err != nil {
				return
			}
			switch env.Req.(type) {
			case oracle.LogBuild:
				nextID++
				env.Reply <- oracle.Result{Value: nextID}
			case oracle.DelBuild:
				env.Reply <- oracle.Result{}
			default:
				env.Reply <- oracle.Result{}
			}
		}
	}()
	return oracle.NewClient(router), cancel
}

func newTestDriver(t *testing.T) (*Driver, *mesh.ReqRep[architect.BuildRequest, architect.BuildReply], *mesh.PushPull[scribe.Request], func()) {
	t.Helper()
	oracleClient, cancel := fakeOracle(t)
	buildQueue := mesh.NewReqRep[architect.BuildRequest, architect.BuildReply](1)
	indexQueue := mesh.NewPushPull[scribe.Request](10)
	cfg := config.Defaults()
	cfg.FileRetryBound = 1
	return New(oracleClient, buildQueue, indexQueue, cfg), buildQueue, indexQueue, cancel
}

func TestTransitionIdleAssignsBuildWhenOffered(t *testing.T) {
	d, buildQueue, _, cancel := newTestDriver(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	id := d.register(func() {})
	go func() {
		_, reply, err := buildQueue.Serve(ctx)
		if err != nil {
			return
		}
		reply(architect.BuildReply{Pair: model.PackageVersion{Package: "numpy", Version: "1.26.0"}})
	}()

	reply, next, closeSession, err := d.transition(ctx, id, slavewire.Idle{})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if closeSession {
		t.Fatal("transition: session should stay open")
	}
	build, ok := reply.(slavewire.Build)
	if !ok || build.Package != "numpy" || build.Version != "1.26.0" {
		t.Fatalf("transition reply = %#v, want Build{numpy, 1.26.0}", reply)
	}
	if next != model.SlaveBuilding {
		t.Fatalf("next state = %s, want BUILDING", next)
	}
}

func TestTransitionIdleSleepsWhenNoBuild(t *testing.T) {
	d, buildQueue, _, cancel := newTestDriver(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	id := d.register(func() {})
	go func() {
		_, reply, err := buildQueue.Serve(ctx)
		if err != nil {
			return
		}
		reply(architect.BuildReply{NoBuild: true})
	}()

	reply, next, _, err := d.transition(ctx, id, slavewire.Idle{})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, ok := reply.(slavewire.Sleep); !ok {
		t.Fatalf("transition reply = %#v, want Sleep", reply)
	}
	if next != model.SlaveIdle {
		t.Fatalf("next state = %s, want IDLE", next)
	}
}

func TestTransitionBuiltQueuesSendForEachFile(t *testing.T) {
	d, _, indexQueue, cancel := newTestDriver(t)
	defer cancel()
	ctx := context.Background()

	id := d.register(func() {})
	d.setState(id, model.SlaveBuilding)

	built := slavewire.Built{
		Package: "numpy", Version: "1.26.0", Status: true,
		Files: map[string]slavewire.FileMeta{
			"numpy-1.26.0-cp311-cp311-linux_armv7l.whl": {Hash: "aaa"},
			"numpy-1.26.0-cp311-cp311-linux_armv6l.whl": {Hash: "bbb"},
		},
	}
	reply, next, _, err := d.transition(ctx, id, built)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	send, ok := reply.(slavewire.Send)
	if !ok {
		t.Fatalf("transition reply = %#v, want Send", reply)
	}
	if next != model.SlaveSending {
		t.Fatalf("next state = %s, want SENDING", next)
	}

	// SENT advances to the second file, then to DONE.
	d.setState(id, model.SlaveSending)
	reply2, next2, _, err := d.transition(ctx, id, slavewire.Sent{})
	if err != nil {
		t.Fatalf("transition(Sent): %v", err)
	}
	send2, ok := reply2.(slavewire.Send)
	if !ok || send2.Filename == send.Filename {
		t.Fatalf("second Send = %#v, want the other filename", reply2)
	}
	if next2 != model.SlaveSending {
		t.Fatalf("next state after first Sent = %s, want SENDING", next2)
	}

	reply3, next3, _, err := d.transition(ctx, id, slavewire.Sent{})
	if err != nil {
		t.Fatalf("transition(Sent): %v", err)
	}
	if _, ok := reply3.(slavewire.Done); !ok {
		t.Fatalf("final reply = %#v, want Done", reply3)
	}
	if next3 != model.SlaveIdle {
		t.Fatalf("final state = %s, want IDLE", next3)
	}

	pushed, err := indexQueue.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if p, ok := pushed.(scribe.Pkg); !ok || p.Package != "numpy" {
		t.Fatalf("pushed = %#v, want scribe.Pkg{numpy}", pushed)
	}
}

func TestTransitionBuiltFailureSkipsTransferAndRefreshesIndex(t *testing.T) {
	d, _, indexQueue, cancel := newTestDriver(t)
	defer cancel()
	ctx := context.Background()

	id := d.register(func() {})
	d.setState(id, model.SlaveBuilding)

	built := slavewire.Built{Package: "numpy", Version: "1.26.0", Status: false, Log: []byte("boom")}
	reply, next, _, err := d.transition(ctx, id, built)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, ok := reply.(slavewire.Done); !ok {
		t.Fatalf("reply = %#v, want Done", reply)
	}
	if next != model.SlaveIdle {
		t.Fatalf("next = %s, want IDLE", next)
	}

	pushed, err := indexQueue.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if p, ok := pushed.(scribe.Pkg); !ok || p.Package != "numpy" {
		t.Fatalf("pushed = %#v, want scribe.Pkg{numpy}", pushed)
	}
}

func TestTransitionFailedTransferRetriesThenGivesUp(t *testing.T) {
	d, _, _, cancel := newTestDriver(t)
	defer cancel()
	ctx := context.Background()

	id := d.register(func() {})
	d.setPending(id, model.PackageVersion{Package: "numpy", Version: "1.26.0"}, []string{"numpy-1.26.0.whl"})
	d.setState(id, model.SlaveSending)

	reply, next, _, err := d.transition(ctx, id, slavewire.FailedTransfer{Filename: "numpy-1.26.0.whl"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if send, ok := reply.(slavewire.Send); !ok || send.Filename != "numpy-1.26.0.whl" {
		t.Fatalf("first retry reply = %#v, want re-SEND of same file", reply)
	}
	if next != model.SlaveSending {
		t.Fatalf("next = %s, want SENDING", next)
	}

	// FileRetryBound is 1: the second failure must exceed the bound and
	// abandon the build (DelBuild + Done -> IDLE).
	reply2, next2, _, err := d.transition(ctx, id, slavewire.FailedTransfer{Filename: "numpy-1.26.0.whl"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, ok := reply2.(slavewire.Done); !ok {
		t.Fatalf("reply after bound exceeded = %#v, want Done", reply2)
	}
	if next2 != model.SlaveIdle {
		t.Fatalf("next = %s, want IDLE", next2)
	}
}

func TestTransitionByeClosesSession(t *testing.T) {
	d, _, _, cancel := newTestDriver(t)
	defer cancel()
	ctx := context.Background()
	id := d.register(func() {})

	reply, next, closeSession, err := d.transition(ctx, id, slavewire.Bye{})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if reply != nil {
		t.Fatalf("reply = %#v, want nil", reply)
	}
	if next != model.SlaveGone || !closeSession {
		t.Fatalf("next, close = %s, %v, want GONE, true", next, closeSession)
	}
}

func TestTransitionRejectsMessageForWrongState(t *testing.T) {
	d, _, _, cancel := newTestDriver(t)
	defer cancel()
	ctx := context.Background()
	id := d.register(func() {})
	d.setState(id, model.SlaveIdle)

	if _, _, _, err := d.transition(ctx, id, slavewire.Sent{}); err == nil {
		t.Fatal("transition: want protocol error for SENT while IDLE, got nil")
	}
}

func TestReapOnceEvictsSilentSlave(t *testing.T) {
	d, _, _, cancel := newTestDriver(t)
	defer cancel()

	canceled := make(chan struct{})
	id := d.register(func() { close(canceled) })
	d.mu.Lock()
	d.slaves[id].slave.LastSeen = time.Now().Add(-2 * d.cfg.SlaveIdleTimeout)
	d.mu.Unlock()

	d.reapOnce()

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("reapOnce did not cancel the silent slave's session")
	}
	if d.stateOf(id) != model.SlaveUnknown {
		t.Fatal("reapOnce did not remove the slave record")
	}
}
