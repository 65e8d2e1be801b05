// Package slavedriver implements the Slave Driver (spec.md section 4.5):
// terminates one slavewire session per connected slave, driving the
// UNKNOWN -> IDLE -> (BUILDING -> SENDING -> DONE) -> IDLE | GONE state
// machine from spec.md's transition table, and reaping slaves that go
// silent past their idle/building timeout.
//
// Grounded on original_source/piwheels/slave/__init__.py's PiWheelsSlave,
// which drives the mirror image of this exact state machine one request at
// a time (Design Note "Coroutine-style control flow"); here the equivalent
// is a table-driven switch over (model.SlaveState, slavewire.Message)
// rather than a string-keyed handler map, per Design Note "Dynamic verb
// dispatch".
package slavedriver

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/piwheels/farm/internal/architect"
	"github.com/piwheels/farm/internal/config"
	"github.com/piwheels/farm/internal/farmerr"
	"github.com/piwheels/farm/internal/mesh"
	"github.com/piwheels/farm/internal/model"
	"github.com/piwheels/farm/internal/oracle"
	"github.com/piwheels/farm/internal/scribe"
	"github.com/piwheels/farm/internal/slavewire"
)

// Driver terminates the slave wire protocol.
type Driver struct {
	oracle     *oracle.Client
	buildQueue *mesh.ReqRep[architect.BuildRequest, architect.BuildReply]
	indexQueue *mesh.PushPull[scribe.Request]
	cfg        config.Config

	mu     sync.Mutex
	nextID int64
	slaves map[int64]*session
}

type session struct {
	slave  model.Slave
	cancel context.CancelFunc
}

// New creates a Driver. buildQueue is the Architect's rep socket;
// indexQueue feeds the Index Scribe whenever a package's published files
// change.
func New(oracleClient *oracle.Client, buildQueue *mesh.ReqRep[architect.BuildRequest, architect.BuildReply], indexQueue *mesh.PushPull[scribe.Request], cfg config.Config) *Driver {
	return &Driver{
		oracle:     oracleClient,
		buildQueue: buildQueue,
		indexQueue: indexQueue,
		cfg:        cfg,
		slaves:     make(map[int64]*session),
	}
}

// Reap runs until ctx is canceled, periodically purging slaves silent
// beyond their state's timeout (spec.md section 4.5: 10 min idle, 60 min
// building).
func (d *Driver) Reap(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.reapOnce()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Driver) reapOnce() {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, s := range d.slaves {
		bound := d.cfg.SlaveIdleTimeout
		if s.slave.State == model.SlaveBuilding || s.slave.State == model.SlaveSending {
			bound = d.cfg.SlaveBuildTimeout
		}
		if now.Sub(s.slave.LastSeen) > bound {
			s.cancel()
			delete(d.slaves, id)
		}
	}
}

// Session implements slavewire.Server: one HELLO..BYE connection.
func (d *Driver) Session(stream slavewire.SessionServer) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if _, ok := first.(slavewire.Hello); !ok {
		return stream.Send(slavewire.Bye{})
	}

	id := d.register(cancel)
	defer d.unregister(id)

	if err := stream.Send(slavewire.Hello{SlaveID: id}); err != nil {
		return err
	}

	for {
		msg, err := stream.Recv()
		if err != nil {
			return err
		}
		d.touch(id)

		reply, next, closeSession, terr := d.transition(ctx, id, msg)
		if terr != nil {
			stream.Send(slavewire.Bye{})
			return terr
		}
		if reply != nil {
			if err := stream.Send(reply); err != nil {
				return err
			}
		}
		d.setState(id, next)
		if closeSession {
			return nil
		}
	}
}

func (d *Driver) register(cancel context.CancelFunc) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.slaves[id] = &session{
		slave:  model.Slave{ID: id, LastSeen: time.Now(), State: model.SlaveIdle},
		cancel: cancel,
	}
	return id
}

func (d *Driver) unregister(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.slaves, id)
}

func (d *Driver) touch(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.slaves[id]; ok {
		s.slave.LastSeen = time.Now()
	}
}

func (d *Driver) setState(id int64, state model.SlaveState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.slaves[id]; ok {
		s.slave.State = state
	}
}

func (d *Driver) stateOf(id int64) model.SlaveState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.slaves[id]; ok {
		return s.slave.State
	}
	return model.SlaveUnknown
}

func (d *Driver) setPending(id int64, pv model.PackageVersion, files []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.slaves[id]; ok {
		s.slave.Building = &pv
		s.slave.PendingFiles = files
		s.slave.Retries = 0
	}
}

// popPending advances past the file currently being sent (on success) and
// returns the next one to send, if any.
func (d *Driver) popPending(id int64) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slaves[id]
	if !ok || len(s.slave.PendingFiles) == 0 {
		return "", false
	}
	s.slave.PendingFiles = s.slave.PendingFiles[1:]
	s.slave.Retries = 0
	if len(s.slave.PendingFiles) == 0 {
		return "", false
	}
	return s.slave.PendingFiles[0], true
}

// currentPending returns the filename currently being sent, if any.
func (d *Driver) currentPending(id int64) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slaves[id]
	if !ok || len(s.slave.PendingFiles) == 0 {
		return "", false
	}
	return s.slave.PendingFiles[0], true
}

// bumpRetry increments the retry count for the file currently being sent
// and reports whether the configured bound has now been exceeded.
func (d *Driver) bumpRetry(id int64) (exceeded bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slaves[id]
	if !ok {
		return true
	}
	s.slave.Retries++
	return s.slave.Retries > d.cfg.FileRetryBound
}

func (d *Driver) clearPending(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.slaves[id]; ok {
		s.slave.PendingFiles = nil
		s.slave.Retries = 0
	}
}

func (d *Driver) pendingPV(id int64) model.PackageVersion {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.slaves[id]; ok && s.slave.Building != nil {
		return *s.slave.Building
	}
	return model.PackageVersion{}
}

// transition implements spec.md section 4.5's table: given the message a
// slave just sent, it returns the reply to send, the slave's next state,
// whether the session should now close, and a fatal protocol error if the
// message was invalid for the slave's current state.
func (d *Driver) transition(ctx context.Context, id int64, msg slavewire.Message) (slavewire.Message, model.SlaveState, bool, error) {
	state := d.stateOf(id)

	switch m := msg.(type) {
	case slavewire.Idle:
		if state != model.SlaveIdle {
			return nil, state, false, farmerr.NewProtocol("slave", "IDLE received in state %s", state)
		}
		reply, err := d.buildQueue.Call(ctx, architect.BuildRequest{})
		if err != nil {
			return nil, state, false, err
		}
		if reply.NoBuild {
			return slavewire.Sleep{}, model.SlaveIdle, false, nil
		}
		return slavewire.Build{Package: reply.Pair.Package, Version: reply.Pair.Version}, model.SlaveBuilding, false, nil

	case slavewire.Built:
		if state != model.SlaveBuilding {
			return nil, state, false, farmerr.NewProtocol("slave", "BUILT received in state %s", state)
		}
		return d.handleBuilt(ctx, id, m)

	case slavewire.Sent:
		if state != model.SlaveSending {
			return nil, state, false, farmerr.NewProtocol("slave", "SENT received in state %s", state)
		}
		if name, ok := d.popPending(id); ok {
			return slavewire.Send{Filename: name}, model.SlaveSending, false, nil
		}
		pkg := d.PackageOf(id).Package
		if err := d.indexQueue.Push(ctx, scribe.Pkg{Package: pkg}); err != nil {
			return nil, model.SlaveSending, false, err
		}
		return slavewire.Done{}, model.SlaveIdle, false, nil

	case slavewire.FailedTransfer:
		if state != model.SlaveSending {
			return nil, state, false, farmerr.NewProtocol("slave", "FailedTransfer received in state %s", state)
		}
		current, ok := d.currentPending(id)
		if !ok || current != m.Filename {
			return nil, state, false, farmerr.NewProtocol("slave", "FailedTransfer for %q, not the outstanding file", m.Filename)
		}
		if d.bumpRetry(id) {
			pv := d.pendingPV(id)
			d.clearPending(id)
			if err := d.oracle.DelBuild(ctx, pv.Package, pv.Version); err != nil {
				return nil, state, false, err
			}
			if err := d.indexQueue.Push(ctx, scribe.Pkg{Package: pv.Package}); err != nil {
				return nil, state, false, err
			}
			return slavewire.Done{}, model.SlaveIdle, false, nil
		}
		return slavewire.Send{Filename: m.Filename}, model.SlaveSending, false, nil

	case slavewire.Bye:
		return nil, model.SlaveGone, true, nil

	default:
		return nil, state, false, farmerr.NewProtocol("slave", "unexpected message %T in state %s", msg, state)
	}
}

// handleBuilt persists the build and its files before ever requesting a
// transfer, so a crash between BUILT and SEND leaves a consistent record
// (spec.md section 4.5): the file rows exist, the bytes may not.
func (d *Driver) handleBuilt(ctx context.Context, id int64, m slavewire.Built) (slavewire.Message, model.SlaveState, bool, error) {
	build := model.Build{
		Package:  m.Package,
		Version:  m.Version,
		Status:   m.Status,
		Duration: m.Duration,
		Output:   m.Log,
		BuiltBy:  id,
		BuiltAt:  time.Now(),
	}
	var files []model.BuiltFile
	var names []string
	for name, meta := range m.Files {
		files = append(files, model.BuiltFile{
			Filename:          name,
			Filesize:          meta.Size,
			Filehash:          meta.Hash,
			PackageVersionTag: meta.PackageVersionTag,
			PyVersionTag:      meta.PyVersionTag,
			ABITag:            meta.ABITag,
			PlatformTag:       meta.PlatformTag,
		})
		names = append(names, name)
	}
	sort.Strings(names)

	if _, err := d.oracle.LogBuild(ctx, build, files); err != nil {
		return nil, model.SlaveBuilding, false, err
	}

	if !m.Status || len(names) == 0 {
		if err := d.indexQueue.Push(ctx, scribe.Pkg{Package: m.Package}); err != nil {
			return nil, model.SlaveBuilding, false, err
		}
		return slavewire.Done{}, model.SlaveIdle, false, nil
	}

	d.setPending(id, model.PackageVersion{Package: m.Package, Version: m.Version}, names)
	return slavewire.Send{Filename: names[0]}, model.SlaveSending, false, nil
}

// PackageOf returns the package a SENDING slave is currently transferring
// files for; the SENT case of transition uses it to push a Scribe refresh
// once the last file of a build lands (spec.md section 4.6/4.7 handoff).
func (d *Driver) PackageOf(id int64) model.PackageVersion {
	return d.pendingPV(id)
}
