// Package architect implements the Architect (spec.md section 4.4): on
// each tick it pulls upstream package/version changes, records them via the
// Oracle, advances the PyPI serial watermark, and republishes the set of
// buildable (package, version) pairs onto a bounded build queue the Slave
// Driver drains.
//
// Grounded on original_source/piwheels/master/the_architect.py: a
// zmq.REP build_queue with hwm=1, one handler per incoming request. Here
// the queue is internal/mesh.ReqRep with capacity 1 (SPEC_FULL.md section
// 1C), and the poll/serve split runs as two goroutines under
// golang.org/x/sync/errgroup, a teacher dependency reused for its actual
// purpose (structured goroutine fan-out with first-error propagation).
package architect

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/piwheels/farm/internal/config"
	"github.com/piwheels/farm/internal/mesh"
	"github.com/piwheels/farm/internal/model"
	"github.com/piwheels/farm/internal/oracle"
	"github.com/piwheels/farm/internal/pypi"
	"github.com/piwheels/farm/internal/scribe"
)

// BuildRequest is sent by the Slave Driver's requester role; it carries no
// data beyond asking "what's next".
type BuildRequest struct{}

// BuildReply is either a buildable pair or NoBuild when the candidate set
// is currently empty.
type BuildReply struct {
	Pair    model.PackageVersion
	NoBuild bool
}

// Architect runs the poll loop and answers the build queue.
type Architect struct {
	oracle     *oracle.Client
	pypi       *pypi.Client
	cfg        config.Config
	queue      *mesh.ReqRep[BuildRequest, BuildReply]
	indexQueue *mesh.PushPull[scribe.Request]

	mu         sync.Mutex
	candidates []model.PackageVersion
}

// New creates an Architect. queue is shared with the Slave Driver, which
// calls queue.Call to ask for work. indexQueue is shared with the Index
// Scribe: each poll tick refreshes the homepage and search index from the
// Oracle's current aggregate figures (spec.md section 4.7's HOME/SEARCH
// verbs), the Go equivalent of the original's periodic stats push.
func New(oracleClient *oracle.Client, pypiClient *pypi.Client, cfg config.Config, queue *mesh.ReqRep[BuildRequest, BuildReply], indexQueue *mesh.PushPull[scribe.Request]) *Architect {
	return &Architect{oracle: oracleClient, pypi: pypiClient, cfg: cfg, queue: queue, indexQueue: indexQueue}
}

// Run drives the poll loop and the build-queue server loop concurrently
// until ctx is canceled or either fails fatally.
func (a *Architect) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pollLoop(ctx) })
	g.Go(func() error { return a.serveLoop(ctx) })
	return g.Wait()
}

func (a *Architect) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.ArchitectPollInterval)
	defer ticker.Stop()

	if err := a.tick(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ticker.C:
			if err := a.tick(ctx); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tick performs one poll cycle (spec.md section 4.4 (a)-(c)): ingest
// upstream changes, advance the serial, then recompute the candidate set.
func (a *Architect) tick(ctx context.Context) error {
	serial, err := a.oracle.GetPyPI(ctx)
	if err != nil {
		return err
	}

	changes, maxSerial, err := a.pypi.ChangesSince(ctx, serial)
	if err != nil {
		return err
	}

	seenPkg := make(map[string]bool)
	for _, c := range changes {
		if !seenPkg[c.Package] {
			if err := a.oracle.NewPkg(ctx, c.Package); err != nil {
				return err
			}
			seenPkg[c.Package] = true
		}
		if err := a.oracle.NewVer(ctx, c.Package, c.Version); err != nil {
			return err
		}
	}

	if maxSerial != serial {
		if err := a.oracle.SetPyPI(ctx, maxSerial); err != nil {
			return err
		}
	}

	if err := a.refreshCandidates(ctx); err != nil {
		return err
	}
	return a.publishIndex(ctx)
}

// publishIndex recomputes the homepage stats and per-package download
// counts and pushes them onto the index queue (spec.md section 4.7's HOME
// and SEARCH verbs), so packages.json and index.html stay current without
// waiting for a file upload to trigger a refresh.
func (a *Architect) publishIndex(ctx context.Context) error {
	stats, err := a.oracle.GetStats(ctx)
	if err != nil {
		return err
	}
	if err := a.indexQueue.Push(ctx, scribe.Home{Stats: stats, Valid: true}); err != nil {
		return err
	}

	counts, err := a.oracle.PkgDownloadCounts(ctx)
	if err != nil {
		return err
	}
	entries := make([]scribe.PkgCount, len(counts))
	for i, c := range counts {
		entries[i] = scribe.PkgCount{Package: c.Package, Count: c.Count}
	}
	return a.indexQueue.Push(ctx, scribe.Search{Entries: entries})
}

// refreshCandidates recomputes the set of (package, version) pairs with no
// successful build, where neither the package nor the version is skipped
// (spec.md section 4.4 (b)).
func (a *Architect) refreshCandidates(ctx context.Context) error {
	pkgs, err := a.oracle.AllPkgs(ctx)
	if err != nil {
		return err
	}
	vers, err := a.oracle.AllVers(ctx)
	if err != nil {
		return err
	}

	var candidates []model.PackageVersion
	for _, v := range vers {
		if v.Built || v.Skip {
			continue
		}
		if pkgSkip, ok := pkgs[v.Package]; ok && pkgSkip {
			continue
		}
		candidates = append(candidates, model.PackageVersion{Package: v.Package, Version: v.Version})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Package != candidates[j].Package {
			return candidates[i].Package < candidates[j].Package
		}
		return candidates[i].Version < candidates[j].Version
	})

	a.mu.Lock()
	a.candidates = candidates
	a.mu.Unlock()
	return nil
}

// serveLoop answers the build queue: one pair per request, FIFO, or
// NoBuild when the candidate set is empty. A pair is popped optimistically
// on hand-out; if the slave never reports back (crash, GONE), it simply
// reappears on the next refreshCandidates tick since its build still
// doesn't exist.
func (a *Architect) serveLoop(ctx context.Context) error {
	for {
		_, reply, err := a.queue.Serve(ctx)
		if err != nil {
			return err
		}
		reply(a.next())
	}
}

func (a *Architect) next() BuildReply {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.candidates) == 0 {
		return BuildReply{NoBuild: true}
	}
	pair := a.candidates[0]
	a.candidates = a.candidates[1:]
	return BuildReply{Pair: pair}
}
