// Command master runs every farm task in one process: the Database Oracle,
// the fair-queue Router in front of it, the Architect, the Slave Driver and
// its gRPC slave wire listener, the File Juggler and its gRPC file upload
// listener, and the Index Scribe. All of it is owned by one Supervisor
// (spec.md section 4.8), grounded on the teacher's cmd/distri main command's
// flag-driven startup (cmd/distri/distri.go).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/grpc"

	"github.com/piwheels/farm/internal/architect"
	"github.com/piwheels/farm/internal/config"
	"github.com/piwheels/farm/internal/filewire"
	"github.com/piwheels/farm/internal/juggler"
	"github.com/piwheels/farm/internal/mesh"
	"github.com/piwheels/farm/internal/oracle"
	"github.com/piwheels/farm/internal/pypi"
	"github.com/piwheels/farm/internal/scribe"
	"github.com/piwheels/farm/internal/seraph"
	"github.com/piwheels/farm/internal/slavedriver"
	"github.com/piwheels/farm/internal/slavewire"
	"github.com/piwheels/farm/internal/supervisor"
)

var configPath = flag.String("config", "/etc/piwheels/master.toml", "path to the master's TOML configuration file")

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("master: loading config: %v", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("master: connecting to database: %v", err)
	}
	defer pool.Close()

	router := seraph.NewRouter[oracle.Request, oracle.Result](cfg.OracleQueueHWM)
	oracleClient := oracle.NewClient(router)

	buildQueue := mesh.NewReqRep[architect.BuildRequest, architect.BuildReply](cfg.BuildQueueHWM)
	indexQueue := mesh.NewPushPull[scribe.Request](cfg.IndexQueueHWM)

	pypiClient := pypi.NewClient(cfg.UpstreamIndexURL)
	arch := architect.New(oracleClient, pypiClient, cfg, buildQueue, indexQueue)
	driver := slavedriver.New(oracleClient, buildQueue, indexQueue, cfg)
	index := scribe.New(oracleClient, cfg, indexQueue)
	jugglerSrv := juggler.New(cfg)

	if err := index.Once(ctx); err != nil {
		log.Fatalf("master: building initial index: %v", err)
	}

	slaveListener, err := net.Listen("tcp", cfg.SlaveBind)
	if err != nil {
		log.Fatalf("master: listening on %s: %v", cfg.SlaveBind, err)
	}
	fileListener, err := net.Listen("tcp", cfg.FileBind)
	if err != nil {
		log.Fatalf("master: listening on %s: %v", cfg.FileBind, err)
	}

	slaveServer := grpc.NewServer()
	slaveServer.RegisterService(&slavewire.ServiceDesc, driver)

	fileServer := grpc.NewServer()
	fileServer.RegisterService(&filewire.ServiceDesc, jugglerSrv)

	tasks := []supervisor.Task{
		{Name: "seraph-router", Run: func(ctx context.Context) error { router.Run(ctx); return nil }},
	}
	workers := cfg.OracleWorkers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		tasks = append(tasks, supervisor.Task{Name: fmt.Sprintf("oracle-worker-%d", i), Run: oracle.NewWorker(pool, router).Run})
	}
	tasks = append(tasks, []supervisor.Task{
		{Name: "architect", Run: arch.Run},
		{Name: "slave-driver-reaper", Run: driver.Reap},
		{Name: "index-scribe", Run: index.Run},
		{Name: "slave-wire-listener", Run: serveGRPC(slaveServer, slaveListener)},
		{Name: "file-wire-listener", Run: serveGRPC(fileServer, fileListener)},
	}...)

	if err := supervisor.New(cfg.ShutdownTimeout, tasks...).Run(ctx); err != nil {
		log.Fatalf("master: %v", err)
	}
}

// serveGRPC adapts a *grpc.Server's blocking Serve call to the
// supervisor.Task shape: it stops the server when ctx is canceled instead
// of returning only on a listener error.
func serveGRPC(srv *grpc.Server, lis net.Listener) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve(lis) }()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			srv.GracefulStop()
			return nil
		}
	}
}
