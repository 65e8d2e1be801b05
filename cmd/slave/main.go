package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/piwheels/farm/internal/filewire"
	"github.com/piwheels/farm/internal/slavewire"
)

var (
	masterAddr = flag.String("master", "localhost:5555", "host:port of the master's slave wire port")
	fileAddr   = flag.String("master_files", "localhost:5556", "host:port of the master's file upload port")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wireConn, err := grpc.DialContext(ctx, *masterAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("slave: dialing %s: %v", *masterAddr, err)
	}
	defer wireConn.Close()

	fileConn, err := grpc.DialContext(ctx, *fileAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("slave: dialing %s: %v", *fileAddr, err)
	}
	defer fileConn.Close()

	slave := New(slavewire.NewClient(wireConn), filewire.NewClient(fileConn), nil)

	// One HELLO..BYE session at a time; a dropped connection (master
	// restart, network blip) reconnects after a short backoff rather
	// than exiting, matching a build slave's unattended-operation
	// expectation.
	for {
		if ctx.Err() != nil {
			return
		}
		if err := slave.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("slave: session ended: %v; reconnecting", err)
			time.Sleep(5 * time.Second)
		}
	}
}
