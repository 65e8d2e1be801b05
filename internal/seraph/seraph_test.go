package seraph

import (
	"context"
	"testing"
	"time"
)

func TestRouterDispatchReady(t *testing.T) {
	router := NewRouter[string, string](1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		env, err := router.Ready(ctx)
		if err != nil {
			t.Errorf("Ready: %v", err)
			return
		}
		env.Reply <- env.Req + "-pong"
	}()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
	defer reqCancel()
	got, err := router.Dispatch(reqCtx, "ping")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got != "ping-pong" {
		t.Fatalf("Dispatch = %q, want ping-pong", got)
	}
	<-done
}

func TestRouterDispatchTimesOutWithNoWorker(t *testing.T) {
	router := NewRouter[string, string](1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer reqCancel()
	if _, err := router.Dispatch(reqCtx, "ping"); err == nil {
		t.Fatal("Dispatch: want error when no worker ever becomes ready")
	}
}
