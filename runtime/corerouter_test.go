package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"kimberlite.dev/core/kernel"
)

func TestRouteRunsOnSomeWorkerAndWaitsForCompletion(t *testing.T) {
	r := NewCoreRouter(4, 8)
	defer r.Stop()

	var ran atomic.Bool
	err := r.Route(context.Background(), 42, func() { ran.Store(true) })
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !ran.Load() {
		t.Fatal("expected fn to have run before Route returned")
	}
}

func TestRouteSameKeyAlwaysHitsSameShard(t *testing.T) {
	r := NewCoreRouter(8, 8)
	defer r.Stop()

	seen := make(map[int]bool)
	for i := 0; i < 20; i++ {
		shard := int(RouteKey(kernel.AppendBatch{Tenant: 1, Stream: 9}) % 8)
		seen[shard] = true
	}
	if len(seen) != 1 {
		t.Fatalf("expected the same key to hash to one shard every time, saw %d distinct shards", len(seen))
	}
}

func TestRouteContextCancelWhileQueueFull(t *testing.T) {
	r := NewCoreRouter(1, 1)
	defer r.Stop()

	block := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = r.Route(context.Background(), 0, func() {
			close(block)
			<-release
		})
	}()
	<-block

	// The single worker is now blocked in the first job; queue depth 1
	// accepts one more job, so a third Route call must see the queue full
	// and respect ctx cancellation rather than hang.
	fillCtx, fillCancel := context.WithCancel(context.Background())
	defer fillCancel()
	go func() { _ = r.Route(fillCtx, 0, func() {}) }()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Route(ctx, 0, func() {})
	if err == nil {
		t.Fatal("expected a context-deadline error while the shard's queue was full")
	}
	close(release)
}

func TestRouteKeyDistinguishesCommandKinds(t *testing.T) {
	a := RouteKey(kernel.CreateStream{Tenant: 1})
	b := RouteKey(kernel.CreateTable{Tenant: 1, Stream: 1})
	if a == b {
		t.Fatal("CreateStream (tenant-keyed) and CreateTable (stream-keyed) should not collide for tenant=1, stream=1")
	}
}

