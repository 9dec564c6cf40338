package runtime

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"kimberlite.dev/core/kernel"
	"kimberlite.dev/core/types"
)

// CoreRouter shards commands across a fixed set of single-goroutine
// workers, one per core, so that every command touching a given stream is
// always handled by the same goroutine — no locking is needed inside the
// kernel's State for a single stream's history.
//
// Grounded on node/p2p_runtime.go's PeerManager (a bounded, mutex-guarded
// map of live work turned here into a bounded chan per shard) and
// node/miner.go's worker-loop shape (pull a job off a channel, run it,
// report the result back on a per-job channel).
type CoreRouter struct {
	shards []chan routedJob
}

type routedJob struct {
	run  func()
	done chan struct{}
}

// NewCoreRouter starts numCores worker goroutines, each draining its own
// bounded queue of depth queueDepth. Call Stop to drain and exit them.
func NewCoreRouter(numCores, queueDepth int) *CoreRouter {
	if numCores < 1 {
		numCores = 1
	}
	r := &CoreRouter{shards: make([]chan routedJob, numCores)}
	for i := range r.shards {
		ch := make(chan routedJob, queueDepth)
		r.shards[i] = ch
		go func(jobs <-chan routedJob) {
			for job := range jobs {
				job.run()
				close(job.done)
			}
		}(ch)
	}
	return r
}

// Stop closes every shard's queue without waiting; each worker goroutine
// runs the jobs still queued and then exits. It does not cancel in-flight
// or already-queued jobs.
func (r *CoreRouter) Stop() {
	for _, ch := range r.shards {
		close(ch)
	}
}

// Route runs fn on the shard selected by key, blocking until either fn
// returns or ctx is cancelled. A cancelled ctx does not stop fn once it
// has started running — only the wait for enqueue space and completion is
// interruptible — matching the kernel's no-partial-effects guarantee.
func (r *CoreRouter) Route(ctx context.Context, key uint64, fn func()) error {
	shard := r.shards[key%uint64(len(r.shards))]
	job := routedJob{run: fn, done: make(chan struct{})}
	select {
	case shard <- job:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-job.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RouteKey computes the shard key for a command: commands that mutate an
// existing stream or table route by that stream/table id so every command
// against it lands on one goroutine; commands that create a new catalog
// entry route by tenant, since there is no existing id to hash on yet and
// different tenants' creates never conflict.
func RouteKey(cmd kernel.Command) uint64 {
	switch c := cmd.(type) {
	case kernel.CreateStream:
		return hashTenant(c.Tenant)
	case kernel.AppendBatch:
		return hashStream(c.Tenant, c.Stream)
	case kernel.CreateTable:
		return hashStream(c.Tenant, c.Stream)
	case kernel.DropTable:
		return hashTable(c.Tenant, c.Table)
	case kernel.CreateIndex:
		return hashTable(c.Tenant, c.Table)
	case kernel.Insert:
		return hashTable(c.Tenant, c.Table)
	case kernel.Update:
		return hashTable(c.Tenant, c.Table)
	case kernel.Delete:
		return hashTable(c.Tenant, c.Table)
	case kernel.CreateCheckpoint:
		return hashTenant(c.Tenant)
	case kernel.Reconfig:
		return 0
	default:
		panic(fmt.Sprintf("runtime: RouteKey: unhandled command type %T", cmd))
	}
}

func hashTenant(t types.TenantId) uint64 {
	var buf [8]byte
	putUint64(buf[:], uint64(t))
	return xxhash.Sum64(buf[:])
}

func hashStream(t types.TenantId, s types.StreamId) uint64 {
	var buf [16]byte
	putUint64(buf[0:8], uint64(t))
	putUint64(buf[8:16], uint64(s))
	return xxhash.Sum64(buf[:])
}

func hashTable(t types.TenantId, tb types.TableId) uint64 {
	var buf [16]byte
	putUint64(buf[0:8], uint64(t))
	putUint64(buf[8:16], uint64(tb))
	return xxhash.Sum64(buf[:])
}

func putUint64(dst []byte, v uint64) {
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> (56 - 8*i))
	}
}
