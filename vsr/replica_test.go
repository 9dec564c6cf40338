package vsr

import (
	"testing"

	"kimberlite.dev/core/kernel"
	"kimberlite.dev/core/types"
)

// newCluster builds n Normal replicas (ids 1..n) sharing one network fake,
// each with its own kernel.State and clock.
func newCluster(t *testing.T, n int) (*network, map[types.ReplicaId]*Replica) {
	t.Helper()
	net := newNetwork()
	set := make([]types.ReplicaId, n)
	for i := range set {
		set[i] = types.ReplicaId(i + 1)
	}
	for _, id := range set {
		r := NewReplica(id, set, false, kernel.NewState(), net.transportFor(id), &fakeClock{}, DefaultConfig(), nil)
		net.replicas[id] = r
	}
	return net, net.replicas
}

func TestLeaderForIsDeterministicAcrossReplicas(t *testing.T) {
	_, replicas := newCluster(t, 3)
	for _, r := range replicas {
		if got := r.leaderFor(0); got != 1 {
			t.Fatalf("leaderFor(0) = %d, want 1", got)
		}
		if got := r.leaderFor(1); got != 2 {
			t.Fatalf("leaderFor(1) = %d, want 2", got)
		}
	}
	if !replicas[1].IsLeader() {
		t.Fatal("replica 1 should be leader at view 0")
	}
	if replicas[2].IsLeader() || replicas[3].IsLeader() {
		t.Fatal("only the view's leader should report IsLeader")
	}
}

func TestSubmitReplicatesAndCommitsAcrossCluster(t *testing.T) {
	net, replicas := newCluster(t, 3)
	leader := replicas[1]

	client := types.ClientId{9}
	res, err := leader.Submit(client, 1, types.IdempotencyId{1}, func(ts types.Timestamp) kernel.Command {
		return kernel.CreateStream{Tenant: 1, Name: "orders", DataClass: types.DataClassPublic, At: ts}
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Op != 1 {
		t.Fatalf("Op = %d, want 1", res.Op)
	}

	net.pump(t)

	for id, r := range replicas {
		if r.CommitNumber() != 1 {
			t.Fatalf("replica %d commit_number = %d, want 1", id, r.CommitNumber())
		}
		if r.OpNumber() != 1 {
			t.Fatalf("replica %d op_number = %d, want 1", id, r.OpNumber())
		}
	}
}

func TestSubmitOnNonLeaderIsRejected(t *testing.T) {
	_, replicas := newCluster(t, 3)
	_, err := replicas[2].Submit(types.ClientId{1}, 1, types.IdempotencyId{}, func(ts types.Timestamp) kernel.Command {
		return kernel.CreateStream{Tenant: 1, Name: "orders", At: ts}
	})
	if err != ErrNotLeader {
		t.Fatalf("err = %v, want ErrNotLeader", err)
	}
}

func TestSubmitIdempotentRetryDoesNotReapply(t *testing.T) {
	net, replicas := newCluster(t, 3)
	leader := replicas[1]
	client := types.ClientId{9}
	build := func(ts types.Timestamp) kernel.Command {
		return kernel.CreateStream{Tenant: 1, Name: "orders", At: ts}
	}
	if _, err := leader.Submit(client, 1, types.IdempotencyId{1}, build); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	net.pump(t)

	res2, err := leader.Submit(client, 1, types.IdempotencyId{1}, build)
	if err != nil {
		t.Fatalf("retry submit: %v", err)
	}
	net.pump(t)
	if leader.OpNumber() != 1 {
		t.Fatalf("op_number = %d after retry, want still 1 (no re-append)", leader.OpNumber())
	}
	_ = res2
}

func TestOnPrepareBuffersOutOfOrderAndDrainsOnGapFill(t *testing.T) {
	net, replicas := newCluster(t, 3)
	leader, backup := replicas[1], replicas[2]

	client := types.ClientId{1}
	build := func(name string) func(types.Timestamp) kernel.Command {
		return func(ts types.Timestamp) kernel.Command {
			return kernel.CreateStream{Tenant: 1, Name: name, At: ts}
		}
	}

	if _, err := leader.Submit(client, 1, types.IdempotencyId{1}, build("a")); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if _, err := leader.Submit(client, 2, types.IdempotencyId{2}, build("b")); err != nil {
		t.Fatalf("submit b: %v", err)
	}

	// Pull the second Prepare (op 2) out of the queue and deliver it to one
	// backup directly, ahead of the first (op 1), to force reordering.
	var second netMsg
	seen := 0
	var drained []netMsg
	for _, m := range net.queue {
		if m.kind == KindPrepare {
			seen++
			if seen == 2 {
				second = m
				continue
			}
		}
		drained = append(drained, m)
	}
	net.queue = drained
	deliver(t, backup, second.kind, second.payload)

	if backup.OpNumber() != 0 {
		t.Fatalf("backup op_number = %d, want 0 (entry buffered, not applied)", backup.OpNumber())
	}
	net.pump(t)
	if backup.OpNumber() != 2 {
		t.Fatalf("backup op_number = %d after drain, want 2", backup.OpNumber())
	}
}

func TestAdvanceCommitPanicsOnKernelApplyFailure(t *testing.T) {
	_, replicas := newCluster(t, 1)
	r := replicas[1]

	entry := LogEntry{View: 0, OpNumber: 1, ClientId: types.ClientId{1}, RequestNumber: 1, CommandPayload: []byte("not a valid command")}
	entry.Checksum = ComputeChecksum(entry.View, entry.OpNumber, entry.ClientId, entry.RequestNumber, entry.CommandPayload)
	r.log = append(r.log, entry)
	r.opNumber = 1

	defer func() {
		if recover() == nil {
			t.Fatal("expected advanceCommit to panic on an undecodable committed entry")
		}
	}()
	r.advanceCommit(1)
}
