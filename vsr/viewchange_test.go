package vsr

import (
	"testing"

	"kimberlite.dev/core/kernel"
	"kimberlite.dev/core/types"
)

func TestSelectCanonicalLogPrefersHigherLogView(t *testing.T) {
	stale := DoViewChange{Replica: 1, LogView: 2, Op: 100, Commit: 100}
	recent := DoViewChange{Replica: 2, LogView: 5, Op: 3, Commit: 1}
	got := selectCanonicalLog([]DoViewChange{stale, recent})
	if got.Replica != 2 {
		t.Fatalf("selected replica %d, want 2 (higher log_view must win despite shorter op count)", got.Replica)
	}
}

func TestSelectCanonicalLogPrefersHigherOpWithinSameLogView(t *testing.T) {
	a := DoViewChange{Replica: 1, LogView: 3, Op: 5, Commit: 5}
	b := DoViewChange{Replica: 2, LogView: 3, Op: 8, Commit: 5}
	got := selectCanonicalLog([]DoViewChange{a, b})
	if got.Replica != 2 {
		t.Fatalf("selected replica %d, want 2 (higher op_number within same log_view)", got.Replica)
	}
}

func TestSelectCanonicalLogTieBreaksByChecksumThenReplica(t *testing.T) {
	low := DoViewChange{Replica: 9, LogView: 1, Op: 2, Commit: 0, LogTail: []LogEntry{{Checksum: 10}, {Checksum: 20}}}
	high := DoViewChange{Replica: 1, LogView: 1, Op: 2, Commit: 0, LogTail: []LogEntry{{Checksum: 10}, {Checksum: 99}}}
	got := selectCanonicalLog([]DoViewChange{high, low})
	if got.Replica != 9 {
		t.Fatalf("selected replica %d, want 9 (lower last-entry checksum wins the tie)", got.Replica)
	}

	tieChecksum1 := DoViewChange{Replica: 5, LogView: 1, Op: 1, Commit: 0, LogTail: []LogEntry{{Checksum: 7}}}
	tieChecksum2 := DoViewChange{Replica: 2, LogView: 1, Op: 1, Commit: 0, LogTail: []LogEntry{{Checksum: 7}}}
	got2 := selectCanonicalLog([]DoViewChange{tieChecksum1, tieChecksum2})
	if got2.Replica != 2 {
		t.Fatalf("selected replica %d, want 2 (lowest replica id wins a full tie)", got2.Replica)
	}
}

func TestBeginViewChangeClearsUncommittedAndBroadcasts(t *testing.T) {
	net, replicas := newCluster(t, 3)
	r := replicas[1]
	r.kernelState.MarkUncommitted(types.ClientId{1}, 1)

	r.BeginViewChange()
	if r.View() != 1 {
		t.Fatalf("view = %d, want 1", r.View())
	}
	if r.Status() != StatusViewChange {
		t.Fatalf("status = %v, want ViewChange", r.Status())
	}
	if _, ok := r.kernelState.Uncommitted[types.ClientId{1}]; ok {
		t.Fatal("expected uncommitted table to be cleared on view change")
	}
	if len(net.queue) != 1 || net.queue[0].kind != KindStartViewChange {
		t.Fatalf("expected exactly one broadcast StartViewChange, got %+v", net.queue)
	}
}

// TestViewChangeElectsNewLeaderAndAdoptsCanonicalLog drives a full 3-replica
// view-change round after replica 2 (the view-1 leader) commits one op on
// both backups and is then presumed crashed: replica 1 and 3 must converge
// on view 2 with the committed op intact.
func TestViewChangeElectsNewLeaderAndAdoptsCanonicalLog(t *testing.T) {
	net, replicas := newCluster(t, 3)
	for _, r := range replicas {
		r.view = 1 // leaderFor(1) == 2
	}

	leader := replicas[2]
	client := types.ClientId{3}
	if _, err := leader.Submit(client, 1, types.IdempotencyId{1}, func(ts types.Timestamp) kernel.Command {
		return kernel.CreateStream{Tenant: 1, Name: "orders", At: ts}
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	net.pump(t)
	if replicas[1].CommitNumber() != 1 || replicas[3].CommitNumber() != 1 {
		t.Fatal("setup: expected both backups to have committed op 1 before the view change")
	}

	// Replica 2 is now presumed crashed; 1 and 3 time out and start a view
	// change to view 2 (leaderFor(2) == 3).
	replicas[1].BeginViewChange()
	replicas[3].BeginViewChange()
	net.pump(t)

	for id, r := range []*Replica{replicas[1], replicas[3]} {
		if r.View() != 2 {
			t.Fatalf("replica index %d view = %d, want 2", id, r.View())
		}
		if r.Status() != StatusNormal {
			t.Fatalf("replica index %d status = %v, want Normal", id, r.Status())
		}
		if r.CommitNumber() != 1 {
			t.Fatalf("replica index %d lost its committed op: commit_number = %d", id, r.CommitNumber())
		}
	}
}

func TestOnDoViewChangeRejectsInflatedCommitClaim(t *testing.T) {
	_, replicas := newCluster(t, 3)
	leaderElect := replicas[2] // leaderFor(1) == 2
	for _, r := range replicas {
		r.view = 0
	}
	leaderElect.status = StatusViewChange

	bad := DoViewChange{View: 1, Op: 5, Commit: 1000, LogView: 0, LogTail: nil, Replica: 1}
	leaderElect.OnDoViewChange(bad)
	self := DoViewChange{View: 1, Op: 5, Commit: 1000, LogView: 0, LogTail: nil, Replica: 3}
	leaderElect.OnDoViewChange(self)

	if leaderElect.Status() == StatusNormal {
		t.Fatal("expected an inflated commit claim (commit > op) to be rejected, not adopted")
	}
}

func TestOnStartViewRejectsOversizedLogTail(t *testing.T) {
	_, replicas := newCluster(t, 3)
	r := replicas[1]
	r.status = StatusViewChange
	r.cfg.MaxLogTailEntries = 1

	msg := StartView{View: 1, Op: 2, Commit: 0, LogTail: []LogEntry{{OpNumber: 1}, {OpNumber: 2}}}
	if err := r.OnStartView(msg); err == nil {
		t.Fatal("expected oversized log_tail to be rejected")
	}
	if r.View() != 0 {
		t.Fatal("rejected StartView must not mutate replica state")
	}
}
