package vsr

import (
	"testing"
	"time"

	"kimberlite.dev/core/types"
)

func TestRepairBudgetBeginRespectsMaxInflight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxInflightRepair = 2
	b := NewRepairBudget(cfg)
	now := time.Now()

	if !b.Begin(1, 1, now) {
		t.Fatal("first Begin should succeed")
	}
	if !b.Begin(1, 2, now) {
		t.Fatal("second Begin should succeed (at cap)")
	}
	if b.Begin(1, 3, now) {
		t.Fatal("third Begin should fail once MaxInflightRepair credits are exhausted")
	}

	b.Complete(1, 1, now.Add(10*time.Millisecond))
	if !b.Begin(1, 3, now) {
		t.Fatal("Begin should succeed again once a credit is released by Complete")
	}
}

func TestRepairBudgetCompleteUpdatesEWMA(t *testing.T) {
	cfg := DefaultConfig()
	b := NewRepairBudget(cfg)
	now := time.Now()

	b.Begin(1, 1, now)
	b.Complete(1, 1, now.Add(100*time.Millisecond))
	first := b.EWMA(1)
	if first != 100*time.Millisecond {
		t.Fatalf("first EWMA sample = %v, want exactly the observed RTT", first)
	}

	b.Begin(1, 2, now)
	b.Complete(1, 2, now.Add(200*time.Millisecond))
	second := b.EWMA(1)
	want := time.Duration(cfg.EWMAAlpha*float64(200*time.Millisecond) + (1-cfg.EWMAAlpha)*float64(100*time.Millisecond))
	if second != want {
		t.Fatalf("EWMA after second sample = %v, want %v", second, want)
	}
}

func TestRepairBudgetTimeoutDoublesEWMA(t *testing.T) {
	cfg := DefaultConfig()
	b := NewRepairBudget(cfg)
	now := time.Now()
	b.Begin(1, 1, now)
	b.Complete(1, 1, now.Add(50*time.Millisecond))

	b.Begin(1, 2, now)
	b.Timeout(1, 2)
	if got, want := b.EWMA(1), 100*time.Millisecond; got != want {
		t.Fatalf("EWMA after timeout = %v, want %v (doubled)", got, want)
	}
}

func TestRepairBudgetSelectTargetPrefersLowestEWMAMostOfTheTime(t *testing.T) {
	cfg := DefaultConfig()
	b := NewRepairBudget(cfg)
	now := time.Now()

	b.Begin(1, 1, now)
	b.Complete(1, 1, now.Add(10*time.Millisecond)) // fast peer
	b.Begin(2, 1, now)
	b.Complete(2, 1, now.Add(500*time.Millisecond)) // slow peer

	counts := map[types.ReplicaId]int{}
	for i := 0; i < 500; i++ {
		target, ok := b.SelectTarget([]types.ReplicaId{1, 2})
		if !ok {
			t.Fatal("expected a target to be selectable")
		}
		counts[target]++
	}
	if counts[1] < counts[2] {
		t.Fatalf("expected the lower-EWMA peer to be preferred: counts = %v", counts)
	}
	if counts[2] == 0 {
		t.Fatal("expected the slower peer to still be explored occasionally")
	}
}

func TestRepairBudgetSelectTargetExcludesExhaustedPeers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxInflightRepair = 1
	b := NewRepairBudget(cfg)
	now := time.Now()
	b.Begin(1, 1, now)

	if _, ok := b.SelectTarget([]types.ReplicaId{1}); ok {
		t.Fatal("expected the only candidate to be excluded once its credit is exhausted")
	}
}

func TestQuorumAllowsTruncationRequiresFPlusOneNotSeen(t *testing.T) {
	// clusterSize 5 -> f = 2, needs at least 3 NotSeen.
	nacks := []NackReason{NackNotSeen, NackNotSeen, NackSeenButCorrupt}
	if QuorumAllowsTruncation(nacks, 5) {
		t.Fatal("2 NotSeen out of f+1=3 required must not allow truncation")
	}
	nacks = append(nacks, NackNotSeen)
	if !QuorumAllowsTruncation(nacks, 5) {
		t.Fatal("3 NotSeen should satisfy f+1 for clusterSize 5")
	}
}

func TestQuorumAllowsTruncationRejectsOnSeenButCorruptAlone(t *testing.T) {
	nacks := []NackReason{NackSeenButCorrupt, NackSeenButCorrupt, NackSeenButCorrupt}
	if QuorumAllowsTruncation(nacks, 3) {
		t.Fatal("SeenButCorrupt reports alone must never authorize truncation")
	}
}

func TestOnRepairRequestRespondsWithEntriesOrNack(t *testing.T) {
	net, replicas := newCluster(t, 3)
	holder := replicas[1]
	holder.log = []LogEntry{sampleEntry(1), sampleEntry(2)}
	holder.commitNumber = 2
	holder.opNumber = 2

	holder.OnRepairRequest(RepairRequest{OpRangeStart: 1, OpRangeEnd: 3, Replica: 2})
	if len(net.queue) != 1 || net.queue[0].kind != KindRepairResponse {
		t.Fatalf("expected one RepairResponse, got %+v", net.queue)
	}
	resp, err := DecodeRepairResponse(net.queue[0].payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Entries) != 2 {
		t.Fatalf("response carries %d entries, want 2", len(resp.Entries))
	}

	net.queue = nil
	holder.OnRepairRequest(RepairRequest{OpRangeStart: 5, OpRangeEnd: 7, Replica: 3})
	if len(net.queue) != 1 || net.queue[0].kind != KindRepairNack {
		t.Fatalf("expected a RepairNack for an unheld range, got %+v", net.queue)
	}
	nack, err := DecodeRepairNack(net.queue[0].payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if nack.Reason != NackNotSeen {
		t.Fatalf("reason = %v, want NotSeen", nack.Reason)
	}
}

func TestOnRepairNackTruncatesUncommittedTailOnQuorum(t *testing.T) {
	_, replicas := newCluster(t, 3)
	r := replicas[1]
	r.log = []LogEntry{sampleEntry(1), sampleEntry(2), sampleEntry(3)}
	r.commitNumber = 1
	r.opNumber = 3
	r.repair.Begin(2, 3, time.Now())
	r.repair.Begin(3, 3, time.Now())

	r.OnRepairNack(RepairNack{Op: 3, Reason: NackNotSeen, Replica: 2})
	if len(r.log) != 3 {
		t.Fatalf("a single NotSeen nack (f=1 needs 2) must not truncate yet, len(log) = %d", len(r.log))
	}
	if got := r.repair.EWMA(2); got != 0 {
		t.Fatalf("Release must not touch EWMA, got %v", got)
	}

	r.OnRepairNack(RepairNack{Op: 3, Reason: NackNotSeen, Replica: 3})
	if len(r.log) != 2 {
		t.Fatalf("len(log) after quorum = %d, want 2 (truncated at op 3)", len(r.log))
	}
	if r.opNumber != 2 {
		t.Fatalf("opNumber after truncation = %d, want 2", r.opNumber)
	}
}

func TestOnRepairNackNeverTruncatesAtOrBeforeCommit(t *testing.T) {
	_, replicas := newCluster(t, 3)
	r := replicas[1]
	r.log = []LogEntry{sampleEntry(1), sampleEntry(2)}
	r.commitNumber = 2
	r.opNumber = 2

	r.OnRepairNack(RepairNack{Op: 2, Reason: NackNotSeen, Replica: 2})
	r.OnRepairNack(RepairNack{Op: 2, Reason: NackNotSeen, Replica: 3})
	if len(r.log) != 2 {
		t.Fatalf("a committed op must never be truncated by nacks, len(log) = %d", len(r.log))
	}
}

func TestOnRepairNackSeenButCorruptAloneNeverTruncates(t *testing.T) {
	_, replicas := newCluster(t, 5)
	r := replicas[1]
	r.log = make([]LogEntry, 5)
	for i := range r.log {
		r.log[i] = sampleEntry(types.OpNumber(i + 1))
	}
	r.commitNumber = 2
	r.opNumber = 5

	for _, peer := range []types.ReplicaId{2, 3, 4, 5} {
		r.OnRepairNack(RepairNack{Op: 5, Reason: NackSeenButCorrupt, Replica: peer})
	}
	if len(r.log) != 5 {
		t.Fatalf("SeenButCorrupt-only nacks must never authorize truncation, len(log) = %d", len(r.log))
	}
}

func TestOnRepairResponseSplicesEntriesAndDrainsReorderBuffer(t *testing.T) {
	_, replicas := newCluster(t, 3)
	r := replicas[1]

	e1, e2 := sampleEntry(1), sampleEntry(2)
	r.repair.Begin(2, 1, time.Now())
	if err := r.OnRepairResponse(RepairResponse{Entries: []LogEntry{e1, e2}, Replica: 2}, time.Now()); err != nil {
		t.Fatalf("OnRepairResponse: %v", err)
	}
	if r.OpNumber() != 2 {
		t.Fatalf("op_number = %d, want 2 after repair splice", r.OpNumber())
	}
	if len(r.log) != 2 {
		t.Fatalf("log has %d entries, want 2", len(r.log))
	}
}

func TestOnRepairResponseRejectsInvalidChecksum(t *testing.T) {
	_, replicas := newCluster(t, 3)
	r := replicas[1]
	bad := sampleEntry(1)
	bad.Checksum++
	if err := r.OnRepairResponse(RepairResponse{Entries: []LogEntry{bad}, Replica: 2}, time.Now()); err == nil {
		t.Fatal("expected a tampered repair entry to be rejected")
	}
}

func TestRequestRepairSendsToSelectedTarget(t *testing.T) {
	net, replicas := newCluster(t, 3)
	r := replicas[1]
	now := time.Now()

	if !r.RequestRepair(1, 3, now) {
		t.Fatal("expected RequestRepair to find an eligible peer and succeed")
	}
	if len(net.queue) != 1 || net.queue[0].kind != KindRepairRequest {
		t.Fatalf("expected one RepairRequest on the wire, got %+v", net.queue)
	}
	req, err := DecodeRepairRequest(net.queue[0].payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.OpRangeStart != 1 || req.OpRangeEnd != 3 {
		t.Fatalf("request range = [%d,%d), want [1,3)", req.OpRangeStart, req.OpRangeEnd)
	}
}

func TestRequestRepairFailsWhenNoCreditAvailable(t *testing.T) {
	_, replicas := newCluster(t, 2)
	r := replicas[1]
	r.cfg.MaxInflightRepair = 1
	r.repair = NewRepairBudget(r.cfg)
	now := time.Now()

	if !r.RequestRepair(1, 2, now) {
		t.Fatal("first request should succeed")
	}
	if r.RequestRepair(3, 4, now) {
		t.Fatal("second request should fail once the only peer's credit is exhausted")
	}
}

func TestCheckRepairTimeoutsPenalizesAndRetries(t *testing.T) {
	net, replicas := newCluster(t, 3)
	r := replicas[1]
	r.cfg.RepairTimeout = 50 * time.Millisecond
	r.repair = NewRepairBudget(r.cfg)
	start := time.Now()

	if !r.RequestRepair(1, 2, start) {
		t.Fatal("setup: expected RequestRepair to succeed")
	}
	net.queue = nil

	r.mu.Lock()
	r.checkRepairTimeouts(start.Add(10 * time.Millisecond))
	r.mu.Unlock()
	if len(net.queue) != 0 {
		t.Fatalf("must not retry before cfg.RepairTimeout elapses, got %+v", net.queue)
	}

	r.mu.Lock()
	r.checkRepairTimeouts(start.Add(60 * time.Millisecond))
	r.mu.Unlock()
	if len(net.queue) != 1 || net.queue[0].kind != KindRepairRequest {
		t.Fatalf("expected exactly one retried RepairRequest, got %+v", net.queue)
	}
	if got, want := r.repair.EWMA(2), r.cfg.RepairTimeout; got != want {
		t.Fatalf("EWMA after first-ever timeout = %v, want seeded to cfg.RepairTimeout (%v)", got, want)
	}
}

func TestOnRepairTimeoutPenalizesAndRetries(t *testing.T) {
	net, replicas := newCluster(t, 3)
	r := replicas[1]
	now := time.Now()
	r.repair.Begin(2, 1, now)

	r.OnRepairTimeout(2, 1, now.Add(time.Second))

	if len(net.queue) != 1 || net.queue[0].kind != KindRepairRequest {
		t.Fatalf("expected OnRepairTimeout to retry with a new RepairRequest, got %+v", net.queue)
	}
	if got, want := r.repair.EWMA(2), r.cfg.RepairTimeout; got != want {
		t.Fatalf("EWMA after timeout = %v, want seeded to cfg.RepairTimeout (%v)", got, want)
	}
}
