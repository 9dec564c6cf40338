package vsr

// Credit-budgeted log repair (spec.md §4.4.3). Grounded on node/sync.go's
// SyncEngine bounded header-batch-request flow (a request budget against
// a single best-latency peer) and node/p2p/banscore.go's decay-timer
// arithmetic, adapted here into an EWMA round-trip estimator used for
// target selection instead of a penalty score.

import (
	"math/rand/v2"
	"sync"
	"time"

	"kimberlite.dev/core/types"
)

type repairSlot struct {
	inflight int
	ewma     time.Duration
	sent     map[types.OpNumber]time.Time
}

// RepairBudget tracks, per remote replica, how many repair requests are
// currently outstanding (capped at cfg.MaxInflightRepair) and an EWMA of
// observed round-trip latency used to prefer fast peers while still
// exploring occasionally (spec.md §4.4.3).
type RepairBudget struct {
	mu    sync.Mutex
	cfg   Config
	peers map[types.ReplicaId]*repairSlot
	rng   *rand.Rand
}

func NewRepairBudget(cfg Config) *RepairBudget {
	return &RepairBudget{
		cfg:   cfg,
		peers: make(map[types.ReplicaId]*repairSlot),
		rng:   rand.New(rand.NewPCG(1, 2)),
	}
}

func (b *RepairBudget) slot(id types.ReplicaId) *repairSlot {
	s, ok := b.peers[id]
	if !ok {
		s = &repairSlot{sent: make(map[types.OpNumber]time.Time)}
		b.peers[id] = s
	}
	return s
}

// SelectTarget picks a candidate replica to send a repair request to:
// 90% of the time the one with the lowest EWMA latency that still has a
// free credit slot, 10% of the time a random eligible candidate, so that
// a newly-joined or previously-slow peer is occasionally re-sampled
// rather than permanently starved.
func (b *RepairBudget) SelectTarget(candidates []types.ReplicaId) (types.ReplicaId, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	eligible := make([]types.ReplicaId, 0, len(candidates))
	for _, c := range candidates {
		if b.slot(c).inflight < b.cfg.MaxInflightRepair {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return 0, false
	}
	if b.rng.Float64() < 0.10 {
		return eligible[b.rng.IntN(len(eligible))], true
	}
	best := eligible[0]
	bestEWMA := b.slot(best).ewma
	for _, c := range eligible[1:] {
		if e := b.slot(c).ewma; e < bestEWMA {
			best, bestEWMA = c, e
		}
	}
	return best, true
}

// Begin reserves a credit slot for a request to replica for op, returning
// false if the replica already has MaxInflightRepair requests outstanding
// (spec.md §4.4.3 "Max 2 inflight repair requests per remote replica").
func (b *RepairBudget) Begin(replica types.ReplicaId, op types.OpNumber, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.slot(replica)
	if s.inflight >= b.cfg.MaxInflightRepair {
		return false
	}
	s.inflight++
	s.sent[op] = now
	return true
}

// Complete releases the credit slot for (replica, op) and folds the
// observed round-trip time into that peer's EWMA.
func (b *RepairBudget) Complete(replica types.ReplicaId, op types.OpNumber, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.slot(replica)
	if sentAt, ok := s.sent[op]; ok {
		rtt := now.Sub(sentAt)
		if s.ewma == 0 {
			s.ewma = rtt
		} else {
			alpha := b.cfg.EWMAAlpha
			s.ewma = time.Duration(alpha*float64(rtt) + (1-alpha)*float64(s.ewma))
		}
		delete(s.sent, op)
	}
	if s.inflight > 0 {
		s.inflight--
	}
}

// Timeout releases the credit slot for (replica, op) and doubles that
// peer's EWMA so future selection deprioritizes it (spec.md §4.4.3: "on
// timeout the replica's EWMA latency is penalized (×2)").
func (b *RepairBudget) Timeout(replica types.ReplicaId, op types.OpNumber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.slot(replica)
	delete(s.sent, op)
	if s.inflight > 0 {
		s.inflight--
	}
	if s.ewma == 0 {
		s.ewma = b.cfg.RepairTimeout
	} else {
		s.ewma *= 2
	}
}

// EWMA returns the current round-trip estimate for replica, for tests and
// observability.
func (b *RepairBudget) EWMA(replica types.ReplicaId) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slot(replica).ewma
}

// Release frees the credit slot for (replica, op) without adjusting the
// EWMA estimate — used when a RepairRequest is answered with a RepairNack
// rather than timing out or being satisfied by a RepairResponse.
func (b *RepairBudget) Release(replica types.ReplicaId, op types.OpNumber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.slot(replica)
	delete(s.sent, op)
	if s.inflight > 0 {
		s.inflight--
	}
}

// repairTimeout identifies one outstanding repair request that has
// exceeded cfg.RepairTimeout.
type repairTimeout struct {
	Replica types.ReplicaId
	Op      types.OpNumber
}

// SweepTimeouts reports every outstanding repair request older than
// cfg.RepairTimeout, without releasing its credit or adjusting EWMA —
// the caller is expected to follow up with Timeout (or OnRepairTimeout,
// which does both plus a retry) for each entry returned.
func (b *RepairBudget) SweepTimeouts(now time.Time) []repairTimeout {
	b.mu.Lock()
	defer b.mu.Unlock()
	var expired []repairTimeout
	for replica, slot := range b.peers {
		for op, sentAt := range slot.sent {
			if now.Sub(sentAt) >= b.cfg.RepairTimeout {
				expired = append(expired, repairTimeout{Replica: replica, Op: op})
			}
		}
	}
	return expired
}

// RequestRepair asks a peer, chosen by RepairBudget, to fill the gap
// [start, end) in this replica's log. Returns false if no peer currently
// has spare repair credit.
func (r *Replica) RequestRepair(start, end types.OpNumber, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requestRepairLocked(start, end, now)
}

// requestRepairLocked is RequestRepair's body, factored out so the Tick
// path (escalateReorderGaps, repair-timeout retries) can issue the same
// request without re-entering r.mu. Caller must hold r.mu.
func (r *Replica) requestRepairLocked(start, end types.OpNumber, now time.Time) bool {
	target, ok := r.repair.SelectTarget(r.peersExcludingSelf())
	if !ok {
		return false
	}
	if !r.repair.Begin(target, start, now) {
		return false
	}
	r.transport.SendTo(target, KindRepairRequest, RepairRequest{OpRangeStart: start, OpRangeEnd: end, Replica: r.id}.Encode())
	return true
}

// OnRepairRequest answers a peer's RepairRequest with whatever contiguous
// entries this replica holds in range, or a RepairNack classified per PAR
// (spec.md §4.2 "SeenButCorrupt vs NotSeen") when it does not.
func (r *Replica) OnRepairRequest(msg RepairRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.OpRangeStart >= msg.OpRangeEnd {
		return
	}
	if uint64(msg.OpRangeEnd) > uint64(r.commitNumber)+1 {
		// We don't durably hold anything at or past our own commit
		// point plus one; nothing to offer past there.
		if msg.OpRangeStart > types.OpNumber(r.commitNumber) {
			r.transport.SendTo(msg.Replica, KindRepairNack, RepairNack{Op: msg.OpRangeStart, Reason: NackNotSeen, Replica: r.id}.Encode())
			return
		}
	}
	entries := make([]LogEntry, 0, int(msg.OpRangeEnd-msg.OpRangeStart))
	for op := msg.OpRangeStart; op < msg.OpRangeEnd && op <= types.OpNumber(r.commitNumber); op++ {
		entry := r.log[op-1]
		if !entry.Valid() {
			r.transport.SendTo(msg.Replica, KindRepairNack, RepairNack{Op: op, Reason: NackSeenButCorrupt, Replica: r.id}.Encode())
			return
		}
		entries = append(entries, entry)
	}
	r.transport.SendTo(msg.Replica, KindRepairResponse, RepairResponse{Entries: entries, Replica: r.id}.Encode())
}

// OnRepairResponse validates and splices in repaired entries, releasing
// the requesting peer's repair credit.
func (r *Replica) OnRepairResponse(msg RepairResponse, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range msg.Entries {
		if !entry.Valid() {
			return types.ErrChecksumFailure
		}
		if uint64(entry.OpNumber) > uint64(len(r.log))+1 {
			continue // still a gap ahead of this entry; apply what we can
		}
		idx := int(entry.OpNumber) - 1
		if idx < len(r.log) {
			r.log[idx] = entry
		} else {
			r.log = append(r.log, entry)
		}
		if entry.OpNumber > r.opNumber {
			r.opNumber = entry.OpNumber
		}
		r.repair.Complete(msg.Replica, entry.OpNumber, now)
	}
	r.drainReorderBuffer()
	return nil
}

// OnRepairTimeout handles a RepairRequest sent to replica for op that has
// not been answered within cfg.RepairTimeout (spec.md §4.4.3: 500ms
// default). It penalizes replica's EWMA and immediately retries the same
// op against a freshly selected target. Tick finds and handles such
// timeouts itself (checkRepairTimeouts); nothing outside the package's
// tests calls OnRepairTimeout.
func (r *Replica) OnRepairTimeout(replica types.ReplicaId, op types.OpNumber, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handleRepairTimeoutLocked(replica, op, now)
}

// handleRepairTimeoutLocked is OnRepairTimeout's body, reused by Tick's
// periodic sweep (checkRepairTimeouts) which already holds r.mu and
// discovers timeouts itself instead of being told about them one at a
// time by a per-request timer. Caller must hold r.mu.
func (r *Replica) handleRepairTimeoutLocked(replica types.ReplicaId, op types.OpNumber, now time.Time) {
	r.repair.Timeout(replica, op)
	r.requestRepairLocked(op, op+1, now)
}

// checkRepairTimeouts penalizes and retries every repair request this
// replica has been waiting on past cfg.RepairTimeout. Caller must hold
// r.mu.
func (r *Replica) checkRepairTimeouts(now time.Time) {
	for _, t := range r.repair.SweepTimeouts(now) {
		r.handleRepairTimeoutLocked(t.Replica, t.Op, now)
	}
}

// QuorumAllowsTruncation reports whether enough SeenButCorrupt/NotSeen
// nacks have been gathered to safely declare an uncommitted suffix
// discardable: at least f+1 of them must be NotSeen (spec.md §4.4.3,
// Protocol-Aware Recovery). A single SeenButCorrupt report is never, by
// itself, sufficient — it signals possible silent corruption of data that
// might be committed elsewhere, not its absence.
func QuorumAllowsTruncation(nacks []NackReason, clusterSize int) bool {
	notSeen := 0
	for _, n := range nacks {
		if n == NackNotSeen {
			notSeen++
		}
	}
	return notSeen >= FaultTolerance(clusterSize)+1
}

// OnRepairNack records a peer's refusal of a RepairRequest and releases
// the sender's repair credit. An op at or before this replica's own
// commit point is never truncated — only once a quorum of NotSeen nacks
// accumulates for an op past commitNumber does this replica drop its own
// tail from that point on, per QuorumAllowsTruncation (spec.md §4.4.3).
func (r *Replica) OnRepairNack(msg RepairNack) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.repair.Release(msg.Replica, msg.Op)

	if msg.Op <= types.OpNumber(r.commitNumber) {
		return
	}
	bucket, ok := r.nacks[msg.Op]
	if !ok {
		bucket = make(map[types.ReplicaId]NackReason)
		r.nacks[msg.Op] = bucket
	}
	bucket[msg.Replica] = msg.Reason

	reasons := make([]NackReason, 0, len(bucket))
	for _, reason := range bucket {
		reasons = append(reasons, reason)
	}
	if !QuorumAllowsTruncation(reasons, len(r.replicaSet)) {
		return
	}
	idx := int(msg.Op) - 1
	if idx >= 0 && idx < len(r.log) {
		r.log = r.log[:idx]
		r.opNumber = types.OpNumber(idx)
	}
	for op := range r.nacks {
		if op >= msg.Op {
			delete(r.nacks, op)
		}
	}
}
