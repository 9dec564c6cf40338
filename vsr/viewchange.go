package vsr

// View change: electing a new leader when the current one is suspected
// failed (spec.md §4.4.2). Grounded on node/store/reorg.go's
// findForkPoint/pathFromAncestor — both are "walk two candidate histories
// to a deterministic selection point, tie-broken by a total order" —
// generalized here from fork-choice between two chain tips to
// canonical-log selection among up to n candidate DoViewChange messages.

import (
	"sort"

	"kimberlite.dev/core/types"
)

// BeginViewChange transitions this replica into ViewChange status for the
// next view and broadcasts StartViewChange (spec.md §4.4.2 step 1).
// Only the package's tests call it; a backup's heartbeat timeout
// (checkLeaderLiveness) enters the same transition through
// beginViewChangeLocked. There is no leader commit-stall or
// PrepareOk-quorum timeout trigger.
func (r *Replica) BeginViewChange() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beginViewChangeLocked(r.view + 1)
}

func (r *Replica) beginViewChangeLocked(next types.ViewNumber) {
	if next <= r.view && r.status != StatusViewChange {
		return
	}
	r.view = next
	r.status = StatusViewChange
	r.viewChangeAttempts++
	r.kernelState.ClearUncommitted()
	r.transport.Broadcast(KindStartViewChange, StartViewChange{View: r.view, Replica: r.id}.Encode())
}

// OnStartViewChange handles a peer's StartViewChange (spec.md §4.4.2 step 2).
// On gathering f+1 (including its own, implicitly counted once this
// replica has also started its own view change for the same view), the
// replica sends DoViewChange to the prospective new leader.
func (r *Replica) OnStartViewChange(msg StartViewChange) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.View < r.view {
		return
	}
	if msg.View > r.view || r.status != StatusViewChange {
		r.beginViewChangeLocked(msg.View)
	}

	votes, ok := r.startViewChangeReceived[msg.View]
	if !ok {
		votes = make(map[types.ReplicaId]bool)
		r.startViewChangeReceived[msg.View] = votes
	}
	votes[msg.Replica] = true
	votes[r.id] = true

	if len(votes) < Quorum(len(r.replicaSet)) {
		return
	}

	tail := append([]LogEntry(nil), r.log[r.commitNumber:r.opNumber]...)
	dvc := DoViewChange{
		View:          msg.View,
		Op:            r.opNumber,
		Commit:        r.commitNumber,
		LogView:       r.viewNormal,
		LogTail:       tail,
		Replica:       r.id,
		ReconfigState: r.reconfig,
	}
	r.transport.SendTo(r.leaderFor(msg.View), KindDoViewChange, dvc.Encode())
}

// selectCanonicalLog picks, among a set of DoViewChange messages from
// distinct replicas, the one whose (view, log) pair a new leader must
// adopt as canonical (spec.md §4.4.2 step 3):
//
//  1. Maximum log_view (the most recent view in which any of these
//     replicas was Normal — an older log_view cannot have seen a later
//     commit).
//  2. Among those, maximum op_number.
//  3. Ties broken by the last entry's checksum (lower wins), then by
//     replica id (lower wins).
//
// Choosing by op_number alone, without the log_view tie-break, permits a
// replica that merely has a longer *uncommitted* tail from a stale view
// to be preferred over one with a shorter but more recent committed
// history — the subtle bug this rule exists to close (spec.md §4.4.2).
func selectCanonicalLog(msgs []DoViewChange) DoViewChange {
	if len(msgs) == 0 {
		return DoViewChange{}
	}
	best := append([]DoViewChange(nil), msgs...)
	sort.Slice(best, func(i, j int) bool {
		a, b := best[i], best[j]
		if a.LogView != b.LogView {
			return a.LogView > b.LogView
		}
		if a.Op != b.Op {
			return a.Op > b.Op
		}
		ac, bc := lastChecksum(a), lastChecksum(b)
		if ac != bc {
			return ac < bc
		}
		return a.Replica < b.Replica
	})
	return best[0]
}

func lastChecksum(m DoViewChange) uint32 {
	if len(m.LogTail) == 0 {
		return 0
	}
	return m.LogTail[len(m.LogTail)-1].Checksum
}

// adoptLog builds a replica's new log after accepting a canonical (commit,
// tail) pair: DoViewChange/StartView only carry the uncommitted suffix past
// commit, not the full history, so the committed prefix has to come from
// this replica's own log. Ops this replica never saw below commit become
// zero-value gaps — invalid per LogEntry.Valid(), but never applied a
// second time (advanceCommit only walks ops past commitNumber) and left for
// repair to backfill before anything reads them. Preserves the
// log[i].OpNumber == i+1 indexing invariant replica.go depends on.
func adoptLog(own []LogEntry, commit types.CommitNumber, tail []LogEntry) []LogEntry {
	out := make([]LogEntry, 0, uint64(commit)+uint64(len(tail)))
	prefixLen := uint64(len(own))
	if prefixLen > uint64(commit) {
		prefixLen = uint64(commit)
	}
	out = append(out, own[:prefixLen]...)
	for uint64(len(out)) < uint64(commit) {
		out = append(out, LogEntry{})
	}
	out = append(out, tail...)
	return out
}

// OnDoViewChange is called on the prospective new leader for view v as
// DoViewChange messages arrive. Once f+1 have been received (including a
// synthetic one for itself), it selects the canonical log, adopts it, and
// broadcasts StartView (spec.md §4.4.2 step 3).
func (r *Replica) OnDoViewChange(msg DoViewChange) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.leaderFor(msg.View) != r.id {
		return
	}
	wantTail := uint64(msg.Op) - uint64(msg.Commit)
	if uint64(len(msg.LogTail)) != wantTail {
		return // malformed claim, reject per spec.md §4.4.2 Byzantine hardening
	}

	votes, ok := r.doViewChangeReceived[msg.View]
	if !ok {
		votes = make(map[types.ReplicaId]DoViewChange)
		r.doViewChangeReceived[msg.View] = votes
	}
	votes[msg.Replica] = msg

	self := DoViewChange{
		View:          msg.View,
		Op:            r.opNumber,
		Commit:        r.commitNumber,
		LogView:       r.viewNormal,
		LogTail:       append([]LogEntry(nil), r.log[r.commitNumber:r.opNumber]...),
		Replica:       r.id,
		ReconfigState: r.reconfig,
	}
	votes[r.id] = self

	if len(votes) < Quorum(len(r.replicaSet)) {
		return
	}

	all := make([]DoViewChange, 0, len(votes))
	maxCommit := types.CommitNumber(0)
	for _, v := range votes {
		all = append(all, v)
		if v.Commit > maxCommit {
			maxCommit = v.Commit
		}
	}
	canonical := selectCanonicalLog(all)
	if uint64(canonical.Commit) > uint64(canonical.Op) {
		// A mutated claim (spec.md §8 scenario 2): commit_number must
		// never exceed op_number. Reject the whole view-change round
		// rather than adopt a corrupted log.
		delete(r.doViewChangeReceived, msg.View)
		return
	}

	r.view = msg.View
	r.log = adoptLog(r.log, maxCommit, canonical.LogTail)
	r.opNumber = canonical.Op
	r.commitNumber = maxCommit
	r.viewNormal = msg.View
	r.status = StatusNormal
	r.reconfig = canonical.ReconfigState
	r.pendingPrepareOks = make(map[types.OpNumber]map[types.ReplicaId]bool)
	r.nacks = make(map[types.OpNumber]map[types.ReplicaId]NackReason)
	delete(r.doViewChangeReceived, msg.View)

	sv := StartView{View: r.view, Op: r.opNumber, Commit: r.commitNumber, LogTail: r.log, ReconfigState: r.reconfig}
	r.transport.Broadcast(KindStartView, sv.Encode())
}

// OnStartView adopts the new leader's canonical log (spec.md §4.4.2 step
// 4). The guard — accept only a strictly newer view, or the same view
// while still in ViewChange — prevents a duplicate or replayed StartView
// from overwriting an already-Normal replica's log.
func (r *Replica) OnStartView(msg StartView) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !(msg.View > r.view || (msg.View == r.view && r.status == StatusViewChange)) {
		return nil
	}
	if len(msg.LogTail) > r.cfg.MaxLogTailEntries {
		return errLogTailTooLong
	}

	r.view = msg.View
	r.log = adoptLog(r.log, msg.Commit, msg.LogTail)
	r.opNumber = msg.Op
	r.reconfig = msg.ReconfigState
	if msg.Commit > r.commitNumber {
		r.advanceCommit(msg.Commit)
	} else {
		r.commitNumber = msg.Commit
	}
	r.status = StatusNormal
	r.viewNormal = msg.View
	r.pendingPrepareOks = make(map[types.OpNumber]map[types.ReplicaId]bool)
	r.nacks = make(map[types.OpNumber]map[types.ReplicaId]NackReason)
	return nil
}

var errLogTailTooLong = vsrErr("vsr: StartView log_tail exceeds MAX_LOG_TAIL_ENTRIES")

type vsrErr string

func (e vsrErr) Error() string { return string(e) }
