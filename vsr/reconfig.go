package vsr

// Joint-consensus reconfiguration (spec.md §4.4.5). A Reconfig command
// travels through ordinary consensus like any other command; while it is
// in flight, quorums must be gathered in both the old and the new replica
// set so that a reconfiguration cannot silently drop below the old
// cluster's fault tolerance before the new one takes over. Grounded on
// the *shape* of node/store/reorg.go's staged two-phase application
// (disconnect old history, connect new history) generalized from a chain
// reorg to an old-config/new-config joint operation.

import "kimberlite.dev/core/types"

// BeginReconfig is called by the kernel's Reconfig effect handler (via the
// runtime shell) once a Reconfig command commits, installing the joint
// window so DoViewChange/StartView carry it through any concurrent view
// change (spec.md §4.4.5: "reconfig_state is carried ... so that in-flight
// reconfigurations survive leader failure").
func (r *Replica) BeginReconfig(newSet []types.ReplicaId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconfig = &ReconfigState{
		OldSet:    append([]types.ReplicaId(nil), r.replicaSet...),
		NewSet:    append([]types.ReplicaId(nil), newSet...),
		Committed: false,
	}
}

// JointQuorumSatisfied reports whether votes — the set of replicas that
// have acknowledged some operation — forms a quorum in both the old and
// new replica sets of an in-flight reconfiguration. Outside a joint
// window (rc == nil) this degenerates to an ordinary single-set quorum
// check against currentSet.
func JointQuorumSatisfied(rc *ReconfigState, votes map[types.ReplicaId]bool, currentSet []types.ReplicaId) bool {
	if rc == nil {
		return countVotes(votes, currentSet) >= Quorum(len(currentSet))
	}
	return countVotes(votes, rc.OldSet) >= Quorum(len(rc.OldSet)) &&
		countVotes(votes, rc.NewSet) >= Quorum(len(rc.NewSet))
}

func countVotes(votes map[types.ReplicaId]bool, set []types.ReplicaId) int {
	n := 0
	for _, id := range set {
		if votes[id] {
			n++
		}
	}
	return n
}

// CommitReconfig finalizes an in-flight reconfiguration once the joint
// window's Reconfig command itself has committed under the joint quorum
// rule: the replica adopts the new set as its sole voting membership and
// clears the joint-consensus state (spec.md §4.4.5 "then the new set
// takes over").
func (r *Replica) CommitReconfig() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reconfig == nil {
		return
	}
	r.replicaSet = append([]types.ReplicaId(nil), r.reconfig.NewSet...)
	r.reconfig = nil
	if r.standby {
		for _, id := range r.replicaSet {
			if id == r.id {
				r.promoteStandbyLocked()
				break
			}
		}
	}
}

// PromoteStandby reconfigures this (standby) replica into the voting set.
// Per spec.md §9's Open Question resolution, promotion is always an
// explicit Reconfig command — there is no automatic promotion path outside
// of CommitReconfig finding this replica's own id in the newly committed
// set, which is what actually drives promotion; this exported form exists
// for a caller that already knows (out of band) that it has been promoted
// and wants to flip local state without waiting for that commit to land.
func (r *Replica) PromoteStandby() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promoteStandbyLocked()
}

func (r *Replica) promoteStandbyLocked() {
	r.standby = false
	if r.status == StatusStandby {
		r.status = StatusNormal
	}
}
