package vsr

// Crashed-replica rejoin (spec.md §4.4.4). Grounded on node/p2p/peer.go's
// handshake-then-catch-up sequencing, generalized from a gossip peer
// learning the network's best chain to a VSR replica recovering its own
// state from a quorum of its peers.

import (
	"time"

	"kimberlite.dev/core/kernel"
	"kimberlite.dev/core/types"
)

// BeginRecovery transitions this replica into Recovering status and
// broadcasts RecoveryRequest carrying a fresh nonce. The nonce is supplied
// by the caller (rather than generated here) so that freshness comes from
// whatever entropy source the deployment trusts — vsr itself stays free
// of direct randomness, matching the kernel's no-RNG discipline even
// though this is shell-side, not kernel, code.
func (r *Replica) BeginRecovery(nonce uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusRecovering
	r.recoveryNonce = nonce
	r.recoveryResponses[nonce] = make(map[types.ReplicaId]RecoveryResponse)
	r.transport.Broadcast(KindRecoveryRequest, RecoveryRequest{Nonce: nonce, Replica: r.id}.Encode())
}

// OnRecoveryRequest answers a peer's RecoveryRequest with this replica's
// current state, echoing its nonce so the requester can match responses
// to its own in-flight recovery attempt. A replica that is itself
// Recovering does not answer — its own state is not yet trustworthy.
func (r *Replica) OnRecoveryRequest(msg RecoveryRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusRecovering {
		return
	}
	resp := RecoveryResponse{
		Nonce:   msg.Nonce,
		View:    r.view,
		Op:      r.opNumber,
		Commit:  r.commitNumber,
		Log:     append([]LogEntry(nil), r.log...),
		Replica: r.id,
	}
	r.transport.SendTo(msg.Replica, KindRecoveryResponse, resp.Encode())
}

// OnRecoveryResponse collects responses for the recovering replica's
// outstanding nonce. Once f+1 have arrived, it adopts the response with
// the highest (log_view, op_number) — using the responder's reported view
// as a proxy for log_view, since a responding replica only reports state
// it currently holds as Normal or Standby — applies every op through the
// kernel from scratch, and returns to Normal (spec.md §4.4.4 step 2).
//
// Invariant preserved: because a crashed replica only persists its
// committed log to disk (spec.md §4.4.4 step 3), whatever this replica
// discards by adopting a peer's state was, by construction, never
// committed on this replica either — no committed op is ever lost.
func (r *Replica) OnRecoveryResponse(msg RecoveryResponse) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusRecovering || msg.Nonce != r.recoveryNonce {
		return false
	}
	votes := r.recoveryResponses[msg.Nonce]
	votes[msg.Replica] = msg
	if len(votes) < Quorum(len(r.replicaSet)) {
		return false
	}

	var best RecoveryResponse
	haveBest := false
	for _, v := range votes {
		if !haveBest || v.View > best.View || (v.View == best.View && v.Op > best.Op) {
			best, haveBest = v, true
		}
	}

	r.kernelState = rebuildKernelState(best.Log[:best.Commit])
	r.view = best.View
	r.viewNormal = best.View
	r.log = append([]LogEntry(nil), best.Log...)
	r.opNumber = best.Op
	r.commitNumber = best.Commit
	r.status = StatusNormal
	delete(r.recoveryResponses, msg.Nonce)
	return true
}

// rebuildKernelState replays committed entries against a fresh kernel
// state, used when recovery adopts a peer's log wholesale rather than
// incrementally applying just the tail this replica was missing. Effects
// are discarded — they already executed wherever this log was originally
// committed; recovery only needs the resulting catalog/session state.
func rebuildKernelState(committed []LogEntry) *kernel.State {
	state := kernel.NewState()
	for _, entry := range committed {
		cmd, err := kernel.DecodeCommand(entry.CommandPayload)
		if err != nil {
			panic("vsr: recovery: fatal: committed entry failed to decode: " + err.Error())
		}
		next, _, _, err := kernel.ApplyCommitted(state, entry.ClientId, entry.RequestNumber, entry.IdempotencyId, cmd)
		if err != nil {
			panic("vsr: recovery: fatal: committed entry failed to reapply: " + err.Error())
		}
		state = next
	}
	return state
}

// RecoveryTimeout is a 2s bound on waiting for a quorum of
// RecoveryResponses. Nothing in the module reads it: BeginRecovery
// broadcasts once, and no caller re-broadcasts RecoveryRequest with a new
// nonce when it expires.
const RecoveryTimeout = 2 * time.Second
