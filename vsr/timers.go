package vsr

// Timer-driven housekeeping the runtime's event loop is expected to call
// periodically: reorder-buffer gap escalation (spec.md §4.4.1 step 2) and
// repair-request timeout penalties (spec.md §4.4.3). vsr never schedules
// its own timers — the single-threaded cooperative core only suspends at
// network I/O, storage I/O, and timer expiries (spec.md §5), and timer
// expiry delivery is the runtime's job.

import (
	"time"

	"kimberlite.dev/core/types"
)

// Tick is called by the runtime on every timer-wheel pass. now is the
// runtime's wall clock, used only for reorder-buffer/repair deadlines and
// heartbeat/liveness timing — never for anything the kernel or the
// committed log depends on. The runtime is expected to call Tick far more
// often than cfg.HeartbeatInterval; maybeSendHeartbeatsLocked and
// checkLeaderLiveness rate-limit themselves against the last heartbeat
// sent or received.
func (r *Replica) Tick(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escalateReorderGaps(now)
	r.checkRepairTimeouts(now)
	r.checkLeaderLiveness(now)
	r.maybeSendHeartbeatsLocked(now)
}

// escalateReorderGaps sends a WriteReorderGapRequest for any buffered
// entry whose 100ms deadline has expired, then a full RepairRequest if it
// is still unfilled by the time escalation already happened once
// (spec.md §4.4.1 step 2). Caller must hold r.mu.
func (r *Replica) escalateReorderGaps(now time.Time) {
	for op, buffered := range r.reorderBuffer {
		if now.Sub(buffered.received) < r.cfg.ReorderDeadline {
			continue
		}
		if !buffered.escalated {
			buffered.escalated = true
			r.reorderBuffer[op] = buffered
			r.transport.SendTo(r.leaderFor(r.view), KindWriteReorderGapRequest,
				WriteReorderGapRequest{FromOp: r.opNumber + 1, ToOp: op, Replica: r.id}.Encode())
			continue
		}
		r.requestRepairLocked(r.opNumber+1, op+1, now)
	}
}

// OnWriteReorderGapRequest answers a peer's lightweight gap-fill request
// with whatever of the requested op range this replica already has in
// its own log, best effort — a miss just falls back to the requester's
// own escalation to a full RepairRequest on its next Tick, so unlike
// OnRepairRequest this never nacks. Grounded on the same wire-service
// correspondence as OnRepairRequest, scoped down to a single response
// with no quorum consequences.
func (r *Replica) OnWriteReorderGapRequest(msg WriteReorderGapRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.FromOp >= msg.ToOp {
		return
	}
	entries := make([]LogEntry, 0, int(msg.ToOp-msg.FromOp))
	for op := msg.FromOp; op < msg.ToOp && op <= types.OpNumber(len(r.log)); op++ {
		entry := r.log[op-1]
		if !entry.Valid() {
			break
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return
	}
	r.transport.SendTo(msg.Replica, KindWriteReorderGapResponse,
		WriteReorderGapResponse{Entries: entries, Replica: r.id}.Encode())
}

// OnWriteReorderGapResponse splices in whatever contiguous entries a gap
// fill answer supplied, the same way OnRepairResponse does, then retries
// draining the reorder buffer now that the gap may be closed. No repair
// credit is involved: this path runs before a RepairRequest is ever sent.
func (r *Replica) OnWriteReorderGapResponse(msg WriteReorderGapResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range msg.Entries {
		if !entry.Valid() {
			return
		}
		if uint64(entry.OpNumber) > uint64(len(r.log))+1 {
			continue
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
	}
	r.drainReorderBuffer()
}

func (r *Replica) peersExcludingSelf() []types.ReplicaId {
	out := make([]types.ReplicaId, 0, len(r.replicaSet)-1)
	for _, id := range r.replicaSet {
		if id != r.id {
			out = append(out, id)
		}
	}
	return out
}
