package vsr

// The VSR message union (spec.md §4.4). Every message carries its sender
// and (at the wire layer, via Frame) a checksum; Prepare, PrepareOk,
// Commit, StartViewChange, DoViewChange, StartView and Heartbeat also
// carry a view, while the repair, recovery and reorder-gap messages do
// not. Encode/Decode implement the deterministic field order spec.md
// §6.3 requires.

import (
	"fmt"

	"kimberlite.dev/core/types"
)

// NackReason distinguishes, in a RepairNack, whether the sender never held
// the requested op (NotSeen) or held it but can no longer read it back
// intact (SeenButCorrupt) — PAR's central distinction (spec.md §4.4.3).
type NackReason uint8

const (
	NackNotSeen NackReason = iota
	NackSeenButCorrupt
)

func (n NackReason) String() string {
	if n == NackSeenButCorrupt {
		return "SeenButCorrupt"
	}
	return "NotSeen"
}

// ReconfigState carries an in-flight joint-consensus reconfiguration
// (spec.md §4.4.5) across a view change so it is not lost if the
// reconfiguring leader fails mid-transition.
type ReconfigState struct {
	OldSet    []types.ReplicaId
	NewSet    []types.ReplicaId
	Committed bool
}

type Prepare struct {
	View    types.ViewNumber
	Op      types.OpNumber
	Entry   LogEntry
	Commit  types.CommitNumber
	Replica types.ReplicaId
}

func (m Prepare) Encode() []byte {
	w := &writer{}
	w.u64(uint64(m.View))
	w.u64(uint64(m.Op))
	w.entry(m.Entry)
	w.u64(uint64(m.Commit))
	w.u8(uint8(m.Replica))
	return w.buf
}

func DecodePrepare(b []byte) (Prepare, error) {
	r := &reader{b: b}
	var m Prepare
	view, err := r.u64()
	if err != nil {
		return m, err
	}
	op, err := r.u64()
	if err != nil {
		return m, err
	}
	entry, err := r.entry()
	if err != nil {
		return m, err
	}
	commit, err := r.u64()
	if err != nil {
		return m, err
	}
	replica, err := r.u8()
	if err != nil {
		return m, err
	}
	m.View = types.ViewNumber(view)
	m.Op = types.OpNumber(op)
	m.Entry = entry
	m.Commit = types.CommitNumber(commit)
	m.Replica = types.ReplicaId(replica)
	return m, nil
}

type PrepareOk struct {
	View    types.ViewNumber
	Op      types.OpNumber
	Replica types.ReplicaId
}

func (m PrepareOk) Encode() []byte {
	w := &writer{}
	w.u64(uint64(m.View))
	w.u64(uint64(m.Op))
	w.u8(uint8(m.Replica))
	return w.buf
}

func DecodePrepareOk(b []byte) (PrepareOk, error) {
	r := &reader{b: b}
	var m PrepareOk
	view, err := r.u64()
	if err != nil {
		return m, err
	}
	op, err := r.u64()
	if err != nil {
		return m, err
	}
	replica, err := r.u8()
	if err != nil {
		return m, err
	}
	m.View, m.Op, m.Replica = types.ViewNumber(view), types.OpNumber(op), types.ReplicaId(replica)
	return m, nil
}

type Commit struct {
	View    types.ViewNumber
	Commit  types.CommitNumber
	Replica types.ReplicaId
}

func (m Commit) Encode() []byte {
	w := &writer{}
	w.u64(uint64(m.View))
	w.u64(uint64(m.Commit))
	w.u8(uint8(m.Replica))
	return w.buf
}

func DecodeCommit(b []byte) (Commit, error) {
	r := &reader{b: b}
	var m Commit
	view, err := r.u64()
	if err != nil {
		return m, err
	}
	commit, err := r.u64()
	if err != nil {
		return m, err
	}
	replica, err := r.u8()
	if err != nil {
		return m, err
	}
	m.View, m.Commit, m.Replica = types.ViewNumber(view), types.CommitNumber(commit), types.ReplicaId(replica)
	return m, nil
}

type StartViewChange struct {
	View    types.ViewNumber
	Replica types.ReplicaId
}

func (m StartViewChange) Encode() []byte {
	w := &writer{}
	w.u64(uint64(m.View))
	w.u8(uint8(m.Replica))
	return w.buf
}

func DecodeStartViewChange(b []byte) (StartViewChange, error) {
	r := &reader{b: b}
	var m StartViewChange
	view, err := r.u64()
	if err != nil {
		return m, err
	}
	replica, err := r.u8()
	if err != nil {
		return m, err
	}
	m.View, m.Replica = types.ViewNumber(view), types.ReplicaId(replica)
	return m, nil
}

// DoViewChange carries a replica's state to the prospective leader of a
// new view. LogTail must have exactly op_number - commit_number entries;
// a shorter or longer tail is rejected by the receiving leader
// (spec.md §4.4.2 step 2, Byzantine hardening).
type DoViewChange struct {
	View          types.ViewNumber
	Op            types.OpNumber
	Commit        types.CommitNumber
	LogView       types.ViewNumber
	LogTail       []LogEntry
	Replica       types.ReplicaId
	ReconfigState *ReconfigState
}

func (m DoViewChange) Encode() []byte {
	w := &writer{}
	w.u64(uint64(m.View))
	w.u64(uint64(m.Op))
	w.u64(uint64(m.Commit))
	w.u64(uint64(m.LogView))
	w.entries(m.LogTail)
	w.u8(uint8(m.Replica))
	w.reconfig(m.ReconfigState)
	return w.buf
}

func DecodeDoViewChange(b []byte) (DoViewChange, error) {
	r := &reader{b: b}
	var m DoViewChange
	view, err := r.u64()
	if err != nil {
		return m, err
	}
	op, err := r.u64()
	if err != nil {
		return m, err
	}
	commit, err := r.u64()
	if err != nil {
		return m, err
	}
	logView, err := r.u64()
	if err != nil {
		return m, err
	}
	tail, err := r.entries()
	if err != nil {
		return m, err
	}
	replica, err := r.u8()
	if err != nil {
		return m, err
	}
	rc, err := r.reconfig()
	if err != nil {
		return m, err
	}
	m.View = types.ViewNumber(view)
	m.Op = types.OpNumber(op)
	m.Commit = types.CommitNumber(commit)
	m.LogView = types.ViewNumber(logView)
	m.LogTail = tail
	m.Replica = types.ReplicaId(replica)
	m.ReconfigState = rc

	wantLen := uint64(m.Op) - uint64(m.Commit)
	if uint64(len(m.LogTail)) != wantLen {
		return m, fmt.Errorf("vsr: DoViewChange log_tail length %d != op-commit %d", len(m.LogTail), wantLen)
	}
	return m, nil
}

// StartView establishes the canonical log at a new view.
type StartView struct {
	View          types.ViewNumber
	Op            types.OpNumber
	Commit        types.CommitNumber
	LogTail       []LogEntry
	ReconfigState *ReconfigState
}

func (m StartView) Encode() []byte {
	w := &writer{}
	w.u64(uint64(m.View))
	w.u64(uint64(m.Op))
	w.u64(uint64(m.Commit))
	w.entries(m.LogTail)
	w.reconfig(m.ReconfigState)
	return w.buf
}

func DecodeStartView(b []byte) (StartView, error) {
	r := &reader{b: b}
	var m StartView
	view, err := r.u64()
	if err != nil {
		return m, err
	}
	op, err := r.u64()
	if err != nil {
		return m, err
	}
	commit, err := r.u64()
	if err != nil {
		return m, err
	}
	tail, err := r.entries()
	if err != nil {
		return m, err
	}
	if len(tail) > MaxLogTailEntries {
		return m, fmt.Errorf("vsr: StartView log_tail of %d entries exceeds MAX_LOG_TAIL_ENTRIES", len(tail))
	}
	rc, err := r.reconfig()
	if err != nil {
		return m, err
	}
	m.View = types.ViewNumber(view)
	m.Op = types.OpNumber(op)
	m.Commit = types.CommitNumber(commit)
	m.LogTail = tail
	m.ReconfigState = rc
	return m, nil
}

type RepairRequest struct {
	OpRangeStart types.OpNumber
	OpRangeEnd   types.OpNumber
	Replica      types.ReplicaId
}

func (m RepairRequest) Encode() []byte {
	w := &writer{}
	w.u64(uint64(m.OpRangeStart))
	w.u64(uint64(m.OpRangeEnd))
	w.u8(uint8(m.Replica))
	return w.buf
}

func DecodeRepairRequest(b []byte) (RepairRequest, error) {
	r := &reader{b: b}
	var m RepairRequest
	start, err := r.u64()
	if err != nil {
		return m, err
	}
	end, err := r.u64()
	if err != nil {
		return m, err
	}
	replica, err := r.u8()
	if err != nil {
		return m, err
	}
	m.OpRangeStart = types.OpNumber(start)
	m.OpRangeEnd = types.OpNumber(end)
	m.Replica = types.ReplicaId(replica)
	if m.OpRangeStart >= m.OpRangeEnd {
		return m, fmt.Errorf("vsr: malformed repair range [%d,%d)", m.OpRangeStart, m.OpRangeEnd)
	}
	return m, nil
}

type RepairResponse struct {
	Entries []LogEntry
	Replica types.ReplicaId
}

func (m RepairResponse) Encode() []byte {
	w := &writer{}
	w.entries(m.Entries)
	w.u8(uint8(m.Replica))
	return w.buf
}

func DecodeRepairResponse(b []byte) (RepairResponse, error) {
	r := &reader{b: b}
	var m RepairResponse
	entries, err := r.entries()
	if err != nil {
		return m, err
	}
	replica, err := r.u8()
	if err != nil {
		return m, err
	}
	m.Entries = entries
	m.Replica = types.ReplicaId(replica)
	return m, nil
}

type RepairNack struct {
	Op      types.OpNumber
	Reason  NackReason
	Replica types.ReplicaId
}

func (m RepairNack) Encode() []byte {
	w := &writer{}
	w.u64(uint64(m.Op))
	w.u8(uint8(m.Reason))
	w.u8(uint8(m.Replica))
	return w.buf
}

func DecodeRepairNack(b []byte) (RepairNack, error) {
	r := &reader{b: b}
	var m RepairNack
	op, err := r.u64()
	if err != nil {
		return m, err
	}
	reason, err := r.u8()
	if err != nil {
		return m, err
	}
	replica, err := r.u8()
	if err != nil {
		return m, err
	}
	m.Op = types.OpNumber(op)
	m.Reason = NackReason(reason)
	m.Replica = types.ReplicaId(replica)
	return m, nil
}

type RecoveryRequest struct {
	Nonce   uint64
	Replica types.ReplicaId
}

func (m RecoveryRequest) Encode() []byte {
	w := &writer{}
	w.u64(m.Nonce)
	w.u8(uint8(m.Replica))
	return w.buf
}

func DecodeRecoveryRequest(b []byte) (RecoveryRequest, error) {
	r := &reader{b: b}
	var m RecoveryRequest
	nonce, err := r.u64()
	if err != nil {
		return m, err
	}
	replica, err := r.u8()
	if err != nil {
		return m, err
	}
	m.Nonce = nonce
	m.Replica = types.ReplicaId(replica)
	return m, nil
}

type RecoveryResponse struct {
	Nonce   uint64
	View    types.ViewNumber
	Op      types.OpNumber
	Commit  types.CommitNumber
	Log     []LogEntry
	Replica types.ReplicaId
}

func (m RecoveryResponse) Encode() []byte {
	w := &writer{}
	w.u64(m.Nonce)
	w.u64(uint64(m.View))
	w.u64(uint64(m.Op))
	w.u64(uint64(m.Commit))
	w.entries(m.Log)
	w.u8(uint8(m.Replica))
	return w.buf
}

func DecodeRecoveryResponse(b []byte) (RecoveryResponse, error) {
	r := &reader{b: b}
	var m RecoveryResponse
	nonce, err := r.u64()
	if err != nil {
		return m, err
	}
	view, err := r.u64()
	if err != nil {
		return m, err
	}
	op, err := r.u64()
	if err != nil {
		return m, err
	}
	commit, err := r.u64()
	if err != nil {
		return m, err
	}
	log, err := r.entries()
	if err != nil {
		return m, err
	}
	replica, err := r.u8()
	if err != nil {
		return m, err
	}
	m.Nonce = nonce
	m.View = types.ViewNumber(view)
	m.Op = types.OpNumber(op)
	m.Commit = types.CommitNumber(commit)
	m.Log = log
	m.Replica = types.ReplicaId(replica)
	return m, nil
}

// Heartbeat doubles as the clock-sync RTT probe (spec.md §4.4.6): the
// leader stamps its wall-clock reading and the backup's reply round trip
// feeds Marzullo sampling through ClockSampler.
type Heartbeat struct {
	View     types.ViewNumber
	Replica  types.ReplicaId
	WallTime int64
}

func (m Heartbeat) Encode() []byte {
	w := &writer{}
	w.u64(uint64(m.View))
	w.u8(uint8(m.Replica))
	w.u64(uint64(m.WallTime))
	return w.buf
}

func DecodeHeartbeat(b []byte) (Heartbeat, error) {
	r := &reader{b: b}
	var m Heartbeat
	view, err := r.u64()
	if err != nil {
		return m, err
	}
	replica, err := r.u8()
	if err != nil {
		return m, err
	}
	wall, err := r.u64()
	if err != nil {
		return m, err
	}
	m.View = types.ViewNumber(view)
	m.Replica = types.ReplicaId(replica)
	m.WallTime = int64(wall)
	return m, nil
}

type WriteReorderGapRequest struct {
	FromOp  types.OpNumber
	ToOp    types.OpNumber
	Replica types.ReplicaId
}

func (m WriteReorderGapRequest) Encode() []byte {
	w := &writer{}
	w.u64(uint64(m.FromOp))
	w.u64(uint64(m.ToOp))
	w.u8(uint8(m.Replica))
	return w.buf
}

func DecodeWriteReorderGapRequest(b []byte) (WriteReorderGapRequest, error) {
	r := &reader{b: b}
	var m WriteReorderGapRequest
	from, err := r.u64()
	if err != nil {
		return m, err
	}
	to, err := r.u64()
	if err != nil {
		return m, err
	}
	replica, err := r.u8()
	if err != nil {
		return m, err
	}
	m.FromOp = types.OpNumber(from)
	m.ToOp = types.OpNumber(to)
	m.Replica = types.ReplicaId(replica)
	return m, nil
}

type WriteReorderGapResponse struct {
	Entries []LogEntry
	Replica types.ReplicaId
}

func (m WriteReorderGapResponse) Encode() []byte {
	w := &writer{}
	w.entries(m.Entries)
	w.u8(uint8(m.Replica))
	return w.buf
}

func DecodeWriteReorderGapResponse(b []byte) (WriteReorderGapResponse, error) {
	r := &reader{b: b}
	var m WriteReorderGapResponse
	entries, err := r.entries()
	if err != nil {
		return m, err
	}
	replica, err := r.u8()
	if err != nil {
		return m, err
	}
	m.Entries = entries
	m.Replica = types.ReplicaId(replica)
	return m, nil
}
