// Package vsr implements Viewstamped Replication consensus over the
// kernel's committed commands: normal-case replication, view change with
// deterministic canonical-log selection, credit-budgeted log repair,
// Protocol-Aware Recovery, joint-consensus reconfiguration, and clock
// synchronization via Marzullo's algorithm.
//
// Grounded throughout on the teacher's node/p2p package (wire framing,
// peer dispatch, ban-scoring) and node/store/reorg.go (deterministic
// candidate-history selection), generalized from a Bitcoin-style gossip
// network to a fixed-membership consensus group.
package vsr

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"kimberlite.dev/core/kernel"
	"kimberlite.dev/core/types"
)

// Status is a replica's role in the protocol (spec.md §3.5).
type Status int

const (
	StatusNormal Status = iota
	StatusViewChange
	StatusRecovering
	StatusStandby
	StatusCrashed
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "Normal"
	case StatusViewChange:
		return "ViewChange"
	case StatusRecovering:
		return "Recovering"
	case StatusStandby:
		return "Standby"
	case StatusCrashed:
		return "Crashed"
	default:
		return "Unknown"
	}
}

// Transport abstracts delivering a VSR message to one or all peers. The
// runtime shell wires this to an actual connection pool or, in
// simulation, to an in-process message bus; vsr itself never touches a
// socket (spec.md §1 — no network transport here, only protocol messages).
type Transport interface {
	SendTo(to types.ReplicaId, kind Kind, payload []byte)
	Broadcast(kind Kind, payload []byte)
}

// Clock supplies the leader's wall-clock reading, ordinarily the
// cluster-synchronized time produced by ClockSync (spec.md §4.4.6).
type Clock interface {
	Now() types.Timestamp
}

// EffectSink receives the effects and reply produced each time a
// committed op is applied through the kernel, so the runtime shell can
// execute them (spec.md §4.5). Standby replicas still receive the
// callback but are expected to discard outward-visible effects
// (spec.md §4.4.7); that policy lives in the runtime, not here.
type EffectSink func(op types.OpNumber, entry LogEntry, effects []kernel.Effect, reply kernel.Reply)

// reorderEntry is a Prepare received out of order, held until the gap
// ahead of it is filled or repair is escalated (spec.md §4.4.1 step 2).
type reorderEntry struct {
	view     types.ViewNumber
	entry    LogEntry
	received time.Time
	escalated bool
}

// Replica is one participant in a Kimberlite VSR cluster. All mutation
// happens through its exported On*/Submit/Tick methods, which are not
// safe to call concurrently with each other — the intended deployment is
// a single-threaded cooperative event loop per spec.md §5, with Replica's
// own mutex only guarding against callers that violate that contract.
type Replica struct {
	mu sync.Mutex

	id         types.ReplicaId
	replicaSet []types.ReplicaId // sorted ascending; deterministic leader(view) mapping
	standby    bool

	view         types.ViewNumber
	status       Status
	opNumber     types.OpNumber
	commitNumber types.CommitNumber
	log          []LogEntry // log[i] has OpNumber == i+1
	viewNormal   types.ViewNumber

	pendingPrepareOks map[types.OpNumber]map[types.ReplicaId]bool
	reorderBuffer     map[types.OpNumber]reorderEntry

	kernelState *kernel.State
	transport   Transport
	clock       Clock
	cfg         Config
	onCommit    EffectSink

	reconfig *ReconfigState

	// View-change bookkeeping (vsr/viewchange.go).
	startViewChangeReceived map[types.ViewNumber]map[types.ReplicaId]bool
	doViewChangeReceived    map[types.ViewNumber]map[types.ReplicaId]DoViewChange
	viewChangeAttempts      int

	// Repair bookkeeping (vsr/repair.go).
	repair *RepairBudget
	nacks  map[types.OpNumber]map[types.ReplicaId]NackReason

	// Recovery bookkeeping (vsr/recovery.go).
	recoveryNonce     uint64
	recoveryResponses map[uint64]map[types.ReplicaId]RecoveryResponse

	// Heartbeat / clock-sync bookkeeping (vsr/heartbeat.go).
	sampler             ClockSampler
	heartbeatSent       map[types.ReplicaId]time.Time
	lastHeartbeatSentAt time.Time
	lastLeaderContact   time.Time
	nextViewChangeAt    time.Time
}

// NewReplica constructs a Replica in Normal status at view 0, participating
// in replicaSet (which must be sorted ascending and include id).
func NewReplica(id types.ReplicaId, replicaSet []types.ReplicaId, standby bool, state *kernel.State, transport Transport, clock Clock, cfg Config, onCommit EffectSink) *Replica {
	set := append([]types.ReplicaId(nil), replicaSet...)
	sort.Slice(set, func(i, j int) bool { return set[i] < set[j] })
	status := StatusNormal
	if standby {
		status = StatusStandby
	}
	return &Replica{
		id:                id,
		replicaSet:        set,
		standby:           standby,
		status:            status,
		kernelState:       state,
		transport:         transport,
		clock:             clock,
		cfg:               cfg,
		onCommit:          onCommit,
		pendingPrepareOks:       make(map[types.OpNumber]map[types.ReplicaId]bool),
		reorderBuffer:           make(map[types.OpNumber]reorderEntry),
		startViewChangeReceived: make(map[types.ViewNumber]map[types.ReplicaId]bool),
		doViewChangeReceived:    make(map[types.ViewNumber]map[types.ReplicaId]DoViewChange),
		recoveryResponses:       make(map[uint64]map[types.ReplicaId]RecoveryResponse),
		repair:                  NewRepairBudget(cfg),
		nacks:                   make(map[types.OpNumber]map[types.ReplicaId]NackReason),
		heartbeatSent:           make(map[types.ReplicaId]time.Time),
		lastLeaderContact:       time.Now(),
	}
}

// ClusterSize returns n, the number of voting replicas (standbys do not
// count toward quorum, spec.md §4.4.7).
func (r *Replica) ClusterSize() int { return len(r.replicaSet) }

// Quorum returns f+1 for a cluster of n = 2f+1 voting replicas.
func Quorum(n int) int { return n/2 + 1 }

// FaultTolerance returns f = floor((n-1)/2).
func FaultTolerance(n int) int { return (n - 1) / 2 }

// leaderFor returns the deterministic leader replica id for view v: v mod
// cluster_size, indexed into the stable sorted replica-id ordering
// (spec.md §4.4 "Roles and statuses").
func (r *Replica) leaderFor(v types.ViewNumber) types.ReplicaId {
	n := len(r.replicaSet)
	if n == 0 {
		return r.id
	}
	return r.replicaSet[uint64(v)%uint64(n)]
}

// IsLeader reports whether this replica is the leader of its current view.
func (r *Replica) IsLeader() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.standby && r.leaderFor(r.view) == r.id
}

func (r *Replica) View() types.ViewNumber             { r.mu.Lock(); defer r.mu.Unlock(); return r.view }
func (r *Replica) OpNumber() types.OpNumber           { r.mu.Lock(); defer r.mu.Unlock(); return r.opNumber }
func (r *Replica) CommitNumber() types.CommitNumber   { r.mu.Lock(); defer r.mu.Unlock(); return r.commitNumber }
func (r *Replica) Status() Status                     { r.mu.Lock(); defer r.mu.Unlock(); return r.status }

// SubmitResult is returned by Submit once the command has been appended
// to the leader's own log and broadcast; it does not mean the command is
// committed yet (the caller is notified of commit via EffectSink).
type SubmitResult struct {
	Op types.OpNumber
}

// ErrNotLeader is returned by Submit when called on a non-leader or
// non-Normal replica; the caller should redirect the client.
var ErrNotLeader = fmt.Errorf("vsr: not leader")

// Submit proposes a new command for consensus (spec.md §4.4.1 step 1).
// build receives the leader-assigned timestamp and must return the
// command to log — the kernel never reads a clock itself, so the
// timestamp has to be baked into the command here, at the only point
// where VSR is allowed to consult one.
func (r *Replica) Submit(client types.ClientId, reqNum types.RequestNumber, idempotency types.IdempotencyId, build func(ts types.Timestamp) kernel.Command) (SubmitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.standby || r.status != StatusNormal || r.leaderFor(r.view) != r.id {
		return SubmitResult{}, ErrNotLeader
	}
	if sess, ok := r.kernelState.Sessions[client]; ok && reqNum <= sess.LastRequest {
		return SubmitResult{Op: r.opNumber}, nil // idempotent: already committed
	}

	ts := r.clock.Now()
	cmd := build(ts)
	if err := kernel.ApplyUncommittedCheck(r.kernelState, client, reqNum, cmd); err != nil {
		return SubmitResult{}, err
	}

	op := r.opNumber + 1
	payload := kernel.EncodeCommand(cmd)
	checksum := ComputeChecksum(r.view, op, client, reqNum, payload)
	entry := LogEntry{
		View:           r.view,
		OpNumber:       op,
		Checksum:       checksum,
		IdempotencyId:  idempotency,
		ClientId:       client,
		RequestNumber:  reqNum,
		CommandPayload: payload,
	}
	r.log = append(r.log, entry)
	r.opNumber = op
	r.kernelState.MarkUncommitted(client, reqNum)
	r.pendingPrepareOks[op] = map[types.ReplicaId]bool{r.id: true}

	r.transport.Broadcast(KindPrepare, Prepare{View: r.view, Op: op, Entry: entry, Commit: r.commitNumber, Replica: r.id}.Encode())
	return SubmitResult{Op: op}, nil
}

// OnPrepare handles a Prepare received by a backup (spec.md §4.4.1 step 2).
func (r *Replica) OnPrepare(msg Prepare) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.View != r.view {
		return fmt.Errorf("vsr: prepare view %d != own view %d", msg.View, r.view)
	}
	if !msg.Entry.Valid() {
		return fmt.Errorf("%w: prepare checksum invalid", types.ErrChecksumFailure)
	}
	if msg.Entry.ClientId == (types.ClientId{}) {
		return fmt.Errorf("%w: prepare carries null client id", types.ErrByzantineCommand)
	}

	if msg.Op > r.opNumber+1 {
		r.reorderBuffer[msg.Op] = reorderEntry{view: msg.View, entry: msg.Entry, received: time.Now()}
		return nil
	}
	if msg.Op <= r.opNumber {
		return nil // already have it, duplicate/retransmit
	}

	r.log = append(r.log, msg.Entry)
	r.opNumber = msg.Op
	r.transport.SendTo(r.leaderFor(r.view), KindPrepareOk, PrepareOk{View: r.view, Op: msg.Op, Replica: r.id}.Encode())

	if msg.Commit > r.commitNumber {
		r.advanceCommit(msg.Commit)
	}
	r.drainReorderBuffer()
	return nil
}

// drainReorderBuffer appends any buffered entries that have become
// contiguous with the log, in order, after a gap is filled.
func (r *Replica) drainReorderBuffer() {
	for {
		next := r.opNumber + 1
		buffered, ok := r.reorderBuffer[next]
		if !ok {
			return
		}
		delete(r.reorderBuffer, next)
		if buffered.view != r.view || !buffered.entry.Valid() {
			continue
		}
		r.log = append(r.log, buffered.entry)
		r.opNumber = next
		r.transport.SendTo(r.leaderFor(r.view), KindPrepareOk, PrepareOk{View: r.view, Op: next, Replica: r.id}.Encode())
	}
}

// OnPrepareOk handles a quorum vote received by the leader
// (spec.md §4.4.1 step 3).
func (r *Replica) OnPrepareOk(msg PrepareOk) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.View != r.view || r.leaderFor(r.view) != r.id {
		return
	}
	acks, ok := r.pendingPrepareOks[msg.Op]
	if !ok {
		acks = make(map[types.ReplicaId]bool)
		r.pendingPrepareOks[msg.Op] = acks
	}
	acks[msg.Replica] = true

	if len(acks) < Quorum(len(r.replicaSet)) {
		return
	}
	if uint64(msg.Op) <= uint64(r.commitNumber) {
		return
	}
	r.advanceCommit(types.CommitNumber(msg.Op))
	r.transport.Broadcast(KindCommit, Commit{View: r.view, Commit: r.commitNumber, Replica: r.id}.Encode())
}

// OnCommit advances a backup's commit_number on receiving a leader Commit
// (spec.md §4.4.1 step 4). commit_number never regresses.
func (r *Replica) OnCommit(msg Commit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.View != r.view {
		return
	}
	if msg.Commit <= r.commitNumber {
		return
	}
	r.advanceCommit(msg.Commit)
}

// advanceCommit applies every op from commitNumber+1 up to
// min(target, opNumber) through the kernel, in order, updating
// commitNumber as it goes. Ops beyond what this replica has logged are
// simply not applied yet — repair or a later Commit will catch them up.
// Caller must hold r.mu.
func (r *Replica) advanceCommit(target types.CommitNumber) {
	limit := types.CommitNumber(r.opNumber)
	if target < limit {
		limit = target
	}
	for op := r.commitNumber + 1; op <= limit; op++ {
		entry := r.log[op-1]
		if err := r.applyEntry(entry); err != nil {
			// A structurally invalid committed entry is a fatal,
			// asserted-invariant violation (spec.md §7) — it must never
			// happen if Agreement holds, so this halts rather than skips.
			panic(fmt.Sprintf("vsr: replica %d: fatal: committed op %d failed to apply: %v", r.id, op, err))
		}
		r.commitNumber = op
		delete(r.pendingPrepareOks, types.OpNumber(op))
	}
}

// applyEntry decodes and applies one committed log entry through the
// kernel, delivering its effects to onCommit. Caller must hold r.mu.
func (r *Replica) applyEntry(entry LogEntry) error {
	cmd, err := kernel.DecodeCommand(entry.CommandPayload)
	if err != nil {
		return err
	}
	next, effects, reply, err := kernel.ApplyCommitted(r.kernelState, entry.ClientId, entry.RequestNumber, entry.IdempotencyId, cmd)
	if err != nil {
		return err
	}
	r.kernelState = next
	if r.onCommit != nil {
		r.onCommit(entry.OpNumber, entry, effects, reply)
	}
	return nil
}

// Log returns a snapshot of the replica's log, for repair/view-change/
// recovery code that needs to read but not hold the replica lock.
func (r *Replica) Log() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LogEntry(nil), r.log...)
}
