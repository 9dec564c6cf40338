// Package kernel implements Kimberlite's pure state machine: the
// deterministic transition apply_committed(state, command) -> (state',
// effects, reply) and the side-effect-free apply_uncommitted_check used by
// a leader to validate a command before proposing it to the replica set.
//
// The kernel never performs I/O, reads a clock, or consults randomness.
// Every side effect the command requires is described as an Effect value
// for the runtime shell to execute afterward; every timestamp a command
// needs is carried on the command itself, assigned by the VSR leader
// before the command reaches the kernel.
//
// Grounded on node/chainstate.go's ConnectBlock, which mutates a working
// copy of chain state and returns either an error (leaving the original
// state untouched) or a summary plus the new state — the same
// copy-validate-commit shape this package generalizes to streams, tables,
// and indexes instead of blocks and UTXOs.
package kernel

import (
	"fmt"

	"kimberlite.dev/core/types"
)

// State is the kernel's full in-memory view: stream/table/index catalogs
// plus client-session and uncommitted-request tables (spec.md §3.4).
// State is never mutated in place by ApplyCommitted; callers receive a new
// State reflecting the transition and keep the old one (e.g. for replay or
// rollback) if they need it.
type State struct {
	Streams map[streamKey]StreamState
	Tables  map[tableKey]TableState
	Indexes map[indexKey]IndexState

	// StreamNames maps tenant -> stream name -> id, for CreateStream's
	// duplicate-name check.
	StreamNames map[types.TenantId]map[string]types.StreamId
	TableNames  map[types.TenantId]map[string]types.TableId

	Sessions     map[types.ClientId]ClientSession
	Uncommitted  map[types.ClientId]UncommittedRequest

	nextStreamID types.StreamId
	nextTableID  types.TableId
	nextIndexID  types.IndexId
}

type streamKey struct {
	Tenant types.TenantId
	Stream types.StreamId
}

type tableKey struct {
	Tenant types.TenantId
	Table  types.TableId
}

type indexKey struct {
	Tenant types.TenantId
	Table  types.TableId
	Index  types.IndexId
}

// StreamState is the catalog entry for one stream (spec.md §3.4).
type StreamState struct {
	Id            types.StreamId
	Tenant        types.TenantId
	Name          string
	DataClass     types.DataClass
	CurrentOffset types.Offset
	CreatedAt     types.Timestamp
}

// TableState is the catalog entry for a structured table.
type TableState struct {
	Id        types.TableId
	Tenant    types.TenantId
	Stream    types.StreamId
	Name      string
	Columns   []string
	CreatedAt types.Timestamp
	Dropped   bool
}

// IndexState is the catalog entry for a secondary index.
type IndexState struct {
	Id     types.IndexId
	Tenant types.TenantId
	Table  types.TableId
	Column string
}

// ClientSession is the committed-session record surviving view changes
// (spec.md §4.4.9).
type ClientSession struct {
	ClientId        types.ClientId
	LastRequest     types.RequestNumber
	Reply           Reply
	CommitOffset    types.Offset
	CommitTimestamp types.Timestamp
}

// UncommittedRequest tracks a proposal in flight; cleared on every view
// change (spec.md §4.4.9).
type UncommittedRequest struct {
	ClientId      types.ClientId
	RequestNumber types.RequestNumber
}

// NewState returns an empty kernel state.
func NewState() *State {
	return &State{
		Streams:     make(map[streamKey]StreamState),
		Tables:      make(map[tableKey]TableState),
		Indexes:     make(map[indexKey]IndexState),
		StreamNames: make(map[types.TenantId]map[string]types.StreamId),
		TableNames:  make(map[types.TenantId]map[string]types.TableId),
		Sessions:    make(map[types.ClientId]ClientSession),
		Uncommitted: make(map[types.ClientId]UncommittedRequest),
	}
}

// clone produces a shallow-plus-map-copy of s suitable as the working copy
// ApplyCommitted mutates; the original is left untouched if validation
// fails partway through.
func (s *State) clone() *State {
	out := &State{
		Streams:      make(map[streamKey]StreamState, len(s.Streams)),
		Tables:       make(map[tableKey]TableState, len(s.Tables)),
		Indexes:      make(map[indexKey]IndexState, len(s.Indexes)),
		StreamNames:  make(map[types.TenantId]map[string]types.StreamId, len(s.StreamNames)),
		TableNames:   make(map[types.TenantId]map[string]types.TableId, len(s.TableNames)),
		Sessions:     make(map[types.ClientId]ClientSession, len(s.Sessions)),
		Uncommitted:  make(map[types.ClientId]UncommittedRequest, len(s.Uncommitted)),
		nextStreamID: s.nextStreamID,
		nextTableID:  s.nextTableID,
		nextIndexID:  s.nextIndexID,
	}
	for k, v := range s.Streams {
		out.Streams[k] = v
	}
	for k, v := range s.Tables {
		out.Tables[k] = v
	}
	for k, v := range s.Indexes {
		out.Indexes[k] = v
	}
	for tenant, names := range s.StreamNames {
		m := make(map[string]types.StreamId, len(names))
		for n, id := range names {
			m[n] = id
		}
		out.StreamNames[tenant] = m
	}
	for tenant, names := range s.TableNames {
		m := make(map[string]types.TableId, len(names))
		for n, id := range names {
			m[n] = id
		}
		out.TableNames[tenant] = m
	}
	for k, v := range s.Sessions {
		out.Sessions[k] = v
	}
	for k, v := range s.Uncommitted {
		out.Uncommitted[k] = v
	}
	return out
}

func (s *State) StreamExists(tenant types.TenantId, id types.StreamId) bool {
	_, ok := s.Streams[streamKey{tenant, id}]
	return ok
}

func (s *State) TableExists(tenant types.TenantId, id types.TableId) bool {
	_, ok := s.Tables[tableKey{tenant, id}]
	return ok
}

// KernelError is a pure error value returned by the kernel; it is never a
// panic and carries no side effect.
type KernelError struct {
	Code types.Code
	Err  error
}

func (e *KernelError) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Err.Error()
}

func (e *KernelError) Unwrap() error { return e.Err }

func kerr(code types.Code, err error) *KernelError { return &KernelError{Code: code, Err: err} }

// ApplyUncommittedCheck validates that command could be applied to state
// without actually mutating anything or emitting effects — used by the
// leader before proposing (spec.md §4.3).
func ApplyUncommittedCheck(state *State, client types.ClientId, reqNum types.RequestNumber, cmd Command) error {
	if sess, ok := state.Sessions[client]; ok && reqNum <= sess.LastRequest {
		return nil // idempotent retry of an already-committed request
	}
	if pending, ok := state.Uncommitted[client]; ok && reqNum == pending.RequestNumber {
		return nil // duplicate retry of a proposal already in flight
	}
	_, _, err := applyCommand(state.clone(), cmd)
	return err
}

// MarkUncommitted records that (client, reqNum) has been proposed but not
// yet committed, so a retried submission of the same request is recognized
// as a duplicate rather than re-validated from scratch. The leader calls
// this after broadcasting Prepare, before the commit quorum is reached.
func (s *State) MarkUncommitted(client types.ClientId, reqNum types.RequestNumber) {
	s.Uncommitted[client] = UncommittedRequest{ClientId: client, RequestNumber: reqNum}
}

// ClearUncommitted discards every pending proposal, called on every view
// change per spec.md §4.4.2 ("the uncommitted table is cleared").
func (s *State) ClearUncommitted() {
	s.Uncommitted = make(map[types.ClientId]UncommittedRequest)
}

// ApplyCommitted is the kernel's single entry point: given the current
// state and a committed command from a client session, it returns the new
// state, the effects the runtime must execute, and the reply to return to
// the client. Called with the same (state, command) pair, it always
// produces the same (state', effects, reply) — no clock reads, no
// randomness, no I/O.
func ApplyCommitted(state *State, client types.ClientId, reqNum types.RequestNumber, idempotency types.IdempotencyId, cmd Command) (*State, []Effect, Reply, error) {
	if sess, ok := state.Sessions[client]; ok && reqNum <= sess.LastRequest {
		return state, nil, sess.Reply, nil // cached reply, no re-emission
	}

	next := state.clone()
	reply, effects, err := applyCommand(next, cmd)
	if err != nil {
		return state, nil, Reply{}, err
	}

	delete(next.Uncommitted, client)
	next.Sessions[client] = ClientSession{
		ClientId:        client,
		LastRequest:     reqNum,
		Reply:           reply,
		CommitOffset:    reply.Offset,
		CommitTimestamp: cmd.Timestamp(),
	}
	return next, effects, reply, nil
}

// applyCommand dispatches cmd against the mutable working copy next,
// enforcing each command's per-command invariants (spec.md §4.3) before
// returning. next is only returned to the caller on success; on error the
// caller discards it and keeps the prior state.
func applyCommand(next *State, cmd Command) (Reply, []Effect, error) {
	switch c := cmd.(type) {
	case CreateStream:
		return applyCreateStream(next, c)
	case AppendBatch:
		return applyAppendBatch(next, c)
	case CreateTable:
		return applyCreateTable(next, c)
	case DropTable:
		return applyDropTable(next, c)
	case CreateIndex:
		return applyCreateIndex(next, c)
	case Insert:
		return applyInsert(next, c)
	case Update:
		return applyUpdate(next, c)
	case Delete:
		return applyDelete(next, c)
	case CreateCheckpoint:
		return applyCreateCheckpoint(next, c)
	case Reconfig:
		return applyReconfig(next, c)
	default:
		return Reply{}, nil, kerr(types.CodeInvalidEncoding, fmt.Errorf("%w: unknown command %T", types.ErrByzantineCommand, cmd))
	}
}
