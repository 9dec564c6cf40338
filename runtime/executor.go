// Package runtime is the imperative shell around the pure kernel: it turns
// the tagged-union effects the kernel emits into actual storage writes,
// index updates, and outbound VSR messages, and it shards incoming
// commands across a fixed worker pool keyed by stream.
//
// Grounded on node/p2p_runtime.go's PeerManager (bounded, mutex-guarded
// resource set) and node/miner.go's worker-loop shape (pull work off a
// channel, apply it, emit a result); neither file's domain logic survives
// here, only the shape of "bounded concurrent workers fed by channels."
package runtime

import (
	"encoding/json"
	"fmt"
	"reflect"

	"kimberlite.dev/core/crypto"
	"kimberlite.dev/core/kernel"
	"kimberlite.dev/core/storage"
	"kimberlite.dev/core/types"
)

// IndexStore maintains secondary-index entries in the metastore's KV
// bucket, keyed by (tenant, table, index, row key). It is a thin encoding
// layer over storage.MetaStore's Put/Delete/GetIndexEntry — the row's
// column map is JSON-encoded, matching the catalog records' own encoding
// in metastore.go.
type IndexStore struct {
	meta *storage.MetaStore
}

func NewIndexStore(meta *storage.MetaStore) *IndexStore {
	return &IndexStore{meta: meta}
}

func (s *IndexStore) Put(tenant types.TenantId, table types.TableId, index types.IndexId, key []byte, row map[string][]byte) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("runtime: encode index row: %w", err)
	}
	return s.meta.PutIndexEntry(tenant, table, index, key, raw)
}

func (s *IndexStore) Delete(tenant types.TenantId, table types.TableId, index types.IndexId, key []byte) error {
	return s.meta.DeleteIndexEntry(tenant, table, index, key)
}

func (s *IndexStore) Get(tenant types.TenantId, table types.TableId, index types.IndexId, key []byte) (map[string][]byte, bool, error) {
	raw, ok, err := s.meta.GetIndexEntry(tenant, table, index, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	var row map[string][]byte
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, false, fmt.Errorf("runtime: decode index row: %w", err)
	}
	return row, true, nil
}

// LogOpener opens (or returns the already-open) append log for a stream.
// A node keeps one *storage.Log per stream; the executor never opens a log
// itself, since that requires the crypto provider and DEK the node holds.
type LogOpener interface {
	OpenStreamLog(tenant types.TenantId, stream types.StreamId) (*storage.Log, error)
}

// Transport delivers a raw VSR wire message to another replica. Implemented
// by *vsr.Replica's owning node; kept as a narrow interface here so the
// executor doesn't import vsr (effects only carry opaque bytes).
type Transport interface {
	SendRaw(to types.ReplicaId, message []byte) error
}

// ProjectionSink is the external collaborator the kernel's WakeProjection
// and UpdateProjection effects notify. Projection maintenance is out of
// the kernel's scope; a nil sink makes both effects no-ops, which is a
// valid deployment (no projections registered).
type ProjectionSink interface {
	Wake(tenant types.TenantId, stream types.StreamId)
	Update(tenant types.TenantId, stream types.StreamId, offset types.Offset)
}

// EffectExecutor dispatches each kernel.Effect to exactly one side-effecting
// call, in the order the kernel returned them. It holds a dispatch table
// keyed by the effect's concrete type, rather than a type switch, so a new
// Effect variant added to kernel/effects.go fails loudly (ErrNoHandler) if
// the table is not updated alongside it.
type EffectExecutor struct {
	logs       LogOpener
	meta       *storage.MetaStore
	index      *IndexStore
	transport  Transport
	projection ProjectionSink
	signer     crypto.Signer

	handlers map[reflect.Type]func(kernel.Effect) error
	auditSeq map[types.TenantId]uint64
}

// ErrNoHandler is returned when an effect has no registered handler — a
// programmer error (a new Effect variant was added without wiring its
// execution), never a runtime condition a caller should retry.
var ErrNoHandler = fmt.Errorf("runtime: no handler registered for effect type")

// signer signs every CheckpointRequest effect's checkpoint. A nil signer
// is a deployment that never intends to create checkpoints; it fails
// loudly (nil-interface panic in Checkpoint.Sign) the first time one is
// actually requested, rather than silently writing an unsigned checkpoint.
func NewEffectExecutor(logs LogOpener, meta *storage.MetaStore, index *IndexStore, transport Transport, projection ProjectionSink, signer crypto.Signer) *EffectExecutor {
	e := &EffectExecutor{logs: logs, meta: meta, index: index, transport: transport, projection: projection, signer: signer, auditSeq: make(map[types.TenantId]uint64)}
	e.handlers = map[reflect.Type]func(kernel.Effect) error{
		reflect.TypeOf(kernel.StorageAppend{}):       e.execStorageAppend,
		reflect.TypeOf(kernel.IndexUpdate{}):         e.execIndexUpdate,
		reflect.TypeOf(kernel.AuditLogAppend{}):      e.execAuditLogAppend,
		reflect.TypeOf(kernel.StreamMetadataWrite{}): e.execStreamMetadataWrite,
		reflect.TypeOf(kernel.TableMetadataWrite{}):  e.execTableMetadataWrite,
		reflect.TypeOf(kernel.TableMetadataDrop{}):   e.execTableMetadataDrop,
		reflect.TypeOf(kernel.IndexMetadataWrite{}):  e.execIndexMetadataWrite,
		reflect.TypeOf(kernel.WakeProjection{}):      e.execWakeProjection,
		reflect.TypeOf(kernel.UpdateProjection{}):    e.execUpdateProjection,
		reflect.TypeOf(kernel.SendMessage{}):         e.execSendMessage,
		reflect.TypeOf(kernel.CheckpointRequest{}):   e.execCheckpointRequest,
	}
	return e
}

// SetProjection registers (or replaces) the sink WakeProjection and
// UpdateProjection effects notify. Safe to call before any Execute call
// that would emit those effects; the executor holds no goroutine of its
// own, so no additional synchronization is needed beyond the caller's.
func (e *EffectExecutor) SetProjection(sink ProjectionSink) {
	e.projection = sink
}

// Execute runs every effect in order and stops at the first error. Effects
// are idempotent enough to retry from the start of the batch on crash
// recovery (storage appends replay against the hash-chained tip; metadata
// writes are last-write-wins upserts), so partial application is never
// left half-visible to a client: the reply is only released to the client
// after every effect in a command's batch has returned nil.
func (e *EffectExecutor) Execute(effects []kernel.Effect) error {
	for _, eff := range effects {
		h, ok := e.handlers[reflect.TypeOf(eff)]
		if !ok {
			return fmt.Errorf("%w: %T", ErrNoHandler, eff)
		}
		if err := h(eff); err != nil {
			return fmt.Errorf("runtime: executing %T: %w", eff, err)
		}
	}
	return nil
}

func (e *EffectExecutor) execStorageAppend(effIn kernel.Effect) error {
	eff := effIn.(kernel.StorageAppend)
	log, err := e.logs.OpenStreamLog(eff.Tenant, eff.Stream)
	if err != nil {
		return err
	}
	_, _, err = log.AppendBatch(storageRecordKind(eff.Kind), eff.Records)
	return err
}

// storageRecordKind maps the kernel's storage-agnostic RecordKind to the
// storage package's own Kind enum, kept in sync by hand since the kernel
// does not import storage.
func storageRecordKind(k kernel.RecordKind) storage.Kind {
	switch k {
	case kernel.RecordKindCheckpoint:
		return storage.KindCheckpoint
	case kernel.RecordKindTombstone:
		return storage.KindTombstone
	case kernel.RecordKindReconfig:
		return storage.KindReconfig
	default:
		return storage.KindData
	}
}

func (e *EffectExecutor) execIndexUpdate(effIn kernel.Effect) error {
	eff := effIn.(kernel.IndexUpdate)
	if eff.Delete {
		return e.index.Delete(eff.Tenant, eff.Table, eff.Index, eff.Key)
	}
	return e.index.Put(eff.Tenant, eff.Table, eff.Index, eff.Key, eff.Row)
}

func (e *EffectExecutor) execAuditLogAppend(effIn kernel.Effect) error {
	eff := effIn.(kernel.AuditLogAppend)
	seq, err := e.nextAuditSeq(eff.Tenant)
	if err != nil {
		return err
	}
	return e.meta.AppendAudit(eff.Tenant, seq, eff.Action, eff.Detail)
}

// nextAuditSeq assigns each audit entry a strictly increasing per-tenant
// sequence number. The executor runs effects for one committed command at
// a time under the owning core's single goroutine, so no additional
// locking is needed here. A tenant not yet seen this process lifetime has
// its counter seeded from the metastore's own last-recorded seq rather
// than assumed to start at 0 — AppendAudit upserts by (tenant, seq), so
// restarting at 0 after a process restart would silently overwrite that
// tenant's existing audit history instead of appending to it.
func (e *EffectExecutor) nextAuditSeq(tenant types.TenantId) (uint64, error) {
	if _, ok := e.auditSeq[tenant]; !ok {
		last, err := e.meta.LastAuditSeq(tenant)
		if err != nil {
			return 0, err
		}
		e.auditSeq[tenant] = last
	}
	e.auditSeq[tenant]++
	return e.auditSeq[tenant], nil
}

func (e *EffectExecutor) execStreamMetadataWrite(effIn kernel.Effect) error {
	eff := effIn.(kernel.StreamMetadataWrite)
	return e.meta.PutStream(storage.StreamMeta{
		TenantId:  eff.Tenant,
		StreamId:  eff.Stream.Id,
		Name:      eff.Stream.Name,
		DataClass: eff.Stream.DataClass,
		CreatedAt: eff.Stream.CreatedAt,
		// Public data never needs envelope encryption at rest; every other
		// data class does (spec.md §4.1, "DataClass controls key selection
		// and policy for a stream").
		Encrypted: eff.Stream.DataClass != types.DataClassPublic,
	})
}

func (e *EffectExecutor) execCheckpointRequest(effIn kernel.Effect) error {
	eff := effIn.(kernel.CheckpointRequest)
	log, err := e.logs.OpenStreamLog(eff.Tenant, eff.Stream)
	if err != nil {
		return err
	}
	_, err = log.CreateCheckpoint(e.signer, eff.At)
	return err
}

func (e *EffectExecutor) execTableMetadataWrite(effIn kernel.Effect) error {
	eff := effIn.(kernel.TableMetadataWrite)
	return e.meta.PutTable(storage.TableMeta{
		TenantId:  eff.Tenant,
		TableId:   eff.Table.Id,
		Name:      eff.Table.Name,
		Columns:   eff.Table.Columns,
		CreatedAt: eff.Table.CreatedAt,
		Dropped:   eff.Table.Dropped,
	})
}

func (e *EffectExecutor) execTableMetadataDrop(effIn kernel.Effect) error {
	eff := effIn.(kernel.TableMetadataDrop)
	t, ok, err := e.meta.GetTable(eff.Tenant, eff.Table)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	t.Dropped = true
	return e.meta.PutTable(*t)
}

func (e *EffectExecutor) execIndexMetadataWrite(effIn kernel.Effect) error {
	eff := effIn.(kernel.IndexMetadataWrite)
	return e.meta.PutIndexMeta(storage.IndexMeta{
		TenantId: eff.Tenant,
		TableId:  eff.Index.Table,
		IndexId:  eff.Index.Id,
		Column:   eff.Index.Column,
	})
}

func (e *EffectExecutor) execWakeProjection(effIn kernel.Effect) error {
	eff := effIn.(kernel.WakeProjection)
	if e.projection == nil {
		return nil
	}
	e.projection.Wake(eff.Tenant, eff.Stream)
	return nil
}

func (e *EffectExecutor) execUpdateProjection(effIn kernel.Effect) error {
	eff := effIn.(kernel.UpdateProjection)
	if e.projection == nil {
		return nil
	}
	e.projection.Update(eff.Tenant, eff.Stream, eff.Offset)
	return nil
}

func (e *EffectExecutor) execSendMessage(effIn kernel.Effect) error {
	eff := effIn.(kernel.SendMessage)
	if e.transport == nil {
		return nil
	}
	return e.transport.SendRaw(eff.Replica, eff.Message)
}
