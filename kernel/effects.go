package kernel

import "kimberlite.dev/core/types"

// Effect is the tagged union of I/O descriptions the kernel emits instead
// of performing I/O itself (spec.md §4.3, §4.5). The runtime shell
// executes each effect with exactly one side-effecting call, in order,
// after the kernel returns. Grounded on the *shape* of
// node/store/reorg.go's ApplyDecision return-kind pattern, generalized
// into a proper Go interface sum type rather than an enum-plus-union-struct.
type Effect interface {
	isEffect()
}

// RecordKind tags what kind of log record a StorageAppend effect is
// asking the runtime to write, mirroring storage.Kind one-for-one. The
// kernel stays free of any import on storage (Functional Core has no I/O
// dependency), so the two enums are kept in sync by hand rather than the
// kernel importing storage's type directly.
type RecordKind uint8

const (
	RecordKindData RecordKind = iota
	RecordKindCheckpoint
	RecordKindTombstone
	RecordKindReconfig
)

// StorageAppend asks the runtime to append records to a stream's log.
type StorageAppend struct {
	Tenant  types.TenantId
	Stream  types.StreamId
	Kind    RecordKind
	Records [][]byte
}

func (StorageAppend) isEffect() {}

// IndexUpdate asks the runtime to update a secondary index after a row
// mutation.
type IndexUpdate struct {
	Tenant types.TenantId
	Table  types.TableId
	Index  types.IndexId
	Key    []byte
	Row    map[string][]byte
	Delete bool
}

func (IndexUpdate) isEffect() {}

// AuditLogAppend asks the runtime to record an audit trail entry.
type AuditLogAppend struct {
	Tenant types.TenantId
	Action string
	Detail string
}

func (AuditLogAppend) isEffect() {}

// CheckpointRequest asks the runtime to create a signed checkpoint for one
// stream (spec.md §4.3 CreateCheckpoint, §4.2 "Checkpoints are themselves
// records of kind Checkpoint"). applyCreateCheckpoint emits one of these
// per stream currently cataloged for the command's tenant — the kernel
// enumerates the stream set itself from its own State.StreamNames, so the
// fan-out stays deterministic and reproducible rather than depending on
// whatever the runtime's metastore happens to contain at execution time.
type CheckpointRequest struct {
	Tenant types.TenantId
	Stream types.StreamId
	At     types.Timestamp
}

func (CheckpointRequest) isEffect() {}

// StreamMetadataWrite asks the runtime to persist a stream's catalog
// entry, the stream-scoped analog of TableMetadataWrite.
type StreamMetadataWrite struct {
	Tenant types.TenantId
	Stream StreamState
}

func (StreamMetadataWrite) isEffect() {}

// TableMetadataWrite asks the runtime to persist a table's catalog entry.
type TableMetadataWrite struct {
	Tenant types.TenantId
	Table  TableState
}

func (TableMetadataWrite) isEffect() {}

// TableMetadataDrop asks the runtime to mark a table dropped in the
// catalog.
type TableMetadataDrop struct {
	Tenant types.TenantId
	Table  types.TableId
}

func (TableMetadataDrop) isEffect() {}

// IndexMetadataWrite asks the runtime to persist an index's catalog entry.
type IndexMetadataWrite struct {
	Tenant types.TenantId
	Index  IndexState
}

func (IndexMetadataWrite) isEffect() {}

// WakeProjection notifies an external projection collaborator that a
// stream advanced (spec.md §1 — projection maintenance is explicitly out
// of kernel scope; this effect is the kernel's only contact point with it).
type WakeProjection struct {
	Tenant types.TenantId
	Stream types.StreamId
}

func (WakeProjection) isEffect() {}

// UpdateProjection carries a projection delta to an external collaborator.
type UpdateProjection struct {
	Tenant types.TenantId
	Stream types.StreamId
	Offset types.Offset
}

func (UpdateProjection) isEffect() {}

// SendMessage asks the runtime to deliver a VSR or client-facing message
// to another replica.
type SendMessage struct {
	Replica types.ReplicaId
	Message []byte
}

func (SendMessage) isEffect() {}
