package kernel

import (
	"encoding/binary"
	"fmt"
	"sort"

	"kimberlite.dev/core/types"
)

// applyCreateStream allocates a new stream id, records it in the catalog,
// and emits exactly two effects (metadata write, audit append), per
// spec.md §4.3's CreateStream invariant.
func applyCreateStream(next *State, c CreateStream) (Reply, []Effect, error) {
	if !c.Tenant.Valid() {
		return Reply{}, nil, kerr(types.CodeTenantNotFound, types.ErrTenantNotFound)
	}
	if !c.DataClass.Valid() {
		return Reply{}, nil, kerr(types.CodeInvalidDataClass, fmt.Errorf("invalid data class %d", c.DataClass))
	}
	if names, ok := next.StreamNames[c.Tenant]; ok {
		if _, exists := names[c.Name]; exists {
			return Reply{}, nil, kerr(types.CodeQueryExecution, types.ErrDuplicateName)
		}
	}

	next.nextStreamID++
	id := next.nextStreamID
	st := StreamState{Id: id, Tenant: c.Tenant, Name: c.Name, DataClass: c.DataClass, CurrentOffset: types.OffsetZero, CreatedAt: c.At}
	next.Streams[streamKey{c.Tenant, id}] = st

	if next.StreamNames[c.Tenant] == nil {
		next.StreamNames[c.Tenant] = make(map[string]types.StreamId)
	}
	next.StreamNames[c.Tenant][c.Name] = id

	if !next.StreamExists(c.Tenant, id) {
		return Reply{}, nil, kerr(types.CodeInternal, fmt.Errorf("stream %d not recorded after creation", id))
	}
	if st.CurrentOffset != types.OffsetZero {
		return Reply{}, nil, kerr(types.CodeInternal, fmt.Errorf("new stream %d must start at offset zero", id))
	}

	effects := []Effect{
		StreamMetadataWrite{Tenant: c.Tenant, Stream: st},
		AuditLogAppend{Tenant: c.Tenant, Action: "create_stream", Detail: c.Name},
	}
	return Reply{StreamId: id}, effects, nil
}

// applyAppendBatch appends events to stream, enforcing the offset-advance
// invariant and emitting exactly three effects (spec.md §4.3).
func applyAppendBatch(next *State, c AppendBatch) (Reply, []Effect, error) {
	st, ok := next.Streams[streamKey{c.Tenant, c.Stream}]
	if !ok {
		return Reply{}, nil, kerr(types.CodeStreamNotFound, types.ErrStreamNotFound)
	}
	if c.ExpectedOffset != nil && *c.ExpectedOffset != st.CurrentOffset {
		return Reply{}, nil, kerr(types.CodeOffsetOutOfRange, types.ErrPreconditionFailed)
	}
	if len(c.Events) == 0 {
		return Reply{}, nil, kerr(types.CodeQuerySyntax, types.ErrEmptyColumns)
	}

	before := st.CurrentOffset
	st.CurrentOffset += types.Offset(len(c.Events))
	next.Streams[streamKey{c.Tenant, c.Stream}] = st

	if st.CurrentOffset != before+types.Offset(len(c.Events)) {
		return Reply{}, nil, kerr(types.CodeInternal, fmt.Errorf("offset advance invariant violated for stream %d", c.Stream))
	}

	effects := []Effect{
		StorageAppend{Tenant: c.Tenant, Stream: c.Stream, Records: c.Events},
		UpdateProjection{Tenant: c.Tenant, Stream: c.Stream, Offset: st.CurrentOffset},
		AuditLogAppend{Tenant: c.Tenant, Action: "append_batch", Detail: fmt.Sprintf("stream=%d count=%d", c.Stream, len(c.Events))},
	}
	return Reply{Offset: st.CurrentOffset, StreamId: c.Stream}, effects, nil
}

// applyCreateTable allocates a table backed by an existing stream,
// requiring a non-empty column list and emitting three effects.
func applyCreateTable(next *State, c CreateTable) (Reply, []Effect, error) {
	if !next.StreamExists(c.Tenant, c.Stream) {
		return Reply{}, nil, kerr(types.CodeStreamNotFound, types.ErrStreamNotFound)
	}
	if len(c.Columns) == 0 {
		return Reply{}, nil, kerr(types.CodeQuerySyntax, types.ErrEmptyColumns)
	}
	if names, ok := next.TableNames[c.Tenant]; ok {
		if _, exists := names[c.Name]; exists {
			return Reply{}, nil, kerr(types.CodeQueryExecution, types.ErrDuplicateName)
		}
	}

	next.nextTableID++
	id := next.nextTableID
	ts := TableState{Id: id, Tenant: c.Tenant, Stream: c.Stream, Name: c.Name, Columns: append([]string(nil), c.Columns...), CreatedAt: c.At}
	next.Tables[tableKey{c.Tenant, id}] = ts

	if next.TableNames[c.Tenant] == nil {
		next.TableNames[c.Tenant] = make(map[string]types.TableId)
	}
	next.TableNames[c.Tenant][c.Name] = id

	if !next.TableExists(c.Tenant, id) {
		return Reply{}, nil, kerr(types.CodeInternal, fmt.Errorf("table %d not recorded after creation", id))
	}

	effects := []Effect{
		TableMetadataWrite{Tenant: c.Tenant, Table: ts},
		AuditLogAppend{Tenant: c.Tenant, Action: "create_table", Detail: c.Name},
		WakeProjection{Tenant: c.Tenant, Stream: c.Stream},
	}
	return Reply{TableId: id}, effects, nil
}

// applyDropTable marks a table dropped without reclaiming its id. The
// metadata entry leaves the active map, but the table's backing stream log
// history is preserved — a Tombstone-kind record is appended to it rather
// than any prior record being touched, so the drop itself becomes part of
// that permanent history instead of a silent metadata-only flip.
func applyDropTable(next *State, c DropTable) (Reply, []Effect, error) {
	key := tableKey{c.Tenant, c.Table}
	ts, ok := next.Tables[key]
	if !ok {
		return Reply{}, nil, kerr(types.CodeStreamNotFound, types.ErrTableNotFound)
	}
	ts.Dropped = true
	next.Tables[key] = ts

	stKey := streamKey{c.Tenant, ts.Stream}
	st, ok := next.Streams[stKey]
	if !ok {
		return Reply{}, nil, kerr(types.CodeStreamNotFound, types.ErrStreamNotFound)
	}
	st.CurrentOffset++
	next.Streams[stKey] = st

	effects := []Effect{
		TableMetadataDrop{Tenant: c.Tenant, Table: c.Table},
		StorageAppend{Tenant: c.Tenant, Stream: ts.Stream, Kind: RecordKindTombstone, Records: [][]byte{encodeTombstone(c.Table, ts.Name)}},
		AuditLogAppend{Tenant: c.Tenant, Action: "drop_table", Detail: ts.Name},
	}
	return Reply{TableId: c.Table}, effects, nil
}

// encodeTombstone produces a simple deterministic marker payload for a
// DropTable's Tombstone-kind log record, naming the table it closes out.
func encodeTombstone(table types.TableId, name string) []byte {
	out := make([]byte, 8, 8+len(name))
	binary.BigEndian.PutUint64(out, uint64(table))
	return append(out, name...)
}

// applyCreateIndex allocates a secondary index over an existing table's
// column.
func applyCreateIndex(next *State, c CreateIndex) (Reply, []Effect, error) {
	ts, ok := next.Tables[tableKey{c.Tenant, c.Table}]
	if !ok {
		return Reply{}, nil, kerr(types.CodeStreamNotFound, types.ErrTableNotFound)
	}
	found := false
	for _, col := range ts.Columns {
		if col == c.Column {
			found = true
			break
		}
	}
	if !found {
		return Reply{}, nil, kerr(types.CodeQuerySyntax, fmt.Errorf("column %q not in table %d: %w", c.Column, c.Table, types.ErrByzantineCommand))
	}

	next.nextIndexID++
	id := next.nextIndexID
	idx := IndexState{Id: id, Tenant: c.Tenant, Table: c.Table, Column: c.Column}
	next.Indexes[indexKey{c.Tenant, c.Table, id}] = idx

	effects := []Effect{
		IndexMetadataWrite{Tenant: c.Tenant, Index: idx},
		AuditLogAppend{Tenant: c.Tenant, Action: "create_index", Detail: fmt.Sprintf("table=%d column=%s", c.Table, c.Column)},
	}
	return Reply{IndexId: id}, effects, nil
}

// applyInsert appends a row write to the table's backing stream, advancing
// the stream offset by exactly one and emitting three effects.
func applyInsert(next *State, c Insert) (Reply, []Effect, error) {
	return applyRowMutation(next, c.Tenant, c.Table, c.At, "insert", func(st StreamState) StreamState {
		st.CurrentOffset++
		return st
	}, nil, c.Row, false)
}

// applyUpdate appends a row mutation to the table's backing stream.
func applyUpdate(next *State, c Update) (Reply, []Effect, error) {
	return applyRowMutation(next, c.Tenant, c.Table, c.At, "update", func(st StreamState) StreamState {
		st.CurrentOffset++
		return st
	}, c.Key, c.Row, false)
}

// applyDelete appends a tombstone for a row.
func applyDelete(next *State, c Delete) (Reply, []Effect, error) {
	return applyRowMutation(next, c.Tenant, c.Table, c.At, "delete", func(st StreamState) StreamState {
		st.CurrentOffset++
		return st
	}, c.Key, nil, true)
}

// applyRowMutation is the shared body for Insert/Update/Delete: each
// strictly advances the backing stream's offset by one and emits exactly
// three effects (spec.md §4.3 "Insert/Update/Delete ... three effects each").
func applyRowMutation(next *State, tenant types.TenantId, table types.TableId, at types.Timestamp, action string, advance func(StreamState) StreamState, key []byte, row map[string][]byte, isDelete bool) (Reply, []Effect, error) {
	ts, ok := next.Tables[tableKey{tenant, table}]
	if !ok || ts.Dropped {
		return Reply{}, nil, kerr(types.CodeStreamNotFound, types.ErrTableNotFound)
	}
	stKey := streamKey{tenant, ts.Stream}
	st, ok := next.Streams[stKey]
	if !ok {
		return Reply{}, nil, kerr(types.CodeStreamNotFound, types.ErrStreamNotFound)
	}

	before := st.CurrentOffset
	st = advance(st)
	if st.CurrentOffset != before+1 {
		return Reply{}, nil, kerr(types.CodeInternal, fmt.Errorf("row mutation must advance offset by exactly one"))
	}
	next.Streams[stKey] = st

	var firstIdx *IndexState
	for k, idx := range next.Indexes {
		if k.Tenant == tenant && k.Table == table {
			v := idx
			firstIdx = &v
			break
		}
	}

	effects := make([]Effect, 0, 3)
	effects = append(effects, StorageAppend{Tenant: tenant, Stream: ts.Stream, Records: [][]byte{encodeRow(key, row, isDelete)}})
	if firstIdx != nil {
		effects = append(effects, IndexUpdate{Tenant: tenant, Table: table, Index: firstIdx.Id, Key: key, Row: row, Delete: isDelete})
	} else {
		effects = append(effects, UpdateProjection{Tenant: tenant, Stream: ts.Stream, Offset: st.CurrentOffset})
	}
	effects = append(effects, AuditLogAppend{Tenant: tenant, Action: action, Detail: fmt.Sprintf("table=%d", table)})

	return Reply{Offset: st.CurrentOffset, StreamId: ts.Stream, TableId: table}, effects, nil
}

// encodeRow produces a simple deterministic row encoding for the storage
// append effect; the wire/storage codec is owned by runtime, not the
// kernel, but the kernel must still hand over deterministic bytes.
func encodeRow(key []byte, row map[string][]byte, isDelete bool) []byte {
	if isDelete {
		return append([]byte{0}, key...)
	}
	out := append([]byte{1}, key...)
	for _, col := range sortedKeys(row) {
		out = append(out, col...)
		out = append(out, 0)
		out = append(out, row[col]...)
		out = append(out, 0)
	}
	return out
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// applyCreateCheckpoint requests a checkpoint of every stream currently
// cataloged for c.Tenant; the kernel itself does not create one (that is
// storage's job, via a CheckpointRequest effect per stream) but records
// the audit trail entry and the deterministic stream fan-out.
func applyCreateCheckpoint(next *State, c CreateCheckpoint) (Reply, []Effect, error) {
	effects := []Effect{
		AuditLogAppend{Tenant: c.Tenant, Action: "create_checkpoint", Detail: ""},
	}
	names := next.StreamNames[c.Tenant]
	ids := make([]types.StreamId, 0, len(names))
	for _, id := range names {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		effects = append(effects, CheckpointRequest{Tenant: c.Tenant, Stream: id, At: c.At})
	}
	return Reply{}, effects, nil
}

// applyReconfig records the pending replica-set transition; VSR (not the
// kernel) enforces the joint-consensus quorum rule described in spec.md
// §4.4.5. The kernel's only job is to keep an auditable record.
func applyReconfig(next *State, c Reconfig) (Reply, []Effect, error) {
	if len(c.NewReplicaSet) == 0 {
		return Reply{}, nil, kerr(types.CodeQuerySyntax, fmt.Errorf("%w: empty replica set", types.ErrByzantineCommand))
	}
	effects := []Effect{
		AuditLogAppend{Tenant: 0, Action: "reconfig", Detail: fmt.Sprintf("%v", c.NewReplicaSet)},
	}
	return Reply{}, effects, nil
}
