package kernel

// Deterministic byte encoding for Command, used as the CommandPayload
// carried inside a vsr.LogEntry. Two replicas decoding the same bytes must
// construct bit-identical Command values, and the same Command must always
// encode to the same bytes — map-valued fields (Insert/Update's Row) are
// therefore encoded with their keys sorted rather than in map iteration
// order. Grounded on the cursor-based fixed-width codec style of
// consensus/wire.go and consensus/encode.go, generalized from transaction
// fields to the kernel's command union.

import (
	"encoding/binary"
	"fmt"
	"sort"

	"kimberlite.dev/core/types"
)

type tag byte

const (
	tagCreateStream tag = iota
	tagAppendBatch
	tagCreateTable
	tagDropTable
	tagCreateIndex
	tagInsert
	tagUpdate
	tagDelete
	tagCreateCheckpoint
	tagReconfig
)

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}
func (e *encoder) i64(v int64) { e.u64(uint64(v)) }
func (e *encoder) bytes(b []byte) {
	e.u64(uint64(len(b)))
	e.buf = append(e.buf, b...)
}
func (e *encoder) str(s string) { e.bytes([]byte(s)) }

func (e *encoder) strSlice(ss []string) {
	e.u64(uint64(len(ss)))
	for _, s := range ss {
		e.str(s)
	}
}

func (e *encoder) byteSlices(bs [][]byte) {
	e.u64(uint64(len(bs)))
	for _, b := range bs {
		e.bytes(b)
	}
}

// sortedRow encodes a row map deterministically by sorting its keys.
func (e *encoder) sortedRow(row map[string][]byte) {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.u64(uint64(len(keys)))
	for _, k := range keys {
		e.str(k)
		e.bytes(row[k])
	}
}

type decoder struct {
	b   []byte
	pos int
}

func (d *decoder) remaining() int { return len(d.b) - d.pos }

func (d *decoder) need(n int) error {
	if d.remaining() < n {
		return fmt.Errorf("%w: truncated command payload", types.ErrByzantineCommand)
	}
	return nil
}

func (d *decoder) u8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.b[d.pos]
	d.pos++
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(d.b[d.pos : d.pos+8])
	d.pos += 8
	return v, nil
}

func (d *decoder) i64() (int64, error) {
	v, err := d.u64()
	return int64(v), err
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.u64()
	if err != nil {
		return nil, err
	}
	if err := d.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, d.b[d.pos:d.pos+int(n)])
	d.pos += int(n)
	return out, nil
}

func (d *decoder) str() (string, error) {
	b, err := d.bytes()
	return string(b), err
}

func (d *decoder) strSlice() ([]string, error) {
	n, err := d.u64()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		s, err := d.str()
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func (d *decoder) byteSlices() ([][]byte, error) {
	n, err := d.u64()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, n)
	for i := range out {
		b, err := d.bytes()
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (d *decoder) row() (map[string][]byte, error) {
	n, err := d.u64()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, n)
	for i := uint64(0); i < n; i++ {
		k, err := d.str()
		if err != nil {
			return nil, err
		}
		v, err := d.bytes()
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// EncodeCommand serializes cmd into the deterministic byte form stored as
// a vsr.LogEntry's CommandPayload.
func EncodeCommand(cmd Command) []byte {
	e := &encoder{}
	switch c := cmd.(type) {
	case CreateStream:
		e.u8(uint8(tagCreateStream))
		e.u64(uint64(c.Tenant))
		e.str(c.Name)
		e.u8(uint8(c.DataClass))
		e.i64(int64(c.At))
	case AppendBatch:
		e.u8(uint8(tagAppendBatch))
		e.u64(uint64(c.Tenant))
		e.u64(uint64(c.Stream))
		e.byteSlices(c.Events)
		e.bytes(c.IdempotencyId[:])
		if c.ExpectedOffset != nil {
			e.u8(1)
			e.u64(uint64(*c.ExpectedOffset))
		} else {
			e.u8(0)
		}
		e.i64(int64(c.At))
	case CreateTable:
		e.u8(uint8(tagCreateTable))
		e.u64(uint64(c.Tenant))
		e.u64(uint64(c.Stream))
		e.str(c.Name)
		e.strSlice(c.Columns)
		e.i64(int64(c.At))
	case DropTable:
		e.u8(uint8(tagDropTable))
		e.u64(uint64(c.Tenant))
		e.u64(uint64(c.Table))
		e.i64(int64(c.At))
	case CreateIndex:
		e.u8(uint8(tagCreateIndex))
		e.u64(uint64(c.Tenant))
		e.u64(uint64(c.Table))
		e.str(c.Column)
		e.i64(int64(c.At))
	case Insert:
		e.u8(uint8(tagInsert))
		e.u64(uint64(c.Tenant))
		e.u64(uint64(c.Table))
		e.sortedRow(c.Row)
		e.i64(int64(c.At))
	case Update:
		e.u8(uint8(tagUpdate))
		e.u64(uint64(c.Tenant))
		e.u64(uint64(c.Table))
		e.bytes(c.Key)
		e.sortedRow(c.Row)
		e.i64(int64(c.At))
	case Delete:
		e.u8(uint8(tagDelete))
		e.u64(uint64(c.Tenant))
		e.u64(uint64(c.Table))
		e.bytes(c.Key)
		e.i64(int64(c.At))
	case CreateCheckpoint:
		e.u8(uint8(tagCreateCheckpoint))
		e.u64(uint64(c.Tenant))
		e.i64(int64(c.At))
	case Reconfig:
		e.u8(uint8(tagReconfig))
		e.u64(uint64(len(c.NewReplicaSet)))
		for _, r := range c.NewReplicaSet {
			e.u8(uint8(r))
		}
		e.i64(int64(c.At))
	default:
		panic(fmt.Sprintf("kernel: EncodeCommand: unknown command type %T", cmd))
	}
	return e.buf
}

// DecodeCommand is the inverse of EncodeCommand. It returns
// types.ErrByzantineCommand (wrapped) on any structurally invalid input,
// matching spec.md §4.3's ByzantineCommand error condition.
func DecodeCommand(b []byte) (Command, error) {
	d := &decoder{b: b}
	t, err := d.u8()
	if err != nil {
		return nil, err
	}
	switch tag(t) {
	case tagCreateStream:
		tenant, err := d.u64()
		if err != nil {
			return nil, err
		}
		name, err := d.str()
		if err != nil {
			return nil, err
		}
		dc, err := d.u8()
		if err != nil {
			return nil, err
		}
		at, err := d.i64()
		if err != nil {
			return nil, err
		}
		return CreateStream{Tenant: types.TenantId(tenant), Name: name, DataClass: types.DataClass(dc), At: types.Timestamp(at)}, nil
	case tagAppendBatch:
		tenant, err := d.u64()
		if err != nil {
			return nil, err
		}
		stream, err := d.u64()
		if err != nil {
			return nil, err
		}
		events, err := d.byteSlices()
		if err != nil {
			return nil, err
		}
		idBytes, err := d.bytes()
		if err != nil {
			return nil, err
		}
		if len(idBytes) != 16 {
			return nil, fmt.Errorf("%w: idempotency id length %d", types.ErrByzantineCommand, len(idBytes))
		}
		var id types.IdempotencyId
		copy(id[:], idBytes)
		hasExpected, err := d.u8()
		if err != nil {
			return nil, err
		}
		var expected *types.Offset
		if hasExpected == 1 {
			v, err := d.u64()
			if err != nil {
				return nil, err
			}
			off := types.Offset(v)
			expected = &off
		}
		at, err := d.i64()
		if err != nil {
			return nil, err
		}
		return AppendBatch{Tenant: types.TenantId(tenant), Stream: types.StreamId(stream), Events: events, IdempotencyId: id, ExpectedOffset: expected, At: types.Timestamp(at)}, nil
	case tagCreateTable:
		tenant, err := d.u64()
		if err != nil {
			return nil, err
		}
		stream, err := d.u64()
		if err != nil {
			return nil, err
		}
		name, err := d.str()
		if err != nil {
			return nil, err
		}
		cols, err := d.strSlice()
		if err != nil {
			return nil, err
		}
		at, err := d.i64()
		if err != nil {
			return nil, err
		}
		return CreateTable{Tenant: types.TenantId(tenant), Stream: types.StreamId(stream), Name: name, Columns: cols, At: types.Timestamp(at)}, nil
	case tagDropTable:
		tenant, err := d.u64()
		if err != nil {
			return nil, err
		}
		table, err := d.u64()
		if err != nil {
			return nil, err
		}
		at, err := d.i64()
		if err != nil {
			return nil, err
		}
		return DropTable{Tenant: types.TenantId(tenant), Table: types.TableId(table), At: types.Timestamp(at)}, nil
	case tagCreateIndex:
		tenant, err := d.u64()
		if err != nil {
			return nil, err
		}
		table, err := d.u64()
		if err != nil {
			return nil, err
		}
		column, err := d.str()
		if err != nil {
			return nil, err
		}
		at, err := d.i64()
		if err != nil {
			return nil, err
		}
		return CreateIndex{Tenant: types.TenantId(tenant), Table: types.TableId(table), Column: column, At: types.Timestamp(at)}, nil
	case tagInsert:
		tenant, err := d.u64()
		if err != nil {
			return nil, err
		}
		table, err := d.u64()
		if err != nil {
			return nil, err
		}
		row, err := d.row()
		if err != nil {
			return nil, err
		}
		at, err := d.i64()
		if err != nil {
			return nil, err
		}
		return Insert{Tenant: types.TenantId(tenant), Table: types.TableId(table), Row: row, At: types.Timestamp(at)}, nil
	case tagUpdate:
		tenant, err := d.u64()
		if err != nil {
			return nil, err
		}
		table, err := d.u64()
		if err != nil {
			return nil, err
		}
		key, err := d.bytes()
		if err != nil {
			return nil, err
		}
		row, err := d.row()
		if err != nil {
			return nil, err
		}
		at, err := d.i64()
		if err != nil {
			return nil, err
		}
		return Update{Tenant: types.TenantId(tenant), Table: types.TableId(table), Key: key, Row: row, At: types.Timestamp(at)}, nil
	case tagDelete:
		tenant, err := d.u64()
		if err != nil {
			return nil, err
		}
		table, err := d.u64()
		if err != nil {
			return nil, err
		}
		key, err := d.bytes()
		if err != nil {
			return nil, err
		}
		at, err := d.i64()
		if err != nil {
			return nil, err
		}
		return Delete{Tenant: types.TenantId(tenant), Table: types.TableId(table), Key: key, At: types.Timestamp(at)}, nil
	case tagCreateCheckpoint:
		tenant, err := d.u64()
		if err != nil {
			return nil, err
		}
		at, err := d.i64()
		if err != nil {
			return nil, err
		}
		return CreateCheckpoint{Tenant: types.TenantId(tenant), At: types.Timestamp(at)}, nil
	case tagReconfig:
		n, err := d.u64()
		if err != nil {
			return nil, err
		}
		set := make([]types.ReplicaId, n)
		for i := range set {
			v, err := d.u8()
			if err != nil {
				return nil, err
			}
			set[i] = types.ReplicaId(v)
		}
		at, err := d.i64()
		if err != nil {
			return nil, err
		}
		return Reconfig{NewReplicaSet: set, At: types.Timestamp(at)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown command tag %d", types.ErrByzantineCommand, t)
	}
}
