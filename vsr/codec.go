package vsr

// Deterministic binary encoding for the VSR message union (spec.md §6.3:
// "the exact field order per message kind is fixed and must be identical
// across implementations"). Grounded on consensus/wire.go's cursor
// reader/writer pair, generalized from transaction fields to VSR messages
// and LogEntry.

import (
	"encoding/binary"
	"fmt"

	"kimberlite.dev/core/types"
)

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) u64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *writer) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *writer) bytes(b []byte) {
	w.u64(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) fixed(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) entry(e LogEntry) {
	w.u64(uint64(e.View))
	w.u64(uint64(e.OpNumber))
	w.u32(e.Checksum)
	w.fixed(e.IdempotencyId[:])
	w.fixed(e.ClientId[:])
	w.u64(uint64(e.RequestNumber))
	w.bytes(e.CommandPayload)
}

func (w *writer) entries(es []LogEntry) {
	w.u64(uint64(len(es)))
	for _, e := range es {
		w.entry(e)
	}
}

func (w *writer) replicaSlice(rs []types.ReplicaId) {
	w.u64(uint64(len(rs)))
	for _, r := range rs {
		w.u8(uint8(r))
	}
}

func (w *writer) reconfig(rc *ReconfigState) {
	if rc == nil {
		w.u8(0)
		return
	}
	w.u8(1)
	w.replicaSlice(rc.OldSet)
	w.replicaSlice(rc.NewSet)
	if rc.Committed {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

type reader struct {
	b   []byte
	pos int
}

func errTruncated() error { return fmt.Errorf("vsr: truncated message payload") }

func (r *reader) need(n int) error {
	if len(r.b)-r.pos < n {
		return errTruncated()
	}
	return nil
}

func (r *reader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.b[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.b[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *reader) fixed(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.b[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.u64()
	if err != nil {
		return nil, err
	}
	return r.fixed(int(n))
}

func (r *reader) entry() (LogEntry, error) {
	var e LogEntry
	view, err := r.u64()
	if err != nil {
		return e, err
	}
	op, err := r.u64()
	if err != nil {
		return e, err
	}
	checksum, err := r.u32()
	if err != nil {
		return e, err
	}
	idemp, err := r.fixed(16)
	if err != nil {
		return e, err
	}
	client, err := r.fixed(16)
	if err != nil {
		return e, err
	}
	reqNum, err := r.u64()
	if err != nil {
		return e, err
	}
	payload, err := r.bytes()
	if err != nil {
		return e, err
	}
	e.View = types.ViewNumber(view)
	e.OpNumber = types.OpNumber(op)
	e.Checksum = checksum
	copy(e.IdempotencyId[:], idemp)
	copy(e.ClientId[:], client)
	e.RequestNumber = types.RequestNumber(reqNum)
	e.CommandPayload = payload
	return e, nil
}

func (r *reader) entries() ([]LogEntry, error) {
	n, err := r.u64()
	if err != nil {
		return nil, err
	}
	if n > MaxLogTailEntries {
		return nil, fmt.Errorf("vsr: log tail of %d entries exceeds MAX_LOG_TAIL_ENTRIES", n)
	}
	out := make([]LogEntry, n)
	for i := range out {
		e, err := r.entry()
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

func (r *reader) replicaSlice() ([]types.ReplicaId, error) {
	n, err := r.u64()
	if err != nil {
		return nil, err
	}
	out := make([]types.ReplicaId, n)
	for i := range out {
		v, err := r.u8()
		if err != nil {
			return nil, err
		}
		out[i] = types.ReplicaId(v)
	}
	return out, nil
}

func (r *reader) reconfig() (*ReconfigState, error) {
	present, err := r.u8()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	oldSet, err := r.replicaSlice()
	if err != nil {
		return nil, err
	}
	newSet, err := r.replicaSlice()
	if err != nil {
		return nil, err
	}
	committed, err := r.u8()
	if err != nil {
		return nil, err
	}
	return &ReconfigState{OldSet: oldSet, NewSet: newSet, Committed: committed == 1}, nil
}
