// Package storage implements Kimberlite's append-only hash-chained log:
// record framing, segment rotation, sparse offset indexing, checkpoints,
// verified reads, Protocol-Aware Recovery corruption classification, and
// background scrubbing.
//
// Grounded on the teacher's node/blockstore.go (atomic index/segment
// persistence) and node/store/manifest.go (crash-safe commit-point files),
// generalized from a single Bitcoin-style block store to Kimberlite's
// per-stream segmented log.
package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"kimberlite.dev/core/types"
)

// Kind tags what a log record represents.
type Kind uint8

const (
	KindData Kind = iota
	KindCheckpoint
	KindTombstone
	KindReconfig
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "Data"
	case KindCheckpoint:
		return "Checkpoint"
	case KindTombstone:
		return "Tombstone"
	case KindReconfig:
		return "Reconfig"
	default:
		return "Unknown"
	}
}

// Compression tags the codec used on a record's stored payload. The chain
// hash is always computed over the uncompressed payload.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZstd
)

// MaxPayloadBytes is the hard per-record payload ceiling (16 MiB).
const MaxPayloadBytes = 16 << 20

// headerLen is the fixed-size prefix before the variable payload:
// offset(8) + prev_hash(32) + kind(1) + compression(1) + length(4).
const headerLen = 8 + 32 + 1 + 1 + 4

// trailerLen is the trailing CRC32 footer.
const trailerLen = 4

// Record is one entry in the append-only log, framed exactly as spec.md
// §3.3: offset | prev_hash | kind | compression | length | payload | crc32,
// little-endian throughout.
type Record struct {
	Offset        types.Offset
	PrevHash      types.ChainHash
	Kind          Kind
	Compression   Compression
	StoredPayload []byte // possibly compressed, as written to disk
}

// Encode serializes r into the on-disk byte layout, including the trailing
// CRC32 which covers header + stored payload.
func (r Record) Encode() ([]byte, error) {
	if len(r.StoredPayload) > MaxPayloadBytes {
		return nil, fmt.Errorf("storage: payload %d exceeds max %d", len(r.StoredPayload), MaxPayloadBytes)
	}
	buf := make([]byte, headerLen+len(r.StoredPayload)+trailerLen)
	types.PutUint64LE(buf[0:8], uint64(r.Offset))
	copy(buf[8:40], r.PrevHash[:])
	buf[40] = byte(r.Kind)
	buf[41] = byte(r.Compression)
	binary.LittleEndian.PutUint32(buf[42:46], uint32(len(r.StoredPayload)))
	copy(buf[46:46+len(r.StoredPayload)], r.StoredPayload)

	sum := crc32.ChecksumIEEE(buf[:46+len(r.StoredPayload)])
	binary.LittleEndian.PutUint32(buf[46+len(r.StoredPayload):], sum)
	return buf, nil
}

// DecodeRecord parses a single record from buf, returning the record and the
// number of bytes it consumed. It verifies the CRC32 trailer before
// returning success; callers distinguish truncation (ErrShortRecord, safe to
// treat as a partial-write tail) from a CRC mismatch (ErrChecksumFailure,
// classified as SeenButCorrupt — see par.go).
func DecodeRecord(buf []byte) (Record, int, error) {
	if len(buf) < headerLen {
		return Record{}, 0, ErrShortRecord
	}
	length := binary.LittleEndian.Uint32(buf[42:46])
	total := headerLen + int(length) + trailerLen
	if len(buf) < total {
		return Record{}, 0, ErrShortRecord
	}
	if length > MaxPayloadBytes {
		return Record{}, 0, fmt.Errorf("storage: record length %d exceeds max: %w", length, types.ErrChecksumFailure)
	}

	wantSum := binary.LittleEndian.Uint32(buf[headerLen+int(length):total])
	gotSum := crc32.ChecksumIEEE(buf[:headerLen+int(length)])
	if wantSum != gotSum {
		return Record{}, 0, fmt.Errorf("storage: crc32 mismatch at offset %d: %w", types.Uint64LE(buf[0:8]), types.ErrChecksumFailure)
	}

	var r Record
	r.Offset = types.Offset(types.Uint64LE(buf[0:8]))
	copy(r.PrevHash[:], buf[8:40])
	r.Kind = Kind(buf[40])
	r.Compression = Compression(buf[41])
	r.StoredPayload = append([]byte(nil), buf[headerLen:headerLen+int(length)]...)
	return r, total, nil
}

// ErrShortRecord indicates buf did not contain a complete record — either a
// genuine partial write at the active tail (truncate and resume) or simply
// the end of available bytes in a streaming read.
var ErrShortRecord = fmt.Errorf("storage: short record")
