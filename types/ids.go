// Package types holds the foundation scalar types shared by every other
// Kimberlite package: identifiers, offsets, view/op/commit counters,
// timestamps, the data-classification enum, and idempotency tokens.
package types

import (
	"encoding/binary"
	"fmt"
)

// TenantId identifies a tenant. Zero is reserved as invalid.
type TenantId uint64

// Valid reports whether t is a non-zero tenant identifier.
func (t TenantId) Valid() bool { return t != 0 }

func (t TenantId) String() string { return fmt.Sprintf("tenant:%d", uint64(t)) }

// StreamId identifies a stream, scoped within a tenant by construction.
type StreamId uint64

func (s StreamId) String() string { return fmt.Sprintf("stream:%d", uint64(s)) }

// TableId identifies a table backed by a stream.
type TableId uint64

// IndexId identifies a secondary index on a table.
type IndexId uint64

// Offset is a monotonically increasing position within a stream.
// OffsetZero marks the genesis position.
type Offset uint64

// OffsetZero is the genesis marker for a stream.
const OffsetZero Offset = 0

func (o Offset) Next() Offset { return o + 1 }

// ViewNumber is the VSR view counter. View numbers only increase.
type ViewNumber uint64

// OpNumber is the per-view monotonic sequence id of a log entry.
type OpNumber uint64

// CommitNumber is the highest OpNumber known to be committed on a replica.
type CommitNumber uint64

// ReplicaId is a small unsigned integer bounded by cluster size.
type ReplicaId uint8

// Timestamp is nanoseconds since the Unix epoch, assigned only by the
// current VSR leader.
type Timestamp int64

func (t Timestamp) Before(other Timestamp) bool { return t < other }

// RequestNumber is a per-client monotonic counter identifying a submitted
// command within that client's session.
type RequestNumber uint64

// IdempotencyId is a 128-bit opaque client-supplied retry token.
type IdempotencyId [16]byte

func (id IdempotencyId) IsZero() bool { return id == IdempotencyId{} }

func (id IdempotencyId) String() string {
	return fmt.Sprintf("%x", id[:])
}

// ClientId identifies a registered client session, allocated by
// register_client.
type ClientId [16]byte

func (c ClientId) String() string { return fmt.Sprintf("%x", c[:]) }

// DataClass controls key selection and policy for a stream.
type DataClass uint8

const (
	DataClassPublic DataClass = iota
	DataClassPII
	DataClassSensitive
	DataClassPHI
	DataClassPCI
	DataClassFinancial
	DataClassConfidential
)

func (d DataClass) String() string {
	switch d {
	case DataClassPublic:
		return "Public"
	case DataClassPII:
		return "PII"
	case DataClassSensitive:
		return "Sensitive"
	case DataClassPHI:
		return "PHI"
	case DataClassPCI:
		return "PCI"
	case DataClassFinancial:
		return "Financial"
	case DataClassConfidential:
		return "Confidential"
	default:
		return "Unknown"
	}
}

// Valid reports whether d is one of the recognized data classes.
func (d DataClass) Valid() bool {
	return d <= DataClassConfidential
}

// PutUint64LE writes v into b (which must have length >= 8) in little-endian
// order, mirroring the on-disk record layout of storage.Record.
func PutUint64LE(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

// Uint64LE reads a little-endian uint64 from b (which must have length >= 8).
func Uint64LE(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
