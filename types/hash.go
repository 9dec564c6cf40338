package types

import (
	"encoding/hex"
	"strconv"
)

// ChainHash is a SHA-256 digest used on the compliance-critical path: the
// log hash chain, checkpoints, and audit export. No conversion to or from
// InternalHash exists — the two types are structurally distinct so that the
// compiler, not a convention, prevents substituting one hash family for the
// other.
type ChainHash [32]byte

func (h ChainHash) String() string { return hex.EncodeToString(h[:]) }

func (h ChainHash) IsZero() bool { return h == ChainHash{} }

// InternalHash is a BLAKE3 digest used on the performance path: Merkle
// aggregation, content addressing, and state snapshots. It carries no
// compliance meaning and must never stand in for a ChainHash.
type InternalHash [32]byte

func (h InternalHash) String() string { return hex.EncodeToString(h[:]) }

func (h InternalHash) IsZero() bool { return h == InternalHash{} }

// ParseChainHash decodes a hex-encoded 32-byte chain hash.
func ParseChainHash(s string) (ChainHash, error) {
	var h ChainHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != len(h) {
		return h, errBadHashLen(len(b))
	}
	copy(h[:], b)
	return h, nil
}

type errBadHashLen int

func (e errBadHashLen) Error() string {
	return "types: expected 32-byte hash, got " + strconv.Itoa(int(e)) + " bytes"
}
