package storage

import "errors"

// Classification distinguishes, for Protocol-Aware Recovery, a position
// this replica never durably wrote (NotSeen) from one it wrote but can no
// longer read back intact (SeenButCorrupt). The distinction matters because
// truncating a SeenButCorrupt suffix could be discarding committed data —
// VSR requires a quorum NACK before doing so (spec.md §4.3, §4.4.3).
type Classification int

const (
	NotSeen Classification = iota
	SeenButCorrupt
)

func (c Classification) String() string {
	if c == SeenButCorrupt {
		return "SeenButCorrupt"
	}
	return "NotSeen"
}

// ErrCorruption wraps a classified read-time failure.
type ErrCorruption struct {
	Classification Classification
	Err            error
}

func (e *ErrCorruption) Error() string {
	return "storage: " + e.Classification.String() + ": " + e.Err.Error()
}

func (e *ErrCorruption) Unwrap() error { return e.Err }

// Classify inspects a record-decode error and produces the PAR
// classification: a short/truncated record at the active tail (a partial
// write) is NotSeen — nothing durable was ever completed there — while a
// CRC or chain-hash mismatch on a record whose length field parsed cleanly
// is SeenButCorrupt, since the position demonstrably held a complete write
// at some point.
func Classify(err error) *ErrCorruption {
	if errors.Is(err, ErrShortRecord) {
		return &ErrCorruption{Classification: NotSeen, Err: err}
	}
	return &ErrCorruption{Classification: SeenButCorrupt, Err: err}
}
