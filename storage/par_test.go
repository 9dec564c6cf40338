package storage

import (
	"errors"
	"testing"

	"kimberlite.dev/core/types"
)

func TestClassifyShortRecordIsNotSeen(t *testing.T) {
	c := Classify(ErrShortRecord)
	if c.Classification != NotSeen {
		t.Fatalf("got %v, want NotSeen", c.Classification)
	}
	if !errors.Is(c, ErrShortRecord) {
		t.Fatal("Unwrap should expose ErrShortRecord")
	}
}

func TestClassifyChecksumFailureIsSeenButCorrupt(t *testing.T) {
	c := Classify(types.ErrChecksumFailure)
	if c.Classification != SeenButCorrupt {
		t.Fatalf("got %v, want SeenButCorrupt", c.Classification)
	}
}
