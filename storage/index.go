package storage

import (
	"encoding/json"
	"fmt"
	"os"

	"kimberlite.dev/core/types"
)

const sparseIndexVersion = 1

// sparseEntry maps a stream offset to its byte position within a segment
// file. The index is sparse: not every offset is recorded, only every Nth
// (see DefaultIndexFlushInterval), matching spec.md §6.2's "sparse
// (offset, byte_position) pairs" index file.
type sparseEntry struct {
	Offset types.Offset `json:"offset"`
	Pos    int64        `json:"pos"`
}

// sparseIndexDisk is the on-disk JSON shape of a segment's .idx file,
// grounded on node/blockstore.go's blockStoreIndexDisk version-checked
// JSON persistence pattern.
type sparseIndexDisk struct {
	Version uint32        `json:"version"`
	Entries []sparseEntry `json:"entries"`
}

// SparseIndex is the in-memory, periodically-flushed offset→byte-position
// index for one segment. It is always rebuildable from the segment's
// records, so corruption of the index file is never fatal (spec.md §4.2
// invariant "sparse index, if corrupt, is rebuildable from the log").
type SparseIndex struct {
	path    string
	entries []sparseEntry
	dirty   bool
}

func newSparseIndex(path string) *SparseIndex {
	return &SparseIndex{path: path}
}

func loadSparseIndex(path string) (*SparseIndex, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return newSparseIndex(path), nil
	}
	if err != nil {
		return nil, err
	}
	var disk sparseIndexDisk
	if err := json.Unmarshal(raw, &disk); err != nil {
		// A corrupt index is not fatal: return an empty index in its
		// place. OpenLog carries on with it and does not rebuild it;
		// RebuildFromSegment can reconstruct the entries from the segment.
		return newSparseIndex(path), nil
	}
	if disk.Version != sparseIndexVersion {
		return nil, fmt.Errorf("storage: unsupported index version %d", disk.Version)
	}
	return &SparseIndex{path: path, entries: disk.Entries}, nil
}

// Record adds a sparse entry. Callers typically call this every
// DefaultIndexFlushInterval records, not on every append.
func (idx *SparseIndex) Record(offset types.Offset, pos int64) {
	idx.entries = append(idx.entries, sparseEntry{Offset: offset, Pos: pos})
	idx.dirty = true
}

// Flush persists the index atomically if dirty.
func (idx *SparseIndex) Flush() error {
	if !idx.dirty {
		return nil
	}
	disk := sparseIndexDisk{Version: sparseIndexVersion, Entries: idx.entries}
	raw, err := json.Marshal(disk)
	if err != nil {
		return err
	}
	if err := writeFileAtomicDurable(idx.path, raw, 0o644); err != nil {
		return err
	}
	idx.dirty = false
	return nil
}

// FloorEntry returns the sparse entry with the largest Offset <= target, or
// ok=false if target precedes every indexed entry (the caller then scans
// from the start of the segment).
func (idx *SparseIndex) FloorEntry(target types.Offset) (sparseEntry, bool) {
	best := sparseEntry{}
	found := false
	for _, e := range idx.entries {
		if e.Offset <= target && (!found || e.Offset > best.Offset) {
			best = e
			found = true
		}
	}
	return best, found
}

// RebuildFromSegment reconstructs the sparse index by scanning a segment's
// records from scratch, for use when the on-disk index is missing or
// corrupt.
func RebuildFromSegment(seg []byte, flushInterval int) *SparseIndex {
	idx := newSparseIndex("")
	pos := 0
	count := 0
	for pos < len(seg) {
		rec, n, err := DecodeRecord(seg[pos:])
		if err != nil {
			break
		}
		if count%flushInterval == 0 {
			idx.entries = append(idx.entries, sparseEntry{Offset: rec.Offset, Pos: int64(pos)})
		}
		pos += n
		count++
	}
	idx.dirty = true
	return idx
}
