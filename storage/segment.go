package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"kimberlite.dev/core/types"
)

// FsyncPolicy controls how aggressively Append durability-syncs the active
// segment (spec.md §4.2 write path step 3, §9 configuration).
type FsyncPolicy int

const (
	// FsyncEveryRecord syncs after every single append.
	FsyncEveryRecord FsyncPolicy = iota
	// FsyncEveryBatch syncs once per batched-append call.
	FsyncEveryBatch
	// FsyncGroupCommit does not sync on append: the segment is synced only
	// by Flush or when it rotates. There is no max-delay timer.
	FsyncGroupCommit
	// FsyncOnFlush never syncs implicitly; the caller must call Flush.
	FsyncOnFlush
)

// segmentFileName renders the zero-padded segment file name, e.g.
// segment_000042.log, grounded on spec.md §6.2.
func segmentFileName(index uint64) string {
	return fmt.Sprintf("segment_%06d.log", index)
}

func segmentPath(dir string, index uint64) string {
	return filepath.Join(dir, segmentFileName(index))
}

func indexPath(dir string, index uint64) string {
	return segmentPath(dir, index) + ".idx"
}

func checkpointPath(dir string, index uint64) string {
	return segmentPath(dir, index) + ".ckpt"
}

// DefaultSegmentSizeBytes is the default rotation threshold (~256 MiB).
const DefaultSegmentSizeBytes = 256 << 20

// DefaultIndexFlushInterval is how many records accumulate before the
// sparse index is flushed to disk (spec.md §4.2 step 4).
const DefaultIndexFlushInterval = 100

// segment is one active or sealed log file plus its in-memory tail state.
type segment struct {
	index    uint64
	path     string
	file     *os.File
	size     int64
	lastHash types.ChainHash
	nextOff  types.Offset
}

func openSegmentForAppend(dir string, index uint64, startOffset types.Offset, priorHash types.ChainHash) (*segment, error) {
	path := segmentPath(dir, index)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open segment %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{
		index:    index,
		path:     path,
		file:     f,
		size:     info.Size(),
		lastHash: priorHash,
		nextOff:  startOffset,
	}, nil
}

func (s *segment) appendRecord(rec Record) (n int64, err error) {
	enc, err := rec.Encode()
	if err != nil {
		return 0, err
	}
	off, err := s.file.Seek(0, os.SEEK_END)
	if err != nil {
		return 0, err
	}
	if _, err := s.file.Write(enc); err != nil {
		return 0, err
	}
	s.size += int64(len(enc))
	s.nextOff = rec.Offset.Next()
	return off, nil
}

func (s *segment) sync() error { return s.file.Sync() }

func (s *segment) close() error { return s.file.Close() }
