package storage

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"kimberlite.dev/core/crypto"
	"kimberlite.dev/core/types"
)

// Config bundles storage-layer tunables (spec.md §9).
type Config struct {
	FsyncPolicy               FsyncPolicy
	SegmentSizeBytes          int64
	CheckpointIntervalRecords int
	IndexFlushInterval        int
	Compression               Compression
	Encrypted                 bool
}

// DefaultConfig returns the spec-documented defaults.
func DefaultConfig() Config {
	return Config{
		FsyncPolicy:               FsyncEveryBatch,
		SegmentSizeBytes:          DefaultSegmentSizeBytes,
		CheckpointIntervalRecords: 1000,
		IndexFlushInterval:        DefaultIndexFlushInterval,
		Compression:               CompressionNone,
	}
}

// Log is the durable, hash-chained, append-only record sequence for one
// stream. It owns its segment files, sparse index, and checkpoints
// exclusively — only the append path writes them (spec.md §5 shared
// resource policy).
type Log struct {
	dir      string
	tenant   types.TenantId
	stream   types.StreamId
	cfg      Config
	provider crypto.Provider
	dek      *crypto.DEK
	compress Compressor

	mu                     sync.Mutex
	segmentIndex           uint64
	active                 *segment
	activeIdx              *SparseIndex
	recordsSinceIdxFlush   int
	recordsSinceCheckpoint int
	lastHash               types.ChainHash
	nextOffset             types.Offset
}

// OpenLog opens (or creates) the log directory for (tenant, stream).
func OpenLog(dir string, tenant types.TenantId, stream types.StreamId, cfg Config, provider crypto.Provider, dek *crypto.DEK) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	compressor, err := ForKind(cfg.Compression)
	if err != nil {
		return nil, err
	}

	segIdx, lastHash, nextOff, err := discoverTail(dir)
	if err != nil {
		return nil, err
	}

	seg, err := openSegmentForAppend(dir, segIdx, nextOff, lastHash)
	if err != nil {
		return nil, err
	}
	idx, err := loadSparseIndex(indexPath(dir, segIdx))
	if err != nil {
		_ = seg.close()
		return nil, err
	}

	return &Log{
		dir:        dir,
		tenant:     tenant,
		stream:     stream,
		cfg:        cfg,
		provider:   provider,
		dek:        dek,
		compress:   compressor,
		segmentIndex: segIdx,
		active:     seg,
		activeIdx:  idx,
		lastHash:   lastHash,
		nextOffset: nextOff,
	}, nil
}

// discoverTail scans dir for existing segment files and replays the
// newest one to recover (lastHash, nextOffset), truncating any trailing
// partial write it finds (the documented "crash mid-batch" failure mode).
func discoverTail(dir string) (segIdx uint64, lastHash types.ChainHash, nextOffset types.Offset, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, lastHash, 0, err
	}
	var indices []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "segment_") || !strings.HasSuffix(name, ".log") {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, "segment_"), ".log")
		n, convErr := strconv.ParseUint(numStr, 10, 64)
		if convErr != nil {
			continue
		}
		indices = append(indices, n)
	}
	if len(indices) == 0 {
		return 0, lastHash, 0, nil
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	last := indices[len(indices)-1]

	raw, err := os.ReadFile(segmentPath(dir, last))
	if err != nil {
		return 0, lastHash, 0, err
	}
	pos := 0
	for pos < len(raw) {
		rec, n, decErr := DecodeRecord(raw[pos:])
		if decErr != nil {
			// Partial write at the tail: truncate and resume from the last
			// valid record, per spec.md §4.2 failure modes.
			if truncErr := os.Truncate(segmentPath(dir, last), int64(pos)); truncErr != nil {
				return 0, lastHash, 0, truncErr
			}
			break
		}
		lastHash = recordChainHashPlaceholder(rec)
		nextOffset = rec.Offset.Next()
		pos += n
	}
	return last, lastHash, nextOffset, nil
}

// recordChainHashPlaceholder recovers the chain hash a record produced when
// it was written. Because Record itself stores only prev_hash (the hash
// feeding into it, not its own), the log recomputes the record's own chain
// hash the same way Append does, so replay and live append agree bit for
// bit.
func recordChainHashPlaceholder(rec Record) types.ChainHash {
	enc, err := rec.Encode()
	if err != nil {
		return rec.PrevHash
	}
	p := crypto.NewStdProvider(nil)
	return p.ChainHash(rec.PrevHash, enc[:len(enc)-trailerLen])
}

// Append writes one record carrying plaintext payload and returns its
// assigned offset and resulting chain hash.
func (l *Log) Append(kind Kind, payload []byte) (types.Offset, types.ChainHash, error) {
	offs, hashes, err := l.AppendBatch(kind, [][]byte{payload})
	if err != nil {
		return 0, types.ChainHash{}, err
	}
	return offs[0], hashes[0], nil
}

// AppendBatch writes multiple records in one call. Each record is
// compressed, encrypted when the log has a DEK, framed, chained and written
// to the active segment in turn; there is no separate stage that builds one
// contiguous buffer before a single write. The segment is synced after
// each record under FsyncEveryRecord and once per call under
// FsyncEveryBatch.
func (l *Log) AppendBatch(kind Kind, payloads [][]byte) ([]types.Offset, []types.ChainHash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	offsets := make([]types.Offset, len(payloads))
	hashes := make([]types.ChainHash, len(payloads))
	prev := l.lastHash
	off := l.nextOffset

	for i, payload := range payloads {
		if len(payload) > MaxPayloadBytes {
			return nil, nil, fmt.Errorf("storage: payload exceeds max: %d", len(payload))
		}
		stored := payload
		compKind := l.cfg.Compression
		if compKind != CompressionNone {
			compressed, cErr := l.compress.Compress(payload)
			if cErr != nil {
				return nil, nil, cErr
			}
			if len(compressed) < len(payload) {
				stored = compressed
			} else {
				compKind = CompressionNone
			}
		}
		if l.dek != nil {
			ct, eErr := l.provider.Encrypt(*l.dek, crypto.Position{Tenant: l.tenant, Stream: l.stream, Offset: off}, stored)
			if eErr != nil {
				return nil, nil, eErr
			}
			stored = ct
		}

		rec := Record{Offset: off, PrevHash: prev, Kind: kind, Compression: compKind, StoredPayload: stored}
		enc, encErr := rec.Encode()
		if encErr != nil {
			return nil, nil, encErr
		}
		chainHash := l.provider.ChainHash(prev, enc[:len(enc)-trailerLen])

		pos, appendErr := l.active.appendRecord(rec)
		if appendErr != nil {
			return nil, nil, appendErr
		}
		if l.cfg.FsyncPolicy == FsyncEveryRecord {
			if err := l.active.sync(); err != nil {
				return nil, nil, err
			}
		}

		l.recordsSinceCheckpoint++
		l.recordsSinceIdxFlush++
		if l.recordsSinceIdxFlush >= l.cfg.IndexFlushInterval {
			l.activeIdx.Record(off, pos)
			l.recordsSinceIdxFlush = 0
		}

		offsets[i] = off
		hashes[i] = chainHash
		prev = chainHash
		off++
	}

	l.lastHash = prev
	l.nextOffset = off

	if l.cfg.FsyncPolicy == FsyncEveryBatch {
		if err := l.active.sync(); err != nil {
			return nil, nil, err
		}
	}
	if err := l.activeIdx.Flush(); err != nil {
		return nil, nil, err
	}

	if err := l.rotateIfNeeded(); err != nil {
		return nil, nil, err
	}
	return offsets, hashes, nil
}

// Flush forces a durability sync of the active segment and index,
// regardless of FsyncPolicy — used for FsyncOnFlush and graceful shutdown.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.active.sync(); err != nil {
		return err
	}
	return l.activeIdx.Flush()
}

// rotateIfNeeded atomically closes the current segment and opens a new one
// once the size threshold is exceeded, preserving the hash chain across the
// boundary (spec.md §4.2 step 5).
func (l *Log) rotateIfNeeded() error {
	if l.active.size < l.cfg.SegmentSizeBytes {
		return nil
	}
	if err := l.activeIdx.Flush(); err != nil {
		return err
	}
	if err := l.active.sync(); err != nil {
		return err
	}
	if err := l.active.close(); err != nil {
		return err
	}
	newIdx := l.segmentIndex + 1
	seg, err := openSegmentForAppend(l.dir, newIdx, l.nextOffset, l.lastHash)
	if err != nil {
		return err
	}
	l.active = seg
	l.segmentIndex = newIdx
	l.activeIdx = newSparseIndex(indexPath(l.dir, newIdx))
	l.recordsSinceIdxFlush = 0
	return nil
}

// Close flushes and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.activeIdx.Flush(); err != nil {
		return err
	}
	return l.active.close()
}

// Tip returns the log's current (nextOffset, lastHash).
func (l *Log) Tip() (types.Offset, types.ChainHash) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextOffset, l.lastHash
}

// CreateCheckpoint writes a signed checkpoint summarizing the log's current
// tip and index snapshot, then appends a KindCheckpoint record referencing
// it (spec.md §4.2 "Checkpoints are themselves records of kind Checkpoint").
func (l *Log) CreateCheckpoint(signer crypto.Signer, now types.Timestamp) (Checkpoint, error) {
	l.mu.Lock()
	ck := Checkpoint{
		Offset:        l.nextOffset,
		ChainHash:     l.lastHash,
		IndexSnapshot: append([]sparseEntry(nil), l.activeIdx.entries...),
		Timestamp:     now,
	}
	segIdx := l.segmentIndex
	dir := l.dir
	l.mu.Unlock()

	if err := ck.Sign(signer); err != nil {
		return Checkpoint{}, err
	}
	if err := writeCheckpointFile(checkpointPath(dir, segIdx), ck); err != nil {
		return Checkpoint{}, err
	}

	body, err := ck.signingBody()
	if err != nil {
		return Checkpoint{}, err
	}
	if _, _, err := l.Append(KindCheckpoint, body); err != nil {
		return Checkpoint{}, err
	}
	l.mu.Lock()
	l.recordsSinceCheckpoint = 0
	l.mu.Unlock()
	return ck, nil
}

// ShouldCheckpoint reports whether CheckpointIntervalRecords have elapsed
// since the last checkpoint.
func (l *Log) ShouldCheckpoint() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordsSinceCheckpoint >= l.cfg.CheckpointIntervalRecords
}

// ReadVerified replays records from the nearest checkpoint at or before
// fromOffset (falling back to genesis), verifying CRC and the chain-hash
// link at every step, decrypting if the stream is encrypted, and stopping
// once the returned payload reaches maxBytes; the record that reaches or
// crosses the limit is included (spec.md §4.2 read path).
func (l *Log) ReadVerified(fromOffset types.Offset, maxBytes int) ([]Record, error) {
	l.mu.Lock()
	lastSeg := l.segmentIndex
	dir := l.dir
	dek := l.dek
	flushInterval := l.cfg.IndexFlushInterval
	l.mu.Unlock()

	var out []Record
	startSeg := uint64(0)
	startPos := 0
	prev := types.ChainHash{}
	skipTo := types.Offset(0) // skip framing-only, unverified, up to (not including) this offset

	if ck, ckSeg, found := findNearestCheckpoint(dir, lastSeg, fromOffset); found {
		startSeg = ckSeg
		prev = ck.ChainHash
		skipTo = ck.Offset
		entries := ck.IndexSnapshot
		if len(entries) == 0 {
			if raw, err := os.ReadFile(segmentPath(dir, ckSeg)); err == nil {
				entries = RebuildFromSegment(raw, flushInterval).entries
			}
		}
		if floor, ok := (&SparseIndex{entries: entries}).FloorEntry(ck.Offset); ok {
			startPos = int(floor.Pos)
		}
	}

	total := 0

	for segIdx := startSeg; segIdx <= lastSeg; segIdx++ {
		raw, err := os.ReadFile(segmentPath(dir, segIdx))
		if err != nil {
			if os.IsNotExist(err) && segIdx == lastSeg {
				break
			}
			return out, err
		}
		pos := 0
		if segIdx == startSeg {
			pos = startPos
		}
		for pos < len(raw) {
			if skipTo != 0 {
				rec, n, decErr := DecodeRecord(raw[pos:])
				if decErr != nil {
					return out, Classify(decErr)
				}
				if rec.Offset < skipTo {
					pos += n
					continue
				}
				// rec.Offset == skipTo: the checkpoint's own anchor
				// record. Leave pos where it is and fall through to the
				// normal verified path below, which re-decodes it and
				// checks it against ck.ChainHash (already primed as prev)
				// like any other record.
				skipTo = 0
				continue
			}
			rec, n, decErr := DecodeRecord(raw[pos:])
			if decErr != nil {
				return out, Classify(decErr)
			}
			gotHash := l.provider.ChainHash(prev, raw[pos:pos+n-trailerLen])
			if rec.PrevHash != prev {
				return out, Classify(fmt.Errorf("chain mismatch at offset %d: %w", rec.Offset, types.ErrChainBroken))
			}
			prev = gotHash
			pos += n

			if rec.Offset < fromOffset {
				continue
			}
			if rec.Kind == KindData && dek != nil {
				plain, decErr2 := l.provider.Decrypt(*dek, crypto.Position{Tenant: l.tenant, Stream: l.stream, Offset: rec.Offset}, rec.StoredPayload)
				if decErr2 != nil {
					return out, Classify(decErr2)
				}
				rec.StoredPayload = plain
			}
			if rec.Compression != CompressionNone {
				decompressor, compErr := ForKind(rec.Compression)
				if compErr != nil {
					return out, compErr
				}
				plain, decErr3 := decompressor.Decompress(rec.StoredPayload)
				if decErr3 != nil {
					return out, Classify(decErr3)
				}
				rec.StoredPayload = plain
				rec.Compression = CompressionNone
			}
			out = append(out, rec)
			total += len(rec.StoredPayload)
			if total >= maxBytes {
				return out, nil
			}
		}
	}
	return out, nil
}

// findNearestCheckpoint searches segments lastSeg down to 0 for the
// latest checkpoint file whose Offset is at or before fromOffset, so
// ReadVerified can resume chain verification there instead of at
// genesis (spec.md §4.2 "hash chain verified from nearest checkpoint").
// Not every segment carries a checkpoint file; a missing one is not an
// error, just a miss.
func findNearestCheckpoint(dir string, lastSeg uint64, fromOffset types.Offset) (Checkpoint, uint64, bool) {
	for segIdx := lastSeg; ; segIdx-- {
		ck, err := readCheckpointFile(checkpointPath(dir, segIdx))
		if err == nil && ck.Offset <= fromOffset {
			return ck, segIdx, true
		}
		if segIdx == 0 {
			return Checkpoint{}, 0, false
		}
	}
}
