package storage

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"kimberlite.dev/core/crypto"
	"kimberlite.dev/core/types"
)

func newTestLog(t *testing.T, cfg Config) *Log {
	t.Helper()
	dir := t.TempDir()
	provider := crypto.NewStdProvider(nil)
	l, err := OpenLog(dir, types.TenantId(1), types.StreamId(1), cfg, provider, nil)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppendGenesisAndVerifiedRead(t *testing.T) {
	l := newTestLog(t, DefaultConfig())

	off, hash, err := l.Append(KindData, []byte("genesis record"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if off != types.OffsetZero {
		t.Fatalf("first offset = %d, want 0", off)
	}
	if hash.IsZero() {
		t.Fatal("chain hash must not be zero for a real record")
	}

	recs, err := l.ReadVerified(types.OffsetZero, 1<<20)
	if err != nil {
		t.Fatalf("ReadVerified: %v", err)
	}
	if len(recs) != 1 || string(recs[0].StoredPayload) != "genesis record" {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestAppendBatchChainsHashesSequentially(t *testing.T) {
	l := newTestLog(t, DefaultConfig())

	offs, hashes, err := l.AppendBatch(KindData, [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	if err != nil {
		t.Fatalf("append batch: %v", err)
	}
	for i, o := range offs {
		if o != types.Offset(i) {
			t.Fatalf("offset[%d] = %d, want %d", i, o, i)
		}
	}
	recs, err := l.ReadVerified(types.OffsetZero, 1<<20)
	if err != nil {
		t.Fatalf("ReadVerified: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i, rec := range recs {
		if rec.Offset != types.Offset(i) {
			t.Fatalf("record %d has offset %d", i, rec.Offset)
		}
	}
	_ = hashes
}

func TestSegmentRotationPreservesChainAcrossBoundary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SegmentSizeBytes = 200 // force rotation almost immediately
	l := newTestLog(t, cfg)

	for i := 0; i < 20; i++ {
		if _, _, err := l.Append(KindData, []byte("0123456789")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if l.segmentIndex == 0 {
		t.Fatal("expected at least one rotation to have occurred")
	}

	recs, err := l.ReadVerified(types.OffsetZero, 1<<20)
	if err != nil {
		t.Fatalf("ReadVerified across segments: %v", err)
	}
	if len(recs) != 20 {
		t.Fatalf("got %d records, want 20", len(recs))
	}
	for i, rec := range recs {
		if rec.Offset != types.Offset(i) {
			t.Fatalf("record %d has offset %d", i, rec.Offset)
		}
	}
}

func TestReadVerifiedDetectsTamperedRecord(t *testing.T) {
	l := newTestLog(t, DefaultConfig())
	for i := 0; i < 5; i++ {
		if _, _, err := l.Append(KindData, []byte("payload")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	segPath := segmentPath(l.dir, l.segmentIndex)
	raw, err := os.ReadFile(segPath)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	raw[headerLen] ^= 0xFF
	if err := os.WriteFile(segPath, raw, 0o644); err != nil {
		t.Fatalf("rewrite segment: %v", err)
	}

	_, err = l.ReadVerified(types.OffsetZero, 1<<20)
	if err == nil {
		t.Fatal("expected corruption to be detected")
	}
	corrupt, ok := err.(*ErrCorruption)
	if !ok {
		t.Fatalf("expected *ErrCorruption, got %T: %v", err, err)
	}
	if corrupt.Classification != SeenButCorrupt {
		t.Fatalf("classification = %v, want SeenButCorrupt", corrupt.Classification)
	}
}

func TestEncryptedLogRoundtrip(t *testing.T) {
	dir := t.TempDir()
	provider := crypto.NewStdProvider(nil)
	var master crypto.MasterKey
	for i := range master {
		master[i] = byte(i + 1)
	}
	kek := crypto.DeriveKEK(master, types.TenantId(1))
	dek := crypto.DeriveDEK(kek, types.StreamId(1))

	cfg := DefaultConfig()
	cfg.Encrypted = true
	l, err := OpenLog(dir, types.TenantId(1), types.StreamId(1), cfg, provider, &dek)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer l.Close()

	if _, _, err := l.Append(KindData, []byte("tenant secret")); err != nil {
		t.Fatalf("append: %v", err)
	}
	recs, err := l.ReadVerified(types.OffsetZero, 1<<20)
	if err != nil {
		t.Fatalf("ReadVerified: %v", err)
	}
	if len(recs) != 1 || string(recs[0].StoredPayload) != "tenant secret" {
		t.Fatalf("unexpected decrypted payload: %+v", recs)
	}
}

func TestCompressedLogRoundtrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Compression = CompressionLZ4
	l := newTestLog(t, cfg)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 7)
	}
	if _, _, err := l.Append(KindData, payload); err != nil {
		t.Fatalf("append: %v", err)
	}
	recs, err := l.ReadVerified(types.OffsetZero, 1<<20)
	if err != nil {
		t.Fatalf("ReadVerified: %v", err)
	}
	if len(recs) != 1 || len(recs[0].StoredPayload) != len(payload) {
		t.Fatalf("unexpected record: %+v", recs)
	}
	for i := range payload {
		if recs[0].StoredPayload[i] != payload[i] {
			t.Fatalf("byte %d mismatch after decompression", i)
		}
	}
}

func TestCheckpointIntegratesWithLog(t *testing.T) {
	l := newTestLog(t, DefaultConfig())
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := crypto.NewStdProvider(priv)

	for i := 0; i < 3; i++ {
		if _, _, err := l.Append(KindData, []byte("x")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	ck, err := l.CreateCheckpoint(signer, types.Timestamp(55))
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if ck.Offset != 3 {
		t.Fatalf("checkpoint offset = %d, want 3", ck.Offset)
	}

	ckPath := checkpointPath(l.dir, l.segmentIndex)
	if _, err := os.Stat(ckPath); err != nil {
		t.Fatalf("expected checkpoint file at %s: %v", ckPath, err)
	}

	recs, err := l.ReadVerified(types.OffsetZero, 1<<20)
	if err != nil {
		t.Fatalf("ReadVerified: %v", err)
	}
	if len(recs) != 4 { // 3 data records + 1 KindCheckpoint record
		t.Fatalf("got %d records, want 4", len(recs))
	}
	if recs[3].Kind != KindCheckpoint {
		t.Fatalf("last record kind = %v, want KindCheckpoint", recs[3].Kind)
	}
}

func TestDiscoverTailTruncatesPartialWrite(t *testing.T) {
	dir := t.TempDir()
	provider := crypto.NewStdProvider(nil)
	l, err := OpenLog(dir, types.TenantId(1), types.StreamId(1), DefaultConfig(), provider, nil)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, _, err := l.Append(KindData, []byte("whole record")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	segPath := segmentPath(dir, l.segmentIndex)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	info, err := os.Stat(segPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	f, err := os.OpenFile(segPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	if _, err := f.Write([]byte{1, 2, 3, 4}); err != nil { // simulate a torn partial record
		t.Fatalf("write torn bytes: %v", err)
	}
	_ = f.Close()

	reopened, err := OpenLog(dir, types.TenantId(1), types.StreamId(1), DefaultConfig(), provider, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	truncated, err := os.Stat(segPath)
	if err != nil {
		t.Fatalf("stat after reopen: %v", err)
	}
	if truncated.Size() != info.Size() {
		t.Fatalf("segment size after recovery = %d, want %d (torn bytes discarded)", truncated.Size(), info.Size())
	}

	off, _, err := reopened.Append(KindData, []byte("continues after recovery"))
	if err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	if off != types.Offset(3) {
		t.Fatalf("next offset after recovery = %d, want 3", off)
	}
}

func TestShouldCheckpointTracksInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckpointIntervalRecords = 2
	l := newTestLog(t, cfg)

	if l.ShouldCheckpoint() {
		t.Fatal("should not need a checkpoint before any appends")
	}
	if _, _, err := l.Append(KindData, []byte("a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, _, err := l.Append(KindData, []byte("b")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if !l.ShouldCheckpoint() {
		t.Fatal("expected checkpoint to be due after CheckpointIntervalRecords appends")
	}
}

func TestMetaStoreRoundtrip(t *testing.T) {
	dir := t.TempDir()
	ms, err := OpenMetaStore(dir)
	if err != nil {
		t.Fatalf("OpenMetaStore: %v", err)
	}
	defer ms.Close()

	sm := StreamMeta{TenantId: 1, StreamId: 1, Name: "orders", DataClass: types.DataClassPII}
	if err := ms.PutStream(sm); err != nil {
		t.Fatalf("PutStream: %v", err)
	}
	got, ok, err := ms.GetStream(1, 1)
	if err != nil || !ok {
		t.Fatalf("GetStream: ok=%v err=%v", ok, err)
	}
	if got.Name != "orders" || got.DataClass != types.DataClassPII {
		t.Fatalf("unexpected stream meta: %+v", got)
	}

	var cid types.ClientId
	cid[0] = 1
	sess := ClientSession{ClientId: cid, LastRequest: 9}
	if err := ms.PutSession(sess); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	gotSess, ok, err := ms.GetSession(cid)
	if err != nil || !ok {
		t.Fatalf("GetSession: ok=%v err=%v", ok, err)
	}
	if gotSess.LastRequest != 9 {
		t.Fatalf("LastRequest = %d, want 9", gotSess.LastRequest)
	}
	if err := ms.EvictSession(cid); err != nil {
		t.Fatalf("EvictSession: %v", err)
	}
	if _, ok, err := ms.GetSession(cid); err != nil || ok {
		t.Fatalf("expected session evicted, ok=%v err=%v", ok, err)
	}
}

func TestScrubberReportsCorruptionViaReadVerified(t *testing.T) {
	l := newTestLog(t, DefaultConfig())
	for i := 0; i < 8; i++ {
		if _, _, err := l.Append(KindData, []byte("abcdefgh")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	segPath := segmentPath(l.dir, l.segmentIndex)
	raw, err := os.ReadFile(segPath)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	raw[headerLen+4] ^= 0xFF
	if err := os.WriteFile(segPath, raw, 0o644); err != nil {
		t.Fatalf("rewrite segment: %v", err)
	}

	var found *RepairRequest
	scrubber := NewScrubber(l, ScrubConfig{IOPS: 10, Seed: 1}, func(r RepairRequest) {
		found = &r
	})
	scrubber.tick()
	if found == nil {
		t.Fatal("expected scrubber to report a corrupted record")
	}
	if found.Stream != types.StreamId(1) {
		t.Fatalf("unexpected stream in repair request: %+v", *found)
	}
}

func TestAtomicFileHelpers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	if err := writeFileAtomicDurable(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("writeFileAtomicDurable: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "hello" {
		t.Fatalf("got %q err %v, want hello", got, err)
	}

	path2 := filepath.Join(dir, "g.bin")
	if err := writeFileIfAbsent(path2, []byte("same")); err != nil {
		t.Fatalf("writeFileIfAbsent create: %v", err)
	}
	if err := writeFileIfAbsent(path2, []byte("same")); err != nil {
		t.Fatalf("writeFileIfAbsent idempotent verify: %v", err)
	}
	if err := writeFileIfAbsent(path2, []byte("different")); err == nil {
		t.Fatal("expected conflicting content to be rejected")
	}
}
