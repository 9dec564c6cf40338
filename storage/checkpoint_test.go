package storage

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"

	"kimberlite.dev/core/types"
)

func TestCheckpointSignVerifyRoundtrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := testSigner{priv}
	verifier := testVerifier{}

	ck := Checkpoint{
		Offset:        42,
		ChainHash:     types.ChainHash{9, 9, 9},
		IndexSnapshot: []sparseEntry{{Offset: 0, Pos: 0}},
		Timestamp:     types.Timestamp(1000),
	}
	if err := ck.Sign(signer); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !ck.Verify(verifier, pub) {
		t.Fatal("expected valid signature to verify")
	}

	ck.Offset = 43 // tamper after signing
	if ck.Verify(verifier, pub) {
		t.Fatal("tampered checkpoint must not verify")
	}
}

func TestCheckpointFileRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment_000000.log.ckpt")
	ck := Checkpoint{Offset: 5, ChainHash: types.ChainHash{1}, Timestamp: 123}
	if err := writeCheckpointFile(path, ck); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := readCheckpointFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Offset != ck.Offset || got.ChainHash != ck.ChainHash || got.Timestamp != ck.Timestamp {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", got, ck)
	}
}

type testSigner struct{ key ed25519.PrivateKey }

func (s testSigner) Sign(msg []byte) []byte { return ed25519.Sign(s.key, msg) }

type testVerifier struct{}

func (testVerifier) Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
