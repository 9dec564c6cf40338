package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
	"kimberlite.dev/core/types"
)

// Key hierarchy: MasterKey (HSM-backed abstraction) → per-tenant KEK (wraps
// DEKs) → per-stream/segment DEK (encrypts payloads). Every layer is a
// fixed 32-byte AES-256 key. Construction asserts non-degeneracy (no
// all-zero key material) per spec — a degenerate key is a programming
// error, not a recoverable condition, so the constructors panic rather than
// returning an error the caller might ignore.

const keyLen = 32

// MasterKey is the root of the key hierarchy. In production it is backed by
// an HSM (see HSMMonitor); StdProvider accepts one in memory for
// development and testing.
type MasterKey [keyLen]byte

// KEK wraps DEKs for one tenant.
type KEK [keyLen]byte

// DEK encrypts payloads for one stream (or segment).
type DEK [keyLen]byte

func assertNonDegenerate(k []byte, what string) {
	zero := true
	for _, b := range k {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		panic("crypto: degenerate (all-zero) " + what)
	}
}

// MasterKeyFromEnv returns the root-of-hierarchy key for deriving per-tenant
// KEKs: KIMBERLITE_MASTER_KEY_HEX (64 hex chars) when set, guarded by
// HSMMonitor in any deployment backed by a real HSM; otherwise a fixed,
// non-degenerate development key, the same posture StdProvider's nil
// signing key takes for checkpoint signatures — present so DeriveKEK never
// panics on an empty environment, not suitable for a compliance deployment.
func MasterKeyFromEnv() MasterKey {
	if v := os.Getenv("KIMBERLITE_MASTER_KEY_HEX"); v != "" {
		if raw, err := hex.DecodeString(v); err == nil && len(raw) == keyLen {
			var out MasterKey
			copy(out[:], raw)
			return out
		}
	}
	return devMasterKey()
}

func devMasterKey() MasterKey {
	return MasterKey(sha256.Sum256([]byte("kimberlite-dev-master-key")))
}

// DeriveKEK derives a per-tenant KEK from the master key using
// HKDF-SHA256. Distinct tenants produce distinct KEKs.
func DeriveKEK(master MasterKey, tenant types.TenantId) KEK {
	assertNonDegenerate(master[:], "master key")
	info := make([]byte, 8+len("kimberlite-kek"))
	n := copy(info, "kimberlite-kek")
	binary.BigEndian.PutUint64(info[n:], uint64(tenant))

	reader := hkdf.New(sha256.New, master[:], nil, info)
	var out KEK
	if _, err := io.ReadFull(reader, out[:]); err != nil {
		panic("crypto: hkdf derive kek: " + err.Error())
	}
	assertNonDegenerate(out[:], "derived kek")
	return out
}

// DeriveDEK derives a per-stream DEK from a tenant KEK using HKDF-SHA256.
// Distinct streams produce distinct DEKs.
func DeriveDEK(kek KEK, stream types.StreamId) DEK {
	assertNonDegenerate(kek[:], "kek")
	info := make([]byte, 8+len("kimberlite-dek"))
	n := copy(info, "kimberlite-dek")
	binary.BigEndian.PutUint64(info[n:], uint64(stream))

	reader := hkdf.New(sha256.New, kek[:], nil, info)
	var out DEK
	if _, err := io.ReadFull(reader, out[:]); err != nil {
		panic("crypto: hkdf derive dek: " + err.Error())
	}
	assertNonDegenerate(out[:], "derived dek")
	return out
}

const nonceLen = 12

// deriveNonce derives a 96-bit AES-GCM nonce deterministically from
// (tenant, stream, offset) so that encryption never needs an RNG and
// uniqueness is structural: two distinct positions can never collide
// because the HKDF info string encodes the full position.
func deriveNonce(key DEK, pos Position) [nonceLen]byte {
	info := make([]byte, 0, 24+3*8)
	info = append(info, "kimberlite-nonce"...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(pos.Tenant))
	info = append(info, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], uint64(pos.Stream))
	info = append(info, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], uint64(pos.Offset))
	info = append(info, buf[:]...)

	reader := hkdf.New(sha256.New, key[:], nil, info)
	var nonce [nonceLen]byte
	if _, err := io.ReadFull(reader, nonce[:]); err != nil {
		panic("crypto: hkdf derive nonce: " + err.Error())
	}
	return nonce
}

