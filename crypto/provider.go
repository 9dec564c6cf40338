// Package crypto implements Kimberlite's cryptographic binding layer: the
// dual-hash split between compliance-critical chain hashing and
// performance-path internal hashing, authenticated encryption with
// position-derived nonces, checkpoint signatures, and the master-key →
// KEK → DEK envelope hierarchy.
package crypto

import "kimberlite.dev/core/types"

// Binder computes the two structurally distinct hash families used across
// the core. No function ever converts one into the other.
type Binder interface {
	// ChainHash computes SHA-256(prev || recordBytes) for the compliance
	// hash chain. Never called with an all-zero prev except at genesis.
	ChainHash(prev types.ChainHash, recordBytes []byte) types.ChainHash

	// InternalHash computes BLAKE3(data) for content addressing, Merkle
	// aggregation, and state snapshots. Carries no compliance meaning.
	InternalHash(data []byte) types.InternalHash
}

// AEAD authenticates and encrypts payload bytes using AES-256-GCM with a
// nonce derived deterministically from a stream position, never from an
// RNG.
type AEAD interface {
	// Encrypt seals plaintext under key, deriving the nonce from position.
	// The returned ciphertext is nonce(12B) || AES-256-GCM(plaintext).
	Encrypt(key DEK, position Position, plaintext []byte) ([]byte, error)

	// Decrypt opens a ciphertext produced by Encrypt. Returns
	// types.ErrAuthenticationFailure (wrapped) on tag mismatch.
	Decrypt(key DEK, position Position, ciphertext []byte) ([]byte, error)
}

// Signer produces Ed25519 signatures over checkpoint and audit artifacts.
type Signer interface {
	Sign(message []byte) []byte
}

// Verifier checks Ed25519 signatures produced by a Signer.
type Verifier interface {
	Verify(publicKey, message, sig []byte) bool
}

// Position identifies the (tenant, stream, offset) triple a nonce or
// ciphertext is bound to. Reusing a Position across two distinct plaintexts
// would produce nonce reuse, so callers must never encrypt the same
// Position twice.
type Position struct {
	Tenant types.TenantId
	Stream types.StreamId
	Offset types.Offset
}

// Provider bundles every crypto capability the rest of the core needs.
// StdProvider is the default, non-HSM-backed implementation; a
// production deployment wraps it with an HSMMonitor-guarded master key.
type Provider interface {
	Binder
	AEAD
	Signer
	Verifier
}
