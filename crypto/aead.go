package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"kimberlite.dev/core/types"
)

// Encrypt seals plaintext with AES-256-GCM under key, using a nonce derived
// deterministically from position via HKDF rather than an RNG — two calls
// with the same key and position would reuse a nonce, so callers must never
// encrypt the same Position twice (the kernel enforces this by construction:
// offsets only move forward).
func (p StdProvider) Encrypt(key DEK, position Position, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := deriveNonce(key, position)
	out := make([]byte, 0, len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, nonce[:]...)
	out = gcm.Seal(out, nonce[:], plaintext, nil)
	return out, nil
}

// Decrypt opens a ciphertext produced by Encrypt for the same key and
// position. Returns types.ErrAuthenticationFailure on tag mismatch.
func (p StdProvider) Decrypt(key DEK, position Position, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < nonceLen {
		return nil, fmt.Errorf("crypto: ciphertext too short: %w", types.ErrAuthenticationFailure)
	}
	wantNonce := deriveNonce(key, position)
	gotNonce := ciphertext[:nonceLen]
	for i := range wantNonce {
		if wantNonce[i] != gotNonce[i] {
			return nil, fmt.Errorf("crypto: nonce mismatch for position: %w", types.ErrAuthenticationFailure)
		}
	}
	plaintext, err := gcm.Open(nil, gotNonce, ciphertext[nonceLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: %v: %w", err, types.ErrAuthenticationFailure)
	}
	return plaintext, nil
}

func newGCM(key DEK) (cipher.AEAD, error) {
	assertNonDegenerate(key[:], "dek")
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
