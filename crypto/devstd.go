package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"

	"github.com/zeebo/blake3"
	"kimberlite.dev/core/types"
)

// StdProvider is the default software Provider: SHA-256 for the chain hash,
// BLAKE3 for the internal hash, AES-256-GCM for payload encryption, and
// Ed25519 for checkpoint signatures. It does not claim FIPS compliance and
// is what every deployment uses unless a production master-key provider
// (HSMMonitor-guarded) is wired in for the key-hierarchy root.
//
// Renamed and generalized from the teacher's DevStdCryptoProvider, which
// exposed only SHA3-256 and two always-false signature verifiers; Kimberlite
// needs a real dual-hash split and real signing, not a tooling stub.
type StdProvider struct {
	signingKey ed25519.PrivateKey
}

// NewStdProvider returns a StdProvider whose Signer uses signingKey. Pass
// nil to build a verify-only provider.
func NewStdProvider(signingKey ed25519.PrivateKey) StdProvider {
	return StdProvider{signingKey: signingKey}
}

func (p StdProvider) ChainHash(prev types.ChainHash, recordBytes []byte) types.ChainHash {
	h := sha256.New()
	h.Write(prev[:])
	h.Write(recordBytes)
	var out types.ChainHash
	copy(out[:], h.Sum(nil))
	return out
}

func (p StdProvider) InternalHash(data []byte) types.InternalHash {
	return types.InternalHash(blake3.Sum256(data))
}

func (p StdProvider) Sign(message []byte) []byte {
	if len(p.signingKey) == 0 {
		return nil
	}
	return ed25519.Sign(p.signingKey, message)
}

func (p StdProvider) Verify(publicKey, message, sig []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, message, sig)
}

var _ Provider = StdProvider{}
